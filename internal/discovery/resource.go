package discovery

import (
	"context"
	"net/http"

	"github.com/dreamware/parley/internal/cluster"
)

// Resource is the chat tier's facade over the resource server's user
// routes.
type Resource struct {
	caller  *Caller
	resolve Resolver
}

// NewResource creates a resource facade.
func NewResource(caller *Caller, resolve Resolver) *Resource {
	return &Resource{caller: caller, resolve: resolve}
}

// RegisterUser creates an account and returns its uuid. A taken username
// yields an error matching cluster.ErrRejected.
func (r *Resource) RegisterUser(ctx context.Context, username, password string) (string, error) {
	return r.credentials(ctx, cluster.PathUserRegister, username, password)
}

// LoginUser checks credentials and returns the user's uuid. Unknown users
// match cluster.ErrNotFound; bad passwords match cluster.ErrRejected.
func (r *Resource) LoginUser(ctx context.Context, username, password string) (string, error) {
	return r.credentials(ctx, cluster.PathUserLogin, username, password)
}

// LogoutUser records a logout. It is idempotent.
func (r *Resource) LogoutUser(ctx context.Context, uuid string) error {
	ep, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	return r.caller.Call(ctx, ep, http.MethodPost, cluster.PathUserLogout, cluster.LogoutRequest{UUID: uuid}, nil)
}

func (r *Resource) credentials(ctx context.Context, path, username, password string) (string, error) {
	ep, err := r.resolve(ctx)
	if err != nil {
		return "", err
	}
	var reply cluster.UserReply
	req := cluster.UserRequest{Username: username, Password: password}
	if err := r.caller.Call(ctx, ep, http.MethodPost, path, req, &reply); err != nil {
		return "", err
	}
	return reply.UUID, nil
}
