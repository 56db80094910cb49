// Package discovery is the client side of the cluster's control plane.
//
// # Overview
//
// A Caller runs one request/response exchange over a pooled stub with a
// per-call deadline. The typed facades are built on it:
//
//   - Registry: register, list and withdraw presence at the balancer
//   - Resource: RegisterUser, LoginUser and LogoutUser on a resource server
//   - Peers: ask other chat servers to terminate a user's session
//
// All facades in a process share one StubPool so that the per-endpoint
// capacity bound holds across them.
//
// # Error Handling
//
// Errors wrap the cluster sentinels, so callers branch with errors.Is:
//
//	uuid, err := res.LoginUser(ctx, name, pw)
//	switch {
//	case errors.Is(err, cluster.ErrNotFound):   // unknown user
//	case errors.Is(err, cluster.ErrRejected):   // wrong password
//	case errors.Is(err, cluster.ErrTimeout):    // retry with backoff
//	case errors.Is(err, pool.ErrExhausted):     // retry with backoff
//	}
//
// Timeouts and transport failures discard the stub that observed them.
package discovery
