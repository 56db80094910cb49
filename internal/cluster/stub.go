package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dreamware/parley/internal/pool"
)

var (
	// ErrTimeout means the exchange did not complete before its deadline.
	// Timeouts are safe to retry with backoff.
	ErrTimeout = errors.New("rpc timeout")

	// ErrTransport means the peer could not be reached or the connection
	// failed mid-exchange.
	ErrTransport = errors.New("rpc transport failure")

	// ErrRejected means the peer was reachable but refused the request.
	ErrRejected = errors.New("rpc rejected")

	// ErrNotFound means the peer reported the subject does not exist.
	ErrNotFound = errors.New("rpc not found")
)

// StatusError is a non-OK reply from a reachable peer. It matches
// ErrRejected or ErrNotFound under errors.Is.
type StatusError struct {
	Status Status
	Reason string
	Code   int // HTTP status code
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("peer replied %s (%d)", e.Status, e.Code)
	}
	return fmt.Sprintf("peer replied %s (%d): %s", e.Status, e.Code, e.Reason)
}

// Is reports whether target is the sentinel for this status.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == StatusNotFound
	case ErrRejected:
		return e.Status != StatusNotFound
	}
	return false
}

// IsTransport reports whether err means the connection behind a stub should
// no longer be trusted.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// Stub is one outbound RPC connection to a single peer endpoint. A stub owns
// its own http.Transport limited to one connection, so a pool of stubs
// bounds the number of sockets open to that peer.
type Stub struct {
	client    *http.Client
	transport *http.Transport
	base      string
	endpoint  pool.Endpoint
}

const (
	stubDialTimeout = 5 * time.Second
	stubIdleTimeout = 90 * time.Second
)

// DialStub creates a stub for ep. The connection itself is established
// lazily on the first call. It satisfies pool.Factory.
func DialStub(_ context.Context, ep pool.Endpoint) (*Stub, error) {
	if ep.Host == "" || ep.Port <= 0 {
		return nil, fmt.Errorf("invalid endpoint %s", ep)
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: stubDialTimeout}).DialContext,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     stubIdleTimeout,
	}
	return &Stub{
		client:    &http.Client{Transport: tr},
		transport: tr,
		base:      "http://" + ep.Addr(),
		endpoint:  ep,
	}, nil
}

// Endpoint returns the peer the stub is bound to.
func (s *Stub) Endpoint() pool.Endpoint { return s.endpoint }

// Close drops the stub's connection.
func (s *Stub) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// Call performs one JSON request/response exchange. in may be nil for a
// bodyless request; out may be nil when the reply body is not needed.
//
// Error classification:
//   - deadline expiry → ErrTimeout
//   - dial/read/write failure → ErrTransport
//   - non-2xx reply → *StatusError (ErrRejected or ErrNotFound)
func (s *Stub) Call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classify(method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var reply Reply
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		if reply.Status == "" {
			reply.Status = StatusRejected
			if resp.StatusCode == http.StatusNotFound {
				reply.Status = StatusNotFound
			}
		}
		return &StatusError{Status: reply.Status, Reason: reply.Reason, Code: resp.StatusCode}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(method, path, err)
	}
	return nil
}

func classify(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrTimeout, err)
	}
	return fmt.Errorf("%s %s: %w: %v", method, path, ErrTransport, err)
}
