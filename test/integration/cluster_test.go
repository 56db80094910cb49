package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dreamware/parley/internal/chat"
	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/discovery"
	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/frame"
	"github.com/dreamware/parley/internal/pool"
	"github.com/dreamware/parley/internal/registry"
	"github.com/dreamware/parley/internal/session"
	"github.com/dreamware/parley/internal/storage"
)

// TestSystem is a cluster under test.
type TestSystem struct {
	t        *testing.T
	registry *registry.Registry
	balancer pool.Endpoint
	resource pool.Endpoint
	chats    map[string]*ChatNode
}

// ChatNode is one chat server and its peer RPC endpoint.
type ChatNode struct {
	Name   string
	Server *session.Server
	rpc    *httptest.Server
}

// NewTestSystem starts a balancer and a resource server.
func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	reg := registry.New(nil, nil)
	assigner, err := registry.NewAssigner(reg.Instances, 64)
	require.NoError(t, err)
	balancerMux := http.NewServeMux()
	registry.NewAPI(reg, assigner, nil).Register(balancerMux)
	balancer := httptest.NewServer(balancerMux)
	t.Cleanup(balancer.Close)

	resourceMux := http.NewServeMux()
	storage.NewHandler(storage.NewMemoryUserStore(bcrypt.MinCost), nil).Register(resourceMux)
	resource := httptest.NewServer(resourceMux)
	t.Cleanup(resource.Close)

	ts := &TestSystem{t: t, registry: reg, chats: make(map[string]*ChatNode)}
	ts.balancer, err = pool.ParseEndpoint("balancer", balancer.Listener.Addr().String())
	require.NoError(t, err)
	ts.resource, err = pool.ParseEndpoint("resource", resource.Listener.Addr().String())
	require.NoError(t, err)
	return ts
}

func newStubs(t *testing.T) *discovery.StubPool {
	stubs := discovery.NewStubPool(pool.Config{Capacity: 4, Wait: time.Second})
	t.Cleanup(stubs.Close)
	return stubs
}

// AddChat starts a chat server named name and registers both of its
// endpoints with the balancer.
func (ts *TestSystem) AddChat(name string, cfg session.Config) *ChatNode {
	t := ts.t
	t.Helper()

	caller := discovery.NewCaller(newStubs(t), time.Second, nil)
	reg := discovery.NewRegistry(caller, ts.balancer, cluster.KindChat, nil)
	handlers := chat.NewHandlers(
		discovery.NewResource(caller, discovery.Static(ts.resource)),
		discovery.NewPeers(caller, reg, name, nil),
		zap.NewNop())

	ln, err := frame.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	srv, err := session.NewServer(cfg, ln, handlers.Table(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	mux := http.NewServeMux()
	chat.NewPeerAPI(srv, nil).Register(mux)
	rpc := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
		rpc.Close()
	})

	rpcEP, err := pool.ParseEndpoint(name, rpc.Listener.Addr().String())
	require.NoError(t, err)
	clientEP, err := pool.ParseEndpoint(name, srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, reg.RegisterRPCServer(ctx, name, rpcEP.Host, rpcEP.Port))
	require.NoError(t, reg.RegisterInstance(ctx, name, clientEP.Host, clientEP.Port))

	node := &ChatNode{Name: name, Server: srv, rpc: rpc}
	ts.chats[name] = node
	return node
}

// Client is a framed connection to a chat server.
type Client struct {
	t      *testing.T
	conn   frame.Conn
	frames chan frame.Frame
	closed chan struct{}
}

// Dial connects to node and starts reading frames in the background.
func (n *ChatNode) Dial(t *testing.T) *Client {
	t.Helper()
	conn, err := frame.DialTCP(context.Background(), n.Server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &Client{t: t, conn: conn, frames: make(chan frame.Frame, 256), closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	return c
}

// Send writes one request.
func (c *Client) Send(typ dispatch.Type, payload any) {
	c.t.Helper()
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, c.conn.WriteFrame(frame.Frame{Type: uint16(typ), Payload: raw}))
}

// Next waits for the next frame of type typ, skipping any others.
func (c *Client) Next(typ dispatch.Type) frame.Frame {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Type == uint16(typ) {
				return f
			}
		case <-c.closed:
			c.t.Fatalf("connection closed waiting for frame type %#x", uint16(typ))
		case <-timeout:
			c.t.Fatalf("timed out waiting for frame type %#x", uint16(typ))
		}
	}
}

// Request sends a request and decodes its reply.
func (c *Client) Request(typ dispatch.Type, payload any) chat.Reply {
	c.t.Helper()
	c.Send(typ, payload)
	var reply chat.Reply
	require.NoError(c.t, json.Unmarshal(c.Next(typ.Reply()).Payload, &reply))
	return reply
}

// ExpectClosed waits for the server to close the connection.
func (c *Client) ExpectClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		c.t.Fatal("connection was not closed by the server")
	}
}

func creds(user string) chat.Credentials {
	return chat.Credentials{Username: user, Password: user + "-secret"}
}

func defaultSessionConfig() session.Config {
	return session.Config{HeartbeatInterval: time.Hour, SessionTimeout: 2 * time.Hour}
}

// TestCrossServerSingleLogin logs the same user in on two chat servers and
// checks that the first session is closed by its own server.
func TestCrossServerSingleLogin(t *testing.T) {
	ts := NewTestSystem(t)
	a := ts.AddChat("chat-a", defaultSessionConfig())
	b := ts.AddChat("chat-b", defaultSessionConfig())

	first := a.Dial(t)
	reply := first.Request(chat.TypeRegister, creds("alice"))
	require.Equal(t, chat.StatusOK, reply.Status)
	uuid := reply.UUID

	reply = first.Request(chat.TypeLogin, creds("alice"))
	require.Equal(t, chat.StatusOK, reply.Status)
	assert.Equal(t, uuid, reply.UUID)

	second := b.Dial(t)
	reply = second.Request(chat.TypeLogin, creds("alice"))
	require.Equal(t, chat.StatusOK, reply.Status)

	first.ExpectClosed()
	require.Eventually(t, func() bool {
		_, ok := a.Server.SessionFor(uuid)
		return !ok
	}, time.Second, 5*time.Millisecond)

	sess, ok := b.Server.SessionFor(uuid)
	require.True(t, ok)
	assert.Equal(t, reply.Session, sess.ID())

	who := second.Request(chat.TypeWhoami, nil)
	assert.Equal(t, uuid, who.UUID)
}

// TestIdleSessionEvicted covers a client that stops sending heartbeats
// while another keeps its session alive.
func TestIdleSessionEvicted(t *testing.T) {
	ts := NewTestSystem(t)
	node := ts.AddChat("chat-a", session.Config{
		HeartbeatInterval: 20 * time.Millisecond,
		SessionTimeout:    100 * time.Millisecond,
	})

	idle := node.Dial(t)
	require.Equal(t, chat.StatusOK, idle.Request(chat.TypeRegister, creds("idle")).Status)
	login := idle.Request(chat.TypeLogin, creds("idle"))
	require.Equal(t, chat.StatusOK, login.Status)

	busy := node.Dial(t)
	require.Equal(t, chat.StatusOK, busy.Request(chat.TypeRegister, creds("busy")).Status)
	busyLogin := busy.Request(chat.TypeLogin, creds("busy"))
	require.Equal(t, chat.StatusOK, busyLogin.Status)

	stop := make(chan struct{})
	beats := make(chan struct{})
	go func() {
		defer close(beats)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = busy.conn.WriteFrame(frame.Frame{Type: uint16(chat.TypeHeartbeat)})
			}
		}
	}()

	idle.ExpectClosed()
	require.Eventually(t, func() bool {
		_, ok := node.Server.SessionFor(login.UUID)
		return !ok && !node.Server.InZone(login.Session)
	}, time.Second, 5*time.Millisecond)

	close(stop)
	<-beats

	sess, ok := node.Server.SessionFor(busyLogin.UUID)
	require.True(t, ok, "heartbeating session survives")
	assert.Equal(t, session.StateActive, sess.State())
	assert.Equal(t, 1, node.Server.ActiveCount())
}

// TestSameServerDuplicateLogin logs in twice on one server and checks that
// at most one session for the user is ever active.
func TestSameServerDuplicateLogin(t *testing.T) {
	ts := NewTestSystem(t)
	node := ts.AddChat("chat-a", defaultSessionConfig())

	first := node.Dial(t)
	require.Equal(t, chat.StatusOK, first.Request(chat.TypeRegister, creds("bob")).Status)
	one := first.Request(chat.TypeLogin, creds("bob"))
	require.Equal(t, chat.StatusOK, one.Status)

	second := node.Dial(t)
	two := second.Request(chat.TypeLogin, creds("bob"))
	require.Equal(t, chat.StatusOK, two.Status)
	assert.Equal(t, one.UUID, two.UUID)
	assert.NotEqual(t, one.Session, two.Session)

	first.ExpectClosed()
	sess, ok := node.Server.SessionFor(two.UUID)
	require.True(t, ok)
	assert.Equal(t, two.Session, sess.ID())
	_, ok = node.Server.Lookup(one.Session)
	assert.False(t, ok)
}

// TestFailedLoginsCloseConnection checks the failed-login limit end to end.
func TestFailedLoginsCloseConnection(t *testing.T) {
	ts := NewTestSystem(t)
	node := ts.AddChat("chat-a", defaultSessionConfig())

	c := node.Dial(t)
	require.Equal(t, chat.StatusOK, c.Request(chat.TypeRegister, creds("carol")).Status)

	wrong := chat.Credentials{Username: "carol", Password: "nope"}
	for i := 1; i < chat.MaxFailedLogins; i++ {
		assert.Equal(t, chat.StatusRejected, c.Request(chat.TypeLogin, wrong).Status)
	}
	c.Send(chat.TypeLogin, wrong)
	c.ExpectClosed()
}

// TestDirectMessageAndLogout delivers a message between two users on the
// same server and then logs the recipient out.
func TestDirectMessageAndLogout(t *testing.T) {
	ts := NewTestSystem(t)
	node := ts.AddChat("chat-a", defaultSessionConfig())

	alice := node.Dial(t)
	require.Equal(t, chat.StatusOK, alice.Request(chat.TypeRegister, creds("alice")).Status)
	require.Equal(t, chat.StatusOK, alice.Request(chat.TypeLogin, creds("alice")).Status)

	bob := node.Dial(t)
	require.Equal(t, chat.StatusOK, bob.Request(chat.TypeRegister, creds("bob")).Status)
	bobLogin := bob.Request(chat.TypeLogin, creds("bob"))
	require.Equal(t, chat.StatusOK, bobLogin.Status)

	reply := alice.Request(chat.TypeDirect, chat.DirectMessage{To: bobLogin.UUID, Body: "hi"})
	assert.Equal(t, chat.StatusOK, reply.Status)

	var got chat.Delivery
	require.NoError(t, json.Unmarshal(bob.Next(chat.TypeDeliver).Payload, &got))
	assert.Equal(t, "hi", got.Body)

	assert.Equal(t, chat.StatusOK, bob.Request(chat.TypeLogout, nil).Status)
	bob.ExpectClosed()

	reply = alice.Request(chat.TypeDirect, chat.DirectMessage{To: bobLogin.UUID, Body: "still there?"})
	assert.Equal(t, chat.StatusNotFound, reply.Status)
}

// TestBalancerAssignsLeastLoaded checks load reports feed assignment.
func TestBalancerAssignsLeastLoaded(t *testing.T) {
	ts := NewTestSystem(t)
	ts.AddChat("chat-a", defaultSessionConfig())
	ts.AddChat("chat-b", defaultSessionConfig())

	caller := discovery.NewCaller(newStubs(t), time.Second, nil)
	client := discovery.NewRegistry(caller, ts.balancer, cluster.KindChat, nil)
	ctx := context.Background()

	require.NoError(t, client.ReportLoad(ctx, "chat-a", 10))
	require.NoError(t, client.ReportLoad(ctx, "chat-b", 3))

	p, err := client.Assign(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "chat-b", p.Name)

	peers, err := client.PeerRPCServers(ctx, "chat-a")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "chat-b", peers[0].Name)

	require.NoError(t, client.InstanceShutdown(ctx, "chat-b"))
	p, err = client.Assign(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, "chat-a", p.Name)
}

// TestPoolExhaustionBounded acquires one more handle than the pool holds
// and checks the extra caller fails after the wait bound.
func TestPoolExhaustionBounded(t *testing.T) {
	const capacity = 3
	wait := 150 * time.Millisecond
	p := pool.New[int](pool.Config{Capacity: capacity, Wait: wait},
		func(context.Context, pool.Endpoint) (int, error) { return 1, nil }, nil)
	t.Cleanup(p.Close)
	ep := pool.Endpoint{Name: "res", Host: "127.0.0.1", Port: 9000}

	release := make(chan struct{})
	held := make(chan struct{}, capacity)
	results := make(chan error, capacity+1)
	for i := 0; i < capacity; i++ {
		go func() {
			results <- p.With(context.Background(), ep, func(*pool.Handle[int]) error {
				held <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < capacity; i++ {
		<-held
	}

	start := time.Now()
	err := p.With(context.Background(), ep, func(*pool.Handle[int]) error { return nil })
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.GreaterOrEqual(t, elapsed, wait)
	assert.Less(t, elapsed, wait+time.Second)

	close(release)
	for i := 0; i < capacity; i++ {
		assert.NoError(t, <-results)
	}
	assert.Equal(t, pool.Stats{InUse: 0, Idle: capacity}, p.Stats(ep))
}
