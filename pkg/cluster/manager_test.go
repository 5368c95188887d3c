package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easynet-cn/batata-sub004/pkg/breaker"
)

// fakeTransport is a programmable in-memory Transport. Dial and Invoke
// behavior is controlled per test via the fail functions.
type fakeTransport struct {
	mu         sync.Mutex
	dials      int
	dialErr    func(dial int) error
	invokeErr  func(invoke int) error
	invokes    int
	lastTarget string
}

func (t *fakeTransport) Dial(_ context.Context, target string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.lastTarget = target
	if t.dialErr != nil {
		if err := t.dialErr(t.dials); err != nil {
			return nil, err
		}
	}
	return &fakeConn{t: t}, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type fakeConn struct {
	t      *fakeTransport
	closed bool
}

func (c *fakeConn) Invoke(_ context.Context, req *Request) (*Response, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.invokes++
	if c.t.invokeErr != nil {
		if err := c.t.invokeErr(c.t.invokes); err != nil {
			return nil, err
		}
	}
	return &Response{ID: req.ID, Success: true, Message: "ok"}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testManager(t *testing.T, transport Transport, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	group := breaker.NewGroup(breaker.DefaultConfig(), nil)
	return NewManager(cfg, "10.0.0.1:8848", transport, group, nil)
}

// TestGrpcAddressDerivation verifies the deterministic advertised-port to
// RPC-port mapping and its rejection of malformed addresses.
func TestGrpcAddressDerivation(t *testing.T) {
	m := testManager(t, &fakeTransport{}, nil)

	addr, ok := m.GrpcAddress("192.168.1.1:8848")
	require.True(t, ok)
	assert.Equal(t, "http://192.168.1.1:9849", addr)

	_, ok = m.GrpcAddress("192.168.1.1")
	assert.False(t, ok, "address without a port must not resolve")

	_, ok = m.GrpcAddress("192.168.1.1:notaport")
	assert.False(t, ok)
}

// TestSelfConnectionRejected verifies both the pool and the send path fail
// fast on the local address without touching the transport.
func TestSelfConnectionRejected(t *testing.T) {
	ft := &fakeTransport{}
	m := testManager(t, ft, nil)
	ctx := context.Background()

	_, err := m.GetConnection(ctx, "10.0.0.1:8848")
	assert.ErrorIs(t, err, ErrSelfConnection)

	req, err := NewRequest(RequestPing, m.LocalAddress(), nil)
	require.NoError(t, err)
	_, err = m.SendRequest(ctx, "10.0.0.1:8848", req)
	assert.ErrorIs(t, err, ErrSelfConnection)
	assert.Zero(t, ft.dialCount())
}

// TestGetConnectionCaches verifies a second GetConnection reuses the pooled
// channel instead of dialing again.
func TestGetConnectionCaches(t *testing.T) {
	ft := &fakeTransport{}
	m := testManager(t, ft, nil)
	ctx := context.Background()

	c1, err := m.GetConnection(ctx, "10.0.0.2:8848")
	require.NoError(t, err)
	c2, err := m.GetConnection(ctx, "10.0.0.2:8848")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, ft.dialCount())
	assert.Equal(t, "10.0.0.2:9849", ft.lastTarget, "pool must dial the derived RPC port")
	assert.Equal(t, 1, m.ConnectionCount())
}

// TestSendRequestRetriesWithEviction verifies failed attempts evict the
// connection so the next attempt dials fresh, and that a later attempt can
// still succeed within the retry budget.
func TestSendRequestRetriesWithEviction(t *testing.T) {
	ft := &fakeTransport{}
	ft.invokeErr = func(invoke int) error {
		if invoke <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	m := testManager(t, ft, nil)

	req, err := NewRequest(RequestInstanceSync, m.LocalAddress(), map[string]string{"service": "orders"})
	require.NoError(t, err)

	resp, err := m.SendRequest(context.Background(), "10.0.0.2:8848", req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, ft.dialCount(), "each failed attempt must evict and redial")
}

// TestSendRequestSurfacesLastError verifies retry exhaustion returns the
// final underlying error and records a breaker failure.
func TestSendRequestSurfacesLastError(t *testing.T) {
	ft := &fakeTransport{}
	ft.invokeErr = func(int) error { return errors.New("connection refused") }
	m := testManager(t, ft, func(cfg *Config) { cfg.MaxRetries = 2 })

	req, err := NewRequest(RequestPing, m.LocalAddress(), nil)
	require.NoError(t, err)

	_, err = m.SendRequest(context.Background(), "10.0.0.2:8848", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, uint32(1), m.breakers.Get("10.0.0.2:8848").Failures())
}

// TestSendRequestBreakerGate verifies an open breaker short-circuits the send
// before any transport activity.
func TestSendRequestBreakerGate(t *testing.T) {
	ft := &fakeTransport{}
	m := testManager(t, ft, nil)

	br := m.breakers.Get("10.0.0.2:8848")
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	req, err := NewRequest(RequestPing, m.LocalAddress(), nil)
	require.NoError(t, err)
	_, err = m.SendRequest(context.Background(), "10.0.0.2:8848", req)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Zero(t, ft.dialCount())
}

// TestBroadcastSkipsSelfAndCollectsAll verifies the fan-out excludes the
// local node and reports per-member outcomes independently.
func TestBroadcastSkipsSelfAndCollectsAll(t *testing.T) {
	ft := &fakeTransport{}
	m := testManager(t, ft, nil)

	members := []Member{
		{Address: "10.0.0.1:8848", Healthy: true}, // self
		{Address: "10.0.0.2:8848", Healthy: true},
		{Address: "10.0.0.3:8848", Healthy: true},
	}
	req, err := NewRequest(RequestHealthReport, m.LocalAddress(), nil)
	require.NoError(t, err)

	results := m.Broadcast(context.Background(), members, req)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, m.LocalAddress(), r.Address)
		assert.NoError(t, r.Err)
		require.NotNil(t, r.Response)
		assert.True(t, r.Response.Success)
	}
}

// TestBroadcastIsolatesFailures verifies one failing member never aborts
// delivery to the others.
func TestBroadcastIsolatesFailures(t *testing.T) {
	badTransport := &fakeTransport{}
	badTransport.dialErr = func(int) error { return errors.New("no route to host") }

	// Route dials per target: .2 always fails, .3 succeeds.
	ft := &routingTransport{
		bad:  badTransport,
		good: &fakeTransport{},
	}
	m := testManager(t, ft, func(cfg *Config) { cfg.MaxRetries = 1 })

	members := []Member{
		{Address: "10.0.0.2:8848"},
		{Address: "10.0.0.3:8848"},
	}
	req, err := NewRequest(RequestPing, m.LocalAddress(), nil)
	require.NoError(t, err)

	results := m.Broadcast(context.Background(), members, req)
	require.Len(t, results, 2)

	byAddr := map[string]BroadcastResult{}
	for _, r := range results {
		byAddr[r.Address] = r
	}
	assert.Error(t, byAddr["10.0.0.2:8848"].Err)
	assert.NoError(t, byAddr["10.0.0.3:8848"].Err)
}

// routingTransport sends 10.0.0.2 dials to the failing transport and
// everything else to the good one.
type routingTransport struct {
	bad  Transport
	good Transport
}

func (t *routingTransport) Dial(ctx context.Context, target string) (Conn, error) {
	if target == "10.0.0.2:9849" {
		return t.bad.Dial(ctx, target)
	}
	return t.good.Dial(ctx, target)
}

// TestCleanupIdleConnections verifies reaping removes a connection exactly
// when it has been idle past the timeout, and that use resets the clock.
func TestCleanupIdleConnections(t *testing.T) {
	ft := &fakeTransport{}
	m := testManager(t, ft, func(cfg *Config) { cfg.IdleTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	_, err := m.GetConnection(ctx, "10.0.0.2:8848")
	require.NoError(t, err)
	_, err = m.GetConnection(ctx, "10.0.0.3:8848")
	require.NoError(t, err)

	assert.Zero(t, m.CleanupIdleConnections(), "fresh connections must survive")

	time.Sleep(60 * time.Millisecond)

	// Touch one connection; the other stays idle past the timeout.
	_, err = m.GetConnection(ctx, "10.0.0.2:8848")
	require.NoError(t, err)

	assert.Equal(t, 1, m.CleanupIdleConnections())
	assert.Equal(t, 1, m.ConnectionCount())

	_, err = m.GetConnection(ctx, "10.0.0.2:8848")
	require.NoError(t, err)
	assert.Equal(t, 2, ft.dialCount(), "surviving connection must still be pooled")
}
