package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/easynet-cn/batata-sub004/pkg/breaker"
)

var (
	// ErrSelfConnection is returned for any attempt to pool a connection to
	// the local node. Never retried.
	ErrSelfConnection = errors.New("refusing connection to local address")

	// ErrInvalidAddress is returned for addresses that do not parse as
	// host:port. Never retried.
	ErrInvalidAddress = errors.New("invalid member address")
)

// Config controls the cluster client manager.
type Config struct {
	// ConnectTimeout bounds establishing a new peer connection.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single in-flight request attempt.
	RequestTimeout time.Duration
	// MaxRetries is the total number of attempts per SendRequest.
	MaxRetries int
	// RetryDelay is slept between attempts (not after the last).
	RetryDelay time.Duration
	// IdleTimeout evicts pooled connections unused for this long.
	IdleTimeout time.Duration
	// GrpcPortOffset derives a peer's RPC port from its advertised port.
	GrpcPortOffset int
}

// DefaultConfig returns the standard client manager configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		IdleTimeout:    300 * time.Second,
		GrpcPortOffset: 1001,
	}
}

// Connection is one pooled channel to a peer address.
type Connection struct {
	Address   string
	CreatedAt time.Time

	conn     Conn
	lastUsed atomic.Int64 // unix nanos
}

func (c *Connection) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed reports when the connection was last handed out or dialed.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Invoke dispatches req on this connection, touching its idle clock.
func (c *Connection) Invoke(ctx context.Context, req *Request) (*Response, error) {
	c.touch()
	return c.conn.Invoke(ctx, req)
}

// Manager owns the pool of peer connections and the retry/broadcast logic on
// top of it. Every send is gated by a circuit breaker keyed to the target
// address, so a persistently failing peer stops consuming retries.
type Manager struct {
	cfg          Config
	localAddress string
	transport    Transport
	breakers     *breaker.Group
	logger       hclog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager for the given local address. breakers may be
// shared with other components; it must not be nil.
func NewManager(cfg Config, localAddress string, transport Transport, breakers *breaker.Group, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		cfg:          cfg,
		localAddress: localAddress,
		transport:    transport,
		breakers:     breakers,
		logger:       logger,
		conns:        make(map[string]*Connection),
		stopCh:       make(chan struct{}),
	}
}

// LocalAddress returns the advertised address of this node.
func (m *Manager) LocalAddress() string { return m.localAddress }

// GrpcAddress derives the peer RPC endpoint URL from an advertised
// service address, e.g. "192.168.1.1:8848" -> "http://192.168.1.1:9849"
// with the default offset. Returns false for addresses without a port.
func (m *Manager) GrpcAddress(address string) (string, bool) {
	host, port, ok := splitHostPort(address)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("http://%s:%d", host, port+m.cfg.GrpcPortOffset), true
}

// grpcTarget is the dialable form of the derived RPC endpoint.
func (m *Manager) grpcTarget(address string) (string, bool) {
	host, port, ok := splitHostPort(address)
	if !ok {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port+m.cfg.GrpcPortOffset)), true
}

func splitHostPort(address string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// GetConnection returns the pooled connection for address, dialing a new one
// within ConnectTimeout if none is cached. Self-connections are rejected.
func (m *Manager) GetConnection(ctx context.Context, address string) (*Connection, error) {
	if address == m.localAddress {
		return nil, ErrSelfConnection
	}
	target, ok := m.grpcTarget(address)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	m.mu.RLock()
	c, found := m.conns[address]
	m.mu.RUnlock()
	if found {
		c.touch()
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	raw, err := m.transport.Dial(dialCtx, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c = &Connection{
		Address:   address,
		CreatedAt: time.Now(),
		conn:      raw,
	}
	c.touch()

	m.mu.Lock()
	if existing, found := m.conns[address]; found {
		// Lost the dial race; keep the existing connection.
		m.mu.Unlock()
		_ = raw.Close()
		existing.touch()
		return existing, nil
	}
	m.conns[address] = c
	m.mu.Unlock()
	return c, nil
}

// RemoveConnection evicts and closes the pooled connection for address.
func (m *Manager) RemoveConnection(address string) {
	m.mu.Lock()
	c, found := m.conns[address]
	if found {
		delete(m.conns, address)
	}
	m.mu.Unlock()
	if found {
		_ = c.conn.Close()
	}
}

// ConnectionCount returns the current pool size.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SendRequest delivers req to address with up to MaxRetries attempts. A
// failed attempt evicts the connection so the next attempt dials fresh, and
// sleeps RetryDelay before retrying. The final failure is surfaced and
// recorded against the address's circuit breaker.
func (m *Manager) SendRequest(ctx context.Context, address string, req *Request) (*Response, error) {
	if address == m.localAddress {
		return nil, ErrSelfConnection
	}

	br := m.breakers.Get(address)
	if !br.Allow() {
		return nil, breaker.ErrCircuitOpen
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		resp, err := m.sendOnce(ctx, address, req)
		if err == nil {
			br.RecordSuccess()
			return resp, nil
		}
		// Validation failures never heal with a retry and are not a peer fault.
		if errors.Is(err, ErrInvalidAddress) {
			return nil, err
		}
		lastErr = err
		// A transport failure likely means the channel itself is broken.
		m.RemoveConnection(address)
		m.logger.Warn("cluster request attempt failed",
			"address", address,
			"type", string(req.Type),
			"attempt", attempt,
			"max_retries", m.cfg.MaxRetries,
			"error", err)
		if attempt < m.cfg.MaxRetries {
			select {
			case <-time.After(m.cfg.RetryDelay):
			case <-ctx.Done():
				br.RecordFailure()
				return nil, ctx.Err()
			}
		}
	}
	br.RecordFailure()
	return nil, fmt.Errorf("send to %s failed after %d attempts: %w", address, m.cfg.MaxRetries, lastErr)
}

func (m *Manager) sendOnce(ctx context.Context, address string, req *Request) (*Response, error) {
	c, err := m.GetConnection(ctx, address)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	return c.Invoke(callCtx, req)
}

// Broadcast fans req out to every member except the local node, concurrently,
// and collects per-member results. One member failing never delays or aborts
// delivery to the others.
func (m *Manager) Broadcast(ctx context.Context, members []Member, req *Request) []BroadcastResult {
	targets := make([]string, 0, len(members))
	for _, mem := range members {
		if mem.Address == m.localAddress {
			continue
		}
		targets = append(targets, mem.Address)
	}

	results := make([]BroadcastResult, len(targets))
	var wg sync.WaitGroup
	for i, addr := range targets {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			resp, err := m.SendRequest(ctx, addr, req)
			results[i] = BroadcastResult{Address: addr, Response: resp, Err: err}
		}(i, addr)
	}
	wg.Wait()
	return results
}

// CleanupIdleConnections evicts every connection unused longer than
// IdleTimeout and returns how many were removed.
func (m *Manager) CleanupIdleConnections() int {
	deadline := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var evicted []*Connection
	for addr, c := range m.conns {
		if c.LastUsed().Before(deadline) {
			delete(m.conns, addr)
			evicted = append(evicted, c)
		}
	}
	m.mu.Unlock()

	for _, c := range evicted {
		_ = c.conn.Close()
		m.logger.Info("reaped idle cluster connection",
			"address", c.Address,
			"idle_for", time.Since(c.LastUsed()).String())
	}
	return len(evicted)
}

// Start launches the background idle reaper. Idempotent.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupIdleConnections()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reaper, if running, and closes every pooled connection.
func (m *Manager) Stop() {
	if m.running.CompareAndSwap(true, false) {
		close(m.stopCh)
		m.wg.Wait()
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}
