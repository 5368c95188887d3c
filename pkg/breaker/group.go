package breaker

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Group is a keyed registry of breakers sharing one configuration, typically
// one breaker per peer address. It is constructed and injected explicitly so
// breaker lifecycles stay owned by the application context.
type Group struct {
	cfg    Config
	logger hclog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group.
func NewGroup(cfg Config, logger hclog.Logger) *Group {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Group{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[key]; ok {
		return b
	}
	b = New(key, g.cfg, g.logger)
	g.breakers[key] = b
	return b
}

// Remove drops the breaker for key, if any.
func (g *Group) Remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, key)
}

// Len returns the number of tracked breakers.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.breakers)
}
