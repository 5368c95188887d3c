package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Checker drives the periodic probe loop. Each sweep enumerates every
// service key, probes each enabled instance of each actively-checked
// cluster, and waits for a cluster's whole probe batch before moving on.
// Probe failures are folded into hysteresis counters, never surfaced as
// errors; the registry is written only when a verdict actually flips.
type Checker struct {
	cfg      Config
	registry Registry
	logger   hclog.Logger

	statuses sync.Map // statusKey -> *instanceState

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// instanceState holds one instance's hysteresis counters. Updates take a
// short per-entry lock that never spans a probe.
type instanceState struct {
	mu                 sync.Mutex
	healthy            bool
	failCount          uint32
	successCount       uint32
	lastCheck          time.Time
	lastSuccess        time.Time
	lastFailureMessage string
}

// NewChecker creates a checker over the given registry.
func NewChecker(cfg Config, registry Registry, logger hclog.Logger) *Checker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Checker{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}
}

// Start launches the probe loop. Idempotent: a second Start while running is
// a no-op.
func (c *Checker) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("instance health checker started",
		"interval", c.cfg.CheckInterval.String(),
		"timeout", c.cfg.CheckTimeout.String())
}

// Stop halts the probe loop and waits for the in-flight sweep. Idempotent.
func (c *Checker) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("instance health checker stopped")
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.sweep()
		select {
		case <-time.After(c.cfg.CheckInterval):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep probes every actively-checked instance of every service once.
func (c *Checker) sweep() {
	for _, key := range c.registry.GetAllServiceKeys() {
		namespace, group, service, ok := ParseServiceKey(key)
		if !ok {
			c.logger.Warn("skipping malformed service key", "key", key)
			continue
		}
		for _, cc := range c.registry.GetAllClusterConfigs(namespace, group, service) {
			if cc.CheckType == CheckTypeNone || cc.CheckType == "" {
				continue
			}
			instances := c.registry.GetInstances(namespace, group, service, cc.Name, true)

			// Spawn the whole cluster batch, then join it before the next
			// cluster. Probes within a batch are unordered.
			var wg sync.WaitGroup
			for _, inst := range instances {
				if !inst.Enabled || inst.Marked {
					continue
				}
				wg.Add(1)
				go func(inst Instance, cc ClusterConfig) {
					defer wg.Done()
					c.checkInstance(key, inst, cc)
				}(inst, cc)
			}
			wg.Wait()
		}
	}
}

// checkInstance probes one instance and applies the outcome. A panic in one
// probe is contained so sibling probes keep running.
func (c *Checker) checkInstance(serviceKey string, inst Instance, cc ClusterConfig) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("probe panicked",
				"instance", inst.Addr(),
				"cluster", cc.Name,
				"panic", r)
		}
	}()
	result := c.probe(inst, cc)
	c.apply(serviceKey, inst, result)
}

// probe runs one raw probe against the resolved check port.
func (c *Checker) probe(inst Instance, cc ClusterConfig) Result {
	addr := fmt.Sprintf("%s:%d", inst.IP, checkPort(inst, cc))
	switch cc.CheckType {
	case CheckTypeHTTP:
		return probeHTTP(addr, cc.CheckPath, c.cfg.CheckTimeout)
	default:
		return probeTCP(addr, c.cfg.CheckTimeout)
	}
}

// ForceCheck probes one instance immediately and returns the raw result
// without touching hysteresis state. Diagnostic use only.
func (c *Checker) ForceCheck(inst Instance, cc ClusterConfig) Result {
	return c.probe(inst, cc)
}

// checkPort resolves which port to probe: the cluster's configured port
// unless the cluster reuses the instance's own.
func checkPort(inst Instance, cc ClusterConfig) int {
	if cc.UseInstancePort || cc.CheckPort <= 0 {
		return inst.Port
	}
	return cc.CheckPort
}

func statusKey(serviceKey string, inst Instance) string {
	return fmt.Sprintf("%s|%s|%s:%d", serviceKey, inst.Cluster, inst.IP, inst.Port)
}

// apply folds a probe result into the instance's hysteresis state and writes
// the verdict back to the registry only when it flips.
func (c *Checker) apply(serviceKey string, inst Instance, result Result) {
	v, _ := c.statuses.LoadOrStore(statusKey(serviceKey, inst), &instanceState{healthy: true})
	st := v.(*instanceState)

	now := time.Now()
	var flipped bool
	var healthy bool

	st.mu.Lock()
	st.lastCheck = now
	if result.Healthy {
		st.failCount = 0
		st.successCount++
		st.lastSuccess = now
		if !st.healthy && st.successCount >= c.cfg.HealthyThreshold {
			st.healthy = true
			flipped = true
		}
	} else {
		st.successCount = 0
		st.failCount++
		st.lastFailureMessage = result.Message
		if st.healthy && st.failCount >= c.cfg.UnhealthyThreshold {
			st.healthy = false
			flipped = true
		}
	}
	healthy = st.healthy
	failCount := st.failCount
	successCount := st.successCount
	st.mu.Unlock()

	if !flipped {
		return
	}

	if healthy {
		c.logger.Info("instance recovered",
			"instance", inst.Addr(),
			"cluster", inst.Cluster,
			"service", serviceKey,
			"successes", successCount,
			"threshold", c.cfg.HealthyThreshold)
		c.registry.Heartbeat(inst.Namespace, inst.Group, inst.Service, inst.IP, inst.Port, inst.Cluster)
	} else {
		c.logger.Warn("instance unhealthy",
			"instance", inst.Addr(),
			"cluster", inst.Cluster,
			"service", serviceKey,
			"failures", failCount,
			"threshold", c.cfg.UnhealthyThreshold,
			"last_error", result.Message)
	}
	if err := c.registry.UpdateInstanceHealth(inst.Namespace, inst.Group, inst.Service, inst.IP, inst.Port, inst.Cluster, healthy); err != nil {
		c.logger.Error("health write-back failed",
			"instance", inst.Addr(),
			"healthy", healthy,
			"error", err)
	}
}

// Status returns the hysteresis snapshot for one instance, if it has ever
// been probed.
func (c *Checker) Status(serviceKey string, inst Instance) (InstanceStatus, bool) {
	v, ok := c.statuses.Load(statusKey(serviceKey, inst))
	if !ok {
		return InstanceStatus{}, false
	}
	st := v.(*instanceState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return InstanceStatus{
		Healthy:            st.healthy,
		FailCount:          st.failCount,
		SuccessCount:       st.successCount,
		LastCheck:          st.lastCheck,
		LastSuccess:        st.lastSuccess,
		LastFailureMessage: st.lastFailureMessage,
	}, true
}
