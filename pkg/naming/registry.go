// Package naming holds the in-memory instance registry consumed by the
// health checker. It covers only the narrow surface the resilience core
// needs; config CRUD and persistence live elsewhere.
package naming

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
)

// instanceRecord is one registered instance plus registry bookkeeping.
type instanceRecord struct {
	id       string
	instance healthcheck.Instance
	lastBeat time.Time
}

// serviceEntry groups one service's cluster configs and instances.
type serviceEntry struct {
	clusters  map[string]healthcheck.ClusterConfig
	instances map[string]*instanceRecord // keyed cluster|ip:port
}

// Registry is a concurrent in-memory service/instance directory implementing
// healthcheck.Registry.
type Registry struct {
	logger hclog.Logger

	mu       sync.RWMutex
	services map[string]*serviceEntry // keyed namespace##group@@service
}

// NewRegistry creates an empty registry.
func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger:   logger,
		services: make(map[string]*serviceEntry),
	}
}

func instanceKey(cluster, ip string, port int) string {
	return fmt.Sprintf("%s|%s:%d", cluster, ip, port)
}

// RegisterInstance adds or replaces an instance and returns its registry ID.
// The instance's cluster gets a TCP-on-instance-port check config unless one
// was set explicitly.
func (r *Registry) RegisterInstance(inst healthcheck.Instance) string {
	key := healthcheck.BuildServiceKey(inst.Namespace, inst.Group, inst.Service)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[key]
	if !ok {
		entry = &serviceEntry{
			clusters:  make(map[string]healthcheck.ClusterConfig),
			instances: make(map[string]*instanceRecord),
		}
		r.services[key] = entry
	}
	if _, ok := entry.clusters[inst.Cluster]; !ok {
		entry.clusters[inst.Cluster] = healthcheck.ClusterConfig{
			Name:            inst.Cluster,
			CheckType:       healthcheck.CheckTypeTCP,
			UseInstancePort: true,
		}
	}

	ik := instanceKey(inst.Cluster, inst.IP, inst.Port)
	rec, ok := entry.instances[ik]
	if !ok {
		rec = &instanceRecord{id: uuid.NewString()}
		entry.instances[ik] = rec
	}
	rec.instance = inst
	rec.lastBeat = time.Now()

	r.logger.Info("instance registered",
		"service", key,
		"cluster", inst.Cluster,
		"instance", inst.Addr())
	return rec.id
}

// DeregisterInstance removes an instance; unknown instances are ignored.
func (r *Registry) DeregisterInstance(namespace, group, service, ip string, port int, cluster string) {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[key]
	if !ok {
		return
	}
	ik := instanceKey(cluster, ip, port)
	if _, ok := entry.instances[ik]; !ok {
		return
	}
	delete(entry.instances, ik)
	r.logger.Info("instance deregistered",
		"service", key,
		"cluster", cluster,
		"instance", fmt.Sprintf("%s:%d", ip, port))
}

// SetClusterConfig installs or replaces a cluster's health-check config.
func (r *Registry) SetClusterConfig(namespace, group, service string, cc healthcheck.ClusterConfig) {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[key]
	if !ok {
		entry = &serviceEntry{
			clusters:  make(map[string]healthcheck.ClusterConfig),
			instances: make(map[string]*instanceRecord),
		}
		r.services[key] = entry
	}
	entry.clusters[cc.Name] = cc
}

// GetAllServiceKeys lists every registered service key.
func (r *Registry) GetAllServiceKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.services))
	for key := range r.services {
		keys = append(keys, key)
	}
	return keys
}

// GetAllClusterConfigs returns the cluster configs of one service.
func (r *Registry) GetAllClusterConfigs(namespace, group, service string) []healthcheck.ClusterConfig {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[key]
	if !ok {
		return nil
	}
	configs := make([]healthcheck.ClusterConfig, 0, len(entry.clusters))
	for _, cc := range entry.clusters {
		configs = append(configs, cc)
	}
	return configs
}

// GetInstances returns one cluster's instances, optionally filtering the
// unhealthy ones out.
func (r *Registry) GetInstances(namespace, group, service, cluster string, includeUnhealthy bool) []healthcheck.Instance {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[key]
	if !ok {
		return nil
	}
	out := make([]healthcheck.Instance, 0, len(entry.instances))
	for _, rec := range entry.instances {
		if rec.instance.Cluster != cluster {
			continue
		}
		if !includeUnhealthy && !rec.instance.Healthy {
			continue
		}
		out = append(out, rec.instance)
	}
	return out
}

// Heartbeat refreshes an instance's liveness timestamp. Returns false for
// unknown instances.
func (r *Registry) Heartbeat(namespace, group, service, ip string, port int, cluster string) bool {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[key]
	if !ok {
		return false
	}
	rec, ok := entry.instances[instanceKey(cluster, ip, port)]
	if !ok {
		return false
	}
	rec.lastBeat = time.Now()
	return true
}

// UpdateInstanceHealth writes a health verdict back to the instance.
func (r *Registry) UpdateInstanceHealth(namespace, group, service, ip string, port int, cluster string, healthy bool) error {
	key := healthcheck.BuildServiceKey(namespace, group, service)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[key]
	if !ok {
		return fmt.Errorf("unknown service %s", key)
	}
	rec, ok := entry.instances[instanceKey(cluster, ip, port)]
	if !ok {
		return fmt.Errorf("unknown instance %s:%d in %s/%s", ip, port, key, cluster)
	}
	rec.instance.Healthy = healthy
	return nil
}

// Counts returns the number of services and instances currently registered.
func (r *Registry) Counts() (services, instances int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services = len(r.services)
	for _, entry := range r.services {
		instances += len(entry.instances)
	}
	return services, instances
}
