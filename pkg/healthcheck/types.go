// Package healthcheck actively probes registered service instances over TCP
// and HTTP and folds the outcomes into hysteresis-guarded health verdicts.
package healthcheck

import (
	"fmt"
	"strings"
	"time"
)

// CheckType selects the probe protocol for a cluster.
type CheckType string

const (
	CheckTypeTCP  CheckType = "TCP"
	CheckTypeHTTP CheckType = "HTTP"
	CheckTypeNone CheckType = "NONE"
)

// ClusterConfig is the health-check configuration of one service cluster.
type ClusterConfig struct {
	Name string
	// CheckType selects TCP, HTTP, or no active checking.
	CheckType CheckType
	// CheckPort is probed instead of the instance port, unless
	// UseInstancePort is set or no explicit port is configured.
	CheckPort int
	// UseInstancePort probes each instance's own advertised port.
	UseInstancePort bool
	// CheckPath is the request path for HTTP probes.
	CheckPath string
}

// Instance is one registered service instance as seen by the checker.
type Instance struct {
	Namespace string
	Group     string
	Service   string
	Cluster   string
	IP        string
	Port      int
	// Enabled gates traffic and probing; disabled instances are skipped.
	Enabled bool
	// Marked excludes the instance from active checks (client-managed health).
	Marked  bool
	Healthy bool
}

// Addr returns the instance's advertised ip:port.
func (i Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.IP, i.Port)
}

// Registry is the narrow surface of the naming registry the checker needs:
// enumerate what to probe and write verdicts back.
type Registry interface {
	GetAllServiceKeys() []string
	GetAllClusterConfigs(namespace, group, service string) []ClusterConfig
	GetInstances(namespace, group, service, cluster string, includeUnhealthy bool) []Instance
	Heartbeat(namespace, group, service, ip string, port int, cluster string) bool
	UpdateInstanceHealth(namespace, group, service, ip string, port int, cluster string, healthy bool) error
}

// BuildServiceKey formats the registry key for a service,
// "namespace##group@@service".
func BuildServiceKey(namespace, group, service string) string {
	return namespace + "##" + group + "@@" + service
}

// ParseServiceKey splits a registry service key back into its parts.
func ParseServiceKey(key string) (namespace, group, service string, ok bool) {
	namespace, rest, found := strings.Cut(key, "##")
	if !found {
		return "", "", "", false
	}
	group, service, found = strings.Cut(rest, "@@")
	if !found || namespace == "" || group == "" || service == "" {
		return "", "", "", false
	}
	return namespace, group, service, true
}

// Result is the raw outcome of one probe.
type Result struct {
	Healthy bool
	Message string
	Elapsed time.Duration
}

// InstanceStatus is a point-in-time snapshot of one instance's hysteresis
// state.
type InstanceStatus struct {
	Healthy            bool
	FailCount          uint32
	SuccessCount       uint32
	LastCheck          time.Time
	LastSuccess        time.Time
	LastFailureMessage string
}

// Config controls the checker loop.
type Config struct {
	// CheckInterval separates full sweeps over the registry.
	CheckInterval time.Duration
	// CheckTimeout bounds every individual probe.
	CheckTimeout time.Duration
	// UnhealthyThreshold is consecutive failures before a healthy->unhealthy flip.
	UnhealthyThreshold uint32
	// HealthyThreshold is consecutive successes before an unhealthy->healthy flip.
	HealthyThreshold uint32
}

// DefaultConfig returns the standard checker configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      5 * time.Second,
		CheckTimeout:       3 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}
