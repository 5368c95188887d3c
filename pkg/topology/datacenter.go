// Package topology maintains the datacenter-aware view of cluster membership
// and selects replication targets by locality.
package topology

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/easynet-cn/batata-sub004/pkg/cluster"
)

// Config controls the datacenter manager.
type Config struct {
	// LocalDatacenter is the datacenter this node runs in.
	LocalDatacenter string
	// CrossDatacenterReplication enables the one-per-remote-DC spread policy.
	CrossDatacenterReplication bool
}

// DatacenterInfo is a pure projection of the current member set for one
// datacenter. It is fully rebuilt on every membership change, never patched.
type DatacenterInfo struct {
	Name           string
	Region         string
	Zones          map[string]struct{}
	HealthyMembers int
	TotalMembers   int
	IsLocal        bool
}

// Statistics is a read-only summary of the current topology snapshot.
type Statistics struct {
	TotalDatacenters    int
	TotalRegions        int
	TotalMembers        int
	LocalMembers        int
	LocalHealthyMembers int
	RemoteDatacenters   int
}

// Manager groups cluster members by datacenter and answers replication
// target queries. Absence of eligible members degrades to shorter target
// lists; the manager itself never errors.
type Manager struct {
	cfg    Config
	logger hclog.Logger

	mu          sync.RWMutex
	members     []cluster.Member
	datacenters map[string]*DatacenterInfo
}

// NewManager creates a datacenter manager with an empty member set.
func NewManager(cfg Config, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		datacenters: make(map[string]*DatacenterInfo),
	}
}

// UpdateMembers replaces the whole topology from the given member list.
// Safe to call on every membership-change event.
func (m *Manager) UpdateMembers(members []cluster.Member) {
	snapshot := make([]cluster.Member, len(members))
	copy(snapshot, members)

	datacenters := make(map[string]*DatacenterInfo)
	for _, mem := range snapshot {
		dc, ok := datacenters[mem.Datacenter]
		if !ok {
			dc = &DatacenterInfo{
				Name:    mem.Datacenter,
				Region:  mem.Region,
				Zones:   make(map[string]struct{}),
				IsLocal: mem.Datacenter == m.cfg.LocalDatacenter,
			}
			datacenters[mem.Datacenter] = dc
		}
		if mem.Zone != "" {
			dc.Zones[mem.Zone] = struct{}{}
		}
		dc.TotalMembers++
		if mem.Healthy {
			dc.HealthyMembers++
		}
	}

	m.mu.Lock()
	m.members = snapshot
	m.datacenters = datacenters
	m.mu.Unlock()

	m.logger.Debug("topology rebuilt",
		"members", len(snapshot),
		"datacenters", len(datacenters))
}

// Datacenters returns a copy of the current datacenter projections.
func (m *Manager) Datacenters() []DatacenterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DatacenterInfo, 0, len(m.datacenters))
	for _, dc := range m.datacenters {
		cp := *dc
		cp.Zones = make(map[string]struct{}, len(dc.Zones))
		for z := range dc.Zones {
			cp.Zones[z] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}

// SelectReplicationTargets returns up to maxCount healthy members, local
// datacenter first, each pool sorted descending by locality weight.
// excludeSelf (an address, empty for none) is omitted from both pools.
func (m *Manager) SelectReplicationTargets(excludeSelf string, maxCount int) []cluster.Member {
	if maxCount <= 0 {
		return nil
	}

	m.mu.RLock()
	var local, remote []cluster.Member
	for _, mem := range m.members {
		if !mem.Healthy || mem.Address == excludeSelf {
			continue
		}
		if mem.Datacenter == m.cfg.LocalDatacenter {
			local = append(local, mem)
		} else {
			remote = append(remote, mem)
		}
	}
	m.mu.RUnlock()

	sortByWeight(local)
	sortByWeight(remote)

	targets := make([]cluster.Member, 0, maxCount)
	for _, mem := range local {
		if len(targets) == maxCount {
			return targets
		}
		targets = append(targets, mem)
	}
	for _, mem := range remote {
		if len(targets) == maxCount {
			return targets
		}
		targets = append(targets, mem)
	}
	if len(targets) < maxCount {
		m.logger.Warn("fewer replication targets than requested",
			"requested", maxCount,
			"selected", len(targets))
	}
	return targets
}

// SelectCrossDatacenterTargets returns the single best healthy member of
// every non-local datacenter, or nothing when cross-DC replication is
// disabled. Datacenters with no eligible member are skipped.
func (m *Manager) SelectCrossDatacenterTargets(excludeSelf string) []cluster.Member {
	if !m.cfg.CrossDatacenterReplication {
		return nil
	}

	m.mu.RLock()
	best := make(map[string]cluster.Member)
	for _, mem := range m.members {
		if !mem.Healthy || mem.Address == excludeSelf {
			continue
		}
		if mem.Datacenter == m.cfg.LocalDatacenter {
			continue
		}
		cur, ok := best[mem.Datacenter]
		if !ok || mem.LocalityWeight > cur.LocalityWeight {
			best[mem.Datacenter] = mem
		}
	}
	empty := make([]string, 0)
	for name, dc := range m.datacenters {
		if dc.IsLocal {
			continue
		}
		if _, ok := best[name]; !ok {
			empty = append(empty, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range empty {
		m.logger.Warn("remote datacenter has no eligible replication target", "datacenter", name)
	}

	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}
	sort.Strings(names)
	targets := make([]cluster.Member, 0, len(names))
	for _, name := range names {
		targets = append(targets, best[name])
	}
	return targets
}

// Statistics derives summary counts from the current snapshot.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regions := make(map[string]struct{})
	var stats Statistics
	stats.TotalMembers = len(m.members)
	stats.TotalDatacenters = len(m.datacenters)
	for _, dc := range m.datacenters {
		if dc.Region != "" {
			regions[dc.Region] = struct{}{}
		}
		if dc.IsLocal {
			stats.LocalMembers = dc.TotalMembers
			stats.LocalHealthyMembers = dc.HealthyMembers
		} else {
			stats.RemoteDatacenters++
		}
	}
	stats.TotalRegions = len(regions)
	return stats
}

// sortByWeight orders members descending by locality weight, stable so equal
// weights keep their membership order.
func sortByWeight(members []cluster.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].LocalityWeight > members[j].LocalityWeight
	})
}
