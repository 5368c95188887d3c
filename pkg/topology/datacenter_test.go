package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easynet-cn/batata-sub004/pkg/cluster"
)

func testMembers() []cluster.Member {
	return []cluster.Member{
		{Address: "10.0.1.1:8848", Datacenter: "dc1", Region: "us-east", Zone: "a", LocalityWeight: 3, Healthy: true},
		{Address: "10.0.1.2:8848", Datacenter: "dc1", Region: "us-east", Zone: "b", LocalityWeight: 5, Healthy: true},
		{Address: "10.0.2.1:8848", Datacenter: "dc2", Region: "us-west", Zone: "a", LocalityWeight: 4, Healthy: true},
		{Address: "10.0.3.1:8848", Datacenter: "dc3", Region: "eu-central", Zone: "a", LocalityWeight: 2, Healthy: true},
	}
}

func newTestManager(crossDC bool) *Manager {
	m := NewManager(Config{LocalDatacenter: "dc1", CrossDatacenterReplication: crossDC}, nil)
	m.UpdateMembers(testMembers())
	return m
}

// TestUpdateMembersRebuildsProjection verifies the datacenter view is a full
// rebuild of the member set, including zone sets and health counts.
func TestUpdateMembersRebuildsProjection(t *testing.T) {
	m := newTestManager(false)

	dcs := m.Datacenters()
	require.Len(t, dcs, 3)

	byName := map[string]DatacenterInfo{}
	for _, dc := range dcs {
		byName[dc.Name] = dc
	}

	local := byName["dc1"]
	assert.True(t, local.IsLocal)
	assert.Equal(t, "us-east", local.Region)
	assert.Equal(t, 2, local.TotalMembers)
	assert.Equal(t, 2, local.HealthyMembers)
	assert.Len(t, local.Zones, 2)

	// A shrunk membership list must fully replace the old projection.
	m.UpdateMembers(testMembers()[:1])
	dcs = m.Datacenters()
	require.Len(t, dcs, 1)
	assert.Equal(t, "dc1", dcs[0].Name)
	assert.Equal(t, 1, dcs[0].TotalMembers)
}

// TestSelectReplicationTargetsPrefersLocal verifies local healthy members
// fill the slots first, ordered by descending locality weight.
func TestSelectReplicationTargetsPrefersLocal(t *testing.T) {
	m := newTestManager(false)

	targets := m.SelectReplicationTargets("", 2)
	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.1.2:8848", targets[0].Address, "highest weight local member first")
	assert.Equal(t, "10.0.1.1:8848", targets[1].Address)
	for _, mem := range targets {
		assert.Equal(t, "dc1", mem.Datacenter, "local members must fill the slots first")
	}
}

// TestSelectReplicationTargetsFillsFromRemote verifies remote members top up
// the list once local healthy members run out, never exceeding maxCount.
func TestSelectReplicationTargetsFillsFromRemote(t *testing.T) {
	m := newTestManager(false)

	targets := m.SelectReplicationTargets("10.0.1.1:8848", 3)
	require.Len(t, targets, 3)
	assert.Equal(t, "10.0.1.2:8848", targets[0].Address)
	assert.Equal(t, "10.0.2.1:8848", targets[1].Address, "remote pool sorted by weight")
	assert.Equal(t, "10.0.3.1:8848", targets[2].Address)

	assert.Len(t, m.SelectReplicationTargets("", 10), 4, "short membership degrades to fewer targets")
	assert.Empty(t, m.SelectReplicationTargets("", 0))
}

// TestSelectReplicationTargetsSkipsUnhealthy verifies unhealthy members are
// never selected regardless of weight.
func TestSelectReplicationTargetsSkipsUnhealthy(t *testing.T) {
	members := testMembers()
	members[1].Healthy = false // the heaviest local member
	m := NewManager(Config{LocalDatacenter: "dc1"}, nil)
	m.UpdateMembers(members)

	targets := m.SelectReplicationTargets("", 2)
	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.1.1:8848", targets[0].Address)
	assert.Equal(t, "10.0.2.1:8848", targets[1].Address)
}

// TestSelectCrossDatacenterTargets verifies one representative per remote
// datacenter, none for the local one, and the empty result when disabled.
func TestSelectCrossDatacenterTargets(t *testing.T) {
	disabled := newTestManager(false)
	assert.Empty(t, disabled.SelectCrossDatacenterTargets(""))

	m := newTestManager(true)
	targets := m.SelectCrossDatacenterTargets("")
	require.Len(t, targets, 2)

	seen := map[string]int{}
	for _, mem := range targets {
		assert.NotEqual(t, "dc1", mem.Datacenter, "local datacenter never contributes")
		seen[mem.Datacenter]++
	}
	assert.Equal(t, 1, seen["dc2"])
	assert.Equal(t, 1, seen["dc3"])
}

// TestSelectCrossDatacenterPicksHeaviest verifies the per-DC representative
// is the healthy member with the highest locality weight, and that a DC with
// no eligible member is skipped rather than erroring.
func TestSelectCrossDatacenterPicksHeaviest(t *testing.T) {
	members := append(testMembers(),
		cluster.Member{Address: "10.0.2.2:8848", Datacenter: "dc2", Region: "us-west", Zone: "b", LocalityWeight: 9, Healthy: true},
	)
	members[3].Healthy = false // dc3's only member
	m := NewManager(Config{LocalDatacenter: "dc1", CrossDatacenterReplication: true}, nil)
	m.UpdateMembers(members)

	targets := m.SelectCrossDatacenterTargets("")
	require.Len(t, targets, 1)
	assert.Equal(t, "10.0.2.2:8848", targets[0].Address)
}

// TestCrossDatacenterExcludesSelf verifies the exclusion applies to the
// remote pools as well.
func TestCrossDatacenterExcludesSelf(t *testing.T) {
	m := newTestManager(true)
	targets := m.SelectCrossDatacenterTargets("10.0.2.1:8848")
	require.Len(t, targets, 1)
	assert.Equal(t, "dc3", targets[0].Datacenter)
}

// TestStatistics verifies the summary counts derived from the snapshot.
func TestStatistics(t *testing.T) {
	m := newTestManager(false)

	stats := m.Statistics()
	assert.Equal(t, 3, stats.TotalDatacenters)
	assert.Equal(t, 3, stats.TotalRegions)
	assert.Equal(t, 4, stats.TotalMembers)
	assert.Equal(t, 2, stats.LocalMembers)
	assert.Equal(t, 2, stats.LocalHealthyMembers)
	assert.Equal(t, 2, stats.RemoteDatacenters)
}
