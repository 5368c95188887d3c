package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
)

func sampleInstance() healthcheck.Instance {
	return healthcheck.Instance{
		Namespace: "public",
		Group:     "DEFAULT_GROUP",
		Service:   "orders",
		Cluster:   "DEFAULT",
		IP:        "10.0.0.5",
		Port:      8080,
		Enabled:   true,
		Healthy:   true,
	}
}

// TestRegisterAndEnumerate verifies registration creates the service entry,
// a default TCP check config, and a stable instance ID on re-registration.
func TestRegisterAndEnumerate(t *testing.T) {
	r := NewRegistry(nil)
	inst := sampleInstance()

	id := r.RegisterInstance(inst)
	require.NotEmpty(t, id)
	assert.Equal(t, id, r.RegisterInstance(inst), "re-registration keeps the instance ID")

	keys := r.GetAllServiceKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "public##DEFAULT_GROUP@@orders", keys[0])

	configs := r.GetAllClusterConfigs("public", "DEFAULT_GROUP", "orders")
	require.Len(t, configs, 1)
	assert.Equal(t, healthcheck.CheckTypeTCP, configs[0].CheckType)
	assert.True(t, configs[0].UseInstancePort)

	instances := r.GetInstances("public", "DEFAULT_GROUP", "orders", "DEFAULT", true)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.5:8080", instances[0].Addr())
}

// TestHealthFilterAndWriteBack verifies UpdateInstanceHealth flows into the
// healthy-only instance view.
func TestHealthFilterAndWriteBack(t *testing.T) {
	r := NewRegistry(nil)
	inst := sampleInstance()
	r.RegisterInstance(inst)

	require.NoError(t, r.UpdateInstanceHealth("public", "DEFAULT_GROUP", "orders", "10.0.0.5", 8080, "DEFAULT", false))

	assert.Empty(t, r.GetInstances("public", "DEFAULT_GROUP", "orders", "DEFAULT", false))
	assert.Len(t, r.GetInstances("public", "DEFAULT_GROUP", "orders", "DEFAULT", true), 1)

	err := r.UpdateInstanceHealth("public", "DEFAULT_GROUP", "orders", "10.9.9.9", 1, "DEFAULT", true)
	assert.Error(t, err, "unknown instances must be reported")
}

// TestHeartbeatAndDeregister verifies liveness refresh on known instances and
// removal semantics.
func TestHeartbeatAndDeregister(t *testing.T) {
	r := NewRegistry(nil)
	inst := sampleInstance()
	r.RegisterInstance(inst)

	assert.True(t, r.Heartbeat("public", "DEFAULT_GROUP", "orders", "10.0.0.5", 8080, "DEFAULT"))
	assert.False(t, r.Heartbeat("public", "DEFAULT_GROUP", "orders", "10.9.9.9", 1, "DEFAULT"))

	r.DeregisterInstance("public", "DEFAULT_GROUP", "orders", "10.0.0.5", 8080, "DEFAULT")
	assert.Empty(t, r.GetInstances("public", "DEFAULT_GROUP", "orders", "DEFAULT", true))

	// Deregistering twice is harmless.
	r.DeregisterInstance("public", "DEFAULT_GROUP", "orders", "10.0.0.5", 8080, "DEFAULT")

	services, instances := r.Counts()
	assert.Equal(t, 1, services)
	assert.Equal(t, 0, instances)
}

// TestSetClusterConfigOverridesDefault verifies an explicit HTTP check config
// replaces the registration default.
func TestSetClusterConfigOverridesDefault(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterInstance(sampleInstance())

	r.SetClusterConfig("public", "DEFAULT_GROUP", "orders", healthcheck.ClusterConfig{
		Name:      "DEFAULT",
		CheckType: healthcheck.CheckTypeHTTP,
		CheckPort: 9090,
		CheckPath: "/health",
	})

	configs := r.GetAllClusterConfigs("public", "DEFAULT_GROUP", "orders")
	require.Len(t, configs, 1)
	assert.Equal(t, healthcheck.CheckTypeHTTP, configs[0].CheckType)
	assert.Equal(t, 9090, configs[0].CheckPort)
}
