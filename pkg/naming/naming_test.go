package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetctl/deployctl/pkg/types"
)

func testKey() types.ServiceKey {
	return types.ServiceKey{User: "u1", Project: "myapp", Env: "prod", Service: "api"}
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "u1_myapp_prod_api", ContainerName(testKey(), false))
	assert.Equal(t, "u1_myapp_prod_api_secondary", ContainerName(testKey(), true))
}

func TestImageReference(t *testing.T) {
	assert.Equal(t, "alice/myapp-prod-api:v1.2.3", ImageReference("alice", testKey(), "v1.2.3"))
	assert.Equal(t, "alice/myapp-prod-api:latest", ImageReference("alice", testKey(), ""))
}

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "myapp_prod_network", NetworkName("myapp", "prod"))
}

func TestHostPath(t *testing.T) {
	assert.Equal(t, "/local/u1/myapp/prod/config/api", HostPath("/local", testKey(), KindConfig))
}

func TestContainerPathOverridesForStandardServices(t *testing.T) {
	assert.Equal(t, "/var/lib/postgresql/data", ContainerPath("postgres", KindData))
	assert.Equal(t, "/data", ContainerPath("redis", KindData))
	assert.Equal(t, "/var/log/nginx", ContainerPath("nginx", KindLogs))
	assert.Equal(t, "/app/config", ContainerPath("api", KindConfig))
}

func TestVolumeNameOnlyForVolumeKinds(t *testing.T) {
	assert.True(t, UsesNamedVolume(KindData))
	assert.True(t, UsesNamedVolume(KindLogs))
	assert.False(t, UsesNamedVolume(KindConfig))
	assert.Equal(t, "u1_myapp_prod_data_api", VolumeName(testKey(), KindData))
}

func TestAllMounts(t *testing.T) {
	mounts := AllMounts("/local", testKey())
	require := map[string]VolumeMount{}
	for _, m := range mounts {
		require[m.Target] = m
	}

	assert.True(t, require["/app/config"].ReadOnly)
	assert.False(t, require["/app/config"].NamedVolume)
	assert.True(t, require["/app/data"].NamedVolume)
	assert.Equal(t, "u1_myapp_prod_data_api", require["/app/data"].Source)
}
