package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_CreateAndLookup(t *testing.T) {
	set := NewSet(DefaultConfig())

	sb, err := set.Create("tenant-a", "apps.a", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBudget(), sb.Budget())
	assert.Equal(t, DefaultCrashLimit, sb.CrashLimit())

	got, ok := set.Get(sb.ID())
	require.True(t, ok)
	assert.Same(t, sb, got)

	got, ok = set.ByTenant("tenant-a")
	require.True(t, ok)
	assert.Same(t, sb, got)

	_, err = set.Create("tenant-a", "apps.a", nil)
	assert.ErrorIs(t, err, ErrTenantExists)
}

func TestSet_CustomBudget(t *testing.T) {
	set := NewSet(DefaultConfig())
	b := Budget{MaxEntities: 3}

	sb, err := set.Create("tenant-b", "apps.b", &b)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sb.Budget().MaxEntities)
}

func TestSet_DestroyReturnsOwned(t *testing.T) {
	set := NewSet(DefaultConfig())
	sb, err := set.Create("tenant-a", "apps.a", nil)
	require.NoError(t, err)
	sb.TrackEntity(7)
	sb.TrackAsset("mesh/cube")

	owned, err := set.Destroy(sb.ID())
	require.NoError(t, err)
	assert.Equal(t, []EntityID{7}, owned.Entities)
	assert.Equal(t, []AssetID{"mesh/cube"}, owned.Assets)

	_, ok := set.ByTenant("tenant-a")
	assert.False(t, ok)
	_, err = set.Destroy(sb.ID())
	assert.ErrorIs(t, err, ErrUnknownSandbox)
}

func TestSet_Recreate(t *testing.T) {
	set := NewSet(Config{Budget: DefaultBudget(), CrashLimit: 1})
	old, err := set.Create("tenant-a", "apps.a", nil)
	require.NoError(t, err)
	old.RecordCrash("boom")
	old.TrackLayer(3)
	require.True(t, old.ExceededCrashLimit())

	fresh, owned, err := set.Recreate("tenant-a")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, old.Namespace(), fresh.Namespace())
	assert.Zero(t, fresh.CrashCount())
	assert.Equal(t, []LayerID{3}, owned.Layers)
	assert.Equal(t, 1, set.Len())

	_, _, err = set.Recreate("nobody")
	assert.ErrorIs(t, err, ErrUnknownSandbox)
}

func TestSet_ResetFrameCountersAndEach(t *testing.T) {
	set := NewSet(DefaultConfig())
	a, _ := set.Create("tenant-a", "apps.a", nil)
	b, _ := set.Create("tenant-b", "apps.b", nil)
	require.NoError(t, a.Reserve(ResourcePatches, 5))
	require.NoError(t, b.Reserve(ResourceDispatches, 2))

	set.ResetFrameCounters()
	assert.Zero(t, a.Usage().Patches)
	assert.Zero(t, b.Usage().Dispatches)

	var tenants []string
	set.Each(func(sb *Sandbox) { tenants = append(tenants, sb.Tenant()) })
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}
