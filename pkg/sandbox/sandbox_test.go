package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(b Budget) *Sandbox {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return New("tenant-a", "apps.a", b).WithClock(func() time.Time { return base })
}

func TestReserve_CommitsWithinBudget(t *testing.T) {
	sb := newTestSandbox(Budget{MaxEntities: 10})

	require.NoError(t, sb.Reserve(ResourceEntities, 4))
	require.NoError(t, sb.Reserve(ResourceEntities, 6))
	assert.Equal(t, uint64(10), sb.Usage().Entities)
}

func TestWithLogger_NilKeepsLogger(t *testing.T) {
	sb := newTestSandbox(Budget{MaxEntities: 1}).WithLogger(nil)
	set := NewSet(DefaultConfig()).WithLogger(nil)

	assert.NotPanics(t, func() {
		_ = sb.Reserve(ResourceEntities, 2)
		sb.ChargeFrameTime(time.Second)
		_, _ = set.Create("tenant-b", "apps.b", nil)
	})
}

func TestReserve_FailureLeavesUsageUnchanged(t *testing.T) {
	sb := newTestSandbox(Budget{MaxEntities: 10})
	require.NoError(t, sb.Reserve(ResourceEntities, 8))

	err := sb.Reserve(ResourceEntities, 3)
	require.Error(t, err)

	var re *ResourceError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ResourceEntities, re.Resource)
	assert.Equal(t, uint64(8), re.Current)
	assert.Equal(t, uint64(3), re.Requested)
	assert.Equal(t, uint64(10), re.Limit)
	assert.Equal(t, ErrResourceWouldExceed, re.Code())
	assert.Equal(t, uint64(8), sb.Usage().Entities)

	events := sb.AuditLog()
	require.Len(t, events, 1)
	assert.Equal(t, EventReservationDenied, events[0].Type)
}

func TestCheckAllocation_Overflow(t *testing.T) {
	sb := newTestSandbox(Budget{MemoryBytes: ^uint64(0)})
	require.NoError(t, sb.Reserve(ResourceMemory, 10))

	err := sb.CheckAllocation(ResourceMemory, ^uint64(0))
	assert.Error(t, err, "wrapping sum must not pass")
}

func TestCheckAllocation_DoesNotMutate(t *testing.T) {
	sb := newTestSandbox(Budget{MaxLayers: 2})
	require.NoError(t, sb.CheckAllocation(ResourceLayers, 2))
	assert.Zero(t, sb.Usage().Layers)
}

func TestCheckAllocation_UnknownResourceAvailable(t *testing.T) {
	sb := newTestSandbox(Budget{})
	assert.NoError(t, sb.Reserve("audio_channels", 1000))
}

func TestCheckAllocation_ZeroCeilingAdmitsNothing(t *testing.T) {
	sb := newTestSandbox(Budget{})
	assert.NoError(t, sb.CheckAllocation(ResourceAssets, 0))
	assert.Error(t, sb.CheckAllocation(ResourceAssets, 1))
}

func TestRelease_Saturates(t *testing.T) {
	sb := newTestSandbox(Budget{MemoryBytes: 100})
	require.NoError(t, sb.Reserve(ResourceMemory, 40))

	sb.Release(ResourceMemory, 15)
	assert.Equal(t, uint64(25), sb.Usage().MemoryBytes)

	sb.Release(ResourceMemory, 100)
	assert.Zero(t, sb.Usage().MemoryBytes)
	assert.Equal(t, EventReleaseUnderflow, sb.AuditLog()[len(sb.AuditLog())-1].Type)
}

func TestResetFrameCounters_OnlyPerFrame(t *testing.T) {
	b := DefaultBudget()
	sb := newTestSandbox(b)
	require.NoError(t, sb.Reserve(ResourceEntities, 5))
	require.NoError(t, sb.Reserve(ResourceMemory, 1024))
	require.NoError(t, sb.Reserve(ResourcePatches, 7))
	require.NoError(t, sb.Reserve(ResourceDrawCalls, 3))
	require.NoError(t, sb.Reserve(ResourceDispatches, 2))
	sb.ChargeFrameTime(time.Millisecond)

	sb.ResetFrameCounters()

	u := sb.Usage()
	assert.Equal(t, uint64(5), u.Entities)
	assert.Equal(t, uint64(1024), u.MemoryBytes)
	assert.Zero(t, u.Patches)
	assert.Zero(t, u.DrawCalls)
	assert.Zero(t, u.Dispatches)
	assert.Zero(t, u.FrameTime)
}

func TestChargeFrameTime_OverrunIsRecordedNotFatal(t *testing.T) {
	sb := newTestSandbox(Budget{FrameTime: 4 * time.Millisecond})

	sb.ChargeFrameTime(3 * time.Millisecond)
	assert.Empty(t, sb.AuditLog())

	sb.ChargeFrameTime(2 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, sb.Usage().FrameTime)
	require.Len(t, sb.AuditLog(), 1)
	assert.Equal(t, EventFrameOverrun, sb.AuditLog()[0].Type)
}

func TestOwnership_TrackUntrack(t *testing.T) {
	sb := newTestSandbox(DefaultBudget())
	sb.TrackEntity(1)
	sb.TrackEntity(2)
	sb.TrackEntity(3)
	sb.TrackLayer(9)
	sb.TrackAsset("tex/grass.png")

	sb.UntrackEntity(2)
	sb.UntrackEntity(42)
	sb.UntrackAsset("tex/grass.png")

	owned := sb.OwnedResources()
	assert.Equal(t, []EntityID{1, 3}, owned.Entities)
	assert.Equal(t, []LayerID{9}, owned.Layers)
	assert.Empty(t, owned.Assets)
	assert.False(t, owned.Empty())

	// Returned slices are copies.
	owned.Entities[0] = 99
	assert.Equal(t, EntityID(1), sb.OwnedResources().Entities[0])
}

func TestCrashLimit(t *testing.T) {
	sb := newTestSandbox(DefaultBudget()).WithCrashLimit(2)
	assert.False(t, sb.ExceededCrashLimit())

	sb.RecordCrash("first")
	assert.False(t, sb.ExceededCrashLimit())

	sb.RecordCrash("second")
	assert.True(t, sb.ExceededCrashLimit())
	assert.Equal(t, 2, sb.CrashCount())
	assert.Equal(t, "second", sb.LastCrash())
}

func TestWithCrashLimit_IgnoresNonPositive(t *testing.T) {
	sb := newTestSandbox(DefaultBudget()).WithCrashLimit(0)
	assert.Equal(t, DefaultCrashLimit, sb.CrashLimit())
}

func TestEvents_Bounded(t *testing.T) {
	sb := newTestSandbox(Budget{}).WithEventCapacity(4)
	for i := 0; i < 10; i++ {
		_ = sb.Reserve(ResourceLayers, 1)
	}
	assert.Len(t, sb.AuditLog(), 4)
}

func TestResource_PerFrame(t *testing.T) {
	assert.True(t, ResourcePatches.PerFrame())
	assert.True(t, ResourceDrawCalls.PerFrame())
	assert.True(t, ResourceDispatches.PerFrame())
	assert.False(t, ResourceMemory.PerFrame())
	assert.False(t, ResourceEntities.PerFrame())
}
