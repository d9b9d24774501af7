package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func sampleState(t *testing.T) State {
	t.Helper()
	clock := func() time.Time { return epoch }

	reg := capability.NewRegistry().WithClock(clock)
	_, err := reg.Grant(capability.GrantRequest{
		Holder:  "hud",
		Grantor: capability.Kernel,
		Kind:    capability.CreateEntities(100),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	tree := supervisor.NewTree("root", "root", supervisor.DefaultConfig()).WithClock(clock)
	require.NoError(t, tree.AddApp("root", "hud", "hud", supervisor.Permanent))
	require.NoError(t, tree.MarkRunning(supervisor.App("hud")))

	wd := watchdog.New(watchdog.DefaultConfig()).WithClock(clock)
	wd.Heartbeat(42, 16*time.Millisecond)
	wd.Tick()

	set := sandbox.NewSet(sandbox.DefaultConfig()).WithClock(clock)
	sb, err := set.Create("hud", "hud", nil)
	require.NoError(t, err)
	require.NoError(t, sb.Reserve(sandbox.ResourceEntities, 3))

	return State{
		Frame:        42,
		Tenants:      []Tenant{{ID: "hud", Namespace: "hud", Restart: supervisor.Permanent}},
		Sandboxes:    set.Snapshot(),
		Capabilities: reg.Snapshot(),
		Supervision:  tree.Snapshot(),
		Watchdog:     wd.Snapshot(),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	state := sampleState(t)
	data, env, err := Encode(state, epoch)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, env.Format)
	assert.NotEmpty(t, env.ID)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, env.Digest)

	decoded, got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Digest, got.Digest)
	require.Len(t, decoded.Tenants, 1)
	assert.Equal(t, state.Tenants[0], decoded.Tenants[0])
	require.Len(t, decoded.Capabilities.Grants, 1)
	assert.Equal(t, capability.CreateEntities(100), decoded.Capabilities.Grants[0].Kind)
	assert.Equal(t, uint64(42), decoded.Watchdog.Frame)
	require.Len(t, decoded.Sandboxes, 1)
	assert.Equal(t, uint64(3), decoded.Sandboxes[0].Usage.Entities)

	_, again, err := Encode(decoded, epoch)
	require.NoError(t, err)
	assert.Equal(t, env.Digest, again.Digest, "decoded state re-encodes to the same digest")
}

func TestDigest_IgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Digest([]byte(`{"b":1,"a":[1,2]}`))
	require.NoError(t, err)
	b, err := Digest([]byte("{ \"a\": [1, 2],\n  \"b\": 1 }"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Digest([]byte(`{"a":`))
	assert.Error(t, err)
}

func reencode(t *testing.T, data []byte, mutate func(*Envelope)) []byte {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	mutate(&env)
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}

func TestInspect_Rejects(t *testing.T) {
	data, _, err := Encode(sampleState(t), epoch)
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		target error
	}{
		{"not json", []byte("snapshot"), ErrMalformed},
		{"missing state", reencode(t, data, func(e *Envelope) { e.State = nil }), ErrMalformed},
		{"future major", reencode(t, data, func(e *Envelope) { e.Format = "2.0.0" }), ErrIncompatibleFormat},
		{"bad version", reencode(t, data, func(e *Envelope) { e.Format = "one" }), ErrIncompatibleFormat},
		{"tampered state", reencode(t, data, func(e *Envelope) {
			e.State = json.RawMessage(`{"tenants":[]}`)
		}), ErrDigestMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestInspect_AcceptsMinorBump(t *testing.T) {
	data, _, err := Encode(sampleState(t), epoch)
	require.NoError(t, err)
	data = reencode(t, data, func(e *Envelope) { e.Format = "1.3.0" })

	env, err := Inspect(data)
	require.NoError(t, err)
	assert.Contains(t, env.Summary(), "format=1.3.0")
}
