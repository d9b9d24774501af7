package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errCrash = errors.New("tenant crashed")

func newTestSupervisor(clk *testClock, cfg Config, children ...ChildID) *Supervisor {
	s := NewSupervisor("root", "root", cfg).WithClock(clk.Now)
	for _, id := range children {
		if err := s.Add(id, id.ID, Permanent); err != nil {
			panic(err)
		}
	}
	return s
}

func TestHandleFailure_IntensityEscalates(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Intensity = Intensity{MaxRestarts: 2, Window: 60 * time.Second}
	s := newTestSupervisor(clk, cfg, App("c"))

	for i := 0; i < 2; i++ {
		clk.Advance(time.Second)
		d := s.HandleFailure(App("c"), errCrash, false)
		require.Equal(t, ActionRestart, d.Action, "failure %d", i+1)
		assert.Equal(t, []ChildID{App("c")}, d.Restart)

		clk.Advance(d.Delay)
		require.NoError(t, s.MarkRunning(App("c")))
	}

	clk.Advance(time.Second)
	d := s.HandleFailure(App("c"), errCrash, false)
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Equal(t, "root", d.Supervisor)

	c, ok := s.Child(App("c"))
	require.True(t, ok)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, 2, c.RestartCount)
}

func TestHandleFailure_WindowSlides(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Intensity = Intensity{MaxRestarts: 2, Window: 60 * time.Second}
	s := newTestSupervisor(clk, cfg, App("c"))

	for i := 0; i < 5; i++ {
		clk.Advance(31 * time.Second)
		d := s.HandleFailure(App("c"), errCrash, false)
		require.Equal(t, ActionRestart, d.Action, "failure %d", i+1)
		require.NoError(t, s.MarkRunning(App("c")))

		c, _ := s.Child(App("c"))
		assert.LessOrEqual(t, len(c.History), 2)
		for _, ts := range c.History {
			assert.Less(t, clk.Now().Sub(ts), 60*time.Second)
		}
	}
}

func TestChild_HistoryOutsideWindowIsDropped(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Intensity = Intensity{MaxRestarts: 3, Window: 10 * time.Second}
	s := newTestSupervisor(clk, cfg, App("c"))

	d := s.HandleFailure(App("c"), errCrash, false)
	require.Equal(t, ActionRestart, d.Action)
	c, _ := s.Child(App("c"))
	require.Len(t, c.History, 1)

	clk.Advance(10 * time.Second)
	c, ok := s.Child(App("c"))
	require.True(t, ok)
	assert.Empty(t, c.History)
	assert.Equal(t, 1, c.RestartCount)
	assert.Empty(t, s.Children()[0].History)
}

func TestSupervisor_WithNilLoggerKeepsLogger(t *testing.T) {
	s := NewSupervisor("root", "root", DefaultConfig()).WithLogger(nil)
	assert.NotPanics(t, func() { s.HandleFailure(App("missing"), errCrash, false) })
}

func TestHandleFailure_OneForAllStampsEveryChild(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Strategy = OneForAll
	s := newTestSupervisor(clk, cfg, App("a"), App("b"), App("d"))

	d := s.HandleFailure(App("b"), errCrash, false)

	require.Equal(t, ActionRestart, d.Action)
	assert.ElementsMatch(t, []ChildID{App("a"), App("b"), App("d")}, d.Restart)
	for _, c := range s.Children() {
		assert.Len(t, c.History, 1, c.ID.String())
		assert.Equal(t, StatusRestarting, c.Status)
		require.NotNil(t, c.PendingRestart)
	}
}

func TestHandleFailure_RestForOne(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Strategy = RestForOne
	s := newTestSupervisor(clk, cfg, App("a"), App("b"), App("c"))

	d := s.HandleFailure(App("b"), errCrash, false)

	require.Equal(t, ActionRestart, d.Action)
	assert.Equal(t, []ChildID{App("b"), App("c")}, d.Restart)
	a, _ := s.Child(App("a"))
	assert.Empty(t, a.History)
	assert.Equal(t, StatusStarting, a.Status)
}

func TestHandleFailure_TemporarySiblingsStopped(t *testing.T) {
	clk := newTestClock()
	cfg := DefaultConfig()
	cfg.Strategy = OneForAll
	s := newTestSupervisor(clk, cfg, App("a"))
	require.NoError(t, s.Add(App("tmp"), "tmp", Temporary))

	d := s.HandleFailure(App("a"), errCrash, false)
	assert.Equal(t, []ChildID{App("a")}, d.Restart)
	tmp, _ := s.Child(App("tmp"))
	assert.Equal(t, StatusStopped, tmp.Status)
}

func TestHandleFailure_RestartClasses(t *testing.T) {
	tests := []struct {
		name       string
		class      RestartClass
		normalExit bool
		want       Action
		status     Status
	}{
		{"permanent abnormal", Permanent, false, ActionRestart, StatusRestarting},
		{"permanent normal", Permanent, true, ActionRestart, StatusRestarting},
		{"temporary abnormal", Temporary, false, ActionIgnore, StatusFailed},
		{"temporary normal", Temporary, true, ActionIgnore, StatusStopped},
		{"transient abnormal", Transient, false, ActionRestart, StatusRestarting},
		{"transient normal", Transient, true, ActionIgnore, StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSupervisor("root", "root", DefaultConfig()).WithClock(newTestClock().Now)
			require.NoError(t, s.Add(App("x"), "x", tt.class))

			d := s.HandleFailure(App("x"), errCrash, tt.normalExit)
			assert.Equal(t, tt.want, d.Action)
			c, _ := s.Child(App("x"))
			assert.Equal(t, tt.status, c.Status)
		})
	}
}

func TestHandleFailure_UnknownChildIgnored(t *testing.T) {
	s := newTestSupervisor(newTestClock(), DefaultConfig())
	d := s.HandleFailure(App("ghost"), errCrash, false)
	assert.Equal(t, ActionIgnore, d.Action)
	assert.Equal(t, "unknown child", d.Reason)
}

func TestHandleFailure_ConsecutiveFailures(t *testing.T) {
	clk := newTestClock()
	s := newTestSupervisor(clk, DefaultConfig(), App("a"))
	require.NoError(t, s.MarkRunning(App("a")))

	// Quick failure: streak grows, delay follows the curve.
	clk.Advance(time.Second)
	d := s.HandleFailure(App("a"), errCrash, false)
	assert.Equal(t, 100*time.Millisecond, d.Delay)
	c, _ := s.Child(App("a"))
	assert.Equal(t, 1, c.ConsecutiveFailures)
	assert.Equal(t, errCrash.Error(), c.LastError)

	clk.Advance(d.Delay)
	require.NoError(t, s.MarkRunning(App("a")))
	clk.Advance(time.Second)
	d = s.HandleFailure(App("a"), errCrash, false)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	// Long uptime resets the streak.
	clk.Advance(d.Delay)
	require.NoError(t, s.MarkRunning(App("a")))
	clk.Advance(time.Minute)
	d = s.HandleFailure(App("a"), errCrash, false)
	c, _ = s.Child(App("a"))
	assert.Zero(t, c.ConsecutiveFailures)
	assert.Zero(t, d.Delay)
}

func TestReady_PollsDeadline(t *testing.T) {
	clk := newTestClock()
	s := newTestSupervisor(clk, DefaultConfig(), App("a"))

	d := s.HandleFailure(App("a"), errCrash, false)
	require.Equal(t, 100*time.Millisecond, d.Delay)

	assert.Empty(t, s.Ready(clk.Now()))
	clk.Advance(99 * time.Millisecond)
	assert.Empty(t, s.Ready(clk.Now()))
	clk.Advance(time.Millisecond)
	assert.Equal(t, []ChildID{App("a")}, s.Ready(clk.Now()))
	assert.Equal(t, []ChildID{App("a")}, s.Ready(clk.Now()), "stays ready until running")

	require.NoError(t, s.MarkRunning(App("a")))
	assert.Empty(t, s.Ready(clk.Now()))
	c, _ := s.Child(App("a"))
	assert.Nil(t, c.PendingRestart)
	assert.Equal(t, StatusRunning, c.Status)
}

func TestLifecycleMarks(t *testing.T) {
	s := newTestSupervisor(newTestClock(), DefaultConfig(), App("a"))

	require.NoError(t, s.MarkRunning(App("a")))
	require.NoError(t, s.MarkStopping(App("a")))
	c, _ := s.Child(App("a"))
	assert.Equal(t, StatusStopping, c.Status)

	require.NoError(t, s.MarkStopped(App("a")))
	c, _ = s.Child(App("a"))
	assert.Equal(t, StatusStopped, c.Status)

	assert.ErrorIs(t, s.MarkRunning(App("zzz")), ErrUnknownChild)
	assert.ErrorIs(t, s.Add(App("a"), "a", Permanent), ErrDuplicateChild)
	assert.True(t, s.Remove(App("a")))
	assert.False(t, s.Remove(App("a")))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Strategy = "all_for_none"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Intensity.Window = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Intensity.MaxRestarts = -1
	assert.Error(t, bad.Validate())
}
