package supervisor

import (
	"time"

	"github.com/Mindburn-Labs/bastion/pkg/ring"
)

// Child is a point-in-time view of a supervised unit. It is also the
// serialized form used by snapshots.
type Child struct {
	ID                  ChildID      `json:"id"`
	Name                string       `json:"name"`
	Restart             RestartClass `json:"restart"`
	Status              Status       `json:"status"`
	RestartCount        int          `json:"restart_count"`
	History             []time.Time  `json:"history"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	PendingRestart      *time.Time   `json:"pending_restart,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	LastError           string       `json:"last_error,omitempty"`
}

type child struct {
	id                  ChildID
	name                string
	restart             RestartClass
	status              Status
	restartCount        int
	history             *ring.Ring[time.Time]
	consecutiveFailures int
	pendingRestart      *time.Time
	startedAt           time.Time
	lastError           string
}

func newChild(id ChildID, name string, class RestartClass, historyCap int, now time.Time) *child {
	return &child{
		id:        id,
		name:      name,
		restart:   class,
		status:    StatusStarting,
		history:   ring.New[time.Time](historyCap),
		startedAt: now,
	}
}

// historyCapacity keeps one more entry than the limit so a full window is
// always detectable.
func historyCapacity(cfg Config) int {
	return cfg.Intensity.MaxRestarts + 1
}

func (c *child) view() Child {
	v := Child{
		ID:                  c.id,
		Name:                c.name,
		Restart:             c.restart,
		Status:              c.status,
		RestartCount:        c.restartCount,
		History:             c.history.Items(),
		ConsecutiveFailures: c.consecutiveFailures,
		StartedAt:           c.startedAt,
		LastError:           c.lastError,
	}
	if c.pendingRestart != nil {
		t := *c.pendingRestart
		v.PendingRestart = &t
	}
	return v
}

func childFromView(v Child, historyCap int) *child {
	c := &child{
		id:                  v.ID,
		name:                v.Name,
		restart:             v.Restart,
		status:              v.Status,
		restartCount:        v.RestartCount,
		history:             ring.New[time.Time](historyCap),
		consecutiveFailures: v.ConsecutiveFailures,
		startedAt:           v.StartedAt,
		lastError:           v.LastError,
	}
	c.history.Load(v.History)
	if v.PendingRestart != nil {
		t := *v.PendingRestart
		c.pendingRestart = &t
	}
	return c
}

func (c *child) markRunning(now time.Time) {
	c.status = StatusRunning
	c.startedAt = now
	c.pendingRestart = nil
}

// markFailed records the failure and updates the crash-loop counter: a
// failure within quick of the last start extends the streak, a longer run
// resets it.
func (c *child) markFailed(now time.Time, cause error, quick time.Duration) {
	c.status = StatusFailed
	c.pendingRestart = nil
	if cause != nil {
		c.lastError = cause.Error()
	}
	if c.startedAt.IsZero() || now.Sub(c.startedAt) < quick {
		c.consecutiveFailures++
	} else {
		c.consecutiveFailures = 0
	}
}

// pruneHistory drops restart timestamps that fell out of the window.
func (c *child) pruneHistory(now time.Time, window time.Duration) {
	c.history.DropOldestWhile(func(t time.Time) bool { return now.Sub(t) >= window })
}

func (c *child) restartsInWindow(now time.Time, window time.Duration) int {
	c.pruneHistory(now, window)
	return c.history.Len()
}

func (c *child) scheduleRestart(now time.Time, delay time.Duration, window time.Duration) {
	c.pruneHistory(now, window)
	c.history.Push(now)
	c.restartCount++
	c.status = StatusRestarting
	deadline := now.Add(delay)
	c.pendingRestart = &deadline
}

func (c *child) ready(now time.Time) bool {
	return c.status == StatusRestarting && c.pendingRestart != nil && !now.Before(*c.pendingRestart)
}

func (c *child) stop() {
	c.status = StatusStopped
	c.pendingRestart = nil
}
