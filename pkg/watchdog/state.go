package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/bastion/pkg/ring"
)

// HealthState is shared between the frame loop and the watchdog. Every
// field is guarded on its own; no operation needs more than one field to
// be consistent with another.
type HealthState struct {
	frame             atomic.Uint64
	lastHeartbeat     atomic.Int64 // unix nanos, 0 before the first heartbeat
	memory            atomic.Uint64
	unresponsiveTicks atomic.Uint32
	lastGoodFrame     atomic.Uint64
	goodStreak        atomic.Uint64
	level             atomic.Int32

	framesMu sync.Mutex
	frames   *ring.Ring[time.Duration]

	degradedMu sync.Mutex
	degraded   DegradedMode
}

func newHealthState(window int) *HealthState {
	return &HealthState{frames: ring.New[time.Duration](window)}
}

func (h *HealthState) Frame() uint64             { return h.frame.Load() }
func (h *HealthState) MemoryBytes() uint64       { return h.memory.Load() }
func (h *HealthState) UnresponsiveTicks() uint32 { return h.unresponsiveTicks.Load() }
func (h *HealthState) LastGoodFrame() uint64     { return h.lastGoodFrame.Load() }
func (h *HealthState) GoodStreak() uint64        { return h.goodStreak.Load() }
func (h *HealthState) Level() HealthLevel        { return HealthLevel(h.level.Load()) }

// LastHeartbeat returns the time of the latest heartbeat, zero if none.
func (h *HealthState) LastHeartbeat() time.Time {
	ns := h.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// FrameTimes returns the recent frame-time window, oldest first.
func (h *HealthState) FrameTimes() []time.Duration {
	h.framesMu.Lock()
	defer h.framesMu.Unlock()
	return h.frames.Items()
}

// Degraded returns a copy of the Degraded Mode record.
func (h *HealthState) Degraded() DegradedMode {
	h.degradedMu.Lock()
	defer h.degradedMu.Unlock()
	return h.degraded.clone()
}

func (h *HealthState) pushFrame(d time.Duration) {
	h.framesMu.Lock()
	h.frames.Push(d)
	h.framesMu.Unlock()
}

// frameStats returns the average frame time and the number of frames at
// or above slow.
func (h *HealthState) frameStats(slow time.Duration) (avg, peak time.Duration, slowCount, n int) {
	h.framesMu.Lock()
	defer h.framesMu.Unlock()
	n = h.frames.Len()
	if n == 0 {
		return 0, 0, 0, 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		d := h.frames.At(i)
		total += d
		if d > peak {
			peak = d
		}
		if d >= slow {
			slowCount++
		}
	}
	return total / time.Duration(n), peak, slowCount, n
}

// enterDegraded activates Degraded Mode if needed and records action once.
// It reports whether the mode was newly entered.
func (h *HealthState) enterDegraded(reason string, action Action, now time.Time) bool {
	h.degradedMu.Lock()
	defer h.degradedMu.Unlock()
	entered := false
	if !h.degraded.Active {
		h.degraded.Active = true
		h.degraded.Reason = reason
		h.degraded.EnteredAt = now
		h.degraded.EntryCount++
		h.degraded.Actions = nil
		h.goodStreak.Store(0)
		entered = true
	}
	if action != "" && !h.degraded.has(action) {
		h.degraded.Actions = append(h.degraded.Actions, action)
	}
	return entered
}

func (h *HealthState) exitDegraded() {
	h.degradedMu.Lock()
	defer h.degradedMu.Unlock()
	h.degraded.Active = false
	h.degraded.Reason = ""
	h.degraded.EnteredAt = time.Time{}
	h.degraded.Actions = nil
}
