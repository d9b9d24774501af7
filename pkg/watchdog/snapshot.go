package watchdog

import "time"

// Snapshot is the serialized health state.
type Snapshot struct {
	Level             HealthLevel     `json:"level"`
	Frame             uint64          `json:"frame"`
	LastHeartbeat     time.Time       `json:"last_heartbeat"`
	MemoryBytes       uint64          `json:"memory_bytes"`
	UnresponsiveTicks uint32          `json:"unresponsive_ticks"`
	LastGoodFrame     uint64          `json:"last_good_frame"`
	GoodStreak        uint64          `json:"good_streak"`
	FrameTimes        []time.Duration `json:"frame_times"`
	Degraded          DegradedMode    `json:"degraded"`
}

// Snapshot captures every health field and the Degraded Mode record.
func (w *Watchdog) Snapshot() Snapshot {
	h := w.state
	return Snapshot{
		Level:             h.Level(),
		Frame:             h.Frame(),
		LastHeartbeat:     h.LastHeartbeat(),
		MemoryBytes:       h.MemoryBytes(),
		UnresponsiveTicks: h.UnresponsiveTicks(),
		LastGoodFrame:     h.LastGoodFrame(),
		GoodStreak:        h.GoodStreak(),
		FrameTimes:        h.FrameTimes(),
		Degraded:          h.Degraded(),
	}
}

// Restore replaces the health state with s. Frame times beyond the
// configured window keep only the newest.
func (w *Watchdog) Restore(s Snapshot) {
	h := w.state
	h.level.Store(int32(s.Level))
	h.frame.Store(s.Frame)
	if s.LastHeartbeat.IsZero() {
		h.lastHeartbeat.Store(0)
	} else {
		h.lastHeartbeat.Store(s.LastHeartbeat.UnixNano())
	}
	h.memory.Store(s.MemoryBytes)
	h.unresponsiveTicks.Store(s.UnresponsiveTicks)
	h.lastGoodFrame.Store(s.LastGoodFrame)
	h.goodStreak.Store(s.GoodStreak)

	h.framesMu.Lock()
	h.frames.Load(s.FrameTimes)
	h.framesMu.Unlock()

	h.degradedMu.Lock()
	h.degraded = s.Degraded.clone()
	h.degradedMu.Unlock()

	w.logger.Info("watchdog state restored", "level", s.Level.String(), "degraded", s.Degraded.Active)
}
