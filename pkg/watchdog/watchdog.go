package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Watchdog samples a HealthState on a fixed interval. Heartbeat and
// ReportMemory are called from the frame loop; Tick and Run from the
// watchdog's own goroutine. All methods are safe for concurrent use.
type Watchdog struct {
	cfg        Config
	state      *HealthState
	notifier   Notifier
	clock      func() time.Time
	logger     *slog.Logger
	notifyFail *rate.Limiter
	// baseline stands in for the last heartbeat until the first one
	// arrives, so a host that never beats still goes Unresponsive.
	baseline atomic.Int64
}

// New creates a watchdog. Configure it with the With methods before
// starting Run.
func New(cfg Config) *Watchdog {
	return &Watchdog{
		cfg:        cfg,
		state:      newHealthState(cfg.FrameWindow),
		notifier:   NopNotifier{},
		clock:      time.Now,
		logger:     slog.Default().With("component", "watchdog"),
		notifyFail: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// WithClock overrides the clock for testing.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// WithLogger replaces the logger.
func (w *Watchdog) WithLogger(logger *slog.Logger) *Watchdog {
	if logger == nil {
		return w
	}
	w.logger = logger
	return w
}

// WithNotifier sets the liveness channel. nil restores the no-op notifier.
func (w *Watchdog) WithNotifier(n Notifier) *Watchdog {
	if n == nil {
		n = NopNotifier{}
	}
	w.notifier = n
	return w
}

// Config returns the active configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// State exposes the shared health state.
func (w *Watchdog) State() *HealthState { return w.state }

// Health returns the level computed by the latest tick.
func (w *Watchdog) Health() HealthLevel { return w.state.Level() }

// Degraded returns a copy of the Degraded Mode record.
func (w *Watchdog) Degraded() DegradedMode { return w.state.Degraded() }

// Heartbeat records one produced frame.
func (w *Watchdog) Heartbeat(frame uint64, frameTime time.Duration) {
	h := w.state
	h.frame.Store(frame)
	h.lastHeartbeat.Store(w.clock().UnixNano())
	h.unresponsiveTicks.Store(0)
	h.pushFrame(frameTime)
	if frameTime < w.cfg.WarningFrameTime {
		h.lastGoodFrame.Store(frame)
		h.goodStreak.Add(1)
	} else {
		h.goodStreak.Store(0)
	}
}

// ReportMemory records the host's current memory use.
func (w *Watchdog) ReportMemory(bytes uint64) {
	w.state.memory.Store(bytes)
}

// ForceDegraded enters Degraded Mode on behalf of another subsystem, for
// example when supervision halts at the root. Forcing with
// ActionHaltedSupervisor latches the mode.
func (w *Watchdog) ForceDegraded(reason string, action Action) {
	if w.state.enterDegraded(reason, action, w.clock()) {
		w.logger.Warn("degraded mode entered", "reason", reason, "action", action)
	}
}

// Tick recomputes health as the worst of the heartbeat, frame-time, and
// memory signals, applies Degraded Mode transitions, and pings the
// liveness channel.
func (w *Watchdog) Tick() HealthLevel {
	now := w.clock()
	level := worst(w.stalenessLevel(now), w.frameLevel(now), w.memoryLevel(now))

	prev := HealthLevel(w.state.level.Swap(int32(level)))
	if level != prev {
		if level > prev {
			w.logger.Warn("health level changed", "from", prev.String(), "to", level.String())
		} else {
			w.logger.Info("health level changed", "from", prev.String(), "to", level.String())
		}
	}
	w.maybeRecover(level)

	w.notify(NotifyWatchdog)
	w.notify(Status(w.statusText(level)))
	return level
}

func (w *Watchdog) stalenessLevel(now time.Time) HealthLevel {
	last := w.state.lastHeartbeat.Load()
	if last == 0 {
		w.baseline.CompareAndSwap(0, now.UnixNano())
		last = w.baseline.Load()
	}
	since := now.Sub(time.Unix(0, last))
	if since <= w.cfg.HeartbeatTimeout {
		return Healthy
	}
	w.state.unresponsiveTicks.Add(1)
	if since > w.cfg.StuckTimeout {
		w.enter(fmt.Sprintf("no heartbeat for %s", since.Truncate(time.Millisecond)), ActionPausedTenants, now)
	}
	return Unresponsive
}

func (w *Watchdog) frameLevel(now time.Time) HealthLevel {
	avg, _, slow, n := w.state.frameStats(w.cfg.CriticalFrameTime)
	if n == 0 {
		return Healthy
	}
	switch {
	case slow >= w.cfg.SlowFrameCritical:
		w.enter(fmt.Sprintf("%d slow frames in window", slow), ActionReducedFrameRate, now)
		return Critical
	case avg >= w.cfg.CriticalFrameTime:
		return Degraded
	case avg >= w.cfg.WarningFrameTime, slow >= w.cfg.SlowFrameWarning:
		return Warning
	}
	return Healthy
}

func (w *Watchdog) memoryLevel(now time.Time) HealthLevel {
	mem := w.state.memory.Load()
	switch {
	case w.cfg.MemoryCriticalBytes > 0 && mem >= w.cfg.MemoryCriticalBytes:
		w.enter(fmt.Sprintf("memory %d bytes over critical threshold", mem), ActionReleasedCaches, now)
		return Critical
	case w.cfg.MemoryWarningBytes > 0 && mem >= w.cfg.MemoryWarningBytes:
		return Warning
	}
	return Healthy
}

func (w *Watchdog) enter(reason string, action Action, now time.Time) {
	if w.state.enterDegraded(reason, action, now) {
		w.logger.Warn("degraded mode entered", "reason", reason, "action", action)
	}
}

// maybeRecover leaves Degraded Mode once signals are below Degraded and a
// run of RecoveryFrames good frames has been seen since the last bad one.
// A latched mode stays active regardless.
func (w *Watchdog) maybeRecover(level HealthLevel) {
	if level >= Degraded {
		return
	}
	if d := w.state.Degraded(); !d.Active || d.Latched() {
		return
	}
	if w.state.goodStreak.Load() < w.cfg.RecoveryFrames {
		return
	}
	w.state.exitDegraded()
	w.logger.Info("degraded mode cleared",
		"good_frames", w.state.goodStreak.Load(), "last_good_frame", w.state.lastGoodFrame.Load())
}

func (w *Watchdog) statusText(level HealthLevel) string {
	d := w.state.Degraded()
	if d.Active {
		return fmt.Sprintf("health=%s frame=%d degraded=%s", level, w.state.frame.Load(), d.Reason)
	}
	return fmt.Sprintf("health=%s frame=%d", level, w.state.frame.Load())
}

// Ready tells the liveness channel the host is up.
func (w *Watchdog) Ready() { w.notify(NotifyReady) }

// Stopping tells the liveness channel the host is shutting down.
func (w *Watchdog) Stopping() { w.notify(NotifyStopping) }

func (w *Watchdog) notify(msg string) {
	if err := w.notifier.Notify(msg); err != nil && w.notifyFail.Allow() {
		w.logger.Warn("liveness notification failed", "message", msg, "error", err)
	}
}

// Run ticks every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("watchdog started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return nil
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Metrics is a point-in-time summary for load-shedding decisions.
type Metrics struct {
	Level             HealthLevel
	Frame             uint64
	LastGoodFrame     uint64
	GoodStreak        uint64
	AverageFrameTime  time.Duration
	PeakFrameTime     time.Duration
	SlowFrames        int
	MemoryBytes       uint64
	UnresponsiveTicks uint32
	SinceHeartbeat    time.Duration
	Degraded          bool
	DegradedEntries   int
}

// Metrics summarizes the current state.
func (w *Watchdog) Metrics() Metrics {
	avg, peak, slow, _ := w.state.frameStats(w.cfg.CriticalFrameTime)
	d := w.state.Degraded()
	m := Metrics{
		Level:             w.state.Level(),
		Frame:             w.state.frame.Load(),
		LastGoodFrame:     w.state.lastGoodFrame.Load(),
		GoodStreak:        w.state.goodStreak.Load(),
		AverageFrameTime:  avg,
		PeakFrameTime:     peak,
		SlowFrames:        slow,
		MemoryBytes:       w.state.memory.Load(),
		UnresponsiveTicks: w.state.unresponsiveTicks.Load(),
		Degraded:          d.Active,
		DegradedEntries:   d.EntryCount,
	}
	if last := w.state.LastHeartbeat(); !last.IsZero() {
		m.SinceHeartbeat = w.clock().Sub(last)
	}
	return m
}
