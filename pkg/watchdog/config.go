package watchdog

import (
	"fmt"
	"time"
)

// Config holds sampling interval and thresholds.
type Config struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	// HeartbeatTimeout marks the host Unresponsive.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	// StuckTimeout additionally forces Degraded Mode.
	StuckTimeout time.Duration `json:"stuck_timeout" yaml:"stuck_timeout"`

	FrameWindow       int           `json:"frame_window" yaml:"frame_window"`
	WarningFrameTime  time.Duration `json:"warning_frame_time" yaml:"warning_frame_time"`
	CriticalFrameTime time.Duration `json:"critical_frame_time" yaml:"critical_frame_time"`
	SlowFrameWarning  int           `json:"slow_frame_warning" yaml:"slow_frame_warning"`
	SlowFrameCritical int           `json:"slow_frame_critical" yaml:"slow_frame_critical"`

	// Zero memory thresholds disable the memory signal.
	MemoryWarningBytes  uint64 `json:"memory_warning_bytes" yaml:"memory_warning_bytes"`
	MemoryCriticalBytes uint64 `json:"memory_critical_bytes" yaml:"memory_critical_bytes"`

	// RecoveryFrames is the run of good frames needed to leave Degraded Mode.
	RecoveryFrames uint64 `json:"recovery_frames" yaml:"recovery_frames"`
}

// DefaultConfig returns thresholds for a 60Hz frame loop.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Second,
		HeartbeatTimeout:    3 * time.Second,
		StuckTimeout:        10 * time.Second,
		FrameWindow:         60,
		WarningFrameTime:    33 * time.Millisecond,
		CriticalFrameTime:   100 * time.Millisecond,
		SlowFrameWarning:    3,
		SlowFrameCritical:   10,
		MemoryWarningBytes:  3 << 29, // 1.5GiB
		MemoryCriticalBytes: 2 << 30,
		RecoveryFrames:      120,
	}
}

// Validate rejects inconsistent thresholds.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("watchdog: interval must be positive")
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("watchdog: heartbeat_timeout must be positive")
	case c.StuckTimeout < c.HeartbeatTimeout:
		return fmt.Errorf("watchdog: stuck_timeout (%s) must be >= heartbeat_timeout (%s)", c.StuckTimeout, c.HeartbeatTimeout)
	case c.FrameWindow <= 0:
		return fmt.Errorf("watchdog: frame_window must be positive")
	case c.CriticalFrameTime < c.WarningFrameTime:
		return fmt.Errorf("watchdog: critical_frame_time must be >= warning_frame_time")
	case c.SlowFrameCritical <= 0:
		return fmt.Errorf("watchdog: slow_frame_critical must be positive")
	case c.SlowFrameCritical < c.SlowFrameWarning:
		return fmt.Errorf("watchdog: slow_frame_critical must be >= slow_frame_warning")
	case c.MemoryCriticalBytes > 0 && c.MemoryWarningBytes > c.MemoryCriticalBytes:
		return fmt.Errorf("watchdog: memory_warning_bytes must be <= memory_critical_bytes")
	}
	return nil
}
