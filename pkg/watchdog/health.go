// Package watchdog samples host liveness independently of any tenant.
//
// The frame loop writes heartbeats and memory readings into a shared
// HealthState; a background Watchdog reads it on a fixed interval,
// computes a HealthLevel, and forces Degraded Mode when supervision alone
// cannot restore health. The watchdog never returns errors to the frame
// loop: every reaction is an observable state transition.
package watchdog

import (
	"fmt"
	"time"
)

// HealthLevel orders host health from best to worst.
type HealthLevel int32

const (
	Healthy HealthLevel = iota
	Warning
	Degraded
	Critical
	Unresponsive
)

var levelNames = [...]string{"healthy", "warning", "degraded", "critical", "unresponsive"}

func (l HealthLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int32(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l HealthLevel) MarshalText() ([]byte, error) {
	if l < 0 || int(l) >= len(levelNames) {
		return nil, fmt.Errorf("watchdog: invalid health level %d", int32(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText decodes a level name.
func (l *HealthLevel) UnmarshalText(b []byte) error {
	for i, name := range levelNames {
		if name == string(b) {
			*l = HealthLevel(i)
			return nil
		}
	}
	return fmt.Errorf("watchdog: unknown health level %q", b)
}

func worst(levels ...HealthLevel) HealthLevel {
	w := Healthy
	for _, l := range levels {
		if l > w {
			w = l
		}
	}
	return w
}

// Action is a mitigation recorded while in Degraded Mode.
type Action string

const (
	ActionReducedFrameRate Action = "reduced_frame_rate"
	ActionPausedTenants    Action = "paused_tenants"
	ActionReleasedCaches   Action = "released_caches"
	ActionHaltedSupervisor Action = "halted_supervisor"
)

// DegradedMode records the host-wide reduced-capability state.
type DegradedMode struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
	// EntryCount counts entries over the watchdog's lifetime.
	EntryCount int      `json:"entry_count"`
	Actions    []Action `json:"actions"`
}

func (d DegradedMode) clone() DegradedMode {
	d.Actions = append([]Action{}, d.Actions...)
	return d
}

// Latched reports whether an action that only a restart of the host can
// undo is recorded. A latched Degraded Mode never exits on its own.
func (d DegradedMode) Latched() bool {
	return d.has(ActionHaltedSupervisor)
}

func (d DegradedMode) has(a Action) bool {
	for _, x := range d.Actions {
		if x == a {
			return true
		}
	}
	return false
}
