// Package supervisor implements a rooted tree of restart policies.
//
// A Supervisor owns an ordered list of children (apps, services, or nested
// supervisors) and decides, per failure, whether to restart, escalate, or
// ignore. A Tree links supervisors together and carries escalation upward;
// escalation that reaches the root halts the tree instead of crashing.
//
// Restarts are never scheduled on timers. Each failure sets a pending
// deadline and callers poll ReadyToRestart from the frame loop.
package supervisor

import (
	"fmt"
	"time"
)

// ChildKind distinguishes supervised units.
type ChildKind string

const (
	KindApp        ChildKind = "app"
	KindService    ChildKind = "service"
	KindSupervisor ChildKind = "supervisor"
)

// ChildID identifies a child across the whole tree.
type ChildID struct {
	Kind ChildKind `json:"kind"`
	ID   string    `json:"id"`
}

func (c ChildID) String() string { return string(c.Kind) + ":" + c.ID }

// App, Service and Sub build ChildIDs.
func App(id string) ChildID     { return ChildID{Kind: KindApp, ID: id} }
func Service(id string) ChildID { return ChildID{Kind: KindService, ID: id} }
func Sub(id string) ChildID     { return ChildID{Kind: KindSupervisor, ID: id} }

// RestartClass decides restart eligibility.
type RestartClass string

const (
	// Permanent children always restart.
	Permanent RestartClass = "permanent"
	// Temporary children never restart.
	Temporary RestartClass = "temporary"
	// Transient children restart only after an abnormal exit.
	Transient RestartClass = "transient"
)

// Eligible reports whether a child of this class restarts.
func (r RestartClass) Eligible(normalExit bool) bool {
	switch r {
	case Permanent:
		return true
	case Transient:
		return !normalExit
	}
	return false
}

// Status is the lifecycle state of a child.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusRestarting Status = "restarting"
)

// Strategy selects which children restart together.
type Strategy string

const (
	OneForOne  Strategy = "one_for_one"
	OneForAll  Strategy = "one_for_all"
	RestForOne Strategy = "rest_for_one"
)

func (s Strategy) Valid() bool {
	return s == OneForOne || s == OneForAll || s == RestForOne
}

// Intensity limits restarts per trailing window before escalating.
type Intensity struct {
	MaxRestarts int           `json:"max_restarts" yaml:"max_restarts"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Config is the restart policy of one supervisor.
type Config struct {
	Strategy  Strategy  `json:"strategy" yaml:"strategy"`
	Intensity Intensity `json:"intensity" yaml:"intensity"`
	Backoff   Backoff   `json:"backoff" yaml:"backoff"`
	// QuickFailureThreshold is the uptime below which a failure counts as
	// part of a crash loop.
	QuickFailureThreshold time.Duration `json:"quick_failure_threshold" yaml:"quick_failure_threshold"`
}

// DefaultConfig returns OneForOne with 3 restarts per minute and
// exponential backoff from 100ms to 10s.
func DefaultConfig() Config {
	return Config{
		Strategy:              OneForOne,
		Intensity:             Intensity{MaxRestarts: 3, Window: time.Minute},
		Backoff:               DefaultBackoff(),
		QuickFailureThreshold: 5 * time.Second,
	}
}

// Validate rejects unusable policies.
func (c Config) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("supervisor: unknown strategy %q", c.Strategy)
	}
	if c.Intensity.MaxRestarts < 0 {
		return fmt.Errorf("supervisor: max_restarts must be >= 0, got %d", c.Intensity.MaxRestarts)
	}
	if c.Intensity.Window <= 0 {
		return fmt.Errorf("supervisor: intensity window must be positive, got %s", c.Intensity.Window)
	}
	if c.QuickFailureThreshold < 0 {
		return fmt.Errorf("supervisor: quick_failure_threshold must be >= 0")
	}
	return c.Backoff.Validate()
}

// Action is the outcome of a failure report.
type Action int

const (
	ActionIgnore Action = iota
	ActionRestart
	ActionEscalate
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "IGNORE"
	case ActionRestart:
		return "RESTART"
	case ActionEscalate:
		return "ESCALATE"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Decision is returned by every failure report.
type Decision struct {
	Action Action
	// Restart lists the children scheduled to restart, in child order.
	Restart []ChildID
	// Delay is the backoff applied to the restart set.
	Delay time.Duration
	// Supervisor is the id of the supervisor that made the decision.
	Supervisor string
	Reason     string
}
