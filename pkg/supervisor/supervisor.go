package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrUnknownChild      = errors.New("supervisor: unknown child")
	ErrDuplicateChild    = errors.New("supervisor: duplicate child")
	ErrUnknownSupervisor = errors.New("supervisor: unknown supervisor")
)

// Supervisor applies one restart policy to an ordered set of children.
// Children must be added in dependency order for RestForOne.
type Supervisor struct {
	id       string
	name     string
	cfg      Config
	parent   string
	children []*child
	halted   bool
	clock    func() time.Time
	logger   *slog.Logger
}

// NewSupervisor creates a parentless supervisor.
func NewSupervisor(id, name string, cfg Config) *Supervisor {
	return &Supervisor{
		id:     id,
		name:   name,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "supervisor", "supervisor", id),
	}
}

// WithClock overrides the clock for testing.
func (s *Supervisor) WithClock(clock func() time.Time) *Supervisor {
	s.clock = clock
	return s
}

// WithLogger replaces the logger.
func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	if logger == nil {
		return s
	}
	s.logger = logger.With("supervisor", s.id)
	return s
}

func (s *Supervisor) ID() string     { return s.id }
func (s *Supervisor) Name() string   { return s.name }
func (s *Supervisor) Config() Config { return s.cfg }

// Parent returns the parent supervisor id, or "" for a root.
func (s *Supervisor) Parent() string { return s.parent }

// Halted reports whether escalation stopped this supervisor.
func (s *Supervisor) Halted() bool { return s.halted }

// Add appends a child in Starting state.
func (s *Supervisor) Add(id ChildID, name string, class RestartClass) error {
	if s.find(id) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateChild, id)
	}
	s.children = append(s.children, newChild(id, name, class, historyCapacity(s.cfg), s.clock()))
	return nil
}

// Remove drops a child. It reports whether the child existed.
func (s *Supervisor) Remove(id ChildID) bool {
	i := s.find(id)
	if i < 0 {
		return false
	}
	s.children = append(s.children[:i], s.children[i+1:]...)
	return true
}

// Child returns a view of one child. History holds only restarts inside
// the intensity window.
func (s *Supervisor) Child(id ChildID) (Child, bool) {
	if i := s.find(id); i >= 0 {
		c := s.children[i]
		c.pruneHistory(s.clock(), s.cfg.Intensity.Window)
		return c.view(), true
	}
	return Child{}, false
}

// Children returns views of all children in order.
func (s *Supervisor) Children() []Child {
	now := s.clock()
	out := make([]Child, len(s.children))
	for i, c := range s.children {
		c.pruneHistory(now, s.cfg.Intensity.Window)
		out[i] = c.view()
	}
	return out
}

// MarkRunning records a successful (re)start and clears any pending
// restart deadline.
func (s *Supervisor) MarkRunning(id ChildID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.markRunning(s.clock())
	return nil
}

// MarkStopping records the start of a graceful stop.
func (s *Supervisor) MarkStopping(id ChildID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.status = StatusStopping
	c.pendingRestart = nil
	return nil
}

// MarkStopped records a completed stop.
func (s *Supervisor) MarkStopped(id ChildID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.stop()
	return nil
}

// HandleFailure decides what to do about a failed child. It never returns
// Shutdown; escalation is returned as ActionEscalate for the caller (or a
// Tree) to carry upward.
func (s *Supervisor) HandleFailure(id ChildID, cause error, normalExit bool) Decision {
	now := s.clock()
	i := s.find(id)
	if i < 0 {
		s.logger.Warn("failure reported for unknown child", "child", id.String(), "error", errString(cause))
		return Decision{Action: ActionIgnore, Supervisor: s.id, Reason: "unknown child"}
	}
	c := s.children[i]
	c.markFailed(now, cause, s.cfg.QuickFailureThreshold)

	if !c.restart.Eligible(normalExit) {
		if normalExit {
			c.stop()
		}
		s.logger.Info("child not restarted", "child", id.String(), "restart", c.restart, "normal_exit", normalExit)
		return Decision{Action: ActionIgnore, Supervisor: s.id,
			Reason: fmt.Sprintf("%s child not eligible for restart", c.restart)}
	}

	if n := c.restartsInWindow(now, s.cfg.Intensity.Window); n >= s.cfg.Intensity.MaxRestarts {
		s.logger.Warn("restart intensity exceeded",
			"child", id.String(), "restarts", n, "max_restarts", s.cfg.Intensity.MaxRestarts,
			"window", s.cfg.Intensity.Window)
		return Decision{Action: ActionEscalate, Supervisor: s.id,
			Reason: fmt.Sprintf("%d restarts within %s", n, s.cfg.Intensity.Window)}
	}

	delay := s.cfg.Backoff.DelayFor(id, c.consecutiveFailures)
	targets := s.restartSet(i)
	ids := make([]ChildID, 0, len(targets))
	for _, t := range targets {
		t.scheduleRestart(now, delay, s.cfg.Intensity.Window)
		ids = append(ids, t.id)
	}
	s.logger.Info("restart scheduled",
		"child", id.String(), "strategy", s.cfg.Strategy, "restart_set", len(ids),
		"delay", delay, "consecutive_failures", c.consecutiveFailures)
	return Decision{Action: ActionRestart, Restart: ids, Delay: delay, Supervisor: s.id}
}

// restartSet returns the children restarted for a failure of children[i].
// Temporary siblings are stopped rather than restarted.
func (s *Supervisor) restartSet(i int) []*child {
	var candidates []*child
	switch s.cfg.Strategy {
	case OneForAll:
		candidates = s.children
	case RestForOne:
		candidates = s.children[i:]
	default:
		return []*child{s.children[i]}
	}
	out := make([]*child, 0, len(candidates))
	for _, c := range candidates {
		if c != s.children[i] && c.restart == Temporary {
			c.stop()
			continue
		}
		out = append(out, c)
	}
	return out
}

// Ready returns the children whose restart deadline has passed. They stay
// ready until marked running.
func (s *Supervisor) Ready(now time.Time) []ChildID {
	var out []ChildID
	for _, c := range s.children {
		if c.ready(now) {
			out = append(out, c.id)
		}
	}
	return out
}

// reset restarts every child from a clean slate when the supervisor
// itself is restarted by its parent. Temporary children stay stopped.
func (s *Supervisor) reset(now time.Time) {
	s.halted = false
	for _, c := range s.children {
		c.history.Clear()
		c.consecutiveFailures = 0
		if c.restart == Temporary {
			c.stop()
			continue
		}
		c.status = StatusRestarting
		deadline := now
		c.pendingRestart = &deadline
	}
}

func (s *Supervisor) find(id ChildID) int {
	for i, c := range s.children {
		if c.id == id {
			return i
		}
	}
	return -1
}

func (s *Supervisor) lookup(id ChildID) (*child, error) {
	i := s.find(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChild, id)
	}
	return s.children[i], nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
