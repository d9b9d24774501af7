package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Tree is a rooted hierarchy of supervisors. Child ids are unique across
// the whole tree. It is not safe for concurrent use.
type Tree struct {
	root        string
	supervisors map[string]*Supervisor
	halted      bool
	clock       func() time.Time
	logger      *slog.Logger
}

// NewTree creates a tree with a root supervisor.
func NewTree(rootID, name string, cfg Config) *Tree {
	t := &Tree{
		root:        rootID,
		supervisors: make(map[string]*Supervisor),
		clock:       time.Now,
		logger:      slog.Default().With("component", "supervisor"),
	}
	t.supervisors[rootID] = t.newSupervisor(rootID, name, cfg)
	return t
}

// WithClock overrides the clock of the tree and every supervisor in it.
func (t *Tree) WithClock(clock func() time.Time) *Tree {
	t.clock = clock
	for _, s := range t.supervisors {
		s.clock = clock
	}
	return t
}

// WithLogger replaces the logger of the tree and every supervisor in it.
func (t *Tree) WithLogger(logger *slog.Logger) *Tree {
	if logger == nil {
		return t
	}
	t.logger = logger
	for _, s := range t.supervisors {
		s.logger = logger.With("supervisor", s.id)
	}
	return t
}

func (t *Tree) newSupervisor(id, name string, cfg Config) *Supervisor {
	s := NewSupervisor(id, name, cfg)
	s.clock = t.clock
	s.logger = t.logger.With("supervisor", id)
	return s
}

// Root returns the root supervisor.
func (t *Tree) Root() *Supervisor { return t.supervisors[t.root] }

// Supervisor returns a supervisor by id.
func (t *Tree) Supervisor(id string) (*Supervisor, bool) {
	s, ok := t.supervisors[id]
	return s, ok
}

// Halted reports whether escalation reached the root. A halted tree
// schedules no further restarts.
func (t *Tree) Halted() bool { return t.halted }

// AddApp adds an app child under supervisorID.
func (t *Tree) AddApp(supervisorID, id, name string, class RestartClass) error {
	return t.add(supervisorID, App(id), name, class)
}

// AddService adds a service child under supervisorID.
func (t *Tree) AddService(supervisorID, id, name string, class RestartClass) error {
	return t.add(supervisorID, Service(id), name, class)
}

// AddSupervisor adds a nested supervisor under parentID.
func (t *Tree) AddSupervisor(parentID, id, name string, class RestartClass, cfg Config) (*Supervisor, error) {
	if _, exists := t.supervisors[id]; exists {
		return nil, fmt.Errorf("%w: supervisor %s", ErrDuplicateChild, id)
	}
	if err := t.add(parentID, Sub(id), name, class); err != nil {
		return nil, err
	}
	s := t.newSupervisor(id, name, cfg)
	s.parent = parentID
	t.supervisors[id] = s
	return s, nil
}

func (t *Tree) add(supervisorID string, id ChildID, name string, class RestartClass) error {
	s, ok := t.supervisors[supervisorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSupervisor, supervisorID)
	}
	if owner, _ := t.owner(id); owner != nil {
		return fmt.Errorf("%w: %s under %s", ErrDuplicateChild, id, owner.id)
	}
	return s.Add(id, name, class)
}

// Remove drops a child; removing a nested supervisor drops its subtree.
// The root cannot be removed.
func (t *Tree) Remove(id ChildID) bool {
	owner, _ := t.owner(id)
	if owner == nil {
		return false
	}
	owner.Remove(id)
	if id.Kind == KindSupervisor {
		t.dropSubtree(id.ID)
	}
	return true
}

func (t *Tree) dropSubtree(id string) {
	s, ok := t.supervisors[id]
	if !ok {
		return
	}
	for _, c := range s.children {
		if c.id.Kind == KindSupervisor {
			t.dropSubtree(c.id.ID)
		}
	}
	delete(t.supervisors, id)
}

// Child returns a view of a child anywhere in the tree.
func (t *Tree) Child(id ChildID) (Child, bool) {
	owner, _ := t.owner(id)
	if owner == nil {
		return Child{}, false
	}
	return owner.Child(id)
}

// Children returns the children of one supervisor.
func (t *Tree) Children(supervisorID string) ([]Child, error) {
	s, ok := t.supervisors[supervisorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSupervisor, supervisorID)
	}
	return s.Children(), nil
}

// MarkRunning forwards to the owning supervisor.
func (t *Tree) MarkRunning(id ChildID) error { return t.forward(id, (*Supervisor).MarkRunning) }

// MarkStopping forwards to the owning supervisor.
func (t *Tree) MarkStopping(id ChildID) error { return t.forward(id, (*Supervisor).MarkStopping) }

// MarkStopped forwards to the owning supervisor.
func (t *Tree) MarkStopped(id ChildID) error { return t.forward(id, (*Supervisor).MarkStopped) }

func (t *Tree) forward(id ChildID, fn func(*Supervisor, ChildID) error) error {
	owner, _ := t.owner(id)
	if owner == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChild, id)
	}
	return fn(owner, id)
}

// HandleFailure reports a failed child and carries escalation upward.
// A nested supervisor that escalates stops its branch and is reported to
// its parent as a failed child; escalation at the root halts the tree and
// returns ActionShutdown.
func (t *Tree) HandleFailure(id ChildID, cause error, normalExit bool) Decision {
	if t.halted {
		return Decision{Action: ActionIgnore, Supervisor: t.root, Reason: "tree halted"}
	}
	owner, _ := t.owner(id)
	if owner == nil {
		t.logger.Warn("failure reported for unknown child", "child", id.String(), "error", errString(cause))
		return Decision{Action: ActionIgnore, Reason: "unknown child"}
	}
	return t.decide(owner, id, cause, normalExit)
}

func (t *Tree) decide(s *Supervisor, id ChildID, cause error, normalExit bool) Decision {
	d := s.HandleFailure(id, cause, normalExit)
	if d.Action != ActionEscalate {
		return d
	}

	t.stopSubtree(s)
	s.halted = true
	parent, ok := t.supervisors[s.parent]
	if s.parent == "" || !ok {
		t.halted = true
		t.logger.Error("escalation reached root, halting",
			"supervisor", s.id, "child", id.String(), "reason", d.Reason)
		return Decision{Action: ActionShutdown, Supervisor: s.id, Reason: d.Reason}
	}

	t.logger.Warn("supervisor escalating to parent",
		"supervisor", s.id, "parent", parent.id, "child", id.String(), "reason", d.Reason)
	escalated := fmt.Errorf("supervisor %s escalated: %s", s.id, d.Reason)
	if cause != nil {
		escalated = errors.Join(escalated, cause)
	}
	return t.decide(parent, Sub(s.id), escalated, false)
}

func (t *Tree) stopSubtree(s *Supervisor) {
	for _, c := range s.children {
		c.stop()
		if c.id.Kind == KindSupervisor {
			if nested, ok := t.supervisors[c.id.ID]; ok {
				t.stopSubtree(nested)
			}
		}
	}
}

// ReadyToRestart returns the app and service children whose restart
// deadline has passed, depth first in child order. A nested supervisor
// that becomes ready is restarted in place: it is marked running and its
// children become ready immediately. Returned children stay ready until
// the caller respawns them and calls MarkRunning.
func (t *Tree) ReadyToRestart(now time.Time) []ChildID {
	if t.halted {
		return nil
	}
	var out []ChildID
	t.collectReady(t.Root(), now, &out)
	return out
}

func (t *Tree) collectReady(s *Supervisor, now time.Time, out *[]ChildID) {
	for _, c := range s.children {
		if c.id.Kind != KindSupervisor {
			if c.ready(now) {
				*out = append(*out, c.id)
			}
			continue
		}
		nested, ok := t.supervisors[c.id.ID]
		if !ok {
			continue
		}
		if c.ready(now) {
			c.markRunning(now)
			nested.reset(now)
			t.logger.Info("supervisor restarted", "supervisor", nested.id, "parent", s.id)
		}
		t.collectReady(nested, now, out)
	}
}

// owner finds the supervisor holding id.
func (t *Tree) owner(id ChildID) (*Supervisor, int) {
	for _, s := range t.supervisors {
		if i := s.find(id); i >= 0 {
			return s, i
		}
	}
	return nil, -1
}
