package supervisor

import (
	"fmt"
)

// SupervisorState is the serialized form of one supervisor.
type SupervisorState struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Parent   string  `json:"parent,omitempty"`
	Config   Config  `json:"config"`
	Halted   bool    `json:"halted"`
	Children []Child `json:"children"`
}

// Snapshot is the serialized form of a Tree. Supervisors are listed depth
// first from the root, so parents precede their children.
type Snapshot struct {
	Root        string            `json:"root"`
	Halted      bool              `json:"halted"`
	Supervisors []SupervisorState `json:"supervisors"`
}

// Snapshot captures every supervisor and child, including restart
// histories and pending deadlines.
func (t *Tree) Snapshot() Snapshot {
	s := Snapshot{Root: t.root, Halted: t.halted}
	var walk func(sup *Supervisor)
	walk = func(sup *Supervisor) {
		s.Supervisors = append(s.Supervisors, SupervisorState{
			ID:       sup.id,
			Name:     sup.name,
			Parent:   sup.parent,
			Config:   sup.cfg,
			Halted:   sup.halted,
			Children: sup.Children(),
		})
		for _, c := range sup.children {
			if c.id.Kind != KindSupervisor {
				continue
			}
			if nested, ok := t.supervisors[c.id.ID]; ok {
				walk(nested)
			}
		}
	}
	walk(t.Root())
	return s
}

// Restore replaces the tree's state with s. The clock and logger are kept.
func (t *Tree) Restore(s Snapshot) error {
	if len(s.Supervisors) == 0 || s.Supervisors[0].ID != s.Root {
		return fmt.Errorf("supervisor: snapshot must start with root %q", s.Root)
	}
	byID := make(map[string]SupervisorState, len(s.Supervisors))
	for _, st := range s.Supervisors {
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("%w: supervisor %s in snapshot", ErrDuplicateChild, st.ID)
		}
		if st.ID != s.Root {
			if _, ok := byID[st.Parent]; !ok {
				return fmt.Errorf("%w: parent %q of %s", ErrUnknownSupervisor, st.Parent, st.ID)
			}
		}
		byID[st.ID] = st
	}
	seen := make(map[ChildID]struct{})
	for _, st := range s.Supervisors {
		for _, c := range st.Children {
			if _, dup := seen[c.ID]; dup {
				return fmt.Errorf("%w: %s in snapshot", ErrDuplicateChild, c.ID)
			}
			seen[c.ID] = struct{}{}
			if c.ID.Kind == KindSupervisor {
				nested, ok := byID[c.ID.ID]
				if !ok || nested.Parent != st.ID {
					return fmt.Errorf("%w: %s listed under %s", ErrUnknownSupervisor, c.ID.ID, st.ID)
				}
			}
		}
	}

	supervisors := make(map[string]*Supervisor, len(s.Supervisors))
	for _, st := range s.Supervisors {
		sup := t.newSupervisor(st.ID, st.Name, st.Config)
		sup.parent = st.Parent
		sup.halted = st.Halted
		for _, c := range st.Children {
			sup.children = append(sup.children, childFromView(c, historyCapacity(st.Config)))
		}
		supervisors[st.ID] = sup
	}
	t.root = s.Root
	t.halted = s.Halted
	t.supervisors = supervisors
	t.logger.Info("supervision tree restored", "supervisors", len(supervisors), "children", len(seen))
	return nil
}
