package capability

import (
	"fmt"
	"sort"
)

// Snapshot is the serializable state of a Registry.
type Snapshot struct {
	Grants []Grant             `json:"grants"`
	Quotas map[Namespace]Quota `json:"quotas"`
	Audit  []AuditEntry        `json:"audit"`
}

// Snapshot captures every grant, quota counter, and retained audit entry.
// Grants are ordered by id.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		Grants: make([]Grant, 0),
		Quotas: make(map[Namespace]Quota, len(r.quotas)),
		Audit:  r.audit.Items(),
	}
	for _, list := range r.grants {
		for _, g := range list {
			s.Grants = append(s.Grants, g.clone())
		}
	}
	sort.Slice(s.Grants, func(i, j int) bool { return s.Grants[i].ID < s.Grants[j].ID })
	for ns, q := range r.quotas {
		s.Quotas[ns] = *q
	}
	return s
}

// Restore replaces the registry's state with s. Grant ids are preserved and
// the id counter advances past them.
func (r *Registry) Restore(s Snapshot) error {
	seen := make(map[GrantID]struct{}, len(s.Grants))
	for _, g := range s.Grants {
		if !g.Kind.Type.Valid() {
			return fmt.Errorf("%w: grant %d has kind %q", ErrInvalidKind, g.ID, g.Kind.Type)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("capability: duplicate grant id %d in snapshot", g.ID)
		}
		seen[g.ID] = struct{}{}
	}

	r.grants = make(map[Namespace][]*Grant)
	r.index = make(map[Namespace]map[KindType]struct{})
	r.quotas = make(map[Namespace]*Quota, len(s.Quotas))

	ordered := append([]Grant(nil), s.Grants...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for i := range ordered {
		g := ordered[i].clone()
		observeGrantID(g.ID)
		r.insert(&g)
	}
	for ns, q := range s.Quotas {
		r.SetQuota(ns, q)
	}
	r.audit.Load(s.Audit)
	r.logger.Info("registry restored", "grants", len(ordered), "namespaces", len(r.grants))
	return nil
}
