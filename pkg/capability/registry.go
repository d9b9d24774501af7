package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/bastion/pkg/ring"
)

// Registry holds the grants of every namespace on one host.
type Registry struct {
	grants map[Namespace][]*Grant
	index  map[Namespace]map[KindType]struct{}
	quotas map[Namespace]*Quota
	audit  *ring.Ring[AuditEntry]
	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		grants: make(map[Namespace][]*Grant),
		index:  make(map[Namespace]map[KindType]struct{}),
		quotas: make(map[Namespace]*Quota),
		audit:  ring.New[AuditEntry](DefaultAuditCapacity),
		clock:  time.Now,
		logger: slog.Default().With("component", "capability"),
	}
}

// WithClock overrides clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithLogger overrides the logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger.With("component", "capability")
	}
	return r
}

// WithAuditCapacity resizes the audit ring, discarding retained entries.
func (r *Registry) WithAuditCapacity(capacity int) *Registry {
	r.audit = ring.New[AuditEntry](capacity)
	return r
}

// Grant mints a grant for req.Holder and indexes it for fast lookups.
// Admin-only kinds are refused for ordinary namespaces.
func (r *Registry) Grant(req GrantRequest) (Grant, error) {
	if !req.Kind.Type.Valid() {
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind.Type)
	}
	if req.Kind.Type.AdminOnly() && !req.Holder.IsSystem() {
		return Grant{}, fmt.Errorf("%w: %s to %s", ErrAdminOnly, req.Kind.Type, req.Holder)
	}
	grantor := req.Grantor
	if grantor == "" {
		grantor = Kernel
	}

	now := r.clock()
	g := &Grant{
		ID:        nextGrantID(),
		Kind:      req.Kind.Clone(),
		Holder:    req.Holder,
		Grantor:   grantor,
		CreatedAt: now,
		Delegable: req.Delegable,
		Reason:    req.Reason,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		g.ExpiresAt = &exp
	}
	r.insert(g)

	r.Audit(AuditEntry{
		Namespace: g.Holder,
		Action:    AuditGrant,
		Kind:      g.Kind.Type,
		GrantID:   g.ID,
		Detail:    fmt.Sprintf("%s granted by %s", g.Kind, g.Grantor),
	})
	return g.clone(), nil
}

func (r *Registry) insert(g *Grant) {
	r.grants[g.Holder] = append(r.grants[g.Holder], g)
	idx, ok := r.index[g.Holder]
	if !ok {
		idx = make(map[KindType]struct{})
		r.index[g.Holder] = idx
	}
	idx[g.Kind.Type] = struct{}{}
}

// Revoke removes the grant with the given id. It returns false, leaving all
// state untouched, when no such grant exists.
func (r *Registry) Revoke(id GrantID) bool {
	for ns, list := range r.grants {
		for i, g := range list {
			if g.ID != id {
				continue
			}
			rest := append(list[:i:i], list[i+1:]...)
			if len(rest) == 0 {
				delete(r.grants, ns)
			} else {
				r.grants[ns] = rest
			}
			r.unindex(ns, g.Kind.Type)
			r.Audit(AuditEntry{Namespace: ns, Action: AuditRevoke, Kind: g.Kind.Type, GrantID: id})
			return true
		}
	}
	return false
}

// unindex drops the index entry for kind only when no grant of that kind
// remains in the namespace.
func (r *Registry) unindex(ns Namespace, kind KindType) {
	for _, g := range r.grants[ns] {
		if g.Kind.Type == kind {
			return
		}
	}
	if idx, ok := r.index[ns]; ok {
		delete(idx, kind)
		if len(idx) == 0 {
			delete(r.index, ns)
		}
	}
}

// RevokeAll clears every grant and index entry for ns and returns the
// number of grants removed.
func (r *Registry) RevokeAll(ns Namespace) int {
	n := len(r.grants[ns])
	delete(r.grants, ns)
	delete(r.index, ns)
	if n > 0 {
		r.Audit(AuditEntry{Namespace: ns, Action: AuditRevokeAll, Detail: fmt.Sprintf("%d grants", n)})
	}
	return n
}

// HasCapability is a coarse O(1) lookup that ignores expiry, scope and
// quotas. It is never authoritative; use Check.
func (r *Registry) HasCapability(ns Namespace, kind KindType) bool {
	if ns == Kernel {
		return true
	}
	idx := r.index[ns]
	if _, ok := idx[KindKernelAdmin]; ok {
		return true
	}
	_, ok := idx[kind]
	return ok
}

func (r *Registry) isAdmin(ns Namespace) bool {
	if ns == Kernel {
		return true
	}
	_, ok := r.index[ns][KindKernelAdmin]
	if !ok {
		return false
	}
	now := r.clock()
	for _, g := range r.grants[ns] {
		if g.Kind.Type == KindKernelAdmin && !g.Expired(now) {
			return true
		}
	}
	return false
}

// Check decides whether ns may perform an operation of the required kind.
//
// The first covering, unexpired, quota-satisfying grant wins. When none
// exists the most specific failure is reported: QuotaExceeded over Expired
// over Denied. Quotas compare the live counter before the caller increments
// it and fail closed at the ceiling.
func (r *Registry) Check(ns Namespace, required Kind) Decision {
	if r.isAdmin(ns) {
		return Decision{Outcome: Allowed, Reason: "admin bypass"}
	}

	now := r.clock()
	var quotaFailure, expiredFailure *Decision
	for _, g := range r.grants[ns] {
		if !g.Kind.Covers(required) {
			continue
		}
		if g.Expired(now) {
			if expiredFailure == nil {
				expiredFailure = &Decision{
					Outcome: Expired,
					Reason:  fmt.Sprintf("grant %d expired at %s", g.ID, g.ExpiresAt.Format(time.RFC3339)),
				}
			}
			continue
		}
		if d, ok := r.checkQuota(ns, g); !ok {
			if quotaFailure == nil {
				quotaFailure = &d
			}
			continue
		}
		return Decision{Outcome: Allowed, GrantID: g.ID}
	}

	d := Decision{Outcome: Denied, Reason: fmt.Sprintf("no grant covers %s", required)}
	switch {
	case quotaFailure != nil:
		d = *quotaFailure
	case expiredFailure != nil:
		d = *expiredFailure
	}
	r.Audit(AuditEntry{
		Namespace: ns,
		Action:    AuditCheck,
		Kind:      required.Type,
		Outcome:   d.Outcome.String(),
		Detail:    d.Reason,
	})
	return d
}

func (r *Registry) checkQuota(ns Namespace, g *Grant) (Decision, bool) {
	if !g.Kind.Type.Ceiling() || g.Kind.Max == nil {
		return Decision{}, true
	}
	counter, ok := counterFor(g.Kind.Type)
	if !ok {
		return Decision{}, true
	}
	current := r.Quota(ns).Value(counter)
	limit := *g.Kind.Max
	if current >= limit {
		return Decision{
			Outcome: QuotaExceeded,
			Reason:  fmt.Sprintf("%s at ceiling of grant %d", counter, g.ID),
			Limit:   limit,
			Current: current,
		}, false
	}
	return Decision{}, true
}

// GCExpired drops every expired grant, rebuilds the index, and returns the
// number of grants dropped.
func (r *Registry) GCExpired() int {
	now := r.clock()
	dropped := 0
	for ns, list := range r.grants {
		kept := list[:0]
		for _, g := range list {
			if g.Expired(now) {
				dropped++
				continue
			}
			kept = append(kept, g)
		}
		for i := len(kept); i < len(list); i++ {
			list[i] = nil
		}
		if len(kept) == 0 {
			delete(r.grants, ns)
		} else {
			r.grants[ns] = kept
		}
	}
	if dropped > 0 {
		r.rebuildIndex()
		r.Audit(AuditEntry{Namespace: Kernel, Action: AuditGC, Detail: fmt.Sprintf("%d expired grants", dropped)})
		r.logger.Debug("expired grants reclaimed", "count", dropped)
	}
	return dropped
}

func (r *Registry) rebuildIndex() {
	r.index = make(map[Namespace]map[KindType]struct{}, len(r.grants))
	for ns, list := range r.grants {
		idx := make(map[KindType]struct{}, len(list))
		for _, g := range list {
			idx[g.Kind.Type] = struct{}{}
		}
		r.index[ns] = idx
	}
}

// Lookup returns a copy of the grant with the given id.
func (r *Registry) Lookup(id GrantID) (Grant, bool) {
	for _, list := range r.grants {
		for _, g := range list {
			if g.ID == id {
				return g.clone(), true
			}
		}
	}
	return Grant{}, false
}

// Grants returns copies of the grants held by ns in grant order.
func (r *Registry) Grants(ns Namespace) []Grant {
	list := r.grants[ns]
	out := make([]Grant, len(list))
	for i, g := range list {
		out[i] = g.clone()
	}
	return out
}

// Namespaces returns every namespace holding at least one grant, sorted.
func (r *Registry) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(r.grants))
	for ns := range r.grants {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DelegateRequest describes a grant derived from an existing delegable one.
type DelegateRequest struct {
	Source GrantID
	Holder Namespace
	// Kind narrows the delegated kind; it must be covered by the source.
	// The zero Kind delegates the source kind unchanged.
	Kind      Kind
	TTL       time.Duration
	Delegable bool
	Reason    string
}

// Delegate mints a grant for req.Holder derived from a delegable source
// grant. The derived kind must be covered by the source, the derived expiry
// never outlives the source, and onward delegation requires both the
// request and the source to allow it.
func (r *Registry) Delegate(req DelegateRequest) (Grant, error) {
	var src *Grant
	for _, list := range r.grants {
		for _, g := range list {
			if g.ID == req.Source {
				src = g
			}
		}
	}
	if src == nil {
		return Grant{}, fmt.Errorf("%w: %d", ErrGrantNotFound, req.Source)
	}
	now := r.clock()
	if src.Expired(now) {
		return Grant{}, fmt.Errorf("%w: %d", ErrGrantExpired, src.ID)
	}
	if !src.Delegable {
		return Grant{}, fmt.Errorf("%w: %d", ErrNotDelegable, src.ID)
	}

	kind := req.Kind
	if kind.Type == "" {
		kind = src.Kind
	}
	if !src.Kind.Covers(kind) {
		return Grant{}, fmt.Errorf("%w: %s does not cover %s", ErrNotDelegable, src.Kind, kind)
	}
	if kind.Type.AdminOnly() && !req.Holder.IsSystem() {
		return Grant{}, fmt.Errorf("%w: %s to %s", ErrAdminOnly, kind.Type, req.Holder)
	}
	kind = kind.Clone()
	if src.Kind.Type == kind.Type && src.Kind.Max != nil && (kind.Max == nil || *kind.Max > *src.Kind.Max) {
		ceiling := *src.Kind.Max
		kind.Max = &ceiling
	}

	g := &Grant{
		ID:        nextGrantID(),
		Kind:      kind,
		Holder:    req.Holder,
		Grantor:   src.Holder,
		CreatedAt: now,
		Delegable: req.Delegable && src.Delegable,
		Reason:    req.Reason,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		g.ExpiresAt = &exp
	}
	if src.ExpiresAt != nil && (g.ExpiresAt == nil || g.ExpiresAt.After(*src.ExpiresAt)) {
		exp := *src.ExpiresAt
		g.ExpiresAt = &exp
	}
	r.insert(g)

	r.Audit(AuditEntry{
		Namespace: g.Holder,
		Action:    AuditDelegate,
		Kind:      g.Kind.Type,
		GrantID:   g.ID,
		Detail:    fmt.Sprintf("delegated from grant %d held by %s", src.ID, src.Holder),
	})
	return g.clone(), nil
}
