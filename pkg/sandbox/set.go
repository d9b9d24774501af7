package sandbox

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
)

// Config holds defaults applied to every sandbox a Set creates.
type Config struct {
	Budget        Budget `json:"budget" yaml:"budget"`
	CrashLimit    int    `json:"crash_limit" yaml:"crash_limit"`
	EventCapacity int    `json:"event_capacity" yaml:"event_capacity"`
}

// DefaultConfig returns DefaultBudget with the default crash limit.
func DefaultConfig() Config {
	return Config{
		Budget:        DefaultBudget(),
		CrashLimit:    DefaultCrashLimit,
		EventCapacity: DefaultEventCapacity,
	}
}

// Set owns the sandboxes of all loaded tenants, at most one per tenant.
type Set struct {
	cfg      Config
	byID     map[string]*Sandbox
	byTenant map[string]string
	clock    func() time.Time
	logger   *slog.Logger
}

// NewSet creates an empty set.
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg,
		byID:     make(map[string]*Sandbox),
		byTenant: make(map[string]string),
		clock:    time.Now,
		logger:   slog.Default().With("component", "sandbox"),
	}
}

// WithClock overrides the clock for testing. It applies to sandboxes
// created afterwards.
func (s *Set) WithClock(clock func() time.Time) *Set {
	s.clock = clock
	return s
}

// WithLogger replaces the logger.
func (s *Set) WithLogger(logger *slog.Logger) *Set {
	if logger == nil {
		return s
	}
	s.logger = logger
	return s
}

// Create makes a sandbox for tenant. A nil budget uses the configured
// default.
func (s *Set) Create(tenant string, ns capability.Namespace, budget *Budget) (*Sandbox, error) {
	if _, exists := s.byTenant[tenant]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantExists, tenant)
	}
	b := s.cfg.Budget
	if budget != nil {
		b = *budget
	}
	sb := New(tenant, ns, b).
		WithClock(s.clock).
		WithLogger(s.logger).
		WithCrashLimit(s.cfg.CrashLimit)
	if s.cfg.EventCapacity > 0 {
		sb.WithEventCapacity(s.cfg.EventCapacity)
	}
	s.byID[sb.id] = sb
	s.byTenant[tenant] = sb.id
	s.logger.Info("sandbox created", "sandbox_id", sb.id, "tenant", tenant, "namespace", ns)
	return sb, nil
}

// Get returns the sandbox with id.
func (s *Set) Get(id string) (*Sandbox, bool) {
	sb, ok := s.byID[id]
	return sb, ok
}

// ByTenant returns the tenant's sandbox.
func (s *Set) ByTenant(tenant string) (*Sandbox, bool) {
	id, ok := s.byTenant[tenant]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// Destroy removes the sandbox and returns what it owned so the caller can
// free those resources.
func (s *Set) Destroy(id string) (Owned, error) {
	sb, ok := s.byID[id]
	if !ok {
		return Owned{}, fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}
	owned := sb.OwnedResources()
	delete(s.byID, id)
	delete(s.byTenant, sb.tenant)
	s.logger.Info("sandbox destroyed", "sandbox_id", id, "tenant", sb.tenant,
		"entities", len(owned.Entities), "layers", len(owned.Layers), "assets", len(owned.Assets))
	return owned, nil
}

// Recreate replaces a tenant's sandbox with a fresh one that keeps the
// same namespace and budget. Used when supervision restarts the tenant.
func (s *Set) Recreate(tenant string) (*Sandbox, Owned, error) {
	old, ok := s.ByTenant(tenant)
	if !ok {
		return nil, Owned{}, fmt.Errorf("%w: tenant %s", ErrUnknownSandbox, tenant)
	}
	ns, budget := old.namespace, old.budget
	owned, err := s.Destroy(old.id)
	if err != nil {
		return nil, Owned{}, err
	}
	sb, err := s.Create(tenant, ns, &budget)
	if err != nil {
		return nil, owned, err
	}
	return sb, owned, nil
}

// ResetFrameCounters resets per-frame usage on every sandbox.
func (s *Set) ResetFrameCounters() {
	for _, sb := range s.byID {
		sb.ResetFrameCounters()
	}
}

// Len returns the number of sandboxes.
func (s *Set) Len() int { return len(s.byID) }

// Each calls fn for every sandbox in tenant order.
func (s *Set) Each(fn func(*Sandbox)) {
	tenants := make([]string, 0, len(s.byTenant))
	for t := range s.byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		fn(s.byID[s.byTenant[t]])
	}
}
