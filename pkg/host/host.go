// Package host composes the capability registry, the sandbox set, the
// supervision tree and the watchdog into one tenant host.
//
// A Host is driven from a single frame loop: LoadTenant, Dispatch, Frame
// and the other methods must not be called concurrently. Only the
// watchdog is shared with another goroutine, through its own
// synchronized health state.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/config"
	"github.com/Mindburn-Labs/bastion/pkg/observability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// Supervisor ids created by every host.
const (
	RootSupervisor    = "bastion"
	TenantsSupervisor = "tenants"
)

var (
	ErrUnknownTenant     = errors.New("host: unknown tenant")
	ErrTenantExists      = errors.New("host: tenant already loaded")
	ErrTenantUnavailable = errors.New("host: tenant not running")
	ErrTenantsPaused     = errors.New("host: tenants paused by watchdog")
	ErrHalted            = errors.New("host: supervision tree halted")
)

type tenant struct {
	id        string
	namespace capability.Namespace
	restart   supervisor.RestartClass
}

// Host owns every tenant-facing subsystem of one process.
type Host struct {
	registry  *capability.Registry
	sandboxes *sandbox.Set
	tree      *supervisor.Tree
	watchdog  *watchdog.Watchdog
	telemetry *observability.Provider

	cfg     *config.Config
	tenants map[string]*tenant
	frame   uint64
	clock   func() time.Time
	logger  *slog.Logger
	// base is the caller's logger, handed to rebuilt subsystems.
	base *slog.Logger
}

// New builds a host from cfg. No tenants are loaded.
func New(cfg *config.Config) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	tree := supervisor.NewTree(RootSupervisor, "bastion host", cfg.Supervisor)
	if _, err := tree.AddSupervisor(RootSupervisor, TenantsSupervisor, "tenant apps", supervisor.Permanent, cfg.Supervisor); err != nil {
		return nil, fmt.Errorf("host: build supervision tree: %w", err)
	}
	if err := tree.MarkRunning(supervisor.Sub(TenantsSupervisor)); err != nil {
		return nil, fmt.Errorf("host: build supervision tree: %w", err)
	}

	telemetry, err := observability.NewWithProviders(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	if err != nil {
		return nil, err
	}

	return &Host{
		registry:  capability.NewRegistry().WithAuditCapacity(cfg.Registry.AuditCapacity),
		sandboxes: sandbox.NewSet(cfg.Sandbox),
		tree:      tree,
		watchdog:  watchdog.New(cfg.Watchdog),
		telemetry: telemetry,
		cfg:       cfg,
		tenants:   make(map[string]*tenant),
		clock:     time.Now,
		logger:    slog.Default().With("component", "host"),
	}, nil
}

// WithClock overrides the clock of the host and every subsystem.
func (h *Host) WithClock(clock func() time.Time) *Host {
	h.clock = clock
	h.registry.WithClock(clock)
	h.sandboxes.WithClock(clock)
	h.tree.WithClock(clock)
	h.watchdog.WithClock(clock)
	return h
}

// WithLogger replaces the logger of the host and every subsystem.
func (h *Host) WithLogger(logger *slog.Logger) *Host {
	if logger == nil {
		return h
	}
	h.base = logger
	h.logger = logger.With("component", "host")
	h.registry.WithLogger(logger)
	h.sandboxes.WithLogger(logger.With("component", "sandbox"))
	h.tree.WithLogger(logger)
	h.watchdog.WithLogger(logger)
	return h
}

// WithTelemetry routes dispatch spans and metrics through p.
func (h *Host) WithTelemetry(p *observability.Provider) *Host {
	if p != nil {
		h.telemetry = p
	}
	return h
}

// WithNotifier sets the watchdog's liveness channel.
func (h *Host) WithNotifier(n watchdog.Notifier) *Host {
	h.watchdog.WithNotifier(n)
	return h
}

func (h *Host) Registry() *capability.Registry { return h.registry }
func (h *Host) Sandboxes() *sandbox.Set         { return h.sandboxes }
func (h *Host) Tree() *supervisor.Tree          { return h.tree }
func (h *Host) Watchdog() *watchdog.Watchdog    { return h.watchdog }

// FrameNumber returns the number of frames driven so far.
func (h *Host) FrameNumber() uint64 { return h.frame }

// Tenants returns the ids of loaded tenants, sorted.
func (h *Host) Tenants() []string {
	out := make([]string, 0, len(h.tenants))
	for id := range h.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sandbox returns the tenant's current sandbox. The sandbox is replaced
// when the tenant restarts, so callers should not retain it across frames.
func (h *Host) Sandbox(tenantID string) (*sandbox.Sandbox, bool) {
	return h.sandboxes.ByTenant(tenantID)
}

// LoadTenant grants the tenant's capabilities, creates its sandbox and
// registers it with the supervision tree as a running app. Nothing is left
// behind when any step fails.
func (h *Host) LoadTenant(tc config.TenantConfig) error {
	if _, exists := h.tenants[tc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTenantExists, tc.ID)
	}
	ns := capability.Namespace(tc.Namespace)
	if ns == "" || ns.IsSystem() {
		return fmt.Errorf("host: tenant %s needs a non-system namespace, got %q", tc.ID, tc.Namespace)
	}
	for _, other := range h.tenants {
		if other.namespace == ns {
			return fmt.Errorf("host: namespace %s already used by tenant %s", ns, other.id)
		}
	}
	restart := tc.Restart
	if restart == "" {
		restart = supervisor.Permanent
	}

	for i, g := range tc.Grants {
		kind, err := g.ToKind()
		if err == nil {
			_, err = h.registry.Grant(capability.GrantRequest{
				Holder:    ns,
				Grantor:   capability.Kernel,
				Kind:      kind,
				TTL:       g.TTL,
				Delegable: g.Delegable,
				Reason:    g.Reason,
			})
		}
		if err != nil {
			h.registry.RevokeAll(ns)
			return fmt.Errorf("host: tenant %s grants[%d]: %w", tc.ID, i, err)
		}
	}

	if _, err := h.sandboxes.Create(tc.ID, ns, tc.Budget); err != nil {
		h.registry.RevokeAll(ns)
		return fmt.Errorf("host: tenant %s: %w", tc.ID, err)
	}
	if err := h.tree.AddApp(TenantsSupervisor, tc.ID, tc.ID, restart); err != nil {
		h.registry.RevokeAll(ns)
		if sb, ok := h.sandboxes.ByTenant(tc.ID); ok {
			_, _ = h.sandboxes.Destroy(sb.ID())
		}
		return fmt.Errorf("host: tenant %s: %w", tc.ID, err)
	}
	_ = h.tree.MarkRunning(supervisor.App(tc.ID))

	h.tenants[tc.ID] = &tenant{id: tc.ID, namespace: ns, restart: restart}
	h.logger.Info("tenant loaded", "tenant", tc.ID, "namespace", ns, "restart", restart, "grants", len(tc.Grants))
	return nil
}

// UnloadTenant revokes the tenant's grants, removes it from supervision
// and destroys its sandbox. It returns the resources the sandbox still
// owned so the caller can free them.
func (h *Host) UnloadTenant(tenantID string) (sandbox.Owned, error) {
	t, ok := h.tenants[tenantID]
	if !ok {
		return sandbox.Owned{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	child := supervisor.App(tenantID)
	_ = h.tree.MarkStopping(child)
	_ = h.tree.MarkStopped(child)
	h.tree.Remove(child)

	revoked := h.registry.RevokeAll(t.namespace)
	h.registry.DropQuota(t.namespace)

	var owned sandbox.Owned
	if sb, ok := h.sandboxes.ByTenant(tenantID); ok {
		var err error
		if owned, err = h.sandboxes.Destroy(sb.ID()); err != nil {
			return owned, err
		}
	}
	delete(h.tenants, tenantID)
	h.logger.Info("tenant unloaded", "tenant", tenantID, "revoked", revoked,
		"entities", len(owned.Entities), "layers", len(owned.Layers), "assets", len(owned.Assets))
	return owned, nil
}

// Grant adds a capability to a loaded tenant.
func (h *Host) Grant(tenantID string, g config.GrantConfig) (capability.Grant, error) {
	t, ok := h.tenants[tenantID]
	if !ok {
		return capability.Grant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	kind, err := g.ToKind()
	if err != nil {
		return capability.Grant{}, err
	}
	return h.registry.Grant(capability.GrantRequest{
		Holder:    t.namespace,
		Grantor:   capability.Kernel,
		Kind:      kind,
		TTL:       g.TTL,
		Delegable: g.Delegable,
		Reason:    g.Reason,
	})
}
