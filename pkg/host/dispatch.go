package host

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/observability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// Reservation is budget committed before tenant code runs.
type Reservation struct {
	Resource sandbox.Resource
	Amount   uint64
}

// Request is one already-decoded operation for a tenant.
type Request struct {
	Operation string
	// Require is the capability the operation needs. The zero Kind skips
	// the capability gate.
	Require capability.Kind
	Reserve []Reservation
	// Work is the tenant code; nil performs only the two gates.
	Work sandbox.WorkFunc
}

// quotaCounter maps sandbox resources to the registry counter checked by
// ceiling-bearing grants.
var quotaCounter = map[sandbox.Resource]capability.Counter{
	sandbox.ResourceEntities: capability.CounterEntities,
	sandbox.ResourceLayers:   capability.CounterLayers,
	sandbox.ResourceAssets:   capability.CounterAssets,
	sandbox.ResourcePatches:  capability.CounterPatches,
	sandbox.ResourceMemory:   capability.CounterMemory,
}

// Dispatch authorizes req, commits its reservations and runs its work in
// the tenant's sandbox.
//
// Authorization failures come back as *capability.AuthorizationError and
// budget failures as *sandbox.ResourceError; neither touches supervision.
// A crash comes back as *sandbox.PanicError. Once the sandbox reaches its
// crash limit the tenant is reported to the supervision tree and stays
// unavailable until the tree restarts it. Reservations are released when
// work fails.
func (h *Host) Dispatch(ctx context.Context, tenantID string, req Request) (err error) {
	t, ok := h.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if h.tree.Halted() {
		return ErrHalted
	}
	if slices.Contains(h.watchdog.Degraded().Actions, watchdog.ActionPausedTenants) {
		return ErrTenantsPaused
	}
	child, ok := h.tree.Child(supervisor.App(tenantID))
	if !ok || child.Status != supervisor.StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrTenantUnavailable, tenantID, child.Status)
	}
	sb, ok := h.sandboxes.ByTenant(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s has no sandbox", ErrTenantUnavailable, tenantID)
	}

	ctx, finish := h.telemetry.TrackDispatch(ctx, "bastion.dispatch",
		observability.DispatchAttributes(tenantID, string(t.namespace), req.Operation)...)
	defer func() { finish(err) }()

	if req.Require.Type != "" {
		d := h.registry.Check(t.namespace, req.Require)
		if !d.Allowed() {
			h.logger.Debug("dispatch denied", "tenant", tenantID, "operation", req.Operation,
				"outcome", d.Outcome.String(), "reason", d.Reason)
			return d.Err(t.namespace, req.Require)
		}
	}

	if err := sb.Reserve(sandbox.ResourceDispatches, 1); err != nil {
		return err
	}
	committed, err := h.reserve(t, sb, req.Reserve)
	if err != nil {
		return err
	}
	if req.Work == nil {
		return nil
	}

	err = sb.Execute(ctx, req.Work)
	if err == nil {
		return nil
	}
	h.release(t, sb, committed)

	var crash *sandbox.PanicError
	if errors.As(err, &crash) {
		h.telemetry.RecordCrash(ctx, observability.AttrTenant.String(tenantID))
		h.logger.Warn("tenant crashed",
			"sandbox_id", crash.SandboxID, "tenant", crash.TenantID, "message", crash.Message,
			"crashes", sb.CrashCount(), "crash_limit", sb.CrashLimit())
		if sb.ExceededCrashLimit() {
			h.report(t, err, false)
		}
	}
	return err
}

// reserve commits every reservation or none.
func (h *Host) reserve(t *tenant, sb *sandbox.Sandbox, reservations []Reservation) ([]Reservation, error) {
	committed := make([]Reservation, 0, len(reservations))
	for _, r := range reservations {
		if err := sb.Reserve(r.Resource, r.Amount); err != nil {
			h.release(t, sb, committed)
			return nil, err
		}
		committed = append(committed, r)
		if c, ok := quotaCounter[r.Resource]; ok {
			_, _ = h.registry.AdjustQuota(t.namespace, c, int64(r.Amount))
		}
	}
	return committed, nil
}

func (h *Host) release(t *tenant, sb *sandbox.Sandbox, reservations []Reservation) {
	for _, r := range reservations {
		sb.Release(r.Resource, r.Amount)
		if c, ok := quotaCounter[r.Resource]; ok {
			_, _ = h.registry.AdjustQuota(t.namespace, c, -int64(r.Amount))
		}
	}
}

// Release returns budget the tenant no longer uses, for example after its
// entities are destroyed.
func (h *Host) Release(tenantID string, r sandbox.Resource, amount uint64) error {
	t, ok := h.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	sb, ok := h.sandboxes.ByTenant(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s has no sandbox", ErrTenantUnavailable, tenantID)
	}
	h.release(t, sb, []Reservation{{Resource: r, Amount: amount}})
	return nil
}

// Exit reports that a tenant's payload finished. A nil cause is a normal
// exit; Transient and Temporary tenants then stay stopped.
func (h *Host) Exit(tenantID string, cause error) (supervisor.Decision, error) {
	t, ok := h.tenants[tenantID]
	if !ok {
		return supervisor.Decision{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return h.report(t, cause, cause == nil), nil
}

// report hands a tenant failure to the supervision tree.
func (h *Host) report(t *tenant, cause error, normalExit bool) supervisor.Decision {
	d := h.tree.HandleFailure(supervisor.App(t.id), cause, normalExit)
	switch d.Action {
	case supervisor.ActionRestart:
		ids := make([]string, len(d.Restart))
		for i, id := range d.Restart {
			ids[i] = id.String()
		}
		h.logger.Info("tenant restart scheduled", "tenant", t.id, "supervisor", d.Supervisor,
			"delay", d.Delay, "restart", ids)
	case supervisor.ActionShutdown:
		h.halt(d.Reason)
	default:
		h.logger.Info("tenant not restarted", "tenant", t.id, "action", d.Action.String(), "reason", d.Reason)
	}
	return d
}

// halt degrades the host after escalation reached the root.
func (h *Host) halt(reason string) {
	h.watchdog.ForceDegraded("supervision halted: "+reason, watchdog.ActionHaltedSupervisor)
	h.logger.Error("supervision tree halted, host degraded", "reason", reason)
}
