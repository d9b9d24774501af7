package host

import (
	"time"

	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// FrameReport summarizes the housekeeping done by one Frame call.
type FrameReport struct {
	Frame    uint64
	Health   watchdog.HealthLevel
	Degraded bool
	// Restarted lists tenants whose sandbox was recreated this frame.
	Restarted []string
	// Reclaimed holds what the replaced sandboxes still owned, keyed by
	// tenant, for the caller to free.
	Reclaimed     map[string]sandbox.Owned
	ExpiredGrants int
}

// Frame advances the host by one frame that took frameTime. It heartbeats
// the watchdog, resets per-frame budgets and quotas, expires grants and
// respawns tenants whose restart deadline passed.
func (h *Host) Frame(frameTime time.Duration) FrameReport {
	h.frame++
	h.watchdog.Heartbeat(h.frame, frameTime)
	h.sandboxes.ResetFrameCounters()
	h.registry.ResetFrameQuotas()

	report := FrameReport{
		Frame:         h.frame,
		ExpiredGrants: h.registry.GCExpired(),
	}
	for _, id := range h.tree.ReadyToRestart(h.clock()) {
		owned, ok := h.respawn(id)
		if ok {
			report.Restarted = append(report.Restarted, id.ID)
		}
		if !owned.Empty() {
			if report.Reclaimed == nil {
				report.Reclaimed = make(map[string]sandbox.Owned)
			}
			report.Reclaimed[id.ID] = owned
		}
	}

	var memory uint64
	h.sandboxes.Each(func(sb *sandbox.Sandbox) { memory += sb.Usage().MemoryBytes })
	h.watchdog.ReportMemory(memory)

	if h.tree.Halted() {
		h.watchdog.ForceDegraded("supervision halted", watchdog.ActionHaltedSupervisor)
	}
	report.Health = h.watchdog.Health()
	report.Degraded = h.watchdog.Degraded().Active
	return report
}

// respawn gives a ready tenant a fresh sandbox and marks it running.
// Quota counters restart with the sandbox; grants are kept.
func (h *Host) respawn(id supervisor.ChildID) (sandbox.Owned, bool) {
	t, ok := h.tenants[id.ID]
	if id.Kind != supervisor.KindApp || !ok {
		if err := h.tree.MarkRunning(id); err != nil {
			h.logger.Warn("restart of unknown child", "child", id.String(), "error", err)
		}
		return sandbox.Owned{}, false
	}
	_, owned, err := h.sandboxes.Recreate(t.id)
	if err != nil {
		h.logger.Error("tenant respawn failed", "tenant", t.id, "error", err)
		return sandbox.Owned{}, false
	}
	h.registry.DropQuota(t.namespace)
	if err := h.tree.MarkRunning(id); err != nil {
		h.logger.Error("tenant respawn failed", "tenant", t.id, "error", err)
		return owned, false
	}
	h.logger.Info("tenant restarted", "tenant", t.id, "frame", h.frame)
	return owned, true
}
