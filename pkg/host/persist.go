package host

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/snapshot"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
)

// State captures the host and every subsystem.
func (h *Host) State() snapshot.State {
	tenants := make([]snapshot.Tenant, 0, len(h.tenants))
	for _, id := range h.Tenants() {
		t := h.tenants[id]
		tenants = append(tenants, snapshot.Tenant{ID: t.id, Namespace: t.namespace, Restart: t.restart})
	}
	return snapshot.State{
		Frame:        h.frame,
		Tenants:      tenants,
		Sandboxes:    h.sandboxes.Snapshot(),
		Capabilities: h.registry.Snapshot(),
		Supervision:  h.tree.Snapshot(),
		Watchdog:     h.watchdog.Snapshot(),
	}
}

// Apply replaces the host's state with s. The current state is kept when
// s is inconsistent.
func (h *Host) Apply(s snapshot.State) error {
	tenants := make(map[string]*tenant, len(s.Tenants))
	for _, t := range s.Tenants {
		if _, dup := tenants[t.ID]; dup {
			return fmt.Errorf("host: duplicate tenant %s in snapshot", t.ID)
		}
		tenants[t.ID] = &tenant{id: t.ID, namespace: t.Namespace, restart: t.Restart}
	}
	if len(s.Sandboxes) != len(tenants) {
		return fmt.Errorf("host: snapshot has %d tenants but %d sandboxes", len(tenants), len(s.Sandboxes))
	}
	for _, sb := range s.Sandboxes {
		t, ok := tenants[sb.Tenant]
		if !ok {
			return fmt.Errorf("%w: sandbox %s belongs to %s", ErrUnknownTenant, sb.ID, sb.Tenant)
		}
		if sb.Namespace != t.namespace {
			return fmt.Errorf("host: sandbox %s namespace %s, tenant %s has %s", sb.ID, sb.Namespace, t.id, t.namespace)
		}
	}

	registry := capability.NewRegistry().
		WithAuditCapacity(h.cfg.Registry.AuditCapacity).
		WithClock(h.clock).
		WithLogger(h.base)
	if err := registry.Restore(s.Capabilities); err != nil {
		return fmt.Errorf("host: restore capabilities: %w", err)
	}
	sandboxes := sandbox.NewSet(h.cfg.Sandbox).WithClock(h.clock)
	if h.base != nil {
		sandboxes.WithLogger(h.base.With("component", "sandbox"))
	}
	if err := sandboxes.Restore(s.Sandboxes); err != nil {
		return fmt.Errorf("host: restore sandboxes: %w", err)
	}
	tree := supervisor.NewTree(RootSupervisor, "bastion host", h.cfg.Supervisor).
		WithClock(h.clock).
		WithLogger(h.base)
	if err := tree.Restore(s.Supervision); err != nil {
		return fmt.Errorf("host: restore supervision: %w", err)
	}
	if _, ok := tree.Supervisor(TenantsSupervisor); !ok {
		return fmt.Errorf("host: snapshot has no %q supervisor", TenantsSupervisor)
	}
	for id := range tenants {
		if _, ok := tree.Child(supervisor.App(id)); !ok {
			return fmt.Errorf("host: tenant %s is not supervised in snapshot", id)
		}
	}

	h.registry, h.sandboxes, h.tree = registry, sandboxes, tree
	h.tenants = tenants
	h.frame = s.Frame
	h.watchdog.Restore(s.Watchdog)
	h.logger.Info("host state applied", "frame", s.Frame, "tenants", len(tenants))
	return nil
}

// Save encodes the host state and writes it to store under key.
func (h *Host) Save(ctx context.Context, store snapshot.Store, key string) (snapshot.Envelope, error) {
	data, env, err := snapshot.Encode(h.State(), h.clock())
	if err != nil {
		return snapshot.Envelope{}, err
	}
	if err := store.Save(ctx, key, data); err != nil {
		return snapshot.Envelope{}, fmt.Errorf("host: save snapshot %s: %w", key, err)
	}
	h.logger.Info("snapshot saved", "key", key, "id", env.ID, "digest", env.Digest)
	return env, nil
}

// Restore reads the snapshot under key and applies it.
func (h *Host) Restore(ctx context.Context, store snapshot.Store, key string) (snapshot.Envelope, error) {
	data, err := store.Load(ctx, key)
	if err != nil {
		return snapshot.Envelope{}, fmt.Errorf("host: load snapshot %s: %w", key, err)
	}
	state, env, err := snapshot.Decode(data)
	if err != nil {
		return snapshot.Envelope{}, err
	}
	if err := h.Apply(state); err != nil {
		return snapshot.Envelope{}, err
	}
	h.logger.Info("snapshot restored", "key", key, "id", env.ID, "created_at", env.CreatedAt)
	return env, nil
}
