package sandbox

import (
	"fmt"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
)

// Snapshot is the serializable state of one sandbox.
type Snapshot struct {
	ID         string               `json:"id"`
	Tenant     string               `json:"tenant"`
	Namespace  capability.Namespace `json:"namespace"`
	Budget     Budget               `json:"budget"`
	Usage      Usage                `json:"usage"`
	CrashCount int                  `json:"crash_count"`
	CrashLimit int                  `json:"crash_limit"`
	LastCrash  string               `json:"last_crash,omitempty"`
	Owned      Owned                `json:"owned"`
	Events     []Event              `json:"events"`
}

// Snapshot captures the sandbox's identity, counters, ownership and events.
func (s *Sandbox) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.id,
		Tenant:     s.tenant,
		Namespace:  s.namespace,
		Budget:     s.budget,
		Usage:      s.usage,
		CrashCount: s.crashCount,
		CrashLimit: s.crashLimit,
		LastCrash:  s.lastCrash,
		Owned:      s.OwnedResources(),
		Events:     s.events.Items(),
	}
}

// Snapshot captures every sandbox in tenant order.
func (s *Set) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(s.byID))
	s.Each(func(sb *Sandbox) { out = append(out, sb.Snapshot()) })
	return out
}

// Restore replaces the set's sandboxes with snaps, keeping their ids.
func (s *Set) Restore(snaps []Snapshot) error {
	seenID := make(map[string]struct{}, len(snaps))
	seenTenant := make(map[string]struct{}, len(snaps))
	for _, snap := range snaps {
		if snap.ID == "" || snap.Tenant == "" {
			return fmt.Errorf("sandbox: snapshot entry missing id or tenant")
		}
		if _, dup := seenID[snap.ID]; dup {
			return fmt.Errorf("sandbox: duplicate sandbox id %s in snapshot", snap.ID)
		}
		if _, dup := seenTenant[snap.Tenant]; dup {
			return fmt.Errorf("%w: %s in snapshot", ErrTenantExists, snap.Tenant)
		}
		seenID[snap.ID] = struct{}{}
		seenTenant[snap.Tenant] = struct{}{}
	}

	s.byID = make(map[string]*Sandbox, len(snaps))
	s.byTenant = make(map[string]string, len(snaps))
	for _, snap := range snaps {
		sb := New(snap.Tenant, snap.Namespace, snap.Budget).
			WithClock(s.clock).
			WithCrashLimit(snap.CrashLimit)
		sb.id = snap.ID
		sb.WithLogger(s.logger)
		if s.cfg.EventCapacity > 0 {
			sb.WithEventCapacity(s.cfg.EventCapacity)
		}
		sb.usage = snap.Usage
		sb.crashCount = snap.CrashCount
		sb.lastCrash = snap.LastCrash
		sb.entities = append([]EntityID(nil), snap.Owned.Entities...)
		sb.layers = append([]LayerID(nil), snap.Owned.Layers...)
		sb.assets = append([]AssetID(nil), snap.Owned.Assets...)
		sb.events.Load(snap.Events)
		s.byID[sb.id] = sb
		s.byTenant[sb.tenant] = sb.id
	}
	s.logger.Info("sandboxes restored", "count", len(snaps))
	return nil
}
