package capability

import "fmt"

// Counter names one live per-namespace counter.
type Counter string

const (
	CounterEntities Counter = "entities"
	CounterLayers   Counter = "layers"
	CounterAssets   Counter = "assets"
	CounterPatches  Counter = "patches_this_frame"
	CounterMemory   Counter = "memory_bytes"
)

// Quota holds the live counters of one namespace. The registry never
// increments them itself; callers adjust them after an Allowed check.
type Quota struct {
	Entities         uint64 `json:"entities"`
	Layers           uint64 `json:"layers"`
	Assets           uint64 `json:"assets"`
	PatchesThisFrame uint64 `json:"patches_this_frame"`
	MemoryBytes      uint64 `json:"memory_bytes"`
}

func (q *Quota) field(c Counter) (*uint64, error) {
	switch c {
	case CounterEntities:
		return &q.Entities, nil
	case CounterLayers:
		return &q.Layers, nil
	case CounterAssets:
		return &q.Assets, nil
	case CounterPatches:
		return &q.PatchesThisFrame, nil
	case CounterMemory:
		return &q.MemoryBytes, nil
	}
	return nil, fmt.Errorf("capability: unknown counter %q", c)
}

// Value returns the counter's current value; unknown counters read as zero.
func (q Quota) Value(c Counter) uint64 {
	p, err := q.field(c)
	if err != nil {
		return 0
	}
	return *p
}

// counterFor maps a ceiling-bearing kind to the counter its ceiling bounds.
func counterFor(t KindType) (Counter, bool) {
	switch t {
	case KindCreateEntities:
		return CounterEntities, true
	case KindCreateLayers:
		return CounterLayers, true
	}
	return "", false
}

// Quota returns a copy of the namespace's live counters.
func (r *Registry) Quota(ns Namespace) Quota {
	if q, ok := r.quotas[ns]; ok {
		return *q
	}
	return Quota{}
}

// AdjustQuota adds delta to one counter. Decrements saturate at zero.
func (r *Registry) AdjustQuota(ns Namespace, c Counter, delta int64) (uint64, error) {
	q, ok := r.quotas[ns]
	if !ok {
		q = &Quota{}
		r.quotas[ns] = q
	}
	p, err := q.field(c)
	if err != nil {
		return 0, err
	}
	switch {
	case delta >= 0:
		*p += uint64(delta)
	case uint64(-delta) >= *p:
		*p = 0
	default:
		*p -= uint64(-delta)
	}
	return *p, nil
}

// SetQuota replaces the namespace's counters.
func (r *Registry) SetQuota(ns Namespace, q Quota) {
	v := q
	r.quotas[ns] = &v
}

// DropQuota forgets a namespace's counters.
func (r *Registry) DropQuota(ns Namespace) {
	delete(r.quotas, ns)
}

// ResetFrameQuotas zeroes patches-this-frame for every namespace.
func (r *Registry) ResetFrameQuotas() {
	for _, q := range r.quotas {
		q.PatchesThisFrame = 0
	}
}
