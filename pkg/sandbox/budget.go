// Package sandbox provides per-tenant resource budgets and fault isolation.
//
// A Sandbox is the second gate after capability checks: the registry
// answers "is this allowed at all", the sandbox answers "is there budget
// left". Tenant code runs through Execute, which converts any abnormal
// termination into a *PanicError instead of taking the host down.
package sandbox

import (
	"time"
)

// Resource names one budgeted quantity.
type Resource string

const (
	ResourceMemory     Resource = "memory"
	ResourceGPUMemory  Resource = "gpu_memory"
	ResourceEntities   Resource = "entities"
	ResourceLayers     Resource = "layers"
	ResourceAssets     Resource = "assets"
	ResourcePatches    Resource = "patches"
	ResourceDrawCalls  Resource = "draw_calls"
	ResourceDispatches Resource = "dispatches"
)

// PerFrame reports whether the resource is zeroed every frame.
func (r Resource) PerFrame() bool {
	switch r {
	case ResourcePatches, ResourceDrawCalls, ResourceDispatches:
		return true
	}
	return false
}

// Budget holds the fixed ceilings of one sandbox. A zero ceiling admits
// nothing; a zero FrameTime disables overrun reporting.
type Budget struct {
	MemoryBytes           uint64        `json:"memory_bytes" yaml:"memory_bytes"`
	GPUMemoryBytes        uint64        `json:"gpu_memory_bytes" yaml:"gpu_memory_bytes"`
	MaxEntities           uint64        `json:"max_entities" yaml:"max_entities"`
	MaxLayers             uint64        `json:"max_layers" yaml:"max_layers"`
	MaxAssets             uint64        `json:"max_assets" yaml:"max_assets"`
	FrameTime             time.Duration `json:"frame_time" yaml:"frame_time"`
	MaxPatchesPerFrame    uint64        `json:"max_patches_per_frame" yaml:"max_patches_per_frame"`
	MaxDrawCallsPerFrame  uint64        `json:"max_draw_calls_per_frame" yaml:"max_draw_calls_per_frame"`
	MaxDispatchesPerFrame uint64        `json:"max_dispatches_per_frame" yaml:"max_dispatches_per_frame"`
}

// DefaultBudget returns a conservative default tenant budget.
func DefaultBudget() Budget {
	return Budget{
		MemoryBytes:           64 * 1024 * 1024, // 64MB
		GPUMemoryBytes:        128 * 1024 * 1024,
		MaxEntities:           10_000,
		MaxLayers:             16,
		MaxAssets:             512,
		FrameTime:             4 * time.Millisecond,
		MaxPatchesPerFrame:    1_000,
		MaxDrawCallsPerFrame:  500,
		MaxDispatchesPerFrame: 64,
	}
}

// Limit returns the ceiling for r. ok is false for unknown resources.
func (b Budget) Limit(r Resource) (limit uint64, ok bool) {
	switch r {
	case ResourceMemory:
		return b.MemoryBytes, true
	case ResourceGPUMemory:
		return b.GPUMemoryBytes, true
	case ResourceEntities:
		return b.MaxEntities, true
	case ResourceLayers:
		return b.MaxLayers, true
	case ResourceAssets:
		return b.MaxAssets, true
	case ResourcePatches:
		return b.MaxPatchesPerFrame, true
	case ResourceDrawCalls:
		return b.MaxDrawCallsPerFrame, true
	case ResourceDispatches:
		return b.MaxDispatchesPerFrame, true
	}
	return 0, false
}

// Usage holds live counters compared against a Budget. Per-frame fields
// are zeroed by ResetFrameCounters; the rest persist until released.
type Usage struct {
	MemoryBytes    uint64        `json:"memory_bytes"`
	GPUMemoryBytes uint64        `json:"gpu_memory_bytes"`
	Entities       uint64        `json:"entities"`
	Layers         uint64        `json:"layers"`
	Assets         uint64        `json:"assets"`
	FrameTime      time.Duration `json:"frame_time"`
	Patches        uint64        `json:"patches"`
	DrawCalls      uint64        `json:"draw_calls"`
	Dispatches     uint64        `json:"dispatches"`
}

func (u *Usage) counter(r Resource) *uint64 {
	switch r {
	case ResourceMemory:
		return &u.MemoryBytes
	case ResourceGPUMemory:
		return &u.GPUMemoryBytes
	case ResourceEntities:
		return &u.Entities
	case ResourceLayers:
		return &u.Layers
	case ResourceAssets:
		return &u.Assets
	case ResourcePatches:
		return &u.Patches
	case ResourceDrawCalls:
		return &u.DrawCalls
	case ResourceDispatches:
		return &u.Dispatches
	}
	return nil
}

// Get returns the current value of r; unknown resources read as zero.
func (u Usage) Get(r Resource) uint64 {
	if p := u.counter(r); p != nil {
		return *p
	}
	return 0
}

// resetFrame zeroes only the per-frame fields.
func (u *Usage) resetFrame() {
	u.FrameTime = 0
	u.Patches = 0
	u.DrawCalls = 0
	u.Dispatches = 0
}
