//go:build property

package sandbox_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
)

func TestReserveNeverExceedsBudget(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	properties.Property("usage stays within limit under any reservation sequence", prop.ForAll(
		func(limit uint64, amounts []uint64) bool {
			sb := sandbox.New("t", "apps.t", sandbox.Budget{MaxEntities: limit})
			for _, a := range amounts {
				before := sb.Usage().Entities
				err := sb.Reserve(sandbox.ResourceEntities, a)
				after := sb.Usage().Entities
				if err != nil && after != before {
					return false
				}
				if err == nil && after != before+a {
					return false
				}
				if after > limit {
					return false
				}
			}
			return true
		},
		gen.UInt64Range(0, 1000),
		gen.SliceOf(gen.UInt64Range(0, 300)),
	))

	properties.TestingRun(t)
}

func TestResetFrameTouchesOnlyPerFrame(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("persistent counters survive a frame reset", prop.ForAll(
		func(mem, ents, patches uint64) bool {
			sb := sandbox.New("t", "apps.t", sandbox.Budget{
				MemoryBytes:        ^uint64(0),
				MaxEntities:        ^uint64(0),
				MaxPatchesPerFrame: ^uint64(0),
			})
			_ = sb.Reserve(sandbox.ResourceMemory, mem)
			_ = sb.Reserve(sandbox.ResourceEntities, ents)
			_ = sb.Reserve(sandbox.ResourcePatches, patches)
			sb.ResetFrameCounters()
			u := sb.Usage()
			return u.MemoryBytes == mem && u.Entities == ents && u.Patches == 0
		},
		gen.UInt64Range(0, 1<<40),
		gen.UInt64Range(0, 1<<20),
		gen.UInt64Range(0, 1<<20),
	))

	properties.TestingRun(t)
}
