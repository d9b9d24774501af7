package supervisor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Backoff is the restart delay curve:
//
//	delay = Initial * Multiplier^(failures-1), capped at Max
//
// with an optional deterministic jitter in [0, MaxJitter) added after the
// cap. A disabled curve or zero failures yields no delay.
type Backoff struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Initial    time.Duration `json:"initial" yaml:"initial"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	Max        time.Duration `json:"max" yaml:"max"`
	MaxJitter  time.Duration `json:"max_jitter,omitempty" yaml:"max_jitter"`
}

// DefaultBackoff returns 100ms doubling up to 10s, without jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Enabled:    true,
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Max:        10 * time.Second,
	}
}

// Validate rejects negative durations and multipliers below 1.
func (b Backoff) Validate() error {
	if !b.Enabled {
		return nil
	}
	if b.Initial < 0 || b.Max < 0 || b.MaxJitter < 0 {
		return fmt.Errorf("supervisor: backoff durations must be >= 0")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("supervisor: backoff multiplier must be >= 1, got %g", b.Multiplier)
	}
	return nil
}

// Delay returns the curve value for failures consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if !b.Enabled || failures <= 0 {
		return 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(failures-1))
	limit := float64(math.MaxInt64)
	if b.Max > 0 {
		limit = float64(b.Max)
	}
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= limit {
		if b.Max > 0 {
			return b.Max
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DelayFor is Delay plus jitter seeded by the child id and failure count,
// so the same child and count always wait the same amount.
func (b Backoff) DelayFor(id ChildID, failures int) time.Duration {
	d := b.Delay(failures)
	if d == 0 || b.MaxJitter <= 0 {
		return d
	}
	return d + jitter(id, failures, b.MaxJitter)
}

func jitter(id ChildID, failures int, ceiling time.Duration) time.Duration {
	seed := fmt.Sprintf("%s:%d", id, failures)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(ceiling)) //nolint:gosec // ceiling is positive
}
