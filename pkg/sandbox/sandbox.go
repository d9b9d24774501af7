package sandbox

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/ring"
)

const (
	// DefaultCrashLimit is the crash count at which a sandbox is
	// considered permanently failed.
	DefaultCrashLimit = 3
	// DefaultEventCapacity bounds the per-sandbox event ring.
	DefaultEventCapacity = 256
)

// EventType classifies a sandbox event.
type EventType string

const (
	EventReservationDenied EventType = "RESERVATION_DENIED"
	EventReleaseUnderflow  EventType = "RELEASE_UNDERFLOW"
	EventCrash             EventType = "CRASH"
	EventFrameOverrun      EventType = "FRAME_OVERRUN"
)

// Event records a reservation failure, crash, or overrun.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Resource  Resource  `json:"resource,omitempty"`
	Detail    string    `json:"detail"`
}

// EntityID, LayerID and AssetID identify resources the host created on a
// tenant's behalf.
type (
	EntityID uint64
	LayerID  uint64
	AssetID  string
)

// Owned lists the resources a sandbox tracked at the time of the call, for
// cleanup at tenant unload.
type Owned struct {
	Entities []EntityID `json:"entities"`
	Layers   []LayerID  `json:"layers"`
	Assets   []AssetID  `json:"assets"`
}

// Empty reports whether nothing is owned.
func (o Owned) Empty() bool {
	return len(o.Entities) == 0 && len(o.Layers) == 0 && len(o.Assets) == 0
}

// Sandbox tracks one tenant's budget, usage, ownership, and crashes.
// It is not safe for concurrent use; the host drives it from the frame loop.
type Sandbox struct {
	id         string
	tenant     string
	namespace  capability.Namespace
	budget     Budget
	usage      Usage
	crashCount int
	crashLimit int
	lastCrash  string

	entities []EntityID
	layers   []LayerID
	assets   []AssetID

	events  *ring.Ring[Event]
	clock   func() time.Time
	logger  *slog.Logger
	overrun *rate.Limiter
}

// New creates a sandbox for tenant with a fresh id and zero usage.
func New(tenant string, ns capability.Namespace, budget Budget) *Sandbox {
	id := uuid.New().String()
	return &Sandbox{
		id:         id,
		tenant:     tenant,
		namespace:  ns,
		budget:     budget,
		crashLimit: DefaultCrashLimit,
		events:     ring.New[Event](DefaultEventCapacity),
		clock:      time.Now,
		logger:     slog.Default().With("component", "sandbox", "sandbox_id", id, "tenant", tenant),
		overrun:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// WithClock overrides the clock for testing.
func (s *Sandbox) WithClock(clock func() time.Time) *Sandbox {
	s.clock = clock
	return s
}

// WithLogger replaces the logger.
func (s *Sandbox) WithLogger(logger *slog.Logger) *Sandbox {
	if logger == nil {
		return s
	}
	s.logger = logger.With("sandbox_id", s.id, "tenant", s.tenant)
	return s
}

// WithCrashLimit sets the crash limit. Non-positive values keep the default.
func (s *Sandbox) WithCrashLimit(limit int) *Sandbox {
	if limit > 0 {
		s.crashLimit = limit
	}
	return s
}

// WithEventCapacity resizes the event ring, dropping retained events.
func (s *Sandbox) WithEventCapacity(n int) *Sandbox {
	s.events = ring.New[Event](n)
	return s
}

func (s *Sandbox) ID() string                      { return s.id }
func (s *Sandbox) Tenant() string                  { return s.tenant }
func (s *Sandbox) Namespace() capability.Namespace { return s.namespace }
func (s *Sandbox) Budget() Budget                  { return s.budget }
func (s *Sandbox) Usage() Usage                    { return s.usage }
func (s *Sandbox) CrashCount() int                 { return s.crashCount }
func (s *Sandbox) CrashLimit() int                 { return s.crashLimit }

// LastCrash returns the message of the most recent crash, if any.
func (s *Sandbox) LastCrash() string { return s.lastCrash }

// AuditLog returns retained events, oldest first.
func (s *Sandbox) AuditLog() []Event { return s.events.Items() }

// CheckAllocation reports whether amount more of r fits the budget without
// changing any state. Unknown resources are always available.
func (s *Sandbox) CheckAllocation(r Resource, amount uint64) error {
	limit, ok := s.budget.Limit(r)
	if !ok {
		return nil
	}
	current := s.usage.Get(r)
	// current+amount > limit, without overflowing.
	if amount > limit || current > limit-amount {
		return &ResourceError{Resource: r, Current: current, Requested: amount, Limit: limit}
	}
	return nil
}

// Reserve checks and commits amount of r. On failure usage is unchanged and
// the denial is recorded.
func (s *Sandbox) Reserve(r Resource, amount uint64) error {
	if err := s.CheckAllocation(r, amount); err != nil {
		s.record(Event{Type: EventReservationDenied, Resource: r, Detail: err.Error()})
		return err
	}
	if p := s.usage.counter(r); p != nil {
		*p += amount
	}
	return nil
}

// Release returns amount of r, saturating at zero.
func (s *Sandbox) Release(r Resource, amount uint64) {
	p := s.usage.counter(r)
	if p == nil {
		return
	}
	if amount > *p {
		s.record(Event{Type: EventReleaseUnderflow, Resource: r,
			Detail: fmt.Sprintf("released %d with %d held", amount, *p)})
		*p = 0
		return
	}
	*p -= amount
}

// ResetFrameCounters zeroes patches, draw calls, dispatches, and frame time.
func (s *Sandbox) ResetFrameCounters() {
	s.usage.resetFrame()
}

// ChargeFrameTime adds d to this frame's measured time and reports an
// overrun when the frame budget is exceeded. Overruns are never fatal.
func (s *Sandbox) ChargeFrameTime(d time.Duration) {
	s.usage.FrameTime += d
	if s.budget.FrameTime <= 0 || s.usage.FrameTime <= s.budget.FrameTime {
		return
	}
	s.record(Event{Type: EventFrameOverrun,
		Detail: fmt.Sprintf("frame time %s exceeds budget %s", s.usage.FrameTime, s.budget.FrameTime)})
	if s.overrun.Allow() {
		s.logger.Warn("frame time budget exceeded",
			"frame_time", s.usage.FrameTime, "budget", s.budget.FrameTime)
	}
}

// TrackEntity records an entity created on the tenant's behalf.
func (s *Sandbox) TrackEntity(id EntityID) { s.entities = append(s.entities, id) }

// UntrackEntity forgets id; unknown ids are ignored.
func (s *Sandbox) UntrackEntity(id EntityID) { s.entities = remove(s.entities, id) }

func (s *Sandbox) TrackLayer(id LayerID)   { s.layers = append(s.layers, id) }
func (s *Sandbox) UntrackLayer(id LayerID) { s.layers = remove(s.layers, id) }
func (s *Sandbox) TrackAsset(id AssetID)   { s.assets = append(s.assets, id) }
func (s *Sandbox) UntrackAsset(id AssetID) { s.assets = remove(s.assets, id) }

// OwnedResources returns a copy of everything currently tracked.
func (s *Sandbox) OwnedResources() Owned {
	return Owned{
		Entities: append([]EntityID{}, s.entities...),
		Layers:   append([]LayerID{}, s.layers...),
		Assets:   append([]AssetID{}, s.assets...),
	}
}

// RecordCrash increments the crash count and records message.
func (s *Sandbox) RecordCrash(message string) {
	s.crashCount++
	s.lastCrash = message
	s.record(Event{Type: EventCrash, Detail: message})
	s.logger.Warn("tenant crashed", "crash_count", s.crashCount, "crash_limit", s.crashLimit, "message", message)
}

// ExceededCrashLimit reports crash_count >= crash_limit.
func (s *Sandbox) ExceededCrashLimit() bool {
	return s.crashCount >= s.crashLimit
}

func (s *Sandbox) record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	s.events.Push(e)
}

func remove[T comparable](items []T, v T) []T {
	for i, x := range items {
		if x == v {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}
