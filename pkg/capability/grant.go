package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Namespace identifies an isolation unit: a tenant app or the kernel.
type Namespace string

// Kernel is the host's own namespace. It bypasses every check.
const Kernel Namespace = "kernel"

const systemPrefix = "system."

// IsSystem reports whether ns may hold admin-only kinds.
func (ns Namespace) IsSystem() bool {
	return ns == Kernel || strings.HasPrefix(string(ns), systemPrefix)
}

// GrantID is unique for the life of the process, including across restores.
type GrantID uint64

var lastGrantID atomic.Uint64

func nextGrantID() GrantID {
	return GrantID(lastGrantID.Add(1))
}

// observeGrantID bumps the counter past id so restored grants never collide
// with new ones.
func observeGrantID(id GrantID) {
	for {
		cur := lastGrantID.Load()
		if uint64(id) <= cur || lastGrantID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// Grant is an explicit, unforgeable permission record. Grants are only
// minted by a Registry; callers receive copies.
type Grant struct {
	ID        GrantID    `json:"id"`
	Kind      Kind       `json:"kind"`
	Holder    Namespace  `json:"holder"`
	Grantor   Namespace  `json:"grantor"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Delegable bool       `json:"delegable"`
	Reason    string     `json:"reason,omitempty"`
}

// Expired reports whether the grant's expiry is at or before now.
func (g *Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

func (g *Grant) clone() Grant {
	out := *g
	out.Kind = g.Kind.Clone()
	if g.ExpiresAt != nil {
		exp := *g.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// GrantRequest describes a grant to mint.
type GrantRequest struct {
	Holder  Namespace
	Grantor Namespace
	Kind    Kind
	// TTL bounds the grant's lifetime; zero means no expiry.
	TTL       time.Duration
	Delegable bool
	Reason    string
}

var (
	ErrGrantNotFound = errors.New("capability: grant not found")
	ErrAdminOnly     = errors.New("capability: kind is reserved for system namespaces")
	ErrNotDelegable  = errors.New("capability: grant is not delegable")
	ErrGrantExpired  = errors.New("capability: grant expired")
	ErrInvalidKind   = errors.New("capability: invalid kind")
)

// Outcome is the verdict of a capability check.
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	QuotaExceeded
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "ALLOWED"
	case Denied:
		return "DENIED"
	case QuotaExceeded:
		return "QUOTA_EXCEEDED"
	case Expired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(o))
	}
}

// Decision is the result of Registry.Check. It is ordinary control flow,
// never an execution failure.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	// Limit and Current are set for QuotaExceeded.
	Limit   uint64 `json:"limit,omitempty"`
	Current uint64 `json:"current,omitempty"`
	// GrantID is the grant that authorized an Allowed decision; zero for
	// kernel and admin bypasses.
	GrantID GrantID `json:"grant_id,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool { return d.Outcome == Allowed }

// Err converts a non-Allowed decision into an *AuthorizationError.
func (d Decision) Err(ns Namespace, required Kind) error {
	if d.Allowed() {
		return nil
	}
	return &AuthorizationError{Namespace: ns, Required: required.Clone(), Decision: d}
}

// Deterministic error codes for authorization failures.
const (
	ErrCapabilityDenied        = "ERR_CAPABILITY_DENIED"
	ErrCapabilityQuotaExceeded = "ERR_CAPABILITY_QUOTA_EXCEEDED"
	ErrCapabilityExpired       = "ERR_CAPABILITY_EXPIRED"
)

// AuthorizationError reports that a namespace was not permitted an operation.
type AuthorizationError struct {
	Namespace Namespace
	Required  Kind
	Decision  Decision
}

// Code returns the deterministic code for the decision's outcome.
func (e *AuthorizationError) Code() string {
	switch e.Decision.Outcome {
	case QuotaExceeded:
		return ErrCapabilityQuotaExceeded
	case Expired:
		return ErrCapabilityExpired
	default:
		return ErrCapabilityDenied
	}
}

func (e *AuthorizationError) Error() string {
	if e.Decision.Outcome == QuotaExceeded {
		return fmt.Sprintf("%s: %s for %s (limit=%d, current=%d)",
			e.Code(), e.Required, e.Namespace, e.Decision.Limit, e.Decision.Current)
	}
	return fmt.Sprintf("%s: %s for %s: %s", e.Code(), e.Required, e.Namespace, e.Decision.Reason)
}
