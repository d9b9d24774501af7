// Package snapshot persists host state across an in-process reload.
//
// A snapshot is an Envelope around a JSON-encoded State. The envelope
// carries a semantic format version, checked against the versions this
// build can read, and a SHA-256 digest over the RFC 8785 canonical form of
// the state so that a tampered or truncated payload is rejected on load.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// FormatVersion is the envelope format written by this build.
const FormatVersion = "1.0.0"

// readable lists the format versions Decode accepts.
var readable = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

var (
	ErrIncompatibleFormat = errors.New("snapshot: incompatible format version")
	ErrDigestMismatch     = errors.New("snapshot: digest mismatch")
	ErrMalformed          = errors.New("snapshot: malformed envelope")
)

// Tenant records a loaded tenant.
type Tenant struct {
	ID        string                  `json:"id"`
	Namespace capability.Namespace    `json:"namespace"`
	Restart   supervisor.RestartClass `json:"restart"`
}

// State is everything a host needs to resume after a reload.
type State struct {
	Frame        uint64              `json:"frame"`
	Tenants      []Tenant            `json:"tenants"`
	Sandboxes    []sandbox.Snapshot  `json:"sandboxes"`
	Capabilities capability.Snapshot `json:"capabilities"`
	Supervision  supervisor.Snapshot `json:"supervision"`
	Watchdog     watchdog.Snapshot   `json:"watchdog"`
}

// Envelope is the persisted form of a State.
type Envelope struct {
	ID        string          `json:"id"`
	Format    string          `json:"format"`
	CreatedAt time.Time       `json:"created_at"`
	Digest    string          `json:"digest"`
	State     json.RawMessage `json:"state"`
}

// Encode wraps state in a new envelope stamped at now.
func Encode(state State, now time.Time) ([]byte, Envelope, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("snapshot: encode state: %w", err)
	}
	digest, err := Digest(raw)
	if err != nil {
		return nil, Envelope{}, err
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Format:    FormatVersion,
		CreatedAt: now.UTC(),
		Digest:    digest,
		State:     raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("snapshot: encode envelope: %w", err)
	}
	return data, env, nil
}

// Decode validates the envelope in data and returns its state.
func Decode(data []byte) (State, Envelope, error) {
	env, err := Inspect(data)
	if err != nil {
		return State{}, env, err
	}
	var state State
	if err := json.Unmarshal(env.State, &state); err != nil {
		return State{}, env, fmt.Errorf("%w: state: %v", ErrMalformed, err)
	}
	return state, env, nil
}

// Inspect validates the envelope's format version and digest without
// decoding the state.
func Inspect(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.State) == 0 {
		return env, fmt.Errorf("%w: missing state", ErrMalformed)
	}
	v, err := semver.NewVersion(env.Format)
	if err != nil {
		return env, fmt.Errorf("%w: %q: %v", ErrIncompatibleFormat, env.Format, err)
	}
	if !readable.Check(v) {
		return env, fmt.Errorf("%w: %s not in %s", ErrIncompatibleFormat, v, readable)
	}
	digest, err := Digest(env.State)
	if err != nil {
		return env, err
	}
	if digest != env.Digest {
		return env, fmt.Errorf("%w: have %s, computed %s", ErrDigestMismatch, env.Digest, digest)
	}
	return env, nil
}

// Digest returns "sha256:<hex>" over the canonical form of the JSON in raw.
func Digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("snapshot: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Summary is a short human-readable description of an envelope.
func (e Envelope) Summary() string {
	return fmt.Sprintf("id=%s format=%s created=%s digest=%s", e.ID, e.Format, e.CreatedAt.Format(time.RFC3339), e.Digest)
}
