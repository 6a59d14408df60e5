// Package ashcontext owns context persistence: short-lived, single-use
// server-issued contexts and the store contract every backend must meet.
// The one hard requirement is Consume: exactly one caller wins under
// arbitrary concurrent races on the same id.
package ashcontext

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Mode selects the protocol variant a context was issued for.
type Mode string

const (
	// ModeMinimal issues no nonce; proofs use the context-bound hash.
	ModeMinimal Mode = "minimal"
	// ModeBalanced issues a nonce that is returned to the client and
	// mixed into the context-bound hash.
	ModeBalanced Mode = "balanced"
	// ModeStrict keeps the nonce server-side and hands the client a
	// derived secret; proofs use the HMAC protocol.
	ModeStrict Mode = "strict"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeMinimal, ModeBalanced, ModeStrict:
		return true
	}
	return false
}

// Context is a server-issued, single-use verification token. Timestamps
// are unix milliseconds. ConsumedAt is nil until the consume transition
// and immutable after it.
type Context struct {
	ID         string
	Binding    string
	Mode       Mode
	IssuedAt   int64
	ExpiresAt  int64
	Nonce      string
	ConsumedAt *int64
}

// Expired reports whether the context is past its expiry at now (ms).
func (c Context) Expired(now int64) bool {
	return now > c.ExpiresAt
}

// ConsumeOutcome is the result of an atomic consume attempt.
type ConsumeOutcome int

const (
	// Consumed means this caller won the consume race.
	Consumed ConsumeOutcome = iota
	// AlreadyConsumed means another caller consumed the context first.
	AlreadyConsumed
	// Missing means the context does not exist or has expired.
	Missing
)

// ErrInvalidMode rejects context creation with an unknown mode.
var ErrInvalidMode = errors.New("invalid context mode")

// Store is the context persistence contract. Get treats an expired
// context as absent even when the backend still physically holds it.
// Consume must be a single atomic read-modify-write: under concurrent
// callers racing on one id, exactly one observes Consumed and the rest
// observe AlreadyConsumed.
type Store interface {
	Create(ctx context.Context, binding string, ttl time.Duration, mode Mode) (Context, error)
	Get(ctx context.Context, id string) (*Context, error)
	Consume(ctx context.Context, id string, now int64) (ConsumeOutcome, error)
	Cleanup(ctx context.Context, now int64) (int, error)
}

// NewContextID generates an opaque context id with 128 bits of entropy.
func NewContextID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("context id entropy: %w", err)
	}
	return "ashc_" + hex.EncodeToString(buf[:]), nil
}

// NewNonce generates a 256-bit server-side nonce.
func NewNonce() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// NewContext assembles an unsaved context: fresh id, and a fresh nonce
// for the modes that need one. Backends share this so id and nonce rules
// cannot drift between them.
func NewContext(binding string, ttl time.Duration, mode Mode, now time.Time) (Context, error) {
	if !mode.Valid() {
		return Context{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	id, err := NewContextID()
	if err != nil {
		return Context{}, err
	}
	c := Context{
		ID:        id,
		Binding:   binding,
		Mode:      mode,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	if mode == ModeBalanced || mode == ModeStrict {
		nonce, err := NewNonce()
		if err != nil {
			return Context{}, err
		}
		c.Nonce = nonce
	}
	return c, nil
}
