package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"event-rsvp/internal/i18n"
)

var (
	// ErrNotVerified is returned by data calls attempted without a valid Pass
	ErrNotVerified = errors.New("challenge not verified")
	// ErrRejected means the verification service refused the token
	ErrRejected = errors.New("challenge rejected")
	// ErrMissingToken means the widget produced no token
	ErrMissingToken = errors.New("challenge token missing")
)

// Error is a failed verification. MessageKey names the localized copy to
// show; Message, when set, is the server-provided text and takes precedence.
type Error struct {
	MessageKey string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("verification failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("verification failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pass proves a completed challenge. Only Gate can mint a valid one; the zero
// value is never valid.
type Pass struct {
	id       string
	issuedAt time.Time
}

// Valid reports whether the pass was issued by a gate
func (p Pass) Valid() bool { return p.id != "" }

// ID identifies the pass in logs
func (p Pass) ID() string { return p.id }

// IssuedAt is the time the challenge succeeded
func (p Pass) IssuedAt() time.Time { return p.issuedAt }

// Require fails fast with ErrNotVerified unless p is valid
func (p Pass) Require() error {
	if !p.Valid() {
		return &Error{MessageKey: i18n.KeyVerificationFailed, Err: ErrNotVerified}
	}
	return nil
}

// ChallengeResult is the answer of the verify-turnstile endpoint
type ChallengeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Challenger submits a widget token for verification
type Challenger interface {
	VerifyChallenge(ctx context.Context, token string) (*ChallengeResult, error)
}

// Gate turns a widget token into a Pass
type Gate struct {
	challenger Challenger
	now        func() time.Time
}

// NewGate creates a gate backed by challenger
func NewGate(challenger Challenger) *Gate {
	return &Gate{challenger: challenger, now: time.Now}
}

// Challenge verifies token once. There is no retry; the widget is the only
// retry surface.
func (g *Gate) Challenge(ctx context.Context, token string) (Pass, error) {
	if token == "" {
		return Pass{}, &Error{MessageKey: i18n.KeyNoToken, Err: ErrMissingToken}
	}

	result, err := g.challenger.VerifyChallenge(ctx, token)
	if err != nil {
		return Pass{}, &Error{MessageKey: i18n.KeyRetryOrContact, Err: err}
	}
	if !result.Success {
		return Pass{}, &Error{MessageKey: i18n.KeyVerificationFailed, Message: result.Message, Err: ErrRejected}
	}
	return Pass{id: uuid.NewString(), issuedAt: g.now()}, nil
}

// LocalChallenger verifies tokens in-process with Turnstile
type LocalChallenger struct {
	Turnstile *Turnstile
}

// VerifyChallenge implements Challenger
func (c LocalChallenger) VerifyChallenge(ctx context.Context, token string) (*ChallengeResult, error) {
	result, err := c.Turnstile.Verify(ctx, token, "")
	if err != nil {
		return nil, err
	}
	return &ChallengeResult{Success: result.Success}, nil
}
