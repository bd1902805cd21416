package rsvp

import (
	"context"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/models"
	"event-rsvp/internal/verify"
)

// API is the public guest API as seen by a view. Every data call takes the
// pass minted by the verification gate.
type API interface {
	verify.Challenger
	RSVPStatus(ctx context.Context, pass verify.Pass) (models.RSVPWindow, error)
	Guest(ctx context.Context, pass verify.Pass, qrID string) (*models.Guest, error)
	// Respond returns the attendance the server stored
	Respond(ctx context.Context, pass verify.Pass, qrID string, willAttend bool) (models.Attendance, error)
	AddPlusOne(ctx context.Context, pass verify.Pass, qrID string, req models.PlusOneRequest) (*models.Guest, error)
}

// Local serves the API in-process from a registry
type Local struct {
	Registry   *guests.Registry
	Challenger verify.Challenger
}

// VerifyChallenge implements verify.Challenger
func (l Local) VerifyChallenge(ctx context.Context, token string) (*verify.ChallengeResult, error) {
	return l.Challenger.VerifyChallenge(ctx, token)
}

// RSVPStatus reports the response window
func (l Local) RSVPStatus(ctx context.Context, pass verify.Pass) (models.RSVPWindow, error) {
	if err := pass.Require(); err != nil {
		return models.RSVPWindow{}, err
	}
	return l.Registry.Window(ctx)
}

// Guest looks a guest up
func (l Local) Guest(ctx context.Context, pass verify.Pass, qrID string) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	return l.Registry.Guest(ctx, qrID)
}

// Respond records an answer
func (l Local) Respond(ctx context.Context, pass verify.Pass, qrID string, willAttend bool) (models.Attendance, error) {
	if err := pass.Require(); err != nil {
		return models.AttendanceUnset, err
	}
	guest, err := l.Registry.Respond(ctx, qrID, willAttend)
	if err != nil {
		return models.AttendanceUnset, err
	}
	return guest.WillAttend, nil
}

// AddPlusOne creates a companion
func (l Local) AddPlusOne(ctx context.Context, pass verify.Pass, qrID string, req models.PlusOneRequest) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	return l.Registry.AddPlusOne(ctx, qrID, req)
}
