// Package guests implements the server side of the public guest API: window
// status, lookup by qr id, attendance responses and companion creation.
package guests

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/storage"
)

var (
	ErrGuestNotFound  = storage.ErrGuestNotFound
	ErrPlusOneExists  = storage.ErrPlusOneExists
	ErrRSVPClosed     = errors.New("rsvp window is closed")
	ErrNotEligible    = errors.New("guest may not add a plus one")
	ErrInvalidPlusOne = errors.New("invalid plus one details")
)

// ValidationError lists the companion fields that failed validation
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plus one details: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPlusOne }

// MessageKey maps a registry error to its localized message key
func MessageKey(err error) string {
	switch {
	case errors.Is(err, ErrGuestNotFound):
		return i18n.KeyGuestNotFound
	case errors.Is(err, ErrRSVPClosed):
		return i18n.KeyRSVPClosed
	case errors.Is(err, ErrNotEligible):
		return i18n.KeyPlusOneNotEligible
	case errors.Is(err, ErrPlusOneExists):
		return i18n.KeyPlusOneExists
	case errors.Is(err, ErrInvalidPlusOne):
		return i18n.KeyPlusOneValidation
	}
	return i18n.KeyError
}

// Store is the persistence the registry needs
type Store interface {
	GetGuest(ctx context.Context, qrID string) (*models.Guest, error)
	UpdateRSVP(ctx context.Context, qrID string, willAttend bool) (*models.Guest, error)
	AddPlusOne(ctx context.Context, principalQRID string, companion models.Guest, check func(*models.Guest) error) (*models.Guest, error)
	RSVPEnabled(ctx context.Context) (bool, error)
}

// Notifier is told about confirmed attendance. Failures are logged only.
type Notifier interface {
	NotifyConfirmed(ctx context.Context, guest models.Guest, companion *models.Guest) error
	NotifyCompanionAdded(ctx context.Context, principal models.Guest, companion models.Guest) error
}

// Registry applies the public API rules on top of a Store
type Registry struct {
	store    Store
	validate *validator.Validate
	notifier Notifier
	log      zerolog.Logger

	notifyTimeout time.Duration
	wg            sync.WaitGroup
}

// NewRegistry creates a registry; notifier may be nil
func NewRegistry(store Store, notifier Notifier, log zerolog.Logger) *Registry {
	return &Registry{
		store:         store,
		validate:      NewValidator(),
		notifier:      notifier,
		log:           log.With().Str("component", "Registry").Logger(),
		notifyTimeout: 2 * time.Minute,
	}
}

// NewValidator returns a validator that reports fields by their json names
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Window reports whether responses are currently accepted
func (r *Registry) Window(ctx context.Context) (models.RSVPWindow, error) {
	enabled, err := r.store.RSVPEnabled(ctx)
	if err != nil {
		return models.RSVPWindow{}, err
	}
	return models.RSVPWindow{RSVPEnabled: enabled}, nil
}

// Guest looks a guest up by qr id
func (r *Registry) Guest(ctx context.Context, qrID string) (*models.Guest, error) {
	return r.store.GetGuest(ctx, qrID)
}

// Respond records an attendance answer while the window is open
func (r *Registry) Respond(ctx context.Context, qrID string, willAttend bool) (*models.Guest, error) {
	if err := r.requireOpen(ctx); err != nil {
		return nil, err
	}
	before, err := r.store.GetGuest(ctx, qrID)
	if err != nil {
		return nil, err
	}

	guest, err := r.store.UpdateRSVP(ctx, qrID, willAttend)
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("qr_id", qrID).Bool("will_attend", willAttend).Msg("RSVP recorded")

	// repeated accepts are not confirmed again
	if willAttend && before.WillAttend != models.AttendanceYes {
		var companion *models.Guest
		if guest.HasCompanion() {
			companion, err = r.store.GetGuest(ctx, guest.PlusOneQRID)
			if err != nil {
				r.log.Warn().Err(err).Str("qr_id", qrID).Msg("Linked plus one not found")
			}
		}
		r.notify(*guest, companion)
	}
	return guest, nil
}

// ValidatePlusOne checks the companion form without touching the store
func (r *Registry) ValidatePlusOne(req models.PlusOneRequest) error {
	return ValidatePlusOne(r.validate, req)
}

// ValidatePlusOne checks the companion form with v
func ValidatePlusOne(v *validator.Validate, req models.PlusOneRequest) error {
	if v == nil {
		v = NewValidator()
	}
	err := v.Struct(req.Normalize())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Fields: fields}
}

// AddPlusOne creates a companion for an eligible, attending guest. The
// companion and the link are written together or not at all.
func (r *Registry) AddPlusOne(ctx context.Context, qrID string, req models.PlusOneRequest) (*models.Guest, error) {
	req = req.Normalize()
	if err := r.ValidatePlusOne(req); err != nil {
		return nil, err
	}
	if err := r.requireOpen(ctx); err != nil {
		return nil, err
	}

	var principal models.Guest
	companion, err := r.store.AddPlusOne(ctx, qrID, models.Guest{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
	}, func(p *models.Guest) error {
		if !p.GuestType.MayBringCompanion() {
			return ErrNotEligible
		}
		if p.WillAttend != models.AttendanceYes {
			return ErrNotEligible
		}
		if p.HasCompanion() {
			return ErrPlusOneExists
		}
		principal = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("qr_id", qrID).Str("plus_one_qr_id", companion.QRID).Msg("Plus one added")
	principal.PlusOneQRID = companion.QRID
	r.notifyCompanion(principal, *companion)
	return companion, nil
}

func (r *Registry) requireOpen(ctx context.Context) error {
	enabled, err := r.store.RSVPEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrRSVPClosed
	}
	return nil
}

func (r *Registry) notify(guest models.Guest, companion *models.Guest) {
	r.background(guest.QRID, func(ctx context.Context) error {
		return r.notifier.NotifyConfirmed(ctx, guest, companion)
	})
}

func (r *Registry) notifyCompanion(principal, companion models.Guest) {
	r.background(principal.QRID, func(ctx context.Context) error {
		return r.notifier.NotifyCompanionAdded(ctx, principal, companion)
	})
}

func (r *Registry) background(qrID string, send func(ctx context.Context) error) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			r.log.Error().Err(err).Str("qr_id", qrID).Msg("Error sending confirmation")
		}
	}()
}

// Wait blocks until pending notifications have finished
func (r *Registry) Wait() {
	r.wg.Wait()
}
