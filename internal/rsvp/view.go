// Package rsvp drives one invitee page activation: verification, loading the
// invitation, recording the answer, collecting a companion and issuing
// tickets.
package rsvp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/ticket"
	"event-rsvp/internal/verify"
)

// DefaultNotFoundURL is where failed verifications are sent
const DefaultNotFoundURL = "/not-found"

// Tickets produces ticket documents
type Tickets interface {
	Generate(ctx context.Context, req ticket.Request) (*ticket.Document, error)
}

// Redirect asks the client to navigate to URL after Seconds
type Redirect struct {
	URL     string `json:"url"`
	Seconds int    `json:"seconds"`
}

// TicketLink describes a ticket that can be downloaded in the current state
type TicketLink struct {
	Companion bool   `json:"companion"`
	Name      string `json:"name"`
	Filename  string `json:"filename"`
}

// Snapshot is the view model for one state. It is never mutated after it is
// returned.
type Snapshot struct {
	State      State              `json:"state"`
	QRID       string             `json:"qrId"`
	Lang       string             `json:"lang"`
	Event      models.EventConfig `json:"event"`
	Guest      *models.Guest      `json:"guest,omitempty"`
	Companion  *models.Guest      `json:"companion,omitempty"`
	Notice     string             `json:"notice,omitempty"`
	Message    string             `json:"message,omitempty"`
	MessageKey string             `json:"messageKey,omitempty"`
	Redirect   *Redirect          `json:"redirect,omitempty"`
	Tickets    []TicketLink       `json:"tickets,omitempty"`
}

// Options configures a view
type Options struct {
	API     API
	Tickets Tickets
	Bundle  *i18n.Bundle
	Lang    language.Tag
	QRID    string
	// Event carries the invitation copy; RSVPEnabled is replaced on load
	Event         models.EventConfig
	RedirectDelay time.Duration
	NotFoundURL   string
	Log           zerolog.Logger
}

// View is one page activation for one qr id. It owns the verification pass
// and the transient flags; at most one mutation runs at a time.
type View struct {
	api           API
	gate          *verify.Gate
	tickets       Tickets
	bundle        *i18n.Bundle
	validate      *validator.Validate
	lang          language.Tag
	qrID          string
	redirectDelay time.Duration
	notFoundURL   string
	log           zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight atomic.Bool

	mu                  sync.Mutex
	pass                verify.Pass
	attempted           bool
	loading             bool
	fetchFailed         bool
	event               models.EventConfig
	guest               *models.Guest
	companion           *models.Guest
	showCompanionForm   bool
	declineAcknowledged bool
	errKey              string
	errMsg              string
	redirect            *Redirect
	// verifyErr is the rejection returned to every later Verify call
	verifyErr error
}

// NewView creates a view bound to parent; cancelling parent closes it
func NewView(parent context.Context, opts Options) *View {
	ctx, cancel := context.WithCancel(parent)
	if opts.Bundle == nil {
		opts.Bundle = i18n.Default()
	}
	if opts.NotFoundURL == "" {
		opts.NotFoundURL = DefaultNotFoundURL
	}
	return &View{
		api:           opts.API,
		gate:          verify.NewGate(opts.API),
		tickets:       opts.Tickets,
		bundle:        opts.Bundle,
		validate:      guests.NewValidator(),
		lang:          opts.Lang,
		qrID:          opts.QRID,
		redirectDelay: opts.RedirectDelay,
		notFoundURL:   opts.NotFoundURL,
		log:           opts.Log.With().Str("component", "View").Str("qr_id", opts.QRID).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		event:         opts.Event,
	}
}

// QRID is the invitation the view is bound to
func (v *View) QRID() string { return v.qrID }

// Lang is the language the view renders in
func (v *View) Lang() language.Tag { return v.lang }

// Close cancels in-flight work; later results are dropped
func (v *View) Close() { v.cancel() }

// Closed reports whether the view was closed
func (v *View) Closed() bool { return v.ctx.Err() != nil }

// Verify exchanges the widget token for a pass and loads the invitation.
// A rejected token schedules a redirect to the not-found page.
func (v *View) Verify(ctx context.Context, token string) (Snapshot, error) {
	done, err := v.begin()
	if err != nil {
		return v.Snapshot(), err
	}
	defer done()

	v.mu.Lock()
	verified, attempted := v.pass.Valid(), v.attempted
	v.mu.Unlock()
	if verified {
		return v.Snapshot(), nil
	}
	if attempted {
		v.mu.Lock()
		verr := v.verifyErr
		v.mu.Unlock()
		if verr != nil {
			return v.Snapshot(), verr
		}
		return v.failed(KindVerification, verify.ErrRejected, i18n.KeyVerificationFailed)
	}

	cctx, cancel := v.scope(ctx)
	pass, err := v.gate.Challenge(cctx, token)
	cancel()
	if v.Closed() {
		return Snapshot{}, ErrViewClosed
	}
	if err != nil {
		verr := v.fail(KindVerification, err, i18n.KeyVerificationFailed)
		v.mu.Lock()
		v.attempted = true
		v.verifyErr = verr
		v.redirect = &Redirect{URL: v.notFoundURL, Seconds: int(v.redirectDelay.Round(time.Second) / time.Second)}
		v.mu.Unlock()
		v.log.Warn().Err(err).Msg("Verification failed")
		return v.Snapshot(), verr
	}

	v.mu.Lock()
	v.pass = pass
	v.attempted = true
	v.errKey, v.errMsg = "", ""
	v.mu.Unlock()
	v.log.Debug().Str("pass", pass.ID()).Msg("Verified")

	return v.load(ctx)
}

// Reload fetches the window and invitation again, dropping transient flags.
// A view that ended in NotFound stays there.
func (v *View) Reload(ctx context.Context) (Snapshot, error) {
	done, err := v.begin()
	if err != nil {
		return v.Snapshot(), err
	}
	defer done()

	if err := v.requirePass(); err != nil {
		return v.Snapshot(), err
	}
	v.mu.Lock()
	notFound := v.fetchFailed
	v.mu.Unlock()
	if notFound {
		return v.failed(KindLookup, ErrInvalidState, i18n.KeyGuestNotFound)
	}
	return v.load(ctx)
}

func (v *View) load(ctx context.Context) (Snapshot, error) {
	v.mu.Lock()
	pass := v.pass
	v.loading = true
	v.fetchFailed = false
	v.errKey, v.errMsg = "", ""
	v.mu.Unlock()

	cctx, cancel := v.scope(ctx)
	defer cancel()

	enabled, statusKey := true, ""
	window, err := v.api.RSVPStatus(cctx, pass)
	if err != nil {
		// the window stays open and the invitee is told the status is unknown
		statusKey = i18n.KeyRSVPStatusError
		v.log.Warn().Err(err).Msg("Error fetching RSVP status")
	} else {
		enabled = window.RSVPEnabled
	}

	guest, guestErr := v.api.Guest(cctx, pass, v.qrID)
	var companion *models.Guest
	if guestErr == nil && guest.HasCompanion() {
		companion, err = v.api.Guest(cctx, pass, guest.PlusOneQRID)
		if err != nil {
			v.log.Warn().Err(err).Str("plus_one_qr_id", guest.PlusOneQRID).Msg("Error fetching plus one")
			companion = nil
		}
	}
	if v.Closed() {
		return Snapshot{}, ErrViewClosed
	}

	v.mu.Lock()
	v.loading = false
	v.event.RSVPEnabled = enabled
	v.declineAcknowledged = false
	if guestErr != nil {
		v.fetchFailed = true
		v.guest, v.companion = nil, nil
		v.showCompanionForm = false
		v.redirect = &Redirect{URL: v.notFoundURL}
	} else {
		v.guest, v.companion = guest, companion
		v.showCompanionForm = CompanionEligible(guest, v.event)
		v.errKey = statusKey
	}
	v.mu.Unlock()

	if guestErr != nil {
		v.log.Warn().Err(guestErr).Msg("Error fetching guest")
		return v.failed(KindLookup, guestErr, i18n.KeyGuestNotFound)
	}
	return v.Snapshot(), nil
}

// Respond records the invitee's answer. On failure the local guest is left
// unchanged.
func (v *View) Respond(ctx context.Context, willAttend bool) (Snapshot, error) {
	done, err := v.begin()
	if err != nil {
		return v.Snapshot(), err
	}
	defer done()

	if err := v.requirePass(); err != nil {
		return v.Snapshot(), err
	}
	v.mu.Lock()
	pass, guest, open, loading := v.pass, v.guest, v.event.RSVPEnabled, v.loading
	v.mu.Unlock()
	switch {
	case guest == nil || loading:
		return v.failed(KindMutation, ErrInvalidState, i18n.KeyError)
	case !open:
		return v.failed(KindMutation, guests.ErrRSVPClosed, i18n.KeyRSVPClosed)
	}

	cctx, cancel := v.scope(ctx)
	ack, err := v.api.Respond(cctx, pass, v.qrID, willAttend)
	cancel()
	if v.Closed() {
		return Snapshot{}, ErrViewClosed
	}
	if err != nil {
		v.log.Error().Err(err).Bool("will_attend", willAttend).Msg("Error recording RSVP")
		return v.failed(KindMutation, err, i18n.KeyError)
	}

	if stored, ok := ack.Bool(); ok {
		willAttend = stored
	}
	now := time.Now()
	v.mu.Lock()
	g := *v.guest
	g.Responded = true
	g.WillAttend = models.AttendanceOf(willAttend)
	g.RespondedAt = &now
	v.guest = &g
	v.errKey, v.errMsg = "", ""
	if willAttend {
		v.declineAcknowledged = false
		v.showCompanionForm = CompanionEligible(&g, v.event)
	} else {
		v.declineAcknowledged = true
		v.showCompanionForm = false
	}
	v.mu.Unlock()

	v.log.Info().Bool("will_attend", willAttend).Msg("RSVP submitted")
	return v.Snapshot(), nil
}

// SubmitCompanion validates and creates the companion of an eligible guest
func (v *View) SubmitCompanion(ctx context.Context, req models.PlusOneRequest) (Snapshot, error) {
	done, err := v.begin()
	if err != nil {
		return v.Snapshot(), err
	}
	defer done()

	if err := v.requirePass(); err != nil {
		return v.Snapshot(), err
	}
	v.mu.Lock()
	pass, state := v.pass, Resolve(v.input())
	v.mu.Unlock()
	if state != PlusOneCollection {
		return v.failed(KindMutation, ErrInvalidState, i18n.KeyError)
	}

	req = req.Normalize()
	if err := guests.ValidatePlusOne(v.validate, req); err != nil {
		return v.failed(KindMutation, err, i18n.KeyPlusOneValidation)
	}

	cctx, cancel := v.scope(ctx)
	companion, err := v.api.AddPlusOne(cctx, pass, v.qrID, req)
	cancel()
	if v.Closed() {
		return Snapshot{}, ErrViewClosed
	}
	if err != nil {
		v.log.Error().Err(err).Msg("Error adding plus one")
		return v.failed(KindMutation, err, i18n.KeyError)
	}

	v.mu.Lock()
	g := *v.guest
	g.PlusOneQRID = companion.QRID
	v.guest = &g
	v.companion = companion
	v.showCompanionForm = false
	v.errKey, v.errMsg = "", ""
	v.mu.Unlock()

	v.log.Info().Str("plus_one_qr_id", companion.QRID).Msg("Plus one added")
	return v.Snapshot(), nil
}

// SkipCompanion hides the companion form for this view only
func (v *View) SkipCompanion() (Snapshot, error) {
	done, err := v.begin()
	if err != nil {
		return v.Snapshot(), err
	}
	defer done()

	v.mu.Lock()
	if Resolve(v.input()) != PlusOneCollection {
		v.mu.Unlock()
		return v.failed(KindMutation, ErrInvalidState, i18n.KeyError)
	}
	v.showCompanionForm = false
	v.errKey, v.errMsg = "", ""
	v.mu.Unlock()
	return v.Snapshot(), nil
}

// Ticket generates the principal ticket, or the companion ticket when
// companion is set. It is only offered while tickets are available.
func (v *View) Ticket(ctx context.Context, companion bool) (*ticket.Document, error) {
	if v.Closed() {
		return nil, ErrViewClosed
	}
	v.mu.Lock()
	state := Resolve(v.input())
	guest, comp, event := v.guest, v.companion, v.event
	v.mu.Unlock()

	if !state.TicketAvailable() || (companion && comp == nil) {
		return nil, v.fail(KindRender, ErrInvalidState, i18n.KeyPDFError)
	}

	req := ticket.Request{Guest: *guest, Companion: comp, Event: event, Lang: v.lang}
	if companion {
		req = ticket.Request{Guest: *comp, IsCompanion: true, Event: event, Lang: v.lang}
	}

	cctx, cancel := v.scope(ctx)
	doc, err := v.tickets.Generate(cctx, req)
	cancel()
	if v.Closed() {
		return nil, ErrViewClosed
	}
	if err != nil {
		return nil, v.fail(KindRender, err, i18n.KeyPDFError)
	}
	return doc, nil
}

// Snapshot returns the current view model
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	state := Resolve(v.input())
	s := Snapshot{
		State:      state,
		QRID:       v.qrID,
		Lang:       v.lang.String(),
		Event:      v.event,
		Guest:      v.guest,
		Companion:  v.companion,
		Notice:     v.notice(state),
		MessageKey: v.errKey,
		Message:    v.errMsg,
		Redirect:   v.redirect,
	}
	if s.Message == "" && v.errKey != "" {
		s.Message = v.text(v.errKey)
	}
	if state.TicketAvailable() && v.guest != nil {
		s.Tickets = append(s.Tickets, TicketLink{Name: v.guest.FullName(), Filename: ticket.Filename(*v.guest, false)})
		if v.companion != nil {
			s.Tickets = append(s.Tickets, TicketLink{Companion: true, Name: v.companion.FullName(), Filename: ticket.Filename(*v.companion, true)})
		}
	}
	return s
}

// input must be called with mu held
func (v *View) input() Input {
	return Input{
		Verified:            v.pass.Valid(),
		Loading:             v.loading,
		FetchFailed:         v.fetchFailed,
		Event:               v.event,
		Guest:               v.guest,
		Companion:           v.companion,
		ShowCompanionForm:   v.showCompanionForm,
		DeclineAcknowledged: v.declineAcknowledged,
	}
}

func (v *View) notice(state State) string {
	switch state {
	case Verifying:
		return v.text(i18n.KeyVerifyPrompt)
	case Loading:
		return v.text(i18n.KeyLoading)
	case NotFound:
		return v.text(i18n.KeyGuestNotFound)
	case ClosedOther:
		return v.text(i18n.KeyRSVPClosedMessage)
	case ClosedAttending, Confirmed:
		return v.text(i18n.KeyDownloadTicketPrompt)
	case PlusOneCollection:
		return v.text(i18n.KeyAddPlusOnePrompt)
	case DeclinedAck:
		return v.text(i18n.KeyDeclineMessage) + " " + v.text(i18n.KeyDeclineChangeOption)
	case ResponsePrompt:
		if v.guest != nil && v.guest.GuestType.MayBringCompanion() && !v.guest.HasCompanion() {
			return v.text(i18n.KeyPlusOneOption)
		}
	}
	return ""
}

func (v *View) text(key string) string {
	switch key {
	case i18n.KeyRetryOrContact, i18n.KeyRSVPClosedMessage:
		return v.bundle.Text(v.lang, key, v.event.RSVPEmail)
	}
	return v.bundle.Text(v.lang, key)
}

// begin claims the single in-flight slot
func (v *View) begin() (func(), error) {
	if v.Closed() {
		return nil, ErrViewClosed
	}
	if !v.inflight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { v.inflight.Store(false) }, nil
}

// scope derives a context that is also cancelled when the view closes
func (v *View) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (v *View) requirePass() error {
	v.mu.Lock()
	pass := v.pass
	v.mu.Unlock()
	if err := pass.Require(); err != nil {
		return v.fail(KindVerification, err, i18n.KeyVerificationFailed)
	}
	return nil
}

func (v *View) failed(kind Kind, err error, fallback string) (Snapshot, error) {
	e := v.fail(kind, err, fallback)
	return v.Snapshot(), e
}

// fail records err as the view's message and wraps it
func (v *View) fail(kind Kind, err error, fallback string) *Error {
	key, msg := messageOf(err, fallback)
	v.mu.Lock()
	v.errKey, v.errMsg = key, msg
	v.mu.Unlock()
	if msg == "" {
		msg = v.text(key)
	}
	return &Error{Kind: kind, MessageKey: key, Message: msg, Err: err}
}

func messageOf(err error, fallback string) (key, message string) {
	var verr *verify.Error
	if errors.As(err, &verr) {
		return verr.MessageKey, verr.Message
	}
	var lerr localizedError
	if errors.As(err, &lerr) && lerr.LocalizedKey() != "" {
		return lerr.LocalizedKey(), ""
	}
	if key := guests.MessageKey(err); key != i18n.KeyError {
		return key, ""
	}
	return fallback, ""
}
