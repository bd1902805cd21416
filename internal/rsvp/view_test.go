package rsvp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/storage"
	"event-rsvp/internal/ticket"
	"event-rsvp/internal/verify"
)

type fakeAPI struct {
	mu           sync.Mutex
	challenge    *verify.ChallengeResult
	challengeErr error
	window       models.RSVPWindow
	statusErr    error
	guests       map[string]*models.Guest
	respondErr   error
	// storedAnswer, when set, is what the server keeps regardless of the request
	storedAnswer models.Attendance
	calls        []string

	// when set, Respond signals entered and waits for release or ctx
	entered chan struct{}
	release chan struct{}
}

func newFakeAPI(gs ...models.Guest) *fakeAPI {
	f := &fakeAPI{
		challenge: &verify.ChallengeResult{Success: true},
		window:    models.RSVPWindow{RSVPEnabled: true},
		guests:    make(map[string]*models.Guest),
	}
	for i := range gs {
		g := gs[i]
		f.guests[g.QRID] = &g
	}
	return f
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAPI) VerifyChallenge(ctx context.Context, token string) (*verify.ChallengeResult, error) {
	f.record("verify")
	return f.challenge, f.challengeErr
}

func (f *fakeAPI) RSVPStatus(ctx context.Context, pass verify.Pass) (models.RSVPWindow, error) {
	if err := pass.Require(); err != nil {
		return models.RSVPWindow{}, err
	}
	f.record("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window, f.statusErr
}

func (f *fakeAPI) Guest(ctx context.Context, pass verify.Pass, qrID string) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	f.record("guest")
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[qrID]
	if !ok {
		return nil, guests.ErrGuestNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeAPI) Respond(ctx context.Context, pass verify.Pass, qrID string, willAttend bool) (models.Attendance, error) {
	if err := pass.Require(); err != nil {
		return models.AttendanceUnset, err
	}
	f.record("respond")
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.AttendanceUnset, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return models.AttendanceUnset, f.respondErr
	}
	g := f.guests[qrID]
	g.Responded = true
	g.WillAttend = models.AttendanceOf(willAttend)
	if f.storedAnswer != models.AttendanceUnset {
		g.WillAttend = f.storedAnswer
	}
	return g.WillAttend, nil
}

func (f *fakeAPI) AddPlusOne(ctx context.Context, pass verify.Pass, qrID string, req models.PlusOneRequest) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	f.record("plusone")
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.guests[qrID]
	if p.HasCompanion() {
		return nil, guests.ErrPlusOneExists
	}
	c := models.Guest{FirstName: req.FirstName, LastName: req.LastName, Email: req.Email, GuestType: models.GuestPlusOne, QRID: "companion-of-" + qrID, InvitedBy: qrID}
	f.guests[c.QRID] = &c
	p.PlusOneQRID = c.QRID
	cp := c
	return &cp, nil
}

type recordingTickets struct {
	mu   sync.Mutex
	reqs []ticket.Request
	err  error
}

func (r *recordingTickets) Generate(ctx context.Context, req ticket.Request) (*ticket.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	return &ticket.Document{Filename: ticket.Filename(req.Guest, req.IsCompanion), Pages: 1}, nil
}

func newTestView(api API, qrID string) (*View, *recordingTickets) {
	tickets := &recordingTickets{}
	v := NewView(context.Background(), Options{
		API:           api,
		Tickets:       tickets,
		Lang:          language.English,
		QRID:          qrID,
		Event:         models.EventConfig{Title: "Canada Day 2025", Occasion: "Canada Day", RSVPEmail: "rsvp@example.com"},
		RedirectDelay: 3 * time.Second,
		Log:           zerolog.Nop(),
	})
	return v, tickets
}

func regular() models.Guest {
	return models.Guest{FirstName: "Sam", LastName: "Roe", GuestType: models.GuestRegular, QRID: "reg"}
}

func vip() models.Guest {
	return models.Guest{FirstName: "Jane", LastName: "Doe", GuestType: models.GuestVIP, QRID: "vip"}
}

var ana = models.PlusOneRequest{FirstName: "Ana", LastName: "Lee", Email: "a@x.com"}

func TestScenarioRegularGuestConfirms(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestView(newFakeAPI(regular()), "reg")
	assert.Equal(t, Verifying, v.Snapshot().State)

	snap, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, ResponsePrompt, snap.State)
	assert.Empty(t, snap.Notice, "no plus one offer for regular guests")

	snap, err = v.Respond(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, snap.State)
	require.Len(t, snap.Tickets, 1)
	assert.Equal(t, "Sam_Roe_Ticket.pdf", snap.Tickets[0].Filename)
}

func TestScenarioVIPAddsCompanion(t *testing.T) {
	ctx := context.Background()
	v, tickets := newTestView(newFakeAPI(vip()), "vip")

	snap, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, ResponsePrompt, snap.State)
	assert.Equal(t, i18n.Default().Text(language.English, i18n.KeyPlusOneOption), snap.Notice)

	snap, err = v.Respond(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, PlusOneCollection, snap.State)

	snap, err = v.SubmitCompanion(ctx, ana)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, snap.State)
	require.NotNil(t, snap.Companion)
	assert.Equal(t, "Ana", snap.Companion.FirstName)
	assert.Equal(t, snap.Companion.QRID, snap.Guest.PlusOneQRID)
	require.Len(t, snap.Tickets, 2)
	assert.Equal(t, "Ana_Lee_PlusOne_Ticket.pdf", snap.Tickets[1].Filename)

	_, err = v.Ticket(ctx, false)
	require.NoError(t, err)
	_, err = v.Ticket(ctx, true)
	require.NoError(t, err)
	require.Len(t, tickets.reqs, 2)

	fonts, err := ticket.LoadFonts()
	require.NoError(t, err)
	renderer := ticket.NewRenderer(ticket.NewSurface(fonts), nil, nil, time.Second, zerolog.Nop())

	l, err := renderer.Compose(tickets.reqs[0])
	require.NoError(t, err)
	assert.Contains(t, l.Texts(), "Jane Doe and Ana Lee")

	assert.True(t, tickets.reqs[1].IsCompanion)
	l, err = renderer.Compose(tickets.reqs[1])
	require.NoError(t, err)
	assert.Contains(t, l.Texts(), "Ana Lee (Guest)")
}

func TestScenarioVIPSkipsCompanion(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(vip())
	v, _ := newTestView(api, "vip")

	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	snap, err := v.Respond(ctx, true)
	require.NoError(t, err)
	require.Equal(t, PlusOneCollection, snap.State)

	snap, err = v.SkipCompanion()
	require.NoError(t, err)
	assert.Equal(t, Confirmed, snap.State)
	assert.Zero(t, api.callCount("plusone"))

	// skipping is not remembered: a fresh load offers the form again
	snap, err = v.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlusOneCollection, snap.State)
}

func TestScenarioMissingTokenRedirects(t *testing.T) {
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")

	snap, err := v.Verify(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.ErrorIs(t, err, verify.ErrMissingToken)
	assert.Zero(t, api.callCount("verify"))

	assert.Equal(t, Verifying, snap.State)
	assert.Equal(t, i18n.KeyNoToken, snap.MessageKey)
	require.NotNil(t, snap.Redirect)
	assert.Equal(t, DefaultNotFoundURL, snap.Redirect.URL)
	assert.Equal(t, 3, snap.Redirect.Seconds)
}

func TestVerifyRejectedIsNotRetried(t *testing.T) {
	api := newFakeAPI(regular())
	api.challenge = &verify.ChallengeResult{Success: false, Message: "token expired"}
	v, _ := newTestView(api, "reg")

	snap, err := v.Verify(context.Background(), "token")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindVerification, rerr.Kind)
	assert.Equal(t, "token expired", snap.Message)
	assert.NotNil(t, snap.Redirect)

	snap, err = v.Verify(context.Background(), "another")
	assert.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, "token expired", snap.Message, "the server's reason is kept")
	assert.ErrorAs(t, err, &rerr)
	assert.Equal(t, "token expired", rerr.Message)
	assert.Equal(t, 1, api.callCount("verify"))
	assert.Zero(t, api.callCount("guest"))
}

func TestUnverifiedCallsFailFast(t *testing.T) {
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")

	_, err := v.Respond(context.Background(), true)
	assert.ErrorIs(t, err, ErrVerification)
	assert.ErrorIs(t, err, verify.ErrNotVerified)

	_, err = v.Reload(context.Background())
	assert.ErrorIs(t, err, verify.ErrNotVerified)
	assert.Empty(t, api.calls)
}

func TestStatusFailureKeepsWindowOpen(t *testing.T) {
	api := newFakeAPI(regular())
	api.statusErr = errors.New("status unavailable")
	v, _ := newTestView(api, "reg")

	snap, err := v.Verify(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, ResponsePrompt, snap.State)
	assert.True(t, snap.Event.RSVPEnabled)
	assert.Equal(t, i18n.KeyRSVPStatusError, snap.MessageKey)
	assert.NotEmpty(t, snap.Message)
}

func TestUnknownGuestIsNotFound(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	v, _ := newTestView(api, "missing")

	snap, err := v.Verify(ctx, "token")
	assert.ErrorIs(t, err, ErrLookup)
	assert.ErrorIs(t, err, guests.ErrGuestNotFound)
	assert.Equal(t, NotFound, snap.State)
	assert.True(t, snap.State.Terminal())
	assert.Equal(t, i18n.KeyGuestNotFound, snap.MessageKey)
	require.NotNil(t, snap.Redirect)
	assert.Equal(t, Redirect{URL: DefaultNotFoundURL}, *snap.Redirect)

	// the invitation appearing later does not revive the view
	api.mu.Lock()
	g := regular()
	g.QRID = "missing"
	api.guests["missing"] = &g
	api.mu.Unlock()

	snap, err = v.Reload(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, NotFound, snap.State)
	assert.Equal(t, 1, api.callCount("guest"))
}

func TestRespondAppliesStoredAnswer(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	api.storedAnswer = models.AttendanceNo
	snap, err := v.Respond(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceNo, snap.Guest.WillAttend)
	assert.Equal(t, DeclinedAck, snap.State)
}

func TestRespondFailureLeavesGuestUnchanged(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	api.respondErr = guests.ErrRSVPClosed
	snap, err := v.Respond(ctx, true)
	assert.ErrorIs(t, err, ErrMutation)
	assert.ErrorIs(t, err, guests.ErrRSVPClosed)
	assert.Equal(t, ResponsePrompt, snap.State)
	assert.False(t, snap.Guest.Responded)
	assert.Equal(t, i18n.KeyRSVPClosed, snap.MessageKey)
	assert.Equal(t, 1, api.callCount("respond"))
}

func TestDeclineThenReload(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestView(newFakeAPI(regular()), "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	snap, err := v.Respond(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, DeclinedAck, snap.State)
	assert.Empty(t, snap.Tickets)

	snap, err = v.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResponsePrompt, snap.State)
	assert.Equal(t, models.AttendanceNo, snap.Guest.WillAttend)
}

func TestInvalidCompanionIsRejectedLocally(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(vip())
	v, _ := newTestView(api, "vip")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	_, err = v.Respond(ctx, true)
	require.NoError(t, err)

	snap, err := v.SubmitCompanion(ctx, models.PlusOneRequest{FirstName: "Ana", Email: "nope"})
	assert.ErrorIs(t, err, ErrMutation)
	assert.ErrorIs(t, err, guests.ErrInvalidPlusOne)
	assert.Equal(t, PlusOneCollection, snap.State)
	assert.Equal(t, i18n.KeyPlusOneValidation, snap.MessageKey)
	assert.Zero(t, api.callCount("plusone"))
}

func TestSecondMutationWhileBusy(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	api.entered = make(chan struct{})
	api.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := v.Respond(ctx, true)
		done <- err
	}()
	<-api.entered

	_, err = v.Respond(ctx, false)
	assert.ErrorIs(t, err, ErrBusy)

	close(api.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, api.callCount("respond"))
	assert.Equal(t, Confirmed, v.Snapshot().State)
}

func TestCloseDropsInFlightResult(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(regular())
	v, _ := newTestView(api, "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	api.entered = make(chan struct{})
	api.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := v.Respond(ctx, true)
		done <- err
	}()
	<-api.entered
	v.Close()

	assert.ErrorIs(t, <-done, ErrViewClosed)
	assert.False(t, v.Snapshot().Guest.Responded)

	_, err = v.Reload(ctx)
	assert.ErrorIs(t, err, ErrViewClosed)
}

func TestClosedWindowStates(t *testing.T) {
	ctx := context.Background()
	attending := regular()
	attending.Responded = true
	attending.WillAttend = models.AttendanceYes
	declined := vip()
	declined.Responded = true
	declined.WillAttend = models.AttendanceNo

	api := newFakeAPI(attending, declined)
	api.window = models.RSVPWindow{RSVPEnabled: false}

	v, _ := newTestView(api, "reg")
	snap, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, ClosedAttending, snap.State)
	assert.Len(t, snap.Tickets, 1)

	_, err = v.Respond(ctx, false)
	assert.ErrorIs(t, err, guests.ErrRSVPClosed)
	assert.Zero(t, api.callCount("respond"))

	v2, _ := newTestView(api, "vip")
	snap, err = v2.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, ClosedOther, snap.State)
	assert.Contains(t, snap.Notice, "rsvp@example.com")
	assert.Empty(t, snap.Tickets)
}

func TestTicketOnlyWhenAvailable(t *testing.T) {
	ctx := context.Background()
	v, tickets := newTestView(newFakeAPI(regular()), "reg")
	_, err := v.Verify(ctx, "token")
	require.NoError(t, err)

	_, err = v.Ticket(ctx, false)
	assert.ErrorIs(t, err, ErrRender)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = v.Respond(ctx, true)
	require.NoError(t, err)
	_, err = v.Ticket(ctx, true)
	assert.ErrorIs(t, err, ErrInvalidState, "no companion linked")

	tickets.err = &ticket.RenderError{Op: "layout", Err: ticket.ErrLayoutTimeout}
	_, err = v.Ticket(ctx, false)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, i18n.KeyPDFError, rerr.MessageKey)
	assert.ErrorIs(t, err, ticket.ErrLayoutTimeout)
	assert.Equal(t, Confirmed, v.Snapshot().State)
}

func TestLocalAPIFlow(t *testing.T) {
	ctx := context.Background()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "guests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.AddGuest(ctx, models.Guest{FirstName: "Jane", LastName: "Doe", GuestType: models.GuestEmployee, QRID: "emp"})
	require.NoError(t, err)

	registry := guests.NewRegistry(s, nil, zerolog.Nop())
	api := Local{Registry: registry, Challenger: acceptAll{}}

	_, err = api.Guest(ctx, verify.Pass{}, "emp")
	assert.ErrorIs(t, err, verify.ErrNotVerified)

	v, _ := newTestView(api, "emp")
	snap, err := v.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, ResponsePrompt, snap.State)

	snap, err = v.Respond(ctx, true)
	require.NoError(t, err)
	require.Equal(t, PlusOneCollection, snap.State)

	snap, err = v.SubmitCompanion(ctx, ana)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, snap.State)

	// a new activation sees the stored companion and goes straight to Confirmed
	v2, _ := newTestView(api, "emp")
	snap, err = v2.Verify(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, Confirmed, snap.State)
	require.NotNil(t, snap.Companion)
	assert.Equal(t, "Lee", snap.Companion.LastName)
}

type acceptAll struct{}

func (acceptAll) VerifyChallenge(ctx context.Context, token string) (*verify.ChallengeResult, error) {
	return &verify.ChallengeResult{Success: true}, nil
}
