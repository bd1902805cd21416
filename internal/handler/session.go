package handler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/rsvp"
	"event-rsvp/internal/verify"
)

// SessionHandler serves invitee page activations. Each session owns one
// rsvp.View bound to the server lifetime, not to a single request.
type SessionHandler struct {
	ctx      context.Context
	sessions *rsvp.Sessions
	opts     rsvp.Options
	bundle   *i18n.Bundle
	log      zerolog.Logger
}

// NewSessionHandler creates the session handler. opts is the template for
// every view; QRID and Lang are set per session.
func NewSessionHandler(ctx context.Context, sessions *rsvp.Sessions, opts rsvp.Options, log zerolog.Logger) *SessionHandler {
	if opts.Bundle == nil {
		opts.Bundle = i18n.Default()
	}
	if opts.NotFoundURL == "" {
		opts.NotFoundURL = rsvp.DefaultNotFoundURL
	}
	opts.Log = log
	return &SessionHandler{
		ctx:      ctx,
		sessions: sessions,
		opts:     opts,
		bundle:   opts.Bundle,
		log:      log.With().Str("component", "Sessions").Logger(),
	}
}

// Register mounts the session routes on mux
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rsvp/{qrId}/session", h.create)
	mux.HandleFunc("GET /rsvp/{qrId}/session/{sid}", h.withView(h.snapshot))
	mux.HandleFunc("DELETE /rsvp/{qrId}/session/{sid}", h.remove)
	mux.HandleFunc("POST /rsvp/{qrId}/session/{sid}/reload", h.withView(h.reload))
	mux.HandleFunc("POST /rsvp/{qrId}/session/{sid}/respond", h.withView(h.respond))
	mux.HandleFunc("POST /rsvp/{qrId}/session/{sid}/plusone", h.withView(h.submitCompanion))
	mux.HandleFunc("POST /rsvp/{qrId}/session/{sid}/plusone/skip", h.withView(h.skipCompanion))
	mux.HandleFunc("GET /rsvp/{qrId}/session/{sid}/ticket", h.withView(h.ticket))
	mux.HandleFunc("GET "+h.opts.NotFoundURL, h.notFound)
}

type createResponse struct {
	SessionID string        `json:"sessionId"`
	View      rsvp.Snapshot `json:"view"`
}

// viewErrorBody is an error response that also carries the view state
type viewErrorBody struct {
	errorBody
	View *rsvp.Snapshot `json:"view,omitempty"`
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, h.bundle, langOf(h.bundle, r), i18n.KeyNoToken)
		return
	}

	opts := h.opts
	opts.QRID = r.PathValue("qrId")
	opts.Lang = langOf(h.bundle, r)
	v := rsvp.NewView(h.ctx, opts)

	snap, err := v.Verify(r.Context(), req.Response)
	if err != nil {
		// rejected tokens are not retried and NotFound is terminal
		v.Close()
		h.log.Debug().Str("qr_id", opts.QRID).Str("state", snap.State.String()).Msg("Session not created")
		h.writeViewError(w, err, &snap)
		return
	}

	id := h.sessions.Add(v)
	h.log.Debug().Str("session", id).Str("qr_id", opts.QRID).Str("state", snap.State.String()).Msg("Session created")
	writeJSON(w, http.StatusCreated, createResponse{SessionID: id, View: snap})
}

type viewHandler func(w http.ResponseWriter, r *http.Request, v *rsvp.View)

func (h *SessionHandler) withView(next viewHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := h.sessions.Get(r.PathValue("sid"), r.PathValue("qrId"))
		if !ok {
			writeError(w, http.StatusNotFound, h.bundle, langOf(h.bundle, r), i18n.KeyRetryOrContact, h.opts.Event.RSVPEmail)
			return
		}
		next(w, r, v)
	}
}

func (h *SessionHandler) snapshot(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (h *SessionHandler) reload(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	h.result(w)(v.Reload(r.Context()))
}

func (h *SessionHandler) respond(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	var req models.RespondRequest
	if err := readJSON(r, &req); err != nil || req.WillAttend == nil {
		writeError(w, http.StatusBadRequest, h.bundle, v.Lang(), i18n.KeyError)
		return
	}
	h.result(w)(v.Respond(r.Context(), *req.WillAttend))
}

func (h *SessionHandler) submitCompanion(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	var req models.PlusOneRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, h.bundle, v.Lang(), i18n.KeyPlusOneValidation)
		return
	}
	h.result(w)(v.SubmitCompanion(r.Context(), req))
}

func (h *SessionHandler) skipCompanion(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	h.result(w)(v.SkipCompanion())
}

func (h *SessionHandler) ticket(w http.ResponseWriter, r *http.Request, v *rsvp.View) {
	companion, _ := strconv.ParseBool(r.URL.Query().Get("companion"))
	doc, err := v.Ticket(r.Context(), companion)
	if err != nil {
		snap := v.Snapshot()
		h.writeViewError(w, err, &snap)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Bytes)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Bytes); err != nil {
		h.log.Warn().Err(err).Str("qr_id", v.QRID()).Msg("Error writing ticket")
	}
}

func (h *SessionHandler) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sessions.Get(r.PathValue("sid"), r.PathValue("qrId")); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.sessions.Remove(r.PathValue("sid"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, h.bundle, langOf(h.bundle, r), i18n.KeyGuestNotFound)
}

func (h *SessionHandler) result(w http.ResponseWriter) func(rsvp.Snapshot, error) {
	return func(snap rsvp.Snapshot, err error) {
		if err != nil {
			h.writeViewError(w, err, &snap)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (h *SessionHandler) writeViewError(w http.ResponseWriter, err error, snap *rsvp.Snapshot) {
	status, body := h.viewErrorResponse(err, snap)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("View error")
	}
	if snap != nil && snap.Redirect != nil {
		w.Header().Set("Refresh", fmt.Sprintf("%d; url=%s", snap.Redirect.Seconds, snap.Redirect.URL))
	}
	writeJSON(w, status, body)
}

func (h *SessionHandler) viewErrorResponse(err error, snap *rsvp.Snapshot) (int, viewErrorBody) {
	lang := i18n.BaseLanguage
	if snap != nil && snap.Lang != "" {
		lang = h.bundle.Match(snap.Lang)
	}
	if snap != nil && snap.QRID == "" {
		snap = nil
	}

	var verr *rsvp.Error
	switch {
	case errors.Is(err, rsvp.ErrViewClosed):
		return http.StatusNotFound, viewErrorBody{errorBody: errorBody{Message: h.bundle.Text(lang, i18n.KeyRetryOrContact, h.opts.Event.RSVPEmail), MessageKey: i18n.KeyRetryOrContact}}
	case errors.Is(err, rsvp.ErrBusy):
		return http.StatusConflict, viewErrorBody{errorBody: errorBody{Message: h.bundle.Text(lang, i18n.KeyBusy), MessageKey: i18n.KeyBusy}, View: snap}
	case errors.As(err, &verr):
		return viewErrorStatus(verr), viewErrorBody{errorBody: errorBody{Message: verr.Message, MessageKey: verr.MessageKey}, View: snap}
	}
	return http.StatusInternalServerError, viewErrorBody{errorBody: errorBody{Message: h.bundle.Text(lang, i18n.KeyError), MessageKey: i18n.KeyError}, View: snap}
}

func viewErrorStatus(err *rsvp.Error) int {
	switch {
	case errors.Is(err, verify.ErrMissingToken):
		return http.StatusBadRequest
	case errors.Is(err, rsvp.ErrInvalidState):
		return http.StatusConflict
	case err.Kind == rsvp.KindVerification:
		return http.StatusForbidden
	}
	if status := registryStatus(err); status != http.StatusInternalServerError {
		return status
	}
	switch err.Kind {
	case rsvp.KindLookup:
		return http.StatusBadGateway
	case rsvp.KindMutation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
