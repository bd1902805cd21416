package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/verify"
)

// Verifier checks a challenge token with the provider
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*verify.Result, error)
}

// Registry is the guest registry behind the public API
type Registry interface {
	Window(ctx context.Context) (models.RSVPWindow, error)
	Guest(ctx context.Context, qrID string) (*models.Guest, error)
	Respond(ctx context.Context, qrID string, willAttend bool) (*models.Guest, error)
	AddPlusOne(ctx context.Context, qrID string, req models.PlusOneRequest) (*models.Guest, error)
}

// APIHandler serves the public guest API the invitee page calls
type APIHandler struct {
	registry  Registry
	verifier  Verifier
	bundle    *i18n.Bundle
	rsvpEmail string
	log       zerolog.Logger
}

// NewAPIHandler creates the public API handler
func NewAPIHandler(registry Registry, verifier Verifier, bundle *i18n.Bundle, rsvpEmail string, log zerolog.Logger) *APIHandler {
	if bundle == nil {
		bundle = i18n.Default()
	}
	return &APIHandler{
		registry:  registry,
		verifier:  verifier,
		bundle:    bundle,
		rsvpEmail: rsvpEmail,
		log:       log.With().Str("component", "API").Logger(),
	}
}

// Register mounts the API routes on mux
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/verify-turnstile", h.verifyTurnstile)
	mux.HandleFunc("GET /api/public/rsvp-status", h.rsvpStatus)
	mux.HandleFunc("GET /api/public/guest/{qrId}", h.guest)
	mux.HandleFunc("POST /api/public/rsvp/{qrId}", h.respond)
	mux.HandleFunc("POST /api/public/add-plusone/{qrId}", h.addPlusOne)
}

type verifyRequest struct {
	Response string `json:"response"`
}

func (h *APIHandler) verifyTurnstile(w http.ResponseWriter, r *http.Request) {
	lang := langOf(h.bundle, r)

	var req verifyRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, h.bundle, lang, i18n.KeyNoToken)
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		writeError(w, http.StatusBadRequest, h.bundle, lang, i18n.KeyNoToken)
		return
	}

	result, err := h.verifier.Verify(r.Context(), req.Response, remoteIP(r))
	if err != nil {
		h.log.Error().Err(err).Msg("Turnstile verification failed")
		writeError(w, http.StatusBadGateway, h.bundle, lang, i18n.KeyRetryOrContact, h.rsvpEmail)
		return
	}

	out := verify.ChallengeResult{Success: result.Success}
	if !result.Success {
		h.log.Warn().Strs("error_codes", result.ErrorCodes).Msg("Turnstile token rejected")
		out.Message = h.bundle.Text(lang, i18n.KeyVerificationFailed)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) rsvpStatus(w http.ResponseWriter, r *http.Request) {
	window, err := h.registry.Window(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Error reading RSVP window")
		writeError(w, http.StatusInternalServerError, h.bundle, langOf(h.bundle, r), i18n.KeyRSVPStatusError)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (h *APIHandler) guest(w http.ResponseWriter, r *http.Request) {
	guest, err := h.registry.Guest(r.Context(), r.PathValue("qrId"))
	if err != nil {
		h.registryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guest)
}

func (h *APIHandler) respond(w http.ResponseWriter, r *http.Request) {
	lang := langOf(h.bundle, r)

	var req models.RespondRequest
	if err := readJSON(r, &req); err != nil || req.WillAttend == nil {
		writeError(w, http.StatusBadRequest, h.bundle, lang, i18n.KeyError)
		return
	}

	guest, err := h.registry.Respond(r.Context(), r.PathValue("qrId"), *req.WillAttend)
	if err != nil {
		h.registryError(w, r, err)
		return
	}

	key := i18n.KeyDownloadTicketPrompt
	if guest.WillAttend != models.AttendanceYes {
		key = i18n.KeyDeclineMessage
	}
	writeJSON(w, http.StatusOK, models.RespondResponse{Message: h.bundle.Text(lang, key), WillAttend: guest.WillAttend})
}

func (h *APIHandler) addPlusOne(w http.ResponseWriter, r *http.Request) {
	var req models.PlusOneRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, h.bundle, langOf(h.bundle, r), i18n.KeyPlusOneValidation)
		return
	}

	companion, err := h.registry.AddPlusOne(r.Context(), r.PathValue("qrId"), req)
	if err != nil {
		h.registryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.PlusOneResponse{PlusOne: *companion})
}

func (h *APIHandler) registryError(w http.ResponseWriter, r *http.Request, err error) {
	status := registryStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Registry error")
	}
	writeError(w, status, h.bundle, langOf(h.bundle, r), guests.MessageKey(err))
}

func registryStatus(err error) int {
	switch {
	case errors.Is(err, guests.ErrGuestNotFound):
		return http.StatusNotFound
	case errors.Is(err, guests.ErrRSVPClosed), errors.Is(err, guests.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, guests.ErrPlusOneExists):
		return http.StatusConflict
	case errors.Is(err, guests.ErrInvalidPlusOne):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// remoteIP prefers the first X-Forwarded-For hop
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
