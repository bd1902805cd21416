package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"event-rsvp/internal/i18n"
)

const maxBodyBytes = 64 << 10

// NewRouter mounts the public API and the session routes behind CORS and
// request logging
func NewRouter(api *APIHandler, sessions *SessionHandler, allowedOrigins []string, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	if api != nil {
		api.Register(mux)
	}
	if sessions != nil {
		sessions.Register(mux)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Accept-Language"},
		ExposedHeaders: []string{"Content-Disposition", "Refresh"},
	})
	return logRequests(c.Handler(mux), log.With().Str("component", "HTTP").Logger())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("Request")
	})
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Message    string `json:"message"`
	MessageKey string `json:"messageKey,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, bundle *i18n.Bundle, lang language.Tag, key string, args ...any) {
	writeJSON(w, status, errorBody{Message: bundle.Text(lang, key, args...), MessageKey: key})
}

var errEmptyBody = errors.New("empty request body")

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}

// langOf picks the response language from ?lang= then Accept-Language
func langOf(bundle *i18n.Bundle, r *http.Request) language.Tag {
	return bundle.Match(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))
}
