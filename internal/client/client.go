// Package client talks to a remote public guest API over HTTP
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/rs/zerolog"

	"event-rsvp/internal/guests"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/models"
	"event-rsvp/internal/verify"
)

// APIError is a non-2xx answer from the API
type APIError struct {
	Status     int    `json:"-"`
	Message    string `json:"message"`
	MessageKey string `json:"messageKey"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// LocalizedKey is the message key sent by the server
func (e *APIError) LocalizedKey() string { return e.MessageKey }

var keyErrors = map[string]error{
	i18n.KeyGuestNotFound:      guests.ErrGuestNotFound,
	i18n.KeyRSVPClosed:         guests.ErrRSVPClosed,
	i18n.KeyPlusOneNotEligible: guests.ErrNotEligible,
	i18n.KeyPlusOneExists:      guests.ErrPlusOneExists,
	i18n.KeyPlusOneValidation:  guests.ErrInvalidPlusOne,
	i18n.KeyVerificationFailed: verify.ErrRejected,
	i18n.KeyNoToken:            verify.ErrMissingToken,
}

// Is matches the registry sentinel named by the message key
func (e *APIError) Is(target error) bool {
	sentinel, ok := keyErrors[e.MessageKey]
	return ok && sentinel == target
}

// Client implements the view API against a remote server
type Client struct {
	http    *httpclient.Client
	baseURL string
	log     zerolog.Logger
}

// New creates a client for the API at baseURL. Requests are never retried.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(timeout),
			httpclient.WithRetryCount(0),
		),
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("component", "APIClient").Logger(),
	}
}

// VerifyChallenge submits a widget token
func (c *Client) VerifyChallenge(ctx context.Context, token string) (*verify.ChallengeResult, error) {
	var result verify.ChallengeResult
	if err := c.do(ctx, http.MethodPost, "/api/admin/verify-turnstile", map[string]string{"response": token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RSVPStatus fetches the response window
func (c *Client) RSVPStatus(ctx context.Context, pass verify.Pass) (models.RSVPWindow, error) {
	if err := pass.Require(); err != nil {
		return models.RSVPWindow{}, err
	}
	var window models.RSVPWindow
	err := c.do(ctx, http.MethodGet, "/api/public/rsvp-status", nil, &window)
	return window, err
}

// Guest fetches a guest by qr id
func (c *Client) Guest(ctx context.Context, pass verify.Pass, qrID string) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	var guest models.Guest
	if err := c.do(ctx, http.MethodGet, "/api/public/guest/"+url.PathEscape(qrID), nil, &guest); err != nil {
		return nil, err
	}
	return &guest, nil
}

// Respond records an answer
func (c *Client) Respond(ctx context.Context, pass verify.Pass, qrID string, willAttend bool) (models.Attendance, error) {
	if err := pass.Require(); err != nil {
		return models.AttendanceUnset, err
	}
	var resp models.RespondResponse
	if err := c.do(ctx, http.MethodPost, "/api/public/rsvp/"+url.PathEscape(qrID), models.RespondRequest{WillAttend: &willAttend}, &resp); err != nil {
		return models.AttendanceUnset, err
	}
	return resp.WillAttend, nil
}

// AddPlusOne creates a companion
func (c *Client) AddPlusOne(ctx context.Context, pass verify.Pass, qrID string, req models.PlusOneRequest) (*models.Guest, error) {
	if err := pass.Require(); err != nil {
		return nil, err
	}
	var resp models.PlusOneResponse
	if err := c.do(ctx, http.MethodPost, "/api/public/add-plusone/"+url.PathEscape(qrID), req, &resp); err != nil {
		return nil, err
	}
	return &resp.PlusOne, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.log.Error().Err(err).Str("method", method).Str("path", path).Msg("Request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("Request done")

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
