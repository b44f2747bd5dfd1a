package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/licensing"
)

// Envelope wraps every client response. Data holds the exact bytes that were
// signed.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

type FailureResponse struct {
	Valid bool   `json:"valid"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// respondSigned serializes payload, signs the bytes and writes the envelope.
func (s *Server) respondSigned(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.internalError(w, r, fmt.Errorf("marshal response: %w", err))
		return
	}

	env := Envelope{Data: data}
	if s.signer.Enabled() {
		sig, err := s.signer.Sign(data)
		if err != nil {
			reportError(r, fmt.Errorf("sign response: %w", err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Internal server error"})
			return
		}
		env.Signature = sig
	}

	render.Status(r, status)
	render.JSON(w, r, env)
}

// respondFailure writes a signed failure body with the status matching err.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := licensing.CodeOf(err)
	if code == licensing.CodeInternal {
		s.internalError(w, r, err)
		return
	}

	var lerr *licensing.Error
	message := err.Error()
	if errors.As(err, &lerr) {
		message = lerr.Message
	}
	if code == licensing.CodeUnavailable {
		logger.Warn("Storage unavailable", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}

	s.respondSigned(w, r, statusFor(code), FailureResponse{Valid: false, Code: code, Error: message})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	reportError(r, err)
	body, _ := json.Marshal(FailureResponse{Valid: false, Code: licensing.CodeInternal, Error: "Internal server error"})
	env := Envelope{Data: body}
	if sig, serr := s.signer.Sign(body); serr == nil {
		env.Signature = sig
	}
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, env)
}

func statusFor(code string) int {
	switch code {
	case licensing.CodeInvalidRequest:
		return http.StatusBadRequest
	case licensing.CodeNotFound:
		return http.StatusNotFound
	case licensing.CodeUnavailable:
		return http.StatusServiceUnavailable
	case licensing.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

func reportError(r *http.Request, err error) {
	logger.Error("Request failed", map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
		"error":      err.Error(),
	})
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func reportPanic(r *http.Request, rec interface{}) {
	logger.Error("Recovered from panic", map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"panic":  fmt.Sprint(rec),
	})
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.Recover(rec)
}
