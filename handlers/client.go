package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"licensegate.app/cloud/licensing"
	"licensegate.app/cloud/models"
)

type ValidateRequest struct {
	Key         string `json:"key" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,max=256"`
	Platform    string `json:"platform" validate:"max=64"`
	Hostname    string `json:"hostname" validate:"max=255"`
}

func (req *ValidateRequest) Bind(r *http.Request) error {
	req.Key = strings.TrimSpace(req.Key)
	req.Fingerprint = strings.TrimSpace(req.Fingerprint)
	req.Platform = strings.TrimSpace(req.Platform)
	req.Hostname = strings.TrimSpace(req.Hostname)
	return nil
}

type HeartbeatRequest struct {
	Key         string `json:"key" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,max=256"`
}

func (req *HeartbeatRequest) Bind(r *http.Request) error {
	req.Key = strings.TrimSpace(req.Key)
	req.Fingerprint = strings.TrimSpace(req.Fingerprint)
	return nil
}

type CheckRequest struct {
	Key string `json:"key" validate:"required,max=128"`
}

func (req *CheckRequest) Bind(r *http.Request) error {
	req.Key = strings.TrimSpace(req.Key)
	return nil
}

type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type HeartbeatResponse struct {
	Valid bool `json:"valid"`
	Alive bool `json:"alive"`
}

type CheckResponse struct {
	Valid         bool            `json:"valid"`
	Status        models.Status   `json:"status"`
	MaxMachines   int             `json:"maxMachines"`
	UsedMachines  int             `json:"usedMachines"`
	ExpiresAt     *time.Time      `json:"expiresAt"`
	RemainingDays int             `json:"remainingDays"`
	Strategy      models.Strategy `json:"strategy"`
}

// Validate binds the calling machine to a license, evicting or rejecting on
// a full license.
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := s.bind(r, &req); err != nil {
		s.metrics.Decision("activate", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	result, err := s.Service.Activate(r.Context(), req.Key, req.Fingerprint, licensing.Meta{
		IP:       clientIP(r),
		Platform: req.Platform,
		Hostname: req.Hostname,
	})
	if err != nil {
		s.metrics.Decision("activate", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	s.metrics.Decision("activate", "ok")
	s.metrics.Evicted(len(result.Evicted))
	s.respondSigned(w, r, http.StatusOK, ValidateResponse{Valid: true, Message: result.Message})
}

// Heartbeat refreshes a bound machine. Evicted machines get SESSION_KICKED.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := s.bind(r, &req); err != nil {
		s.metrics.Decision("heartbeat", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	if err := s.Service.Heartbeat(r.Context(), req.Key, req.Fingerprint); err != nil {
		s.metrics.Decision("heartbeat", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	s.metrics.Decision("heartbeat", "ok")
	s.respondSigned(w, r, http.StatusOK, HeartbeatResponse{Valid: true, Alive: true})
}

// Check reports license status and slot usage without binding.
func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := s.bind(r, &req); err != nil {
		s.metrics.Decision("check", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	info, err := s.Service.Info(r.Context(), req.Key)
	if err != nil {
		s.metrics.Decision("check", licensing.CodeOf(err))
		s.respondFailure(w, r, err)
		return
	}

	s.metrics.Decision("check", "ok")
	s.respondSigned(w, r, http.StatusOK, CheckResponse{
		Valid:         true,
		Status:        info.Status,
		MaxMachines:   info.MaxMachines,
		UsedMachines:  info.UsedMachines,
		ExpiresAt:     info.ExpiresAt,
		RemainingDays: info.RemainingDays,
		Strategy:      info.Strategy,
	})
}

// bind decodes and validates a JSON body. Failures are INVALID_REQUEST errors.
func (s *Server) bind(r *http.Request, v render.Binder) error {
	if err := render.Bind(r, v); err != nil {
		return badRequest("Invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
			if fe.Tag() == "required" {
				return badRequest(fmt.Sprintf("%s is required", field))
			}
			return badRequest(fmt.Sprintf("%s is invalid", field))
		}
		return badRequest("Invalid request body")
	}
	return nil
}

func badRequest(message string) error {
	return &licensing.Error{Code: licensing.CodeInvalidRequest, Message: message}
}
