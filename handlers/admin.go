package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensegate.app/cloud/licensing"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

type AdminResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CreateLicenseRequest struct {
	Days        int    `json:"days" validate:"gte=0,lte=36500"`
	MaxMachines int    `json:"maxMachines" validate:"gte=0,lte=10000"`
	Strategy    string `json:"strategy" validate:"omitempty,oneof=FLOATING STRICT"`
	Remark      string `json:"remark" validate:"max=500"`
}

func (req *CreateLicenseRequest) Bind(r *http.Request) error {
	req.Strategy = strings.ToUpper(strings.TrimSpace(req.Strategy))
	return nil
}

type UpdateLicenseRequest struct {
	Status      *string `json:"status" validate:"omitempty,oneof=ACTIVE SUSPENDED EXPIRED"`
	Remark      *string `json:"remark" validate:"omitempty,max=500"`
	MaxMachines *int    `json:"maxMachines" validate:"omitempty,gte=1,lte=10000"`
	Strategy    *string `json:"strategy" validate:"omitempty,oneof=FLOATING STRICT"`
	AddDays     int     `json:"addDays" validate:"gte=0,lte=36500"`
}

func (req *UpdateLicenseRequest) Bind(r *http.Request) error {
	if req.Status != nil {
		v := strings.ToUpper(strings.TrimSpace(*req.Status))
		req.Status = &v
	}
	if req.Strategy != nil {
		v := strings.ToUpper(strings.TrimSpace(*req.Strategy))
		req.Strategy = &v
	}
	return nil
}

type ResetResponse struct {
	Removed int64 `json:"removed"`
}

type StatsResponse struct {
	TotalLicenses     int64 `json:"totalLicenses"`
	ActivatedLicenses int64 `json:"activatedLicenses"`
	TotalMachines     int64 `json:"totalMachines"`
	OnlineMachines    int64 `json:"onlineMachines"`
	ExpiringSoon      int64 `json:"expiringSoon"`
}

func (s *Server) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if err := s.bind(r, &req); err != nil {
		s.adminFailure(w, r, err)
		return
	}

	license, err := s.Service.CreateLicense(r.Context(), licensing.CreateParams{
		Days:        req.Days,
		MaxMachines: req.MaxMachines,
		Strategy:    models.Strategy(req.Strategy),
		Remark:      req.Remark,
	})
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, AdminResponse{Success: true, Data: license})
}

func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.LicenseFilter{
		Page:         queryInt(q.Get("page")),
		PageSize:     queryInt(q.Get("pageSize")),
		Keyword:      strings.TrimSpace(q.Get("keyword")),
		Status:       models.Status(strings.ToUpper(q.Get("status"))),
		SortExpiring: q.Get("sort") == "expiring",
	}
	switch storage.Usage(q.Get("usage")) {
	case storage.UsageUsed:
		filter.Usage = storage.UsageUsed
	case storage.UsageUnused:
		filter.Usage = storage.UsageUnused
	}

	page, err := s.Service.ListLicenses(r.Context(), filter)
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true, Data: page})
}

func (s *Server) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.licenseID(w, r)
	if !ok {
		return
	}

	var req UpdateLicenseRequest
	if err := s.bind(r, &req); err != nil {
		s.adminFailure(w, r, err)
		return
	}

	params := licensing.UpdateParams{
		Remark:      req.Remark,
		MaxMachines: req.MaxMachines,
		AddDays:     req.AddDays,
	}
	if req.Status != nil {
		status := models.Status(*req.Status)
		params.Status = &status
	}
	if req.Strategy != nil {
		strategy := models.Strategy(*req.Strategy)
		params.Strategy = &strategy
	}

	license, err := s.Service.UpdateLicense(r.Context(), id, params)
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true, Data: license})
}

func (s *Server) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.licenseID(w, r)
	if !ok {
		return
	}
	if err := s.Service.DeleteLicense(r.Context(), id); err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true})
}

func (s *Server) ResetMachines(w http.ResponseWriter, r *http.Request) {
	id, ok := s.licenseID(w, r)
	if !ok {
		return
	}
	removed, err := s.Service.ResetMachines(r.Context(), id)
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true, Data: ResetResponse{Removed: removed}})
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Service.Stats(r.Context())
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true, Data: StatsResponse{
		TotalLicenses:     stats.TotalLicenses,
		ActivatedLicenses: stats.ActivatedLicenses,
		TotalMachines:     stats.TotalMachines,
		OnlineMachines:    stats.OnlineMachines,
		ExpiringSoon:      stats.ExpiringSoon,
	}})
}

func (s *Server) ListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.Service.ListMachines(r.Context(), storage.MachineFilter{
		Page:     queryInt(q.Get("page")),
		PageSize: queryInt(q.Get("pageSize")),
		Keyword:  strings.TrimSpace(q.Get("keyword")),
	})
	if err != nil {
		s.adminFailure(w, r, err)
		return
	}
	render.JSON(w, r, AdminResponse{Success: true, Data: page})
}

func (s *Server) licenseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeAdminError(w, r, http.StatusBadRequest, "invalid license id")
		return 0, false
	}
	return id, true
}

func (s *Server) adminFailure(w http.ResponseWriter, r *http.Request, err error) {
	var lerr *licensing.Error
	if !errors.As(err, &lerr) {
		reportError(r, err)
		writeAdminError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	render.Status(r, statusFor(lerr.Code))
	render.JSON(w, r, AdminResponse{Success: false, Code: lerr.Code, Error: lerr.Message})
}

func writeAdminError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, AdminResponse{Success: false, Error: message})
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
