// Package handler exposes the tenant lifecycle over the operator HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
)

// Handler wires the tenant manager to chi routes.
type Handler struct {
	manager *service.Manager
	logger  *zap.Logger
}

// New constructs a Handler instance.
func New(manager *service.Manager, logger *zap.Logger) *Handler {
	if manager == nil {
		panic("tenant manager is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{manager: manager, logger: logger}
}

// Routes mounts the tenant endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/tenants", h.list)
	r.Post("/tenants", h.register)
	r.Get("/tenants/running", h.running)
	r.Get("/tenants/{tenantID}", h.get)
	r.Delete("/tenants/{tenantID}", h.deregister)
	r.Post("/tenants/{tenantID}/lease", h.extendLease)
	r.Post("/tenants/{tenantID}/start", h.start)
	r.Post("/tenants/{tenantID}/stop", h.stop)
}

type tenantResponse struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"display_name"`
	AdminUsernames []string   `json:"admin_usernames,omitempty"`
	PayProduction  bool       `json:"pay_production"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
	Running        bool       `json:"running"`
}

func (h *Handler) toResponse(t service.Tenant) tenantResponse {
	_, running := h.manager.Runtime(t.ID)
	return tenantResponse{
		ID:             t.ID,
		DisplayName:    t.DisplayName,
		AdminUsernames: t.AdminUsernames,
		PayProduction:  t.PayProduction,
		LeaseExpiresAt: t.LeaseExpiresAt,
		RegisteredAt:   t.RegisteredAt,
		Running:        running,
	}
}

type registerRequest struct {
	Credential     string     `json:"credential"`
	DisplayName    string     `json:"display_name"`
	AdminUsernames []string   `json:"admin_usernames"`
	PayAPIKey      string     `json:"pay_api_key"`
	PaySecretKey   string     `json:"pay_secret_key"`
	PayProduction  bool       `json:"pay_production"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Credential == "" {
		h.writeError(w, http.StatusBadRequest, "credential is required")
		return
	}

	t, err := h.manager.Register(r.Context(), service.RegisterInput{
		Credential:     req.Credential,
		DisplayName:    req.DisplayName,
		AdminUsernames: req.AdminUsernames,
		PayAPIKey:      req.PayAPIKey,
		PaySecretKey:   req.PaySecretKey,
		PayProduction:  req.PayProduction,
		LeaseExpiresAt: req.LeaseExpiresAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.toResponse(t))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.manager.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, h.toResponse(t))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) running(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"running": h.manager.RunningSet()})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.toResponse(t))
}

func (h *Handler) deregister(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Deregister(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type leaseRequest struct {
	Until time.Time `json:"until"`
}

func (h *Handler) extendLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := h.manager.ExtendLease(r.Context(), tenantID, req.Until); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	t, err := h.manager.Get(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.toResponse(t))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Start(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.manager.Stop(chi.URLParam(r, "tenantID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, service.ErrDuplicateTenant):
		h.writeError(w, http.StatusConflict, "tenant already registered")
	case errors.Is(err, service.ErrInvalidLeaseDuration):
		h.writeError(w, http.StatusUnprocessableEntity, "lease must end in the future")
	default:
		h.logger.Error("tenant handler", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "upstream failure")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}
