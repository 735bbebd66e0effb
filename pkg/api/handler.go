package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

const defaultMaxLogLimit = 200

// Handler exposes the privileged admin surface over HTTP. Every endpoint
// requires the IsAdmin check to pass; the actual authentication layer is
// an external collaborator.
type Handler struct {
	config Config
}

// NewHandler creates the admin API handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Manager == nil || config.Events == nil || config.IsAdmin == nil {
		return nil, fmt.Errorf("api: Manager, Events and IsAdmin are required")
	}
	if config.Logger == nil {
		config.Logger = &tiergate.NoopLogger{}
	}
	if config.MaxLogLimit <= 0 {
		config.MaxLogLimit = defaultMaxLogLimit
	}
	return &Handler{config: config}, nil
}

// Router returns the chi router with all admin routes mounted under /admin.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/users/{id}/sync-subscription", h.syncSubscription)
		r.Post("/users/{id}/change-tier", h.changeTier)
		r.Post("/users/{id}/grant-trial", h.grantTrial)
		r.Post("/users/{id}/cancel-subscription/{subID}", h.cancelSubscription)
		r.Post("/users/{id}/cleanup-duplicate-subscriptions", h.cleanupDuplicates)
		r.Get("/webhook-logs", h.webhookLogs)
	})

	return r
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.config.IsAdmin(r) {
			h.writeError(w, http.StatusForbidden, fmt.Errorf("admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) syncSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	report, err := h.config.Manager.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeReport(w, report)
}

func (h *Handler) cleanupDuplicates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	report, err := h.config.Manager.CleanupDuplicates(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeReport(w, report)
}

func (h *Handler) changeTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	tier, err := tiergate.ParseTier(r.URL.Query().Get("tier"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	confirm := r.URL.Query().Get("confirm") == "true"

	result, err := h.config.Manager.ChangeTier(r.Context(), userID, tier, confirm)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, MessageResponse{
		Message: result.Message,
		Warning: result.Warning,
	})
}

func (h *Handler) grantTrial(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("days must be a positive integer"))
		return
	}

	msg, err := h.config.Manager.GrantTrial(r.Context(), userID, days)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (h *Handler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	subID := chi.URLParam(r, "subID")
	immediately := r.URL.Query().Get("immediately") == "true"

	msg, err := h.config.Manager.CancelSubscription(r.Context(), userID, subID, immediately)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (h *Handler) webhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > h.config.MaxLogLimit {
		limit = h.config.MaxLogLimit
	}

	events, err := h.config.Events.ListRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]WebhookLogEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, WebhookLogEntry{
			EventID:     ev.EventID,
			Type:        ev.Type,
			ReceivedAt:  ev.ReceivedAt,
			PayloadHash: ev.PayloadHash,
			ProcessedAt: ev.ProcessedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) writeReport(w http.ResponseWriter, report *tiergate.Report) {
	changes := report.Changes
	if changes == nil {
		changes = []string{}
	}
	h.writeJSON(w, http.StatusOK, ReportResponse{
		Synced:           report.Synced,
		Changes:          changes,
		DuplicatesFound:  report.DuplicatesFound,
		DuplicatesHealed: report.DuplicatesHealed,
	})
}

// writeDomainError maps domain sentinel errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tiergate.ErrUserNotFound), errors.Is(err, tiergate.ErrSubscriptionNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, tiergate.ErrUpstreamUnavailable):
		h.writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, tiergate.ErrConcurrentModification):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, tiergate.ErrInvalidTier):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.config.Logger.Error("admin api error",
			tiergate.Field{Key: "status", Value: code},
			tiergate.Field{Key: "error", Value: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Error("failed to encode response",
			tiergate.Field{Key: "error", Value: err.Error()})
	}
}
