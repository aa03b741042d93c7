// internal/circulation/handler.go
package circulation

import (
	"net/http"

	"libracirc/internal/auth"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// routeActions maps the URL action names to engine actions.
var routeActions = map[string]Action{
	"request":           ActionRequest,
	"validate_request":  ActionValidate,
	"checkout":          ActionCheckout,
	"checkin":           ActionCheckin,
	"receive":           ActionReceive,
	"extend_loan":       ActionExtend,
	"cancel_loan":       ActionCancel,
	"lose":              ActionLose,
	"return_missing":    ActionReturnMissing,
	"automatic_checkin": ActionAutomaticCheckin,
}

type Handler struct {
	service Service
}

// NewHandler serves the circulation HTTP API over service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the circulation endpoints; mutating routes go through guard.
func (h *Handler) Routes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.With(guard).Post("/circulation/{action}", h.HandleAction)
	r.Get("/items/{pid}", h.HandleGetItem)
	r.Get("/items/{pid}/requests", h.HandleRequestInfo)
	r.Get("/items/{pid}/history", h.HandleHistory)
	r.With(guard).Put("/items/{pid}/temporary_item_type", h.HandleSetTemporaryItemType)
	r.With(guard).Delete("/items/{pid}/temporary_item_type", h.HandleClearTemporaryItemType)
	r.Get("/loans/{pid}", h.HandleGetLoan)
}

func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	action, ok := routeActions[chi.URLParam(r, "action")]
	if !ok {
		http.Error(w, "unknown circulation action", http.StatusNotFound)
		return
	}
	var req ActionParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TransactionUserPID == "" {
		req.TransactionUserPID, _ = auth.StaffName(r.Context())
	}
	result, err := h.service.Apply(r.Context(), action, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetItem(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleRequestInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.RequestInfo(r.Context(), chi.URLParam(r, "pid"), r.URL.Query().Get("patron_pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleSetTemporaryItemType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemTypePID string `json:"item_type_pid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := h.service.SetTemporaryItemType(r.Context(), chi.URLParam(r, "pid"), req.ItemTypePID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) HandleClearTemporaryItemType(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.ClearTemporaryItemType(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.service.GetLoan(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  KindOf(err).String(),
	})
}
