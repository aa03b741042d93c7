// internal/patron/handler.go
package patron

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Route("/patrons", func(r chi.Router) {
		r.Get("/{pid}", h.HandleGet)
		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/", h.HandleRegister)
			r.Put("/{pid}/blocked", h.HandleSetBlocked)
		})
	})
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req Patron
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.service.RegisterPatron(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPatron(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleSetBlocked(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blocked bool   `json:"blocked"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.service.SetBlocked(r.Context(), chi.URLParam(r, "pid"), req.Blocked, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(p)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrPatronNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidPatron):
		status = http.StatusBadRequest
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	}
	http.Error(w, err.Error(), status)
}
