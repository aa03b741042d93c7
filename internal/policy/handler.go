// internal/policy/handler.go
package policy

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

// Routes mounts the policy endpoints; read routes stay public, write routes go through guard.
func (h *Handler) Routes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Route("/circ_policies", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/resolve", h.HandleResolve)
		r.Get("/{pid}", h.HandleGet)
		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Post("/", h.HandleCreate)
			r.Put("/{pid}", h.HandleUpdate)
			r.Delete("/{pid}", h.HandleDelete)
		})
	})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("organisation_pid")
	if org == "" {
		http.Error(w, "missing organisation_pid", http.StatusBadRequest)
		return
	}
	policies, err := h.service.ListPolicies(r.Context(), org)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(policies)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPolicy(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := h.service.Resolve(r.Context(), Query{
		OrganisationPID: q.Get("organisation_pid"),
		LibraryPID:      q.Get("library_pid"),
		PatronTypePID:   q.Get("patron_type_pid"),
		ItemTypePID:     q.Get("item_type_pid"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CircPolicy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.service.CreatePolicy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req CircPolicy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.PID = chi.URLParam(r, "pid")
	p, err := h.service.UpdatePolicy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(p)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePolicy(r.Context(), chi.URLParam(r, "pid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrPolicyInUse), errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrNoDefaultPolicy):
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
