// internal/catalog/handler.go
package catalog

import (
	"errors"
	"net/http"

	"libracirc/internal/circulation"

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
	r.With(guard).Post("/items", h.HandleAddItem)
	r.Get("/items", h.HandleFindItem)
	r.With(guard).Post("/locations", h.HandleAddLocation)
	r.Get("/locations/{pid}", h.HandleGetLocation)
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	var req circulation.Item
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := h.service.AddItem(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(item)
}

// HandleFindItem looks an item up by barcode.
func (h *Handler) HandleFindItem(w http.ResponseWriter, r *http.Request) {
	barcode := r.URL.Query().Get("barcode")
	if barcode == "" {
		http.Error(w, "missing barcode", http.StatusBadRequest)
		return
	}
	item, err := h.service.GetItemByBarcode(r.Context(), barcode)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(item)
}

func (h *Handler) HandleAddLocation(w http.ResponseWriter, r *http.Request) {
	var req circulation.Location
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loc, err := h.service.AddLocation(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(loc)
}

func (h *Handler) HandleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.service.GetLocation(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(loc)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrInvalidLocation):
		status = http.StatusBadRequest
	case errors.Is(err, circulation.ErrItemNotFound), errors.Is(err, circulation.ErrLocationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, circulation.ErrItemExists), errors.Is(err, circulation.ErrLocationExists):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
