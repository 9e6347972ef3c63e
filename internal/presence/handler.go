package presence

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"taxi-service/internal/storage"
	"taxi-service/pkg/jwt"
)

// Handler exposes captain presence and ride discovery endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the presence service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns the authenticated captain routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Put("/presence", h.Update)
	r.Get("/presence", h.Get)
	r.Get("/rides/nearby", h.NearbyRides)
	r.Get("/online-count", h.OnlineCount)

	return r
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	c := jwt.GetClaims(r.Context())
	if c.Role != "captain" {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN", "error": "captain role required"})
		return
	}
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "VALIDATION", "error": "invalid body"})
		return
	}
	p, err := h.svc.Update(r.Context(), c.UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c := jwt.GetClaims(r.Context())
	p, err := h.svc.Get(r.Context(), c.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) NearbyRides(w http.ResponseWriter, r *http.Request) {
	c := jwt.GetClaims(r.Context())
	if c.Role != "captain" {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN", "error": "captain role required"})
		return
	}
	radius, _ := strconv.Atoi(r.URL.Query().Get("radius_m"))
	list, err := h.svc.NearbyRides(r.Context(), c.UserID, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []NearbyRide{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": list, "count": len(list)})
}

func (h *Handler) OnlineCount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "VALIDATION", "error": "lat and lng are required"})
		return
	}
	radius, _ := strconv.Atoi(q.Get("radius_m"))
	n, err := h.svc.CountOnlineCaptainsNear(r.Context(), lat, lng, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "VALIDATION", "error": "invalid coordinates"})
	case errors.Is(err, ErrOffline):
		writeJSON(w, http.StatusConflict, map[string]string{"code": "CAPTAIN_OFFLINE", "error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "error": "not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "error": "internal error"})
	}
}
