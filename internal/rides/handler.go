package rides

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taxi-service/pkg/jwt"
)

// Handler exposes ride and negotiation HTTP endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the ride service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns a chi.Router with all authenticated ride routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Post("/", h.Create)
	r.Get("/current", h.Current)
	r.Get("/{id}", h.ByID)
	r.Post("/{id}/cancel", h.Cancel)

	r.Post("/{id}/bids", h.SubmitBid)
	r.Post("/{id}/bids/accept", h.AcceptBid)
	r.Post("/{id}/bids/reject", h.RejectCurrentBid)
	r.Post("/{id}/bids/counter", h.CounterOffer)
	r.Post("/{id}/bids/withdraw", h.WithdrawBid)

	r.Post("/{id}/arriving", h.MarkArriving)
	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/location", h.PushLocation)

	r.Post("/{id}/share", h.CreateShareToken)

	return r
}

// PublicRoutes returns the unauthenticated share-token tracking routes.
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.ResolveShareToken)
	return r
}

func caller(r *http.Request) Caller {
	c := jwt.GetClaims(r.Context())
	return Caller{UserID: c.UserID, Role: c.Role, Admin: c.Admin}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid("invalid body"))
		return
	}
	d, err := h.svc.Create(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Current(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) ByID(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.ByID(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Cancel(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid("invalid body"))
		return
	}
	d, err := h.svc.SubmitBid(r.Context(), caller(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BidID string `json:"bid_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BidID == "" {
		writeError(w, invalid("bid_id is required"))
		return
	}
	d, err := h.svc.AcceptBid(r.Context(), caller(r), chi.URLParam(r, "id"), req.BidID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) RejectCurrentBid(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.RejectCurrentBid(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	var req CounterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid("invalid body"))
		return
	}
	d, err := h.svc.CounterOffer(r.Context(), caller(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) WithdrawBid(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.WithdrawBid(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) MarkArriving(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.MarkArriving(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Start(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Complete(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) PushLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid("invalid body"))
		return
	}
	if err := h.svc.PushLocation(r.Context(), caller(r), chi.URLParam(r, "id"), req.Lat, req.Lng); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "location_recorded"})
}

func (h *Handler) CreateShareToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.svc.CreateShareToken(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"share_token": token})
}

func (h *Handler) ResolveShareToken(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ResolveShareToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to the stable wire taxonomy. Not-found and
// not-visible are indistinguishable on purpose.
func writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	var ce *ConflictError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "VALIDATION", "error": ve.Msg})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, map[string]string{
			"code":           ce.Code,
			"current_status": string(ce.CurrentStatus),
			"error":          ce.Error(),
		})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN", "error": "forbidden"})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "error": "not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "error": "internal error"})
	}
}
