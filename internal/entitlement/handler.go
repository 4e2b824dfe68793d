// internal/entitlement/handler.go
package entitlement

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Handler struct {
	service  Service
	validate *validator.Validate
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

// Routes mounts the engine's operation surface.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/entitlements", h.HandleGrant)
	r.Get("/entitlements/{id}", h.HandleGet)
	r.Get("/entitlements/{id}/balance", h.HandleBalance)
	r.Post("/entitlements/{id}/extend", h.HandleExtend)
	r.Post("/entitlements/{id}/adjust", h.HandleAdjust)
	r.Delete("/entitlements/{id}", h.HandleRemove)
	r.Post("/consume", h.HandleConsume)
	r.Get("/members/{id}/entitlements", h.HandleListByMember)
	r.Get("/members/{id}/history", h.HandleHistory)
}

type grantRequest struct {
	MemberID  uuid.UUID  `json:"member_id" validate:"required"`
	ProductID uuid.UUID  `json:"product_id" validate:"required"`
	CoachID   *uuid.UUID `json:"coach_id,omitempty"`
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := h.service.Grant(r.Context(), req.MemberID, req.ProductID, req.CoachID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type extendRequest struct {
	AddedCount int `json:"added_count" validate:"required,gt=0"`
}

func (h *Handler) HandleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := h.service.Extend(r.Context(), id, req.AddedCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type adjustRequest struct {
	Delta  int    `json:"delta" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := h.service.Adjust(r.Context(), id, req.Delta, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type consumeRequest struct {
	MemberID      uuid.UUID  `json:"member_id" validate:"required"`
	CategoryHint  string     `json:"category_hint,omitempty"`
	EntitlementID *uuid.UUID `json:"entitlement_id,omitempty"`
	BookingID     *uuid.UUID `json:"booking_id,omitempty"`
	AttendanceID  *uuid.UUID `json:"attendance_id,omitempty"`
	Note          string     `json:"note,omitempty"`
}

type consumeResponse struct {
	Outcome string           `json:"outcome"`
	Result  *DeductionResult `json:"result,omitempty"`
}

// HandleConsume reports "nothing to deduct" as a successful outcome, not an
// HTTP error. The surrounding check-in proceeds either way.
func (h *Handler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trig := Trigger{
		BookingID:    req.BookingID,
		AttendanceID: req.AttendanceID,
		Note:         req.Note,
	}
	res, err := h.service.Consume(r.Context(), req.MemberID, req.CategoryHint, req.EntitlementID, trig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, consumeResponse{Outcome: "deducted", Result: res})
	case errors.Is(err, ErrNoEligibleEntitlement):
		writeJSON(w, http.StatusOK, consumeResponse{Outcome: "deduct_skipped"})
	default:
		h.writeError(w, err)
	}
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining_count": balance})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Remove(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListByMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListByMember(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), id, 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrDuplicateTrigger):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
