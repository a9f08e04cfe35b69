// Package api exposes the commitment engine over HTTP.
//
// The acting user is identified by the X-User-ID header; authenticating
// that header is the job of whatever sits in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/commitment-engine/internal/commitment"
	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/forecast"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/settlement"
	"github.com/atmx/commitment-engine/internal/store"
	"github.com/atmx/commitment-engine/internal/wallet"
)

// UserHeader carries the acting user's id.
const UserHeader = "X-User-ID"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler serves the engine's HTTP endpoints.
type Handler struct {
	store       store.Store
	wallet      *wallet.Service
	forecasts   *forecast.Service
	commitments *commitment.Manager
	settlement  *settlement.Engine
	logger      *slog.Logger
}

// NewHandler wires the engine services into HTTP handlers.
func NewHandler(st store.Store, w *wallet.Service, f *forecast.Service, m *commitment.Manager, e *settlement.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       st,
		wallet:      w,
		forecasts:   f,
		commitments: m,
		settlement:  e,
		logger:      logger,
	}
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	InitialCU *int64 `json:"initial_cu" validate:"omitempty,gte=0,lte=10000"`
	IsBot     bool   `json:"is_bot"`
}

// GrantRequest is the JSON body for POST /users/{userID}/grant.
type GrantRequest struct {
	Amount int64  `json:"amount" validate:"gte=1,lte=10000"`
	Note   string `json:"note" validate:"max=200"`
}

// CreatePredictionRequest is the JSON body for POST /predictions.
type CreatePredictionRequest struct {
	ClaimText   string    `json:"claim_text" validate:"required,min=10,max=500"`
	OutcomeType string    `json:"outcome_type" validate:"required,oneof=BINARY MULTIPLE_CHOICE"`
	Options     []string  `json:"options" validate:"omitempty,max=10,dive,required,max=500"`
	ResolveBy   time.Time `json:"resolve_by" validate:"required"`
}

// CommitRequest is the JSON body for POST /predictions/{predictionID}/commit.
// Exactly one of BinaryChoice and OptionID picks the side.
type CommitRequest struct {
	CUCommitted  int64  `json:"cu_committed" validate:"gte=1,lte=1000"`
	BinaryChoice *bool  `json:"binary_choice" validate:"required_without=OptionID,excluded_with=OptionID"`
	OptionID     string `json:"option_id"`
}

// UpdateCommitRequest is the JSON body for PATCH /predictions/{predictionID}/commit.
type UpdateCommitRequest struct {
	CUCommitted  *int64  `json:"cu_committed" validate:"omitempty,gte=1,lte=1000"`
	BinaryChoice *bool   `json:"binary_choice" validate:"excluded_with=OptionID"`
	OptionID     *string `json:"option_id" validate:"omitempty,min=1"`
}

// ResolveRequest is the JSON body for POST /predictions/{predictionID}/resolve.
type ResolveRequest struct {
	Outcome         string   `json:"outcome" validate:"required,oneof=correct wrong void unresolvable"`
	CorrectOptionID string   `json:"correct_option_id"`
	ResolutionNote  string   `json:"resolution_note" validate:"max=2000"`
	EvidenceLinks   []string `json:"evidence_links" validate:"max=10,dive,url"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	initial := int64(wallet.DefaultInitialCU)
	if req.InitialCU != nil {
		initial = *req.InitialCU
	}
	u, err := h.wallet.CreateUser(r.Context(), req.Name, initial, req.IsBot)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeStoreError(w, r, "user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Grant handles POST /api/v1/users/{userID}/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.wallet.Grant(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// History handles GET /api/v1/users/{userID}/transactions
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.wallet.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Stats handles GET /api/v1/users/{userID}/commitments/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.commitments.Stats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Predictions ---

// CreatePrediction handles POST /api/v1/predictions
func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req CreatePredictionRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.forecasts.Create(r.Context(), forecast.CreateRequest{
		AuthorID:    userID,
		ClaimText:   req.ClaimText,
		OutcomeType: model.OutcomeType(req.OutcomeType),
		Options:     req.Options,
		ResolveBy:   req.ResolveBy,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPrediction handles GET /api/v1/predictions/{predictionID}
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPrediction(r.Context(), chi.URLParam(r, "predictionID"))
	if err != nil {
		h.writeStoreError(w, r, "prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Publish handles POST /api/v1/predictions/{predictionID}/publish
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.forecasts.Publish(r.Context(), userID, chi.URLParam(r, "predictionID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Resolve handles POST /api/v1/predictions/{predictionID}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.settlement.Resolve(r.Context(), settlement.ResolveRequest{
		PredictionID:    chi.URLParam(r, "predictionID"),
		Outcome:         settlement.Outcome(req.Outcome),
		CorrectOptionID: req.CorrectOptionID,
		ResolvedByID:    userID,
		ResolutionNote:  req.ResolutionNote,
		EvidenceLinks:   req.EvidenceLinks,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Commitments ---

// Commit handles POST /api/v1/predictions/{predictionID}/commit
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req CommitRequest
	if !h.decode(w, r, &req) {
		return
	}
	side := model.OptionSide(req.OptionID)
	if req.BinaryChoice != nil {
		side = model.BinarySide(*req.BinaryChoice)
	}
	c, err := h.commitments.Create(r.Context(), commitment.CreateRequest{
		UserID:       userID,
		PredictionID: chi.URLParam(r, "predictionID"),
		Side:         side,
		Amount:       req.CUCommitted,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCommit handles PATCH /api/v1/predictions/{predictionID}/commit
func (h *Handler) UpdateCommit(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req UpdateCommitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CUCommitted == nil && req.BinaryChoice == nil && req.OptionID == nil {
		writeError(w, "provide cu_committed, binary_choice or option_id", engineerr.KindInvalidInput.String(), http.StatusBadRequest)
		return
	}

	upd := commitment.UpdateRequest{
		UserID:       userID,
		PredictionID: chi.URLParam(r, "predictionID"),
		NewAmount:    req.CUCommitted,
	}
	switch {
	case req.BinaryChoice != nil:
		side := model.BinarySide(*req.BinaryChoice)
		upd.NewSide = &side
	case req.OptionID != nil:
		side := model.OptionSide(*req.OptionID)
		upd.NewSide = &side
	}

	res, err := h.commitments.Update(r.Context(), upd)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveCommit handles DELETE /api/v1/predictions/{predictionID}/commit
func (h *Handler) RemoveCommit(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	res, err := h.commitments.Remove(r.Context(), userID, chi.URLParam(r, "predictionID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PreviewExit handles GET /api/v1/predictions/{predictionID}/commit/preview
func (h *Handler) PreviewExit(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.commitments.PreviewExit(r.Context(), userID, chi.URLParam(r, "predictionID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, UserHeader+" header is required", "unauthenticated", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", engineerr.KindInvalidInput.String(), http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), engineerr.KindInvalidInput.String(), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	msg := fe.Field() + " failed " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return msg
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind engineerr.Kind) int {
	switch kind {
	case engineerr.KindNotFound:
		return http.StatusNotFound
	case engineerr.KindInvalidState, engineerr.KindInvalidInput, engineerr.KindInsufficientFunds:
		return http.StatusBadRequest
	case engineerr.KindAlreadyExists:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engineerr.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, msg, kind.String(), status)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", engineerr.KindNotFound.String(), http.StatusNotFound)
		return
	}
	h.logger.Error("store read failed", "path", r.URL.Path, "err", err)
	writeError(w, "internal error", engineerr.KindInternal.String(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
