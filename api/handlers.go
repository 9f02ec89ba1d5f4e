/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the points ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/loyalty              Loyalty summary
    GET    /api/users/{id}/loyalty/transactions Transaction history
    POST   /api/users/{id}/loyalty/redeem       Spend points

  Admin:
    POST   /api/admin/award            Award purchase points
    POST   /api/admin/adjust           Manual correction
    POST   /api/admin/batch-award      Grants for many users
    POST   /api/admin/expire           Run the expiry sweep
    POST   /api/admin/recalculate-tiers  Re-resolve all tiers
    POST   /api/admin/archive          Move old rows to the archive
    GET    /api/admin/report           Period report

  Configuration:
    GET    /api/config                 Program economics
    PUT    /api/config                 Update program economics

  Tiers:
    GET    /api/tiers                  Tier catalog
    POST   /api/tiers                  Create/update a tier
    GET    /api/tiers/{id}/perks       Active perks of a tier
    POST   /api/tiers/{id}/perks       Create/update a perk

  Events (inbound webhooks):
    POST   /api/events/payment-completed
    POST   /api/events/review-created
    POST   /api/events/user-signed-up
    POST   /api/events/order-cancelled

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient points
  - 404: Profile not found
  - 409: Duplicate reference, tier threshold conflict
  - 500: Internal errors
  Redemption business rejections are NOT errors: they return 200 with
  success=false and a presentable message.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are
  public; admin routes are expected to sit behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - loyalty/service.go: The engine these handlers delegate to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sajha/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *loyalty.Service
	Store   loyalty.Store
	Adapter *loyalty.Adapter
}

// NewHandler creates a handler around the engine. A nil notifier drops
// outbound events.
func NewHandler(svc *loyalty.Service, store loyalty.Store, n loyalty.Notifier) *Handler {
	return &Handler{
		Service: svc,
		Store:   store,
		Adapter: loyalty.NewAdapter(svc, n),
	}
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// GetSummary returns a user's loyalty standing.
// GET /api/users/{id}/loyalty
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	summary, err := h.Service.Summary(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to load summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetTransactions returns a user's ledger history, newest first.
// GET /api/users/{id}/loyalty/transactions?limit=50
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	txs, err := h.Service.Transactions(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// Redeem spends points from a user's balance.
// POST /api/users/{id}/loyalty/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Service.Redeem(r.Context(), userID, req.Points, req.Description, req.ReferenceID)
	if err != nil {
		writeDomainError(w, "Redemption failed", err)
		return
	}

	resp := RedeemResponse{Success: res.Success, Message: res.Message}
	if res.Transaction != nil {
		dto := toTransactionDTO(res.Transaction)
		resp.Transaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Award grants purchase points.
// POST /api/admin/award
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Service.Award(r.Context(), loyalty.UserID(req.UserID), amount, req.Description,
		loyalty.AwardOpts{
			ReferenceID: req.ReferenceID,
			PurchaseID:  req.PurchaseID,
			Metadata:    req.Metadata,
			Type:        loyalty.TxType(req.Type),
		})
	if err != nil {
		writeDomainError(w, "Award failed", err)
		return
	}

	resp := AwardResponse{
		PointsAwarded: res.PointsAwarded,
		Transaction:   toTransactionDTO(res.Transaction),
	}
	if res.TierChange != nil {
		resp.TierChange = &TierChangeDTO{
			OldTier: res.TierChange.OldTier,
			NewTier: res.TierChange.NewTier,
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Adjust applies a manual correction.
// POST /api/admin/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Service.AdminAdjust(r.Context(), loyalty.UserID(req.UserID),
		req.Points, req.Description, req.Actor)
	if err != nil {
		writeDomainError(w, "Adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// BatchAward applies manual grants to many users.
// POST /api/admin/batch-award
func (h *Handler) BatchAward(w http.ResponseWriter, r *http.Request) {
	var req BatchAwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "No entries", nil)
		return
	}

	res := h.Service.BatchAward(r.Context(), req.Entries, req.Actor)
	writeJSON(w, http.StatusOK, res)
}

// Expire runs the expiry sweep.
// POST /api/admin/expire
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	affected, err := h.Service.ExpireOldPoints(r.Context(), req.Days)
	if err != nil {
		writeDomainError(w, "Expiry sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{UsersAffected: affected})
}

// RecalculateTiers re-resolves every active profile's tier.
// POST /api/admin/recalculate-tiers
func (h *Handler) RecalculateTiers(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.RecalculateTiers(r.Context())
	if err != nil {
		writeDomainError(w, "Tier recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Archive moves old transactions into long-term retention.
// POST /api/admin/archive
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	moved, err := h.Service.ArchiveOldTransactions(r.Context(), req.RetentionDays)
	if err != nil {
		writeDomainError(w, "Archive run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{RowsArchived: moved})
}

// GetReport builds the period report.
// GET /api/admin/report?from=2026-08-01T00:00:00Z&to=2026-08-31T00:00:00Z
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	var err error

	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from timestamp", err)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to timestamp", err)
			return
		}
	}

	report, err := h.Service.Report(r.Context(), from, to)
	if err != nil {
		writeDomainError(w, "Report generation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CONFIGURATION ENDPOINTS
// =============================================================================

// GetConfig returns the program configuration.
// GET /api/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// UpdateConfig replaces the program configuration.
// PUT /api/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	unitAmount, err := decimal.NewFromString(req.UnitAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_amount", err)
		return
	}

	cfg := &loyalty.Configuration{
		PointsPerUnit:        req.PointsPerUnit,
		UnitAmount:           unitAmount,
		PointsExpiryDays:     req.PointsExpiryDays,
		MinRedemptionPoints:  req.MinRedemptionPoints,
		MaxRedemptionPoints:  req.MaxRedemptionPoints,
		AllowNegativeBalance: req.AllowNegativeBalance,
		UpdatedAt:            time.Now().UTC(),
		UpdatedBy:            req.UpdatedBy,
	}
	if err := h.Store.UpdateConfig(r.Context(), cfg); err != nil {
		writeDomainError(w, "Configuration rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

func toConfigDTO(cfg *loyalty.Configuration) ConfigDTO {
	dto := ConfigDTO{
		PointsPerUnit:        cfg.PointsPerUnit,
		UnitAmount:           cfg.UnitAmount.String(),
		PointsExpiryDays:     cfg.PointsExpiryDays,
		MinRedemptionPoints:  cfg.MinRedemptionPoints,
		MaxRedemptionPoints:  cfg.MaxRedemptionPoints,
		AllowNegativeBalance: cfg.AllowNegativeBalance,
		UpdatedBy:            cfg.UpdatedBy,
	}
	if !cfg.UpdatedAt.IsZero() {
		dto.UpdatedAt = cfg.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// TIER ENDPOINTS
// =============================================================================

// ListTiers returns the tier catalog ordered by threshold.
// GET /api/tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Store.Tiers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tiers", err)
		return
	}

	dtos := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = TierDTO{
			ID:          string(t.ID),
			Name:        t.Name,
			MinPoints:   t.MinPoints,
			Multiplier:  t.Multiplier.String(),
			Description: t.Description,
			IsActive:    t.IsActive,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveTier creates or updates a tier.
// POST /api/tiers
func (h *Handler) SaveTier(w http.ResponseWriter, r *http.Request) {
	var req SaveTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Tier id and name are required", nil)
		return
	}

	multiplier, err := decimal.NewFromString(req.Multiplier)
	if err != nil || !multiplier.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid multiplier", err)
		return
	}

	tier := &loyalty.Tier{
		ID:          loyalty.TierID(req.ID),
		Name:        req.Name,
		MinPoints:   req.MinPoints,
		Multiplier:  multiplier,
		Description: req.Description,
		IsActive:    req.IsActive,
	}
	if err := h.Store.SaveTier(r.Context(), tier); err != nil {
		writeDomainError(w, "Tier rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListPerks returns the active perks of a tier.
// GET /api/tiers/{id}/perks
func (h *Handler) ListPerks(w http.ResponseWriter, r *http.Request) {
	tierID := loyalty.TierID(chi.URLParam(r, "id"))

	perks, err := h.Store.PerksForTier(r.Context(), tierID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list perks", err)
		return
	}

	dtos := make([]PerkDTO, len(perks))
	for i, p := range perks {
		dtos[i] = PerkDTO{
			ID:          p.ID,
			TierID:      string(p.TierID),
			Name:        p.Name,
			Description: p.Description,
			Code:        p.Code,
			IsActive:    p.IsActive,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SavePerk creates or updates a perk under a tier.
// POST /api/tiers/{id}/perks
func (h *Handler) SavePerk(w http.ResponseWriter, r *http.Request) {
	tierID := loyalty.TierID(chi.URLParam(r, "id"))

	var req PerkDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Perk id and name are required", nil)
		return
	}

	perk := &loyalty.Perk{
		ID:          req.ID,
		TierID:      tierID,
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
		IsActive:    req.IsActive,
	}
	if err := h.Store.SavePerk(r.Context(), perk); err != nil {
		writeDomainError(w, "Perk rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// EVENT WEBHOOK ENDPOINTS
// =============================================================================

// PaymentCompleted awards purchase points exactly once per payment.
// POST /api/events/payment-completed
func (h *Handler) PaymentCompleted(w http.ResponseWriter, r *http.Request) {
	var req PaymentCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Adapter.HandlePaymentCompleted(r.Context(), loyalty.PaymentCompleted{
		UserID:    loyalty.UserID(req.UserID),
		Amount:    amount,
		PaymentID: req.PaymentID,
		OrderID:   req.OrderID,
	})
	h.writeEventResult(w, res, err)
}

// ReviewCreated grants the review bonus exactly once per review.
// POST /api/events/review-created
func (h *Handler) ReviewCreated(w http.ResponseWriter, r *http.Request) {
	var req ReviewCreatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Adapter.HandleReviewCreated(r.Context(), loyalty.ReviewCreated{
		UserID:   loyalty.UserID(req.UserID),
		ReviewID: req.ReviewID,
		Product:  req.Product,
	})
	h.writeEventResult(w, res, err)
}

// UserSignedUp grants the welcome bonus exactly once per user.
// POST /api/events/user-signed-up
func (h *Handler) UserSignedUp(w http.ResponseWriter, r *http.Request) {
	var req UserSignedUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Adapter.HandleUserSignedUp(r.Context(), loyalty.UserSignedUp{
		UserID: loyalty.UserID(req.UserID),
	})
	h.writeEventResult(w, res, err)
}

// OrderCancelled claws back points earned on a cancelled order.
// POST /api/events/order-cancelled
func (h *Handler) OrderCancelled(w http.ResponseWriter, r *http.Request) {
	var req OrderCancelledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Adapter.HandleOrderCancelled(r.Context(), loyalty.OrderCancelled{
		UserID:      loyalty.UserID(req.UserID),
		Amount:      amount,
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
	})
	h.writeEventResult(w, res, err)
}

func (h *Handler) writeEventResult(w http.ResponseWriter, res *loyalty.EventResult, err error) {
	if err != nil {
		writeDomainError(w, "Event processing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Points: res.Points, Duplicate: res.Duplicate})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case loyalty.IsDuplicate(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, loyalty.ErrTierConflict):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, loyalty.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case loyalty.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
