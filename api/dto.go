/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/sajha/loyalty-engine/loyalty"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents one ledger row in API responses.
type TransactionDTO struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Points       int               `json:"points"`
	Type         string            `json:"type"`
	Description  string            `json:"description,omitempty"`
	PurchaseID   string            `json:"purchase_id,omitempty"`
	ReferenceID  string            `json:"reference_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	BalanceAfter int               `json:"balance_after"`
	CreatedBy    string            `json:"created_by,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

func toTransactionDTO(tx *loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		UserID:       string(tx.UserID),
		Points:       tx.Points,
		Type:         string(tx.Type),
		Description:  tx.Description,
		PurchaseID:   tx.PurchaseID,
		ReferenceID:  tx.ReferenceID,
		Metadata:     tx.Metadata,
		BalanceAfter: tx.BalanceAfter,
		CreatedBy:    tx.CreatedBy,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []*loyalty.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// AwardRequest is the admin request to award purchase points.
type AwardRequest struct {
	UserID      string            `json:"user_id"`
	Amount      string            `json:"amount"`
	Description string            `json:"description"`
	ReferenceID string            `json:"reference_id"`
	PurchaseID  string            `json:"purchase_id,omitempty"`
	Type        string            `json:"type,omitempty"` // earn (default) or bonus
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AwardResponse reports a successful award.
type AwardResponse struct {
	PointsAwarded int            `json:"points_awarded"`
	Transaction   TransactionDTO `json:"transaction"`
	TierChange    *TierChangeDTO `json:"tier_change,omitempty"`
}

// TierChangeDTO reports a tier transition.
type TierChangeDTO struct {
	OldTier string `json:"old_tier"`
	NewTier string `json:"new_tier"`
}

// RedeemRequest is the user request to spend points.
type RedeemRequest struct {
	Points      int    `json:"points"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

// RedeemResponse carries a redemption outcome. Business rejections come
// back with success=false and a presentable message, not an HTTP error.
type RedeemResponse struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// AdjustRequest is the admin request for a manual correction.
type AdjustRequest struct {
	UserID      string `json:"user_id"`
	Points      int    `json:"points"`
	Description string `json:"description"`
	Actor       string `json:"actor"`
}

// ExpireRequest optionally overrides the configured expiry window.
type ExpireRequest struct {
	Days int `json:"days,omitempty"`
}

// ExpireResponse reports a sweep run.
type ExpireResponse struct {
	UsersAffected int `json:"users_affected"`
}

// ArchiveRequest optionally overrides the retention window.
type ArchiveRequest struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// ArchiveResponse reports an archive run.
type ArchiveResponse struct {
	RowsArchived int `json:"rows_archived"`
}

// BatchAwardRequest carries manual grants for many users.
type BatchAwardRequest struct {
	Entries []loyalty.BatchEntry `json:"entries"`
	Actor   string               `json:"actor"`
}

// =============================================================================
// CONFIGURATION / TIERS
// =============================================================================

// ConfigDTO mirrors the program configuration.
type ConfigDTO struct {
	PointsPerUnit        int    `json:"points_per_unit"`
	UnitAmount           string `json:"unit_amount"`
	PointsExpiryDays     int    `json:"points_expiry_days"`
	MinRedemptionPoints  int    `json:"min_redemption_points"`
	MaxRedemptionPoints  int    `json:"max_redemption_points"`
	AllowNegativeBalance bool   `json:"allow_negative_balance"`
	UpdatedAt            string `json:"updated_at,omitempty"`
	UpdatedBy            string `json:"updated_by,omitempty"`
}

// UpdateConfigRequest is the admin request to change program economics.
type UpdateConfigRequest struct {
	PointsPerUnit        int    `json:"points_per_unit"`
	UnitAmount           string `json:"unit_amount"`
	PointsExpiryDays     int    `json:"points_expiry_days"`
	MinRedemptionPoints  int    `json:"min_redemption_points"`
	MaxRedemptionPoints  int    `json:"max_redemption_points"`
	AllowNegativeBalance bool   `json:"allow_negative_balance"`
	UpdatedBy            string `json:"updated_by"`
}

// TierDTO represents a tier in API responses.
type TierDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MinPoints   int    `json:"min_points"`
	Multiplier  string `json:"multiplier"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// SaveTierRequest creates or updates a tier.
type SaveTierRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MinPoints   int    `json:"min_points"`
	Multiplier  string `json:"multiplier"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// PerkDTO represents a perk in API responses.
type PerkDTO struct {
	ID          string `json:"id"`
	TierID      string `json:"tier_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// =============================================================================
// EVENT WEBHOOKS
// =============================================================================

// PaymentCompletedRequest is the payment system webhook payload.
type PaymentCompletedRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
}

// ReviewCreatedRequest is the review system webhook payload.
type ReviewCreatedRequest struct {
	UserID   string `json:"user_id"`
	ReviewID string `json:"review_id"`
	Product  string `json:"product,omitempty"`
}

// UserSignedUpRequest is the account system webhook payload.
type UserSignedUpRequest struct {
	UserID string `json:"user_id"`
}

// OrderCancelledRequest is the order system webhook payload.
type OrderCancelledRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
}

// EventResponse reports what an inbound event produced.
type EventResponse struct {
	Points    int  `json:"points"`
	Duplicate bool `json:"duplicate"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
