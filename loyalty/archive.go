/*
archive.go - Long-term retention of old transactions

PURPOSE:
  The live transaction log is the hot path for idempotency checks and
  expiry sweeps, so it is pruned after a long retention window. Rows
  are copied into a denormalized archive (username flattened in, no
  foreign references) before deletion, preserving auditability.

SIGN CONVENTION:
  Archive rows validate that the points sign matches the transaction
  type. The positive set includes "refund" even though live refund rows
  are written with negative points - the original system shipped with
  this mismatch and the behavior is reproduced as observed rather than
  silently corrected.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ArchivedTransaction is the flattened long-term representation.
type ArchivedTransaction struct {
	UserID       UserID
	Username     string
	Points       int
	Type         TxType
	Description  string
	PurchaseID   string
	ReferenceID  string
	Metadata     map[string]string
	BalanceAfter int
	CreatedAt    time.Time
	ArchivedAt   time.Time
}

var (
	positiveTxTypes = map[TxType]bool{TxEarn: true, TxAdminAdd: true, TxBonus: true, TxRefund: true}
	negativeTxTypes = map[TxType]bool{TxRedeem: true, TxExpire: true, TxAdminDeduct: true}
)

// ValidateArchiveSign checks the points sign against the transaction
// type before a row enters the archive.
func ValidateArchiveSign(a *ArchivedTransaction) error {
	if positiveTxTypes[a.Type] && a.Points < 0 {
		return fmt.Errorf("%w: points must be positive for type %s", ErrInvalidTransaction, a.Type)
	}
	if negativeTxTypes[a.Type] && a.Points > 0 {
		return fmt.Errorf("%w: points must be negative for type %s", ErrInvalidTransaction, a.Type)
	}
	return nil
}

// ArchiveOldTransactions moves live rows older than the retention
// window into the archive and deletes them from the live log.
// retentionDays <= 0 uses the default (~2 years). Returns the number
// of rows moved.
func (s *Service) ArchiveOldTransactions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultArchiveRetentionDays
	}
	cutoff := s.Now().AddDate(0, 0, -retentionDays)

	moved, err := s.store.ArchiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		log.WithFields(log.Fields{"cutoff": cutoff, "rows": moved}).Info("archived old transactions")
	}
	return moved, nil
}
