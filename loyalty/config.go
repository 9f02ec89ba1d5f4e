/*
config.go - Global loyalty program economics

PURPOSE:
  One configuration row controls the whole program: the points-per-unit
  ratio, redemption bounds, and the expiry window. The store creates it
  lazily with defaults on first access, so the engine always has a
  config to work with.

CONSISTENCY:
  The Service loads the configuration ONCE per logical operation and
  passes it down. Re-reading mid-calculation could observe a concurrent
  admin update and mix two ratios inside one award.
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// Configuration is the singleton holding program-wide economics.
type Configuration struct {
	// PointsPerUnit is the number of points granted per UnitAmount of
	// currency spent.
	PointsPerUnit int

	// UnitAmount is the currency amount that equals one unit for point
	// computation (e.g. 100.00 NPR). Strictly positive.
	UnitAmount decimal.Decimal

	// PointsExpiryDays is the age at which earned points are swept.
	// Zero means points never expire.
	PointsExpiryDays int

	// MinRedemptionPoints is the smallest single redemption allowed.
	MinRedemptionPoints int

	// MaxRedemptionPoints caps a single redemption. Zero means no cap.
	MaxRedemptionPoints int

	// AllowNegativeBalance lifts the points >= 0 invariant.
	AllowNegativeBalance bool

	UpdatedAt time.Time
	UpdatedBy string
}

// DefaultConfiguration returns the row created on first access:
// 1 point per 100.00 spent, 100-point redemption minimum, no expiry.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		PointsPerUnit:       1,
		UnitAmount:          decimal.NewFromInt(100),
		MinRedemptionPoints: 100,
	}
}

// Validate rejects configurations that cannot support point
// calculation.
func (c *Configuration) Validate() error {
	if !c.UnitAmount.IsPositive() {
		return ErrConfigInvalid
	}
	if c.PointsPerUnit < 0 {
		return ErrConfigInvalid
	}
	if c.MaxRedemptionPoints > 0 && c.MaxRedemptionPoints < c.MinRedemptionPoints {
		return ErrConfigInvalid
	}
	return nil
}

// ExpiryEnabled reports whether the expiry sweep has anything to do.
func (c *Configuration) ExpiryEnabled() bool { return c.PointsExpiryDays > 0 }
