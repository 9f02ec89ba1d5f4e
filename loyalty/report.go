/*
report.go - Program-level reporting

PURPOSE:
  Aggregated view of the ledger over a period for operations teams:
  earn/redeem/expire volumes, outstanding liability, tier distribution,
  top movers. Read-only; no reporting query ever mutates state.
*/
package loyalty

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReportPeriod bounds a report.
type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReportTypeStat is the per-type slice of a report. Redeemed and
// expired totals are reported as magnitudes.
type ReportTypeStat struct {
	Count       int `json:"count"`
	TotalPoints int `json:"total_points"`
}

// TierSlice is one tier's share of the active population.
type TierSlice struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Report is the aggregate view over a period.
type Report struct {
	Period       ReportPeriod              `json:"period"`
	Transactions map[TxType]ReportTypeStat `json:"transactions"`

	PointsEarned   int `json:"points_earned"`
	PointsRedeemed int `json:"points_redeemed"`
	PointsExpired  int `json:"points_expired"`
	NetChange      int `json:"net_change"`

	TotalOutstanding int     `json:"total_outstanding"`
	TotalLifetime    int     `json:"total_lifetime"`
	AveragePerUser   float64 `json:"average_per_user"`

	TotalUsers       int     `json:"total_users"`
	ActiveUsers      int     `json:"active_users"`
	UsersWithPoints  int     `json:"users_with_points"`
	PercentageActive float64 `json:"percentage_active"`

	TierDistribution map[string]TierSlice `json:"tier_distribution"`
	TopEarners       []UserPointsTotal    `json:"top_earners"`
	TopRedeemers     []UserPointsTotal    `json:"top_redeemers"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Report builds the aggregate view for [from, to]. Zero times default
// to the trailing 30 days.
func (s *Service) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	now := s.Now()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}

	typeStats, err := s.store.TxTypeStats(ctx, from, to)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.ProfileStats(ctx)
	if err != nil {
		return nil, err
	}
	dist, err := s.store.TierDistribution(ctx)
	if err != nil {
		return nil, err
	}
	topEarners, err := s.store.TopByType(ctx, from, to, []TxType{TxEarn, TxBonus}, 10, false)
	if err != nil {
		return nil, err
	}
	topRedeemers, err := s.store.TopByType(ctx, from, to, []TxType{TxRedeem}, 10, true)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Period:           ReportPeriod{Start: from, End: to},
		Transactions:     make(map[TxType]ReportTypeStat, len(typeStats)),
		TotalOutstanding: profiles.TotalOutstanding,
		TotalLifetime:    profiles.TotalLifetime,
		TotalUsers:       profiles.Total,
		ActiveUsers:      profiles.Active,
		UsersWithPoints:  profiles.WithPoints,
		TierDistribution: make(map[string]TierSlice, len(dist)),
		TopEarners:       topEarners,
		TopRedeemers:     topRedeemers,
		GeneratedAt:      now,
	}

	for txType, st := range typeStats {
		points := st.Points
		if points < 0 {
			points = -points
		}
		r.Transactions[txType] = ReportTypeStat{Count: st.Count, TotalPoints: points}

		switch txType {
		case TxEarn, TxBonus:
			r.PointsEarned += st.Points
		case TxRedeem:
			r.PointsRedeemed += points
		case TxExpire:
			r.PointsExpired += points
		}
		r.NetChange += st.Points
	}

	// Guard the averages: an empty program reports zeros instead of
	// dividing by zero.
	if profiles.Active > 0 {
		r.AveragePerUser = float64(profiles.TotalOutstanding) / float64(profiles.Active)
	}
	if profiles.Total > 0 {
		r.PercentageActive = float64(profiles.Active) / float64(profiles.Total) * 100
	}
	for name, count := range dist {
		slice := TierSlice{Count: count}
		if profiles.Active > 0 {
			slice.Percentage = float64(count) / float64(profiles.Active) * 100
		}
		r.TierDistribution[name] = slice
	}

	log.WithFields(log.Fields{"from": from, "to": to}).Debug("loyalty report generated")
	return r, nil
}
