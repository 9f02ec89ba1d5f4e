/*
scheduler.go - Background job scheduling

PURPOSE:
  Runs the engine's periodic maintenance on cron schedules: the expiry
  sweep, expiry warnings, the tier recalculation pass, and the archive
  retention move.

DESIGN:
  - cron specs come from process configuration; each job logs its
    outcome and never takes the process down
  - every job is also exposed as an admin endpoint for manual runs, so
    a failed schedule can always be repaired by hand
  - expiry warnings are best-effort: a notifier failure is logged and
    the warning is dropped, never retried

SEE ALSO:
  - config/config.go: Cron specs and job settings
  - handlers.go: Manual trigger endpoints
  - loyalty/service.go: The operations the jobs call
*/
package api

import (
	"context"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/sajha/loyalty-engine/config"
	"github.com/sajha/loyalty-engine/loyalty"
)

// Scheduler owns the cron runner for the engine's periodic jobs.
type Scheduler struct {
	cron     *cron.Cron
	service  *loyalty.Service
	notifier loyalty.Notifier
	cfg      *config.Config
}

// NewScheduler wires the maintenance jobs. A nil notifier drops expiry
// warnings.
func NewScheduler(svc *loyalty.Service, n loyalty.Notifier, cfg *config.Config) *Scheduler {
	if n == nil {
		n = loyalty.NopNotifier{}
	}
	return &Scheduler{
		cron:     cron.New(),
		service:  svc,
		notifier: n,
		cfg:      cfg,
	}
}

// Start registers and launches the jobs. Returns without starting when
// the scheduler is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.SchedulerEnabled {
		log.Info("scheduler disabled, not starting")
		return nil
	}

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"expiry-sweep", s.cfg.ExpirySweepCron, func() { s.runExpirySweep(ctx) }},
		{"expiry-warnings", s.cfg.ExpiryWarnCron, func() { s.runExpiryWarnings(ctx) }},
		{"tier-recalc", s.cfg.TierRecalcCron, func() { s.runTierRecalc(ctx) }},
		{"archive", s.cfg.ArchiveCron, func() { s.runArchive(ctx) }},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return err
		}
		log.WithFields(log.Fields{"job": j.name, "spec": j.spec}).Info("scheduled job")
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("scheduler stopped")
}

func (s *Scheduler) runExpirySweep(ctx context.Context) {
	affected, err := s.service.ExpireOldPoints(ctx, 0)
	if err != nil {
		log.WithError(err).Error("scheduled expiry sweep failed")
		return
	}
	log.WithField("users", affected).Info("scheduled expiry sweep done")
}

func (s *Scheduler) runExpiryWarnings(ctx context.Context) {
	warnings, err := s.service.ExpiringSoon(ctx, s.cfg.ExpiryWarnDays)
	if err != nil {
		log.WithError(err).Error("expiry warning scan failed")
		return
	}
	for _, w := range warnings {
		if err := s.notifier.PointsExpiring(ctx, w); err != nil {
			log.WithError(err).WithField("user", w.UserID).Warn("expiry warning delivery failed")
		}
	}
	log.WithField("warnings", len(warnings)).Info("expiry warning pass done")
}

func (s *Scheduler) runTierRecalc(ctx context.Context) {
	if _, err := s.service.RecalculateTiers(ctx); err != nil {
		log.WithError(err).Error("scheduled tier recalculation failed")
	}
}

func (s *Scheduler) runArchive(ctx context.Context) {
	moved, err := s.service.ArchiveOldTransactions(ctx, s.cfg.ArchiveRetentionDays)
	if err != nil {
		log.WithError(err).Error("scheduled archive run failed")
		return
	}
	log.WithField("rows", moved).Info("scheduled archive run done")
}
