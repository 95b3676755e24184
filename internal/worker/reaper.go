package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/service/logger"
)

const reaperBatch = 50

// Reaper periodically retests due recovery records. A cleared condition sends
// every blocked job back into the pipeline; an exhausted policy fails them.
type Reaper struct {
	repo     JobStore
	recRepo  RecoveryStore
	queue    queue.Queue
	deps     recovery.TesterDeps
	interval time.Duration
	minWait  time.Duration
}

func NewReaper(
	repo JobStore,
	recRepo RecoveryStore,
	q queue.Queue,
	deps recovery.TesterDeps,
	interval, minWait time.Duration,
) *Reaper {
	return &Reaper{
		repo:     repo,
		recRepo:  recRepo,
		queue:    q,
		deps:     deps,
		interval: interval,
		minWait:  minWait,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	recs, err := r.recRepo.ListDue(ctx, reaperBatch)
	if err != nil {
		logger.Log.Error().Err(err).Msg("unable to list due recoveries")
		return
	}

	for _, rec := range recs {
		rec.SetMinWait(r.minWait)
		r.process(ctx, rec)
	}
}

func (r *Reaper) process(ctx context.Context, rec *recovery.JobRecovery) {
	log := logger.Log.With().
		Str("tenant", rec.TenantID).
		Str("condition", rec.ConditionCode).
		Int64("recovery", rec.ID()).
		Logger()

	if job_tracer.RecoveryAttempts != nil {
		job_tracer.RecoveryAttempts.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("tenant", rec.TenantID),
				attribute.String("condition", rec.ConditionCode)))
	}

	tester, err := recovery.NewTester(rec.TesterType, rec.TenantID, rec.TesterParameters, r.deps)
	if err != nil {
		log.Error().Err(err).Msg("unable to build tester, skipping record")
		return
	}

	cleared, err := tester.CanUnblock(ctx)
	if err != nil {
		log.Error().Err(err).Msg("tester probe failed, treating condition as still present")
	}

	if cleared && err == nil {
		r.unblock(ctx, rec, log)
		return
	}

	if ierr := rec.IncrementAttempts(); ierr != nil {
		var expired *recovery.ExpiredError
		if errors.As(ierr, &expired) {
			r.expire(ctx, rec, expired, log)
			return
		}
		log.Error().Err(ierr).Msg("unable to increment recovery attempts")
		return
	}

	if err := r.recRepo.UpdateAttempts(ctx, rec); err != nil {
		log.Error().Err(err).Msg("unable to persist recovery attempt")
	}
}

// unblock releases every job under the record to its success status and
// redispatches it, then deletes the record.
func (r *Reaper) unblock(ctx context.Context, rec *recovery.JobRecovery, log zerolog.Logger) {
	for _, jb := range rec.BlockedJobs() {
		to := lifecycle.Status(jb.SuccessStatus)
		if err := r.repo.UpdateStatus(ctx, jb.JobUUID, to, "blocking condition cleared"); err != nil {
			log.Error().Err(err).Str("job", jb.JobUUID).Msg("unable to unblock job")
			continue
		}
		if err := r.queue.Publish(ctx, queue.JobDispatch, []byte(jb.JobUUID)); err != nil {
			log.Error().Err(err).Str("job", jb.JobUUID).Msg("unable to redispatch unblocked job")
			continue
		}
		log.Info().Str("job", jb.JobUUID).Str("status", jb.SuccessStatus).Msg("job unblocked")
	}

	if err := r.recRepo.DeleteRecovery(ctx, rec.ID()); err != nil {
		log.Error().Err(err).Msg("unable to delete cleared recovery")
	}
}

// expire fails every job under an exhausted record and deletes it.
func (r *Reaper) expire(ctx context.Context, rec *recovery.JobRecovery, expired *recovery.ExpiredError, log zerolog.Logger) {
	if job_tracer.RecoveryExpired != nil {
		job_tracer.RecoveryExpired.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("tenant", rec.TenantID),
				attribute.String("condition", rec.ConditionCode)))
	}

	for _, jb := range rec.BlockedJobs() {
		if err := r.repo.UpdateStatus(ctx, jb.JobUUID, lifecycle.StatusFailed, expired.Error()); err != nil {
			log.Error().Err(err).Str("job", jb.JobUUID).Msg("unable to fail expired job")
		}
	}
	log.Warn().Strs("jobs", rec.BlockedJobUUIDs()).Msg("recovery expired, jobs failed")

	if err := r.recRepo.DeleteRecovery(ctx, rec.ID()); err != nil {
		log.Error().Err(err).Msg("unable to delete expired recovery")
	}
}
