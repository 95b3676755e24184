package quota

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/model"
)

// EventCheckQuota is the audit marker recorded against a job whose quota
// check rejected it.
const EventCheckQuota = "CHECK_QUOTA"

// Quota dimensions, checked in this order.
const (
	DimSystemJobs     = "maxSystemJobs"
	DimSystemUserJobs = "maxSystemUserJobs"
	DimQueueJobs      = "maxQueueJobs"
	DimQueueUserJobs  = "maxQueueUserJobs"
)

// Counts provides the active-job counting queries, scoped per tenant. The
// repository layer implements it.
type Counts interface {
	CountActiveSystemJobs(ctx context.Context, tenant, systemID string) (int, error)
	CountActiveSystemUserJobs(ctx context.Context, tenant, systemID, owner string) (int, error)
	CountActiveQueueJobs(ctx context.Context, tenant, systemID, queue string) (int, error)
	CountActiveQueueUserJobs(ctx context.Context, tenant, systemID, queue, owner string) (int, error)
}

// Events records audit markers against jobs.
type Events interface {
	RecordJobEvent(ctx context.Context, jobUUID, event, detail string) error
}

// Limits carries the configured maxima; a value <= 0 disables that dimension.
type Limits struct {
	MaxSystemJobs     int
	MaxSystemUserJobs int
	MaxQueueJobs      int
	MaxQueueUserJobs  int
}

// ExceededError carries a snapshot of the violated dimension so the recovery
// subsystem can decide retry timing later. Quota violations are always
// recoverable, never fatal.
type ExceededError struct {
	Dimension string
	Tenant    string
	SystemID  string
	Owner     string
	Queue     string
	Count     int
	Limit     int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded on system %s for tenant %s (owner=%s queue=%s): %d active jobs, limit %d",
		e.Dimension, e.SystemID, e.Tenant, e.Owner, e.Queue, e.Count, e.Limit)
}

// Checker enforces the four concurrency quotas before resource-consuming job
// phases.
type Checker struct {
	counts Counts
	events Events
	limits Limits
}

func NewChecker(counts Counts, events Events, limits Limits) *Checker {
	return &Checker{counts: counts, events: events, limits: limits}
}

// Check runs the four dimensions in sequence against the job's system, owner
// and queue. Each dimension is skipped when its limit is unconfigured. The
// first violation records a CHECK_QUOTA audit event, skips the remaining
// dimensions and returns an ExceededError.
func (c *Checker) Check(ctx context.Context, job *model.Job) error {
	return c.check(ctx, job, true)
}

func (c *Checker) check(ctx context.Context, job *model.Job, audit bool) error {
	checks := []func(context.Context, *model.Job) (*ExceededError, error){
		c.checkSystemJobs,
		c.checkSystemUserJobs,
		c.checkQueueJobs,
		c.checkQueueUserJobs,
	}

	for _, check := range checks {
		violation, err := check(ctx, job)
		if err != nil {
			return err
		}
		if violation == nil {
			continue
		}

		if audit {
			if c.events != nil {
				if err := c.events.RecordJobEvent(ctx, job.UUID.String(), EventCheckQuota, violation.Error()); err != nil {
					logger.Log.Error().Err(err).Str("job", job.UUID.String()).
						Msg("failed to record quota audit event")
				}
			}
			if job_tracer.QuotaRejections != nil {
				job_tracer.QuotaRejections.Add(ctx, 1, metric.WithAttributes(
					attribute.String("tenant", violation.Tenant),
					attribute.String("dimension", violation.Dimension)))
			}
		}
		return violation
	}
	return nil
}

func (c *Checker) checkSystemJobs(ctx context.Context, job *model.Job) (*ExceededError, error) {
	if c.limits.MaxSystemJobs <= 0 {
		return nil, nil
	}
	n, err := c.counts.CountActiveSystemJobs(ctx, job.Tenant, job.ExecSystemID)
	if err != nil {
		return nil, err
	}
	if n > c.limits.MaxSystemJobs {
		return &ExceededError{
			Dimension: DimSystemJobs,
			Tenant:    job.Tenant,
			SystemID:  job.ExecSystemID,
			Count:     n,
			Limit:     c.limits.MaxSystemJobs,
		}, nil
	}
	return nil, nil
}

func (c *Checker) checkSystemUserJobs(ctx context.Context, job *model.Job) (*ExceededError, error) {
	if c.limits.MaxSystemUserJobs <= 0 {
		return nil, nil
	}
	n, err := c.counts.CountActiveSystemUserJobs(ctx, job.Tenant, job.ExecSystemID, job.Owner)
	if err != nil {
		return nil, err
	}
	if n > c.limits.MaxSystemUserJobs {
		return &ExceededError{
			Dimension: DimSystemUserJobs,
			Tenant:    job.Tenant,
			SystemID:  job.ExecSystemID,
			Owner:     job.Owner,
			Count:     n,
			Limit:     c.limits.MaxSystemUserJobs,
		}, nil
	}
	return nil, nil
}

func (c *Checker) checkQueueJobs(ctx context.Context, job *model.Job) (*ExceededError, error) {
	if c.limits.MaxQueueJobs <= 0 || job.RemoteQueue == "" {
		return nil, nil
	}
	n, err := c.counts.CountActiveQueueJobs(ctx, job.Tenant, job.ExecSystemID, job.RemoteQueue)
	if err != nil {
		return nil, err
	}
	if n > c.limits.MaxQueueJobs {
		return &ExceededError{
			Dimension: DimQueueJobs,
			Tenant:    job.Tenant,
			SystemID:  job.ExecSystemID,
			Queue:     job.RemoteQueue,
			Count:     n,
			Limit:     c.limits.MaxQueueJobs,
		}, nil
	}
	return nil, nil
}

func (c *Checker) checkQueueUserJobs(ctx context.Context, job *model.Job) (*ExceededError, error) {
	if c.limits.MaxQueueUserJobs <= 0 || job.RemoteQueue == "" {
		return nil, nil
	}
	n, err := c.counts.CountActiveQueueUserJobs(ctx, job.Tenant, job.ExecSystemID, job.RemoteQueue, job.Owner)
	if err != nil {
		return nil, err
	}
	if n > c.limits.MaxQueueUserJobs {
		return &ExceededError{
			Dimension: DimQueueUserJobs,
			Tenant:    job.Tenant,
			SystemID:  job.ExecSystemID,
			Owner:     job.Owner,
			Queue:     job.RemoteQueue,
			Count:     n,
			Limit:     c.limits.MaxQueueUserJobs,
		}, nil
	}
	return nil, nil
}

// WouldPass re-runs the quota dimensions for the given identifiers, used by
// the recovery tester to decide whether blocked jobs may retry.
func (c *Checker) WouldPass(ctx context.Context, tenant, systemID, owner, queue string) (bool, error) {
	job := &model.Job{
		Tenant:       tenant,
		Owner:        owner,
		ExecSystemID: systemID,
		RemoteQueue:  queue,
	}

	// Audit events are for real submissions, not probes.
	err := c.check(ctx, job, false)
	if err == nil {
		return true, nil
	}
	var ee *ExceededError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}
