package jobservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osgrid/talon/internal/cache"
	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/db/repository"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/internal/util"
	"github.com/osgrid/talon/model"
)

type JobService struct {
	repo  *repository.JobRepository
	cache cache.Cache
	queue queue.Queue
}

var (
	jobService *JobService
	once       sync.Once
	initError  error
)

func NewJobService(ctx context.Context, d *db.DB, c cache.Cache, q queue.Queue) (*JobService, error) {
	once.Do(func() {
		jobService = &JobService{
			repo:  repository.NewJobRepository(d),
			cache: c,
			queue: q,
		}
	})
	return jobService, initError
}

// SubmitJob validates the request, assigns the job its immutable identity and
// directories, persists it as Pending and hands it to the dispatch stream.
func (s *JobService) SubmitJob(ctx context.Context, input model.SubmitRequest) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobService/SubmitJob")
	defer span.End()

	if err := validateSubmit(&input); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	jobUUID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.Job{
		UUID:             jobUUID,
		Tenant:           input.Tenant,
		Owner:            input.Owner,
		Status:           string(lifecycle.StatusPending),
		JobType:          defaultString(input.JobType, "BATCH"),
		ExecClass:        defaultString(input.ExecClass, "normal"),
		Created:          now,
		LastUpdated:      now,
		ExecSystemID:     input.ExecSystemID,
		ExecSystemDir:    input.ExecSystemDir,
		ArchiveSystemID:  defaultString(input.ArchiveSystemID, input.ExecSystemID),
		ArchiveSystemDir: input.ArchiveSystemDir,
		DtnSystemID:      input.DtnSystemID,
		DtnMountPoint:    input.DtnMountPoint,

		NodeCount:    defaultInt(input.NodeCount, 1),
		CoresPerNode: defaultInt(input.CoresPerNode, 1),
		MemoryMB:     defaultInt(input.MemoryMB, 100),
		MaxMinutes:   defaultInt(input.MaxMinutes, 10),

		FileInputs:            input.FileInputs,
		ParameterSet:          input.ParameterSet,
		ExecSystemConstraints: input.ExecSystemConstraints,
		Subscriptions:         input.Subscriptions,

		RemoteQueue:     input.RemoteQueue,
		Visible:         true,
		CreatedBy:       input.Owner,
		CreatedByTenant: input.Tenant,
	}

	// Directory assignment happens exactly once, here. Workers never derive
	// paths on their own.
	if job.ExecSystemDir == "" {
		job.ExecSystemDir = fmt.Sprintf("/scratch/%s/talon/%s", job.Owner, job.UUID)
	}
	if job.ArchiveSystemDir == "" {
		job.ArchiveSystemDir = fmt.Sprintf("/archive/%s/talon/%s", job.Owner, job.UUID)
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("db insert failed: %w", err)
	}

	// Cache write failures are not fatal, the DB row is authoritative.
	if err := s.cache.Put(ctx, util.GetJobKey(job.UUID.String()), job, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Str("uuid", job.UUID.String()).Msg("unable to add job to cache")
	}

	if err := s.queue.Publish(ctx, queue.JobDispatch, []byte(job.UUID.String())); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("publishing dispatch event failed: %w", err)
	}

	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}

	job := &model.Job{}
	err := s.cache.Get(ctx, util.GetJobKey(id), job)
	if err == nil {
		return job, nil
	}

	job, err = s.repo.GetJobByUUID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve job %s from db: %w", id, err)
	}

	if err := s.cache.Put(ctx, util.GetJobKey(id), job, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Msg("unable to add job to cache")
	}
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context, tenant string, limit int) ([]*model.Job, error) {
	jobs, err := s.repo.ListJobs(ctx, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve jobs from db: %w", err)
	}
	return jobs, nil
}

func (s *JobService) CancelJob(ctx context.Context, id, sender string) error {
	return s.sendCommand(ctx, id, sender, model.CommandCancel)
}

func (s *JobService) PauseJob(ctx context.Context, id, sender string) error {
	return s.sendCommand(ctx, id, sender, model.CommandPause)
}

// ResumeJob returns a paused or blocked job to the dispatch stream. The job
// restarts from Pending; completed stages detect their prior work and no-op.
func (s *JobService) ResumeJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	from := lifecycle.Status(job.Status)
	if from != lifecycle.StatusPaused && from != lifecycle.StatusBlocked {
		return fmt.Errorf("job %s is %s, only paused or blocked jobs can be resumed", id, job.Status)
	}

	if err := s.repo.UpdateStatus(ctx, id, lifecycle.StatusPending, "resumed by user"); err != nil {
		return err
	}
	s.evict(ctx, id)

	return s.queue.Publish(ctx, queue.JobDispatch, []byte(id))
}

// sendCommand broadcasts an asynchronous command for the job. Delivery is at
// most once: only the worker currently executing the job acts on it, so a
// command for a job no worker holds (already Blocked, or waiting for
// dispatch) is dropped even though the request was accepted.
func (s *JobService) sendCommand(ctx context.Context, id, sender, cmdType string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if lifecycle.IsTerminal(lifecycle.Status(job.Status)) {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}

	cmd := model.AsyncCommand{
		Type:          cmdType,
		JobUUID:       job.UUID,
		Tenant:        job.Tenant,
		Sender:        sender,
		CorrelationID: uuid.NewString(),
		Created:       time.Now().UTC(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	logger.Log.Info().
		Str("uuid", id).
		Str("command", cmdType).
		Str("correlationId", cmd.CorrelationID).
		Msg("broadcasting job command")

	return s.queue.Publish(ctx, queue.JobCommand, data)
}

func (s *JobService) evict(ctx context.Context, id string) {
	// Overwrite with a fresh read so stale state does not linger for a TTL.
	job, err := s.repo.GetJobByUUID(ctx, id)
	if err != nil {
		return
	}
	if err := s.cache.Put(ctx, util.GetJobKey(id), job, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Msg("unable to refresh job in cache")
	}
}

func validateSubmit(input *model.SubmitRequest) error {
	if input.Tenant == "" {
		return fmt.Errorf("tenant cannot be empty")
	}
	if input.Owner == "" {
		return fmt.Errorf("owner cannot be empty")
	}
	if input.ExecSystemID == "" {
		return fmt.Errorf("execSystemId cannot be empty")
	}
	if input.NodeCount < 0 || input.CoresPerNode < 0 || input.MemoryMB < 0 || input.MaxMinutes < 0 {
		return fmt.Errorf("resource requests cannot be negative")
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
