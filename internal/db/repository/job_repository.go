package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/util"
	"github.com/osgrid/talon/model"
)

// ErrJobNotFound is returned when no job row exists for a uuid. Callers use
// it to tell a genuinely missing job from a transient query failure.
var ErrJobNotFound = errors.New("job not found")

// jobColumns is the scan order shared by every job query.
const jobColumns = `
	uuid, tenant, owner, status, job_type, exec_class,
	created, ended, last_updated,
	exec_system_id, exec_system_dir, archive_system_id, archive_system_dir,
	dtn_system_id, dtn_mount_point,
	node_count, cores_per_node, memory_mb, max_minutes,
	file_inputs, parameter_set, exec_system_constraints, subscriptions,
	remote_job_id, remote_outcome, remote_queue, remote_started, remote_ended,
	remote_submit_retries, remote_checks_success, remote_checks_failed,
	blocked_count, visible, created_by, created_by_tenant, last_message`

// activeStatuses limits the quota counting queries to jobs actually holding
// resources: suspended and terminal jobs do not count.
var activeStatuses = []string{
	string(lifecycle.StatusPending),
	string(lifecycle.StatusProcessingInputs),
	string(lifecycle.StatusStagingInputs),
	string(lifecycle.StatusStagingJob),
	string(lifecycle.StatusSubmittingJob),
	string(lifecycle.StatusQueued),
	string(lifecycle.StatusRunning),
	string(lifecycle.StatusArchiving),
}

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.UUID, &j.Tenant, &j.Owner, &j.Status, &j.JobType, &j.ExecClass,
		&j.Created, &j.Ended, &j.LastUpdated,
		&j.ExecSystemID, &j.ExecSystemDir, &j.ArchiveSystemID, &j.ArchiveSystemDir,
		&j.DtnSystemID, &j.DtnMountPoint,
		&j.NodeCount, &j.CoresPerNode, &j.MemoryMB, &j.MaxMinutes,
		&j.FileInputs, &j.ParameterSet, &j.ExecSystemConstraints, &j.Subscriptions,
		&j.RemoteJobID, &j.RemoteOutcome, &j.RemoteQueue, &j.RemoteStarted, &j.RemoteEnded,
		&j.RemoteSubmitRetries, &j.RemoteChecksSuccess, &j.RemoteChecksFailed,
		&j.BlockedCount, &j.Visible, &j.CreatedBy, &j.CreatedByTenant, &j.LastMessage,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_uuid", job.UUID.String())),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		        $19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36)
	`,
		job.UUID, job.Tenant, job.Owner, job.Status, job.JobType, job.ExecClass,
		job.Created, job.Ended, job.LastUpdated,
		job.ExecSystemID, job.ExecSystemDir, job.ArchiveSystemID, job.ArchiveSystemDir,
		job.DtnSystemID, job.DtnMountPoint,
		job.NodeCount, job.CoresPerNode, job.MemoryMB, job.MaxMinutes,
		job.FileInputs, job.ParameterSet, job.ExecSystemConstraints, job.Subscriptions,
		job.RemoteJobID, job.RemoteOutcome, job.RemoteQueue, job.RemoteStarted, job.RemoteEnded,
		job.RemoteSubmitRetries, job.RemoteChecksSuccess, job.RemoteChecksFailed,
		job.BlockedCount, job.Visible, job.CreatedBy, job.CreatedByTenant, job.LastMessage,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) GetJobByUUID(ctx context.Context, jobUUID string) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE uuid = $1`, jobUUID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListJobs(ctx context.Context, tenant string, limit int) ([]*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListJobs")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 25
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant = $1 AND visible
		ORDER BY created DESC
		LIMIT $2`, tenant, limit)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

// UpdateStatus persists a job status change together with its audit message
// and writes a job event row, in one transaction. Terminal statuses also
// stamp the ended time.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobUUID string, status lifecycle.Status, message string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateStatus")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.String("job_uuid", jobUUID),
			attribute.String("status", string(status))),
	)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var ended *time.Time
	if lifecycle.IsTerminal(status) {
		ended = &now
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    last_message = $3,
		    last_updated = $4,
		    ended = COALESCE($5, ended)
		WHERE uuid = $1
	`, jobUUID, string(status), message, now, ended)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		err := fmt.Errorf("job %s not found", jobUUID)
		util.RecordSpanError(span, err)
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_events (job_uuid, event, detail, created)
		VALUES ($1, $2, $3, $4)
	`, jobUUID, "STATUS_"+string(status), message, now)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	return tx.Commit(ctx)
}

// RecordJobEvent writes an audit marker against a job.
func (r *JobRepository) RecordJobEvent(ctx context.Context, jobUUID, event, detail string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO job_events (job_uuid, event, detail, created)
		VALUES ($1, $2, $3, $4)
	`, jobUUID, event, detail, time.Now().UTC())
	return err
}

// UpdateRemoteInfo persists the remote-execution bookkeeping fields.
func (r *JobRepository) UpdateRemoteInfo(ctx context.Context, job *model.Job) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateRemoteInfo")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET remote_job_id = $2,
		    remote_outcome = $3,
		    remote_queue = $4,
		    remote_started = $5,
		    remote_ended = $6,
		    remote_submit_retries = $7,
		    remote_checks_success = $8,
		    remote_checks_failed = $9,
		    last_updated = $10
		WHERE uuid = $1
	`, job.UUID,
		job.RemoteJobID, job.RemoteOutcome, job.RemoteQueue,
		job.RemoteStarted, job.RemoteEnded,
		job.RemoteSubmitRetries, job.RemoteChecksSuccess, job.RemoteChecksFailed,
		time.Now().UTC())
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

func (r *JobRepository) IncrementBlockedCount(ctx context.Context, jobUUID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET blocked_count = blocked_count + 1, last_updated = $2
		WHERE uuid = $1
	`, jobUUID, time.Now().UTC())
	return err
}

func (r *JobRepository) CountActiveSystemJobs(ctx context.Context, tenant, systemID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE tenant = $1 AND exec_system_id = $2 AND status = ANY($3)
	`, tenant, systemID, activeStatuses).Scan(&n)
	return n, err
}

func (r *JobRepository) CountActiveSystemUserJobs(ctx context.Context, tenant, systemID, owner string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE tenant = $1 AND exec_system_id = $2 AND owner = $3 AND status = ANY($4)
	`, tenant, systemID, owner, activeStatuses).Scan(&n)
	return n, err
}

func (r *JobRepository) CountActiveQueueJobs(ctx context.Context, tenant, systemID, queue string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE tenant = $1 AND exec_system_id = $2 AND remote_queue = $3 AND status = ANY($4)
	`, tenant, systemID, queue, activeStatuses).Scan(&n)
	return n, err
}

func (r *JobRepository) CountActiveQueueUserJobs(ctx context.Context, tenant, systemID, queue, owner string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE tenant = $1 AND exec_system_id = $2 AND remote_queue = $3 AND owner = $4 AND status = ANY($5)
	`, tenant, systemID, queue, owner, activeStatuses).Scan(&n)
	return n, err
}
