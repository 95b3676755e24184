package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/util"
)

// ErrRecoveryNotFound is returned when no recovery exists for a composite
// (tenant, testerHash) key.
var ErrRecoveryNotFound = errors.New("recovery record not found")

// ErrRecoveryExists is returned when an insert loses the race against a
// concurrent worker blocking on the same condition. The caller re-fetches the
// winning record and joins it. Relies on the unique index over
// (tenant_id, tester_hash) on job_recoveries.
var ErrRecoveryExists = errors.New("recovery record already exists")

// uniqueViolation is the postgres error code for a unique index conflict.
const uniqueViolation = "23505"

type RecoveryRepository struct {
	db *db.DB
}

func NewRecoveryRepository(db *db.DB) *RecoveryRepository {
	return &RecoveryRepository{db: db}
}

// GetRecovery looks a record up by its composite key and rehydrates its
// blocked-job list.
func (r *RecoveryRepository) GetRecovery(ctx context.Context, tenant, testerHash string) (*recovery.JobRecovery, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetRecovery")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, condition_code,
		       tester_type, tester_parameters, tester_hash,
		       policy_type, policy_parameters,
		       created, last_updated, next_attempt, num_attempts
		FROM job_recoveries
		WHERE tenant_id = $1 AND tester_hash = $2
	`, tenant, testerHash)

	rec, err := scanRecovery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecoveryNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}

	if err := r.loadBlocked(ctx, rec); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return rec, nil
}

// CreateRecovery validates and inserts a new record with its blocked jobs in
// one transaction, then publishes the assigned id on the record.
func (r *RecoveryRepository) CreateRecovery(ctx context.Context, rec *recovery.JobRecovery) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateRecovery")
	defer span.End()

	if err := rec.Validate(); err != nil {
		return err
	}

	testerParams, err := json.Marshal(rec.TesterParameters)
	if err != nil {
		return err
	}
	policyParams, err := json.Marshal(rec.PolicyParameters)
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO job_recoveries (
			tenant_id, condition_code,
			tester_type, tester_parameters, tester_hash,
			policy_type, policy_parameters,
			created, last_updated, next_attempt, num_attempts
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, rec.TenantID, rec.ConditionCode,
		string(rec.TesterType), testerParams, rec.TesterHash,
		string(rec.PolicyType), policyParams,
		rec.Created, rec.LastUpdated, rec.NextAttempt, rec.NumAttempts,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrRecoveryExists
		}
		util.RecordSpanError(span, err)
		return err
	}

	for _, jb := range rec.BlockedJobs() {
		jb.RecoveryID = id
		err = tx.QueryRow(ctx, `
			INSERT INTO job_blocked (recovery_id, created, success_status, job_uuid, status_message)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, id, jb.Created, jb.SuccessStatus, jb.JobUUID, jb.StatusMessage).Scan(&jb.ID)
		if err != nil {
			util.RecordSpanError(span, err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	rec.SetID(id)
	return nil
}

// AddBlockedJob appends one more job under an existing recovery.
func (r *RecoveryRepository) AddBlockedJob(ctx context.Context, recoveryID int64, jb *recovery.JobBlocked) error {
	jb.RecoveryID = recoveryID
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO job_blocked (recovery_id, created, success_status, job_uuid, status_message)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, recoveryID, jb.Created, jb.SuccessStatus, jb.JobUUID, jb.StatusMessage).Scan(&jb.ID)
}

// UpdateAttempts persists the attempt counter and recalculated next-attempt
// time after a failed retry.
func (r *RecoveryRepository) UpdateAttempts(ctx context.Context, rec *recovery.JobRecovery) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE job_recoveries
		SET num_attempts = $2, next_attempt = $3, last_updated = $4
		WHERE id = $1
	`, rec.ID(), rec.NumAttempts, rec.NextAttempt, rec.LastUpdated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recovery %d not found", rec.ID())
	}
	return nil
}

// ListDue returns recoveries whose next attempt has passed, earliest first,
// with blocked jobs loaded.
func (r *RecoveryRepository) ListDue(ctx context.Context, limit int) ([]*recovery.JobRecovery, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListDueRecoveries")
	defer span.End()

	if limit <= 0 {
		limit = 25
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, condition_code,
		       tester_type, tester_parameters, tester_hash,
		       policy_type, policy_parameters,
		       created, last_updated, next_attempt, num_attempts
		FROM job_recoveries
		WHERE next_attempt <= $1
		ORDER BY next_attempt ASC
		LIMIT $2
	`, time.Now().UTC(), limit)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var recs []*recovery.JobRecovery
	for rows.Next() {
		rec, err := scanRecovery(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	for _, rec := range recs {
		if err := r.loadBlocked(ctx, rec); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
	}
	return recs, nil
}

// DeleteRecovery removes a record and its blocked rows.
func (r *RecoveryRepository) DeleteRecovery(ctx context.Context, recoveryID int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM job_blocked WHERE recovery_id = $1`, recoveryID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_recoveries WHERE id = $1`, recoveryID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanRecovery(row interface{ Scan(...any) error }) (*recovery.JobRecovery, error) {
	var (
		rec                        recovery.JobRecovery
		id                         int64
		testerParams, policyParams []byte
		testerType, policyType     string
	)
	err := row.Scan(
		&id, &rec.TenantID, &rec.ConditionCode,
		&testerType, &testerParams, &rec.TesterHash,
		&policyType, &policyParams,
		&rec.Created, &rec.LastUpdated, &rec.NextAttempt, &rec.NumAttempts,
	)
	if err != nil {
		return nil, err
	}

	rec.TesterType = recovery.TesterType(testerType)
	rec.PolicyType = recovery.PolicyType(policyType)
	if err := json.Unmarshal(testerParams, &rec.TesterParameters); err != nil {
		return nil, fmt.Errorf("corrupt tester parameters for recovery %d: %w", id, err)
	}
	if err := json.Unmarshal(policyParams, &rec.PolicyParameters); err != nil {
		return nil, fmt.Errorf("corrupt policy parameters for recovery %d: %w", id, err)
	}
	rec.SetID(id)
	return &rec, nil
}

func (r *RecoveryRepository) loadBlocked(ctx context.Context, rec *recovery.JobRecovery) error {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, recovery_id, created, success_status, job_uuid, status_message
		FROM job_blocked
		WHERE recovery_id = $1
		ORDER BY id ASC
	`, rec.ID())
	if err != nil {
		return err
	}
	defer rows.Close()

	var blocked []*recovery.JobBlocked
	for rows.Next() {
		var jb recovery.JobBlocked
		if err := rows.Scan(&jb.ID, &jb.RecoveryID, &jb.Created, &jb.SuccessStatus, &jb.JobUUID, &jb.StatusMessage); err != nil {
			return err
		}
		blocked = append(blocked, &jb)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rec.SetBlockedJobs(blocked)
	return nil
}
