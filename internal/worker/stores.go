package worker

import (
	"context"

	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/model"
)

// JobStore is the slice of job persistence the worker needs. Satisfied by
// repository.JobRepository.
type JobStore interface {
	GetJobByUUID(ctx context.Context, jobUUID string) (*model.Job, error)
	UpdateStatus(ctx context.Context, jobUUID string, status lifecycle.Status, message string) error
	UpdateRemoteInfo(ctx context.Context, job *model.Job) error
	IncrementBlockedCount(ctx context.Context, jobUUID string) error
}

// RecoveryStore is the slice of recovery persistence the worker and reaper
// need. Satisfied by repository.RecoveryRepository.
type RecoveryStore interface {
	GetRecovery(ctx context.Context, tenant, testerHash string) (*recovery.JobRecovery, error)
	CreateRecovery(ctx context.Context, rec *recovery.JobRecovery) error
	AddBlockedJob(ctx context.Context, recoveryID int64, jb *recovery.JobBlocked) error
	UpdateAttempts(ctx context.Context, rec *recovery.JobRecovery) error
	ListDue(ctx context.Context, limit int) ([]*recovery.JobRecovery, error)
	DeleteRecovery(ctx context.Context, recoveryID int64) error
}
