package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/osgrid/talon/internal/cache"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/util"
	"github.com/osgrid/talon/model"
)

// RemoteState is the scheduler-side view of a submitted job.
type RemoteState string

const (
	RemotePending RemoteState = "PENDING"
	RemoteQueued  RemoteState = "QUEUED"
	RemoteRunning RemoteState = "RUNNING"
	RemoteDone    RemoteState = "DONE"
	RemoteFailed  RemoteState = "FAILED"
)

// RemoteClient performs the per-stage interactions with a job's execution
// system. Implementations return *BlockedError for conditions worth waiting
// out (system down, connection refused) and plain errors for fatal ones.
type RemoteClient interface {
	ProcessInputs(ctx context.Context, job *model.Job) error
	StageInputs(ctx context.Context, job *model.Job) error
	StageJob(ctx context.Context, job *model.Job) error
	// Submit hands the job to the remote scheduler and returns its remote id
	// and the queue it landed in.
	Submit(ctx context.Context, job *model.Job) (remoteID, remoteQueue string, err error)
	Status(ctx context.Context, job *model.Job) (RemoteState, error)
	// Archive collects the job's outputs and returns the archive manifest.
	Archive(ctx context.Context, job *model.Job) ([]byte, error)
}

// CacheSystemsClient answers system availability from operator-maintained
// cache entries. A system is available unless its key is present and marked
// down; a cache miss therefore fails open.
type CacheSystemsClient struct {
	cache cache.Cache
}

func NewCacheSystemsClient(c cache.Cache) *CacheSystemsClient {
	return &CacheSystemsClient{cache: c}
}

func (s *CacheSystemsClient) IsAvailable(ctx context.Context, tenant, systemID string) (bool, error) {
	var state string
	err := s.cache.Get(ctx, util.GetSystemKey(tenant, systemID), &state)
	if err != nil {
		return true, nil
	}
	return state != "DOWN", nil
}

var _ recovery.SystemsClient = (*CacheSystemsClient)(nil)

// LoopbackClient fulfils every remote interaction locally. It backs sites
// that run without a DTN executor and keeps the pipeline exercisable end to
// end in development.
type LoopbackClient struct {
	systems *CacheSystemsClient
}

func NewLoopbackClient(systems *CacheSystemsClient) *LoopbackClient {
	return &LoopbackClient{systems: systems}
}

func (c *LoopbackClient) checkSystem(ctx context.Context, job *model.Job) error {
	ok, err := c.systems.IsAvailable(ctx, job.Tenant, job.ExecSystemID)
	if err != nil {
		return err
	}
	if !ok {
		return &BlockedError{
			ConditionCode: recovery.CondSystemUnavailable,
			TesterType:    recovery.TesterSystemAvailable,
			TesterParameters: map[string]string{
				"tenant":   job.Tenant,
				"systemId": job.ExecSystemID,
			},
			PolicyType:       recovery.PolicyStepwise,
			PolicyParameters: map[string]string{},
			Message:          fmt.Sprintf("system %s is unavailable", job.ExecSystemID),
		}
	}
	return nil
}

func (c *LoopbackClient) ProcessInputs(ctx context.Context, job *model.Job) error {
	return c.checkSystem(ctx, job)
}

func (c *LoopbackClient) StageInputs(ctx context.Context, job *model.Job) error {
	return c.checkSystem(ctx, job)
}

func (c *LoopbackClient) StageJob(ctx context.Context, job *model.Job) error {
	return c.checkSystem(ctx, job)
}

func (c *LoopbackClient) Submit(ctx context.Context, job *model.Job) (string, string, error) {
	if err := c.checkSystem(ctx, job); err != nil {
		return "", "", err
	}
	q := job.RemoteQueue
	if q == "" {
		q = "default"
	}
	return uuid.NewString(), q, nil
}

func (c *LoopbackClient) Status(ctx context.Context, job *model.Job) (RemoteState, error) {
	return RemoteDone, nil
}

func (c *LoopbackClient) Archive(ctx context.Context, job *model.Job) ([]byte, error) {
	manifest := map[string]any{
		"jobUuid":      job.UUID.String(),
		"tenant":       job.Tenant,
		"owner":        job.Owner,
		"execSystem":   job.ExecSystemID,
		"execDir":      job.ExecSystemDir,
		"archiveDir":   job.ArchiveSystemDir,
		"remoteJobId":  job.RemoteJobID,
		"archivedAt":   time.Now().UTC().Format(time.RFC3339),
		"outputs":      []string{},
		"outputsBytes": 0,
	}
	return json.Marshal(manifest)
}
