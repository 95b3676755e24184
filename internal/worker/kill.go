package worker

import (
	"context"
	"encoding/json"

	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/model"
)

// Killer asks the remote side to terminate a job's process. Kill is best
// effort: the caller has already recorded the terminal status and proceeds
// regardless of the outcome here.
type Killer interface {
	Kill(ctx context.Context, job *model.Job) error
}

type killRequest struct {
	JobUUID      string `json:"jobUuid"`
	Tenant       string `json:"tenant"`
	ExecSystemID string `json:"execSystemId"`
	RemoteJobID  string `json:"remoteJobId"`
}

type queueKiller struct {
	q queue.Queue
}

func NewQueueKiller(q queue.Queue) Killer {
	return &queueKiller{q: q}
}

func (k *queueKiller) Kill(ctx context.Context, job *model.Job) error {
	if job.RemoteJobID == "" {
		// Never reached the remote scheduler, nothing to kill.
		return nil
	}
	data, err := json.Marshal(killRequest{
		JobUUID:      job.UUID.String(),
		Tenant:       job.Tenant,
		ExecSystemID: job.ExecSystemID,
		RemoteJobID:  job.RemoteJobID,
	})
	if err != nil {
		return err
	}
	return k.q.Publish(ctx, queue.JobKill, data)
}
