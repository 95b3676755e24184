package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/db/repository"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/internal/quota"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/internal/storage"
	"github.com/osgrid/talon/internal/throttle"
	"github.com/osgrid/talon/internal/util"
	"github.com/osgrid/talon/model"
)

const (
	dispatchConsumer = "JOB_DISPATCH"
	monitorInterval  = 2 * time.Second
)

// Worker drives dispatched jobs through their lifecycle stages. One Worker
// runs a pool of goroutines; each goroutine owns one job at a time through an
// ExecutionContext registered for async command delivery.
type Worker struct {
	repo    JobStore
	recRepo RecoveryStore
	storage storage.Storage
	queue   queue.Queue
	checker *quota.Checker
	remote  RemoteClient
	killer  Killer

	starts   *throttle.Map
	contexts cmap.ConcurrentMap[string, *ExecutionContext]

	workerCount int
	minWait     time.Duration

	wg          sync.WaitGroup
	unsubscribe func()
}

func New(
	repo JobStore,
	recRepo RecoveryStore,
	st storage.Storage,
	q queue.Queue,
	checker *quota.Checker,
	remote RemoteClient,
	wcfg *config.WorkerConfig,
	tcfg *config.ThrottleConfig,
) *Worker {
	return &Worker{
		repo:        repo,
		recRepo:     recRepo,
		storage:     st,
		queue:       q,
		checker:     checker,
		remote:      remote,
		killer:      NewQueueKiller(q),
		starts:      throttle.NewMap("job-starts", tcfg.WINDOW_SECONDS, tcfg.LIMIT, tcfg.SWEEP_SECONDS),
		contexts:    cmap.New[*ExecutionContext](),
		workerCount: wcfg.WORKER_COUNT,
		minWait:     time.Duration(wcfg.MIN_RECOVERY_WAIT_SECONDS) * time.Second,
	}
}

// Start subscribes to the dispatch stream and the command broadcast and
// launches the worker pool. It returns once the pool is running.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.AddConsumer(queue.EventStream, dispatchConsumer); err != nil {
		return fmt.Errorf("unable to add dispatch consumer: %w", err)
	}
	sub, err := w.queue.SubscribeEvent(queue.JobDispatch, dispatchConsumer)
	if err != nil {
		return fmt.Errorf("unable to subscribe to dispatch events: %w", err)
	}

	unsub, err := w.queue.SubscribeBroadcast(queue.JobCommand, w.handleCommand)
	if err != nil {
		return fmt.Errorf("unable to subscribe to command broadcast: %w", err)
	}
	w.unsubscribe = unsub

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.fetchLoop(ctx, sub)
	}
	return nil
}

// Stop waits for in-flight jobs to finish their current stage loop.
func (w *Worker) Stop() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.wg.Wait()
	w.starts.Stop()
}

func (w *Worker) fetchLoop(ctx context.Context, sub queue.Subscription) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(ctx, 1, 250*time.Millisecond)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			w.handleDispatch(ctx, msg)
		}
	}
}

// handleCommand routes a broadcast command to the execution context that
// owns the job, if this process owns it.
func (w *Worker) handleCommand(data []byte) {
	var cmd model.AsyncCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		logger.Log.Error().Err(err).Msg("undecodable async command dropped")
		return
	}
	if ec, ok := w.contexts.Get(cmd.JobUUID.String()); ok {
		ec.Post(&cmd)
		return
	}
	// Commands are broadcast and only the owning worker acts; a process that
	// does not hold the job drops the command.
	logger.Log.Debug().
		Str("uuid", cmd.JobUUID.String()).
		Str("command", cmd.Type).
		Str("correlationId", cmd.CorrelationID).
		Msg("command for a job not running in this process, dropped")
}

func (w *Worker) handleDispatch(ctx context.Context, msg queue.Msg) {
	id := string(msg.Data())

	job, err := w.repo.GetJobByUUID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.Log.Error().Str("uuid", id).Msg("dispatched job not found, dropping")
			_ = msg.Ack()
			return
		}
		// Transient load failure: keep the message for redelivery.
		logger.Log.Error().Err(err).Str("uuid", id).Msg("unable to load dispatched job, retrying")
		_ = msg.Nak()
		return
	}

	if lifecycle.IsTerminal(lifecycle.Status(job.Status)) {
		_ = msg.Ack()
		return
	}

	// Per-tenant start throttling. A rejected start is redelivered by the
	// stream after its backoff rather than dropped.
	if !w.starts.Record(util.GetThrottleKey(job.Tenant, "start")) {
		if job_tracer.ThrottleRejections != nil {
			job_tracer.ThrottleRejections.Add(ctx, 1,
				metric.WithAttributes(attribute.String("tenant", job.Tenant)))
		}
		log := logger.ForJob(job.Tenant, id)
		log.Warn().Msg("tenant start throttle exceeded, delaying job")
		_ = msg.Nak()
		return
	}

	ec := NewExecutionContext(job, w.repo, w.killer)
	w.contexts.Set(id, ec)
	defer w.contexts.Remove(id)

	w.run(ctx, ec)
	_ = msg.Ack()
}

// run drives one job through its remaining stages. Any error has already
// been translated into a persisted status by the time run returns.
func (w *Worker) run(ctx context.Context, ec *ExecutionContext) {
	job := ec.Job()
	log := logger.ForJob(job.Tenant, job.UUID.String())

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Worker/Run")
	defer span.End()

	// A cancel that raced the dispatch wins before any work starts.
	if err := ec.CheckForCancelOnly(ctx); err != nil {
		return
	}

	err := w.pipeline(ctx, ec)
	switch {
	case err == nil:
		log.Info().Msg("job finished")
	case errors.Is(err, errCommandInterrupt):
		// Status already persisted by the command path.
	default:
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			// A cancel that arrived mid-stage wins over recovery: the job is
			// cancelled instead of parked under a recovery record.
			if cerr := ec.CheckForCancelOnly(ctx); cerr != nil {
				return
			}
			w.block(ctx, ec, blocked)
			return
		}
		util.RecordSpanError(span, err)
		log.Error().Err(err).Msg("job failed")
		if uerr := w.repo.UpdateStatus(ctx, job.UUID.String(), lifecycle.StatusFailed, err.Error()); uerr != nil {
			log.Error().Err(uerr).Msg("unable to persist failed status")
		}
	}
}

type stage struct {
	status lifecycle.Status
	fn     func(context.Context, *ExecutionContext) error
}

func (w *Worker) pipeline(ctx context.Context, ec *ExecutionContext) error {
	stages := []stage{
		{lifecycle.StatusProcessingInputs, w.processInputs},
		{lifecycle.StatusStagingInputs, w.stageInputs},
		{lifecycle.StatusStagingJob, w.stageJob},
		{lifecycle.StatusSubmittingJob, w.submit},
		{lifecycle.StatusQueued, w.monitor},
		{lifecycle.StatusArchiving, w.archive},
	}

	for _, st := range stages {
		if err := ec.CheckForCommand(ctx); err != nil {
			return err
		}
		if err := w.advance(ctx, ec, st.status, ""); err != nil {
			return err
		}
		if err := st.fn(ctx, ec); err != nil {
			return err
		}
	}

	return w.advance(ctx, ec, lifecycle.StatusFinished, "job completed successfully")
}

// advance validates and persists a status transition. Self-loops are legal
// for the active statuses, so re-entering the current stage after a resume
// is a no-op rather than an error.
func (w *Worker) advance(ctx context.Context, ec *ExecutionContext, to lifecycle.Status, message string) error {
	job := ec.Job()
	from := lifecycle.Status(job.Status)

	next, err := lifecycle.Transition(ctx, from, to)
	if err != nil {
		return err
	}
	if next == from && from == to {
		return nil
	}

	if message == "" {
		message = fmt.Sprintf("entering %s", to)
	}
	if err := w.repo.UpdateStatus(ctx, job.UUID.String(), to, message); err != nil {
		return err
	}
	job.Status = string(to)
	job.LastMessage = message
	return nil
}

func (w *Worker) processInputs(ctx context.Context, ec *ExecutionContext) error {
	return w.remote.ProcessInputs(ctx, ec.Job())
}

func (w *Worker) stageInputs(ctx context.Context, ec *ExecutionContext) error {
	return w.remote.StageInputs(ctx, ec.Job())
}

func (w *Worker) stageJob(ctx context.Context, ec *ExecutionContext) error {
	return w.remote.StageJob(ctx, ec.Job())
}

// submit runs the quota gate and hands the job to the remote scheduler.
func (w *Worker) submit(ctx context.Context, ec *ExecutionContext) error {
	job := ec.Job()

	if err := w.checker.Check(ctx, job); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			return &BlockedError{
				ConditionCode: recovery.CondQuotaExceeded,
				TesterType:    recovery.TesterQuota,
				TesterParameters: map[string]string{
					"tenant":   job.Tenant,
					"systemId": job.ExecSystemID,
					"owner":    job.Owner,
					"queue":    job.RemoteQueue,
				},
				PolicyType:       recovery.PolicyStepwise,
				PolicyParameters: map[string]string{},
				Message:          exceeded.Error(),
			}
		}
		return err
	}

	remoteID, remoteQueue, err := w.remote.Submit(ctx, job)
	if err != nil {
		job.RemoteSubmitRetries++
		return err
	}

	job.RemoteJobID = remoteID
	job.RemoteQueue = remoteQueue
	return w.repo.UpdateRemoteInfo(ctx, job)
}

// monitor polls the remote scheduler until the job leaves it. The job holds
// Queued until the first RUNNING observation; a fast job may go straight
// from submission to running, which the lifecycle permits as a bypass.
func (w *Worker) monitor(ctx context.Context, ec *ExecutionContext) error {
	job := ec.Job()

	for {
		if err := ec.CheckForCommand(ctx); err != nil {
			return err
		}

		state, err := w.remote.Status(ctx, job)
		if err != nil {
			job.RemoteChecksFailed++
			if uerr := w.repo.UpdateRemoteInfo(ctx, job); uerr != nil {
				return uerr
			}
			return err
		}
		job.RemoteChecksSuccess++

		switch state {
		case RemoteRunning:
			if lifecycle.Status(job.Status) != lifecycle.StatusRunning {
				now := time.Now().UTC()
				job.RemoteStarted = &now
				if err := w.advance(ctx, ec, lifecycle.StatusRunning, "remote job is running"); err != nil {
					return err
				}
			}
		case RemoteDone, RemoteFailed:
			now := time.Now().UTC()
			job.RemoteEnded = &now
			job.RemoteOutcome = string(state)
			if err := w.repo.UpdateRemoteInfo(ctx, job); err != nil {
				return err
			}
			if state == RemoteFailed {
				return fmt.Errorf("remote job %s failed", job.RemoteJobID)
			}
			// Ensure the Running observation is recorded even for jobs that
			// finished between polls.
			if lifecycle.Status(job.Status) == lifecycle.StatusQueued {
				if err := w.advance(ctx, ec, lifecycle.StatusRunning, "remote job completed"); err != nil {
					return err
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(monitorInterval):
		}
	}
}

// archive writes the job's output manifest to object storage.
func (w *Worker) archive(ctx context.Context, ec *ExecutionContext) error {
	job := ec.Job()

	manifest, err := w.remote.Archive(ctx, job)
	if err != nil {
		return err
	}
	return w.storage.Upload(ctx, util.GetArchivePath(job.Tenant, job.UUID.String()), manifest)
}

// block parks the job under its recovery record, joining an existing record
// for the same tenant and condition when one exists.
func (w *Worker) block(ctx context.Context, ec *ExecutionContext, berr *BlockedError) {
	job := ec.Job()
	log := logger.ForJob(job.Tenant, job.UUID.String())

	msg := &recovery.RecoverMsg{
		TenantID:         job.Tenant,
		ConditionCode:    berr.ConditionCode,
		TesterType:       berr.TesterType,
		TesterParameters: berr.TesterParameters,
		TesterHash:       recovery.ComputeTesterHash(berr.TesterType, berr.TesterParameters),
		PolicyType:       berr.PolicyType,
		PolicyParameters: berr.PolicyParameters,
		JobUUID:          job.UUID.String(),
		StatusMessage:    berr.Message,
		SuccessStatus:    string(lifecycle.StatusPending),
	}

	if err := w.repo.UpdateStatus(ctx, job.UUID.String(), lifecycle.StatusBlocked, berr.Message); err != nil {
		log.Error().Err(err).Msg("unable to persist blocked status")
		return
	}
	if err := w.repo.IncrementBlockedCount(ctx, job.UUID.String()); err != nil {
		log.Error().Err(err).Msg("unable to increment blocked count")
	}

	rec, err := w.recRepo.GetRecovery(ctx, msg.TenantID, msg.TesterHash)
	switch {
	case err == nil:
		w.joinRecovery(ctx, rec, msg, log)

	case errors.Is(err, repository.ErrRecoveryNotFound):
		rec, rerr := recovery.NewJobRecovery(msg, w.minWait)
		if rerr != nil {
			log.Error().Err(rerr).Msg("unable to build recovery record")
			return
		}
		cerr := w.recRepo.CreateRecovery(ctx, rec)
		switch {
		case cerr == nil:
			log.Info().Str("condition", msg.ConditionCode).Int64("recovery", rec.ID()).Msg("job blocked under new recovery")
		case errors.Is(cerr, repository.ErrRecoveryExists):
			// Another worker created the record between the lookup and the
			// insert; join the winner instead.
			winner, gerr := w.recRepo.GetRecovery(ctx, msg.TenantID, msg.TesterHash)
			if gerr != nil {
				log.Error().Err(gerr).Msg("unable to load winning recovery record")
				return
			}
			w.joinRecovery(ctx, winner, msg, log)
		default:
			log.Error().Err(cerr).Msg("unable to persist recovery record")
		}

	default:
		log.Error().Err(err).Msg("unable to look up recovery record")
	}
}

func (w *Worker) joinRecovery(ctx context.Context, rec *recovery.JobRecovery, msg *recovery.RecoverMsg, log zerolog.Logger) {
	jb := &recovery.JobBlocked{
		RecoveryID:    rec.ID(),
		Created:       time.Now().UTC(),
		SuccessStatus: msg.SuccessStatus,
		JobUUID:       msg.JobUUID,
		StatusMessage: msg.StatusMessage,
	}
	if err := w.recRepo.AddBlockedJob(ctx, rec.ID(), jb); err != nil {
		log.Error().Err(err).Msg("unable to join existing recovery")
		return
	}
	log.Info().Str("condition", msg.ConditionCode).Int64("recovery", rec.ID()).Msg("job joined existing recovery")
}
