package worker

import (
	"context"

	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/model"
)

// ExecutionContext owns one in-flight job for the duration of its pipeline
// run. All command interception and status bookkeeping for the job funnels
// through it.
type ExecutionContext struct {
	job    *model.Job
	repo   JobStore
	killer Killer
	mbox   Mailbox
}

func NewExecutionContext(job *model.Job, repo JobStore, killer Killer) *ExecutionContext {
	return &ExecutionContext{
		job:    job,
		repo:   repo,
		killer: killer,
	}
}

func (ec *ExecutionContext) Job() *model.Job { return ec.job }

func (ec *ExecutionContext) Post(cmd *model.AsyncCommand) { ec.mbox.Post(cmd) }

// CheckForCommand drains the mailbox and acts on whatever arrived. Status
// requests only log; cancel and pause force the matching status transition,
// attempt a best-effort remote kill, and return errCommandInterrupt so the
// stage loop unwinds without touching the job again.
func (ec *ExecutionContext) CheckForCommand(ctx context.Context) error {
	cmd := ec.mbox.Take()
	if cmd == nil {
		return nil
	}
	return ec.apply(ctx, cmd)
}

// CheckForCancelOnly honors a pending cancel before the pipeline invests any
// work in the job. Other command types stay pending for the stage loop. The
// mailbox is only consumed when the peeked cancel is still current, so a
// newer command posted mid-check is never lost.
func (ec *ExecutionContext) CheckForCancelOnly(ctx context.Context) error {
	cmd := ec.mbox.Peek()
	if cmd == nil || cmd.Type != model.CommandCancel {
		return nil
	}
	if !ec.mbox.TakeIf(cmd) {
		return nil
	}
	return ec.apply(ctx, cmd)
}

func (ec *ExecutionContext) apply(ctx context.Context, cmd *model.AsyncCommand) error {
	log := logger.ForJob(ec.job.Tenant, ec.job.UUID.String())

	switch cmd.Type {
	case model.CommandStatus:
		log.Info().
			Str("status", ec.job.Status).
			Str("correlationId", cmd.CorrelationID).
			Str("sender", cmd.Sender).
			Msg("status requested")
		return nil

	case model.CommandCancel:
		return ec.interrupt(ctx, cmd, lifecycle.StatusCancelled, "cancelled by "+cmd.Sender)

	case model.CommandPause:
		return ec.interrupt(ctx, cmd, lifecycle.StatusPaused, "paused by "+cmd.Sender)

	default:
		log.Warn().Str("command", cmd.Type).Msg("unknown async command ignored")
		return nil
	}
}

func (ec *ExecutionContext) interrupt(ctx context.Context, cmd *model.AsyncCommand, to lifecycle.Status, message string) error {
	log := logger.ForJob(ec.job.Tenant, ec.job.UUID.String())

	from := lifecycle.Status(ec.job.Status)
	if _, err := lifecycle.Transition(ctx, from, to); err != nil {
		log.Warn().Err(err).Str("command", cmd.Type).Msg("command arrived in a state that cannot honor it")
		return nil
	}

	// Status must be durable before anything else happens. If the write
	// fails the command is dropped and the job carries on.
	if err := ec.repo.UpdateStatus(ctx, ec.job.UUID.String(), to, message); err != nil {
		log.Error().Err(err).Str("command", cmd.Type).Msg("unable to persist command transition, dropping command")
		return nil
	}
	ec.job.Status = string(to)
	ec.job.LastMessage = message

	if err := ec.killer.Kill(ctx, ec.job); err != nil {
		log.Warn().Err(err).Msg("remote kill failed, continuing")
	}

	log.Info().
		Str("command", cmd.Type).
		Str("correlationId", cmd.CorrelationID).
		Msg("job interrupted by async command")
	return errCommandInterrupt
}
