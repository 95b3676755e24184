package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is a job lifecycle state. Transitions between statuses are governed
// by the event table below; anything not in the table is illegal.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusProcessingInputs Status = "PROCESSING_INPUTS"
	StatusStagingInputs    Status = "STAGING_INPUTS"
	StatusStagingJob       Status = "STAGING_JOB"
	StatusSubmittingJob    Status = "SUBMITTING_JOB"
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusArchiving        Status = "ARCHIVING"
	StatusBlocked          Status = "BLOCKED"
	StatusPaused           Status = "PAUSED"
	StatusFailed           Status = "FAILED"
	StatusFinished         Status = "FINISHED"
	StatusCancelled        Status = "CANCELLED"
)

// activeStatuses in their natural forward order.
var activeStatuses = []Status{
	StatusPending,
	StatusProcessingInputs,
	StatusStagingInputs,
	StatusStagingJob,
	StatusSubmittingJob,
	StatusQueued,
	StatusRunning,
	StatusArchiving,
}

var terminalStatuses = []Status{StatusFailed, StatusFinished, StatusCancelled}

// InvalidTransitionError reports an undefined (state, event) pair. It always
// indicates a logic bug in the calling orchestrator and is never absorbed.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal job status transition from %s to %s", e.From, e.To)
}

// events is the single source of truth for the transition table. Each event is
// named after its target status; Src lists every status a direct edge leaves
// from. A status listed as its own source is a legal idempotent self-loop.
// Terminal statuses appear in no Src list, so they reject every event.
var events = fsm.Events{
	{Name: string(StatusPending), Dst: string(StatusPending), Src: srcs(
		StatusPending, StatusBlocked, StatusPaused)},
	{Name: string(StatusProcessingInputs), Dst: string(StatusProcessingInputs), Src: srcs(
		StatusPending, StatusProcessingInputs, StatusBlocked, StatusPaused)},
	{Name: string(StatusStagingInputs), Dst: string(StatusStagingInputs), Src: srcs(
		StatusProcessingInputs, StatusStagingInputs, StatusBlocked, StatusPaused)},
	{Name: string(StatusStagingJob), Dst: string(StatusStagingJob), Src: srcs(
		StatusStagingInputs, StatusStagingJob, StatusBlocked, StatusPaused)},
	{Name: string(StatusSubmittingJob), Dst: string(StatusSubmittingJob), Src: srcs(
		StatusStagingJob, StatusSubmittingJob, StatusBlocked, StatusPaused)},
	{Name: string(StatusQueued), Dst: string(StatusQueued), Src: srcs(
		StatusSubmittingJob, StatusQueued, StatusBlocked, StatusPaused)},
	// Systems without a batch queue submit straight into RUNNING.
	{Name: string(StatusRunning), Dst: string(StatusRunning), Src: srcs(
		StatusSubmittingJob, StatusQueued, StatusRunning, StatusBlocked, StatusPaused)},
	{Name: string(StatusArchiving), Dst: string(StatusArchiving), Src: srcs(
		StatusRunning, StatusArchiving, StatusBlocked, StatusPaused)},
	{Name: string(StatusBlocked), Dst: string(StatusBlocked), Src: srcs(
		append(activeStatuses, StatusPaused)...)},
	{Name: string(StatusPaused), Dst: string(StatusPaused), Src: srcs(
		append(activeStatuses, StatusBlocked)...)},
	{Name: string(StatusFailed), Dst: string(StatusFailed), Src: srcs(
		append(activeStatuses, StatusBlocked, StatusPaused)...)},
	{Name: string(StatusFinished), Dst: string(StatusFinished), Src: srcs(
		StatusArchiving, StatusBlocked, StatusPaused)},
	{Name: string(StatusCancelled), Dst: string(StatusCancelled), Src: srcs(
		append(activeStatuses, StatusBlocked, StatusPaused)...)},
}

// edges is derived from events once so HasTransition never constructs a
// machine.
var edges = func() map[Status]map[Status]bool {
	m := make(map[Status]map[Status]bool)
	for _, e := range events {
		for _, src := range e.Src {
			from := Status(src)
			if m[from] == nil {
				m[from] = make(map[Status]bool)
			}
			m[from][Status(e.Dst)] = true
		}
	}
	return m
}()

func srcs(ss ...Status) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}

// New returns a state machine positioned at current.
func New(current Status) *fsm.FSM {
	return fsm.NewFSM(string(current), events, fsm.Callbacks{})
}

// Transition validates the edge from -> to and returns the new status. Legal
// self-loops on active states are accepted as idempotent re-assertions.
func Transition(ctx context.Context, from, to Status) (Status, error) {
	m := New(from)
	err := m.Event(ctx, string(to))
	if err == nil {
		return to, nil
	}

	// The library reports a legal edge whose target equals the current state
	// as NoTransitionError; that is exactly our permitted self-loop.
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return to, nil
	}
	return from, &InvalidTransitionError{From: from, To: to}
}

// HasTransition reports whether a direct edge from -> to exists. Unknown
// statuses yield false, never an error.
func HasTransition(from, to Status) bool {
	return edges[from][to]
}

// IsKnown reports whether s names a defined lifecycle status.
func IsKnown(s Status) bool {
	switch s {
	case StatusPending, StatusProcessingInputs, StatusStagingInputs,
		StatusStagingJob, StatusSubmittingJob, StatusQueued, StatusRunning,
		StatusArchiving, StatusBlocked, StatusPaused, StatusFailed,
		StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no outgoing transitions.
func IsTerminal(s Status) bool {
	for _, t := range terminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// IsActive reports whether s is a non-terminal, non-suspend status.
func IsActive(s Status) bool {
	for _, a := range activeStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// All returns every defined status, actives first in forward order.
func All() []Status {
	out := make([]Status, 0, 13)
	out = append(out, activeStatuses...)
	out = append(out, StatusBlocked, StatusPaused)
	out = append(out, terminalStatuses...)
	return out
}
