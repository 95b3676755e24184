package worker

import (
	"fmt"

	"github.com/osgrid/talon/internal/recovery"
)

// BlockedError marks a stage failure the recovery subsystem can wait out
// instead of failing the job. The embedded tester and policy describe how to
// probe the condition and how long to keep trying.
type BlockedError struct {
	ConditionCode    string
	TesterType       recovery.TesterType
	TesterParameters map[string]string
	PolicyType       recovery.PolicyType
	PolicyParameters map[string]string
	Message          string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("job blocked on %s: %s", e.ConditionCode, e.Message)
}

// errCommandInterrupt unwinds the stage loop after an async cancel or pause
// already forced the job's status. It is control flow, never reported as a
// job failure.
var errCommandInterrupt = fmt.Errorf("job interrupted by async command")
