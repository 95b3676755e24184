package recovery

import (
	"fmt"
	"strings"
)

// InvalidInputError reports a missing required field on a recovery message or
// record. Validation fails fast; an invalid record is never persisted.
type InvalidInputError struct {
	Field string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("recovery input missing required field %q", e.Field)
}

// ExpiredError is raised when the policy reports no further attempts are
// warranted. The message enumerates every blocked job so operators can see
// exactly which jobs will fail.
type ExpiredError struct {
	TenantID      string
	ConditionCode string
	Reason        string
	JobUUIDs      []string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("recovery for tenant %s condition %s expired (%s); blocked jobs: %s",
		e.TenantID, e.ConditionCode, e.Reason, strings.Join(e.JobUUIDs, ", "))
}
