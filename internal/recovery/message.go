package recovery

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// Condition codes describing why jobs are blocked.
const (
	CondSystemUnavailable  = "SYSTEM_UNAVAILABLE"
	CondQuotaExceeded      = "QUOTA_EXCEEDED"
	CondConnectionFailure  = "CONNECTION_FAILURE"
	CondServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// RecoverMsg is the inbound message that blocks a job on a recoverable
// condition. Jobs carrying the same tenant and tester hash aggregate under
// one recovery record.
type RecoverMsg struct {
	TenantID         string            `json:"tenantId"`
	ConditionCode    string            `json:"conditionCode"`
	TesterType       TesterType        `json:"testerType"`
	TesterParameters map[string]string `json:"testerParameters"`
	TesterHash       string            `json:"testerHash"`
	PolicyType       PolicyType        `json:"policyType"`
	PolicyParameters map[string]string `json:"policyParameters"`
	JobUUID          string            `json:"jobUuid"`
	StatusMessage    string            `json:"statusMessage"`
	SuccessStatus    string            `json:"successStatus"`
}

// Validate checks every field a recovery record construction depends on.
func (m *RecoverMsg) Validate() error {
	switch {
	case m.TenantID == "":
		return &InvalidInputError{Field: "tenantId"}
	case m.ConditionCode == "":
		return &InvalidInputError{Field: "conditionCode"}
	case m.TesterType == "":
		return &InvalidInputError{Field: "testerType"}
	case m.TesterParameters == nil:
		return &InvalidInputError{Field: "testerParameters"}
	case m.TesterHash == "":
		return &InvalidInputError{Field: "testerHash"}
	case m.PolicyType == "":
		return &InvalidInputError{Field: "policyType"}
	case m.PolicyParameters == nil:
		return &InvalidInputError{Field: "policyParameters"}
	case m.JobUUID == "":
		return &InvalidInputError{Field: "jobUuid"}
	case m.SuccessStatus == "":
		return &InvalidInputError{Field: "successStatus"}
	}
	return nil
}

// ComputeTesterHash fingerprints a blocking condition: same tester type and
// parameters hash identically regardless of map iteration order.
func ComputeTesterHash(testerType TesterType, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(testerType))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, params[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
