package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMsg() *RecoverMsg {
	return &RecoverMsg{
		TenantID:         "designsafe",
		ConditionCode:    CondSystemUnavailable,
		TesterType:       TesterDefault,
		TesterParameters: map[string]string{"systemId": "stampede3"},
		TesterHash:       ComputeTesterHash(TesterDefault, map[string]string{"systemId": "stampede3"}),
		PolicyType:       PolicyConstant,
		PolicyParameters: map[string]string{"waitMillis": "1000", "maxTries": "3"},
		JobUUID:          "6f1c9b2e-0000-4000-8000-000000000001",
		StatusMessage:    "exec system unreachable",
		SuccessStatus:    "SUBMITTING_JOB",
	}
}

func TestNewJobRecovery(t *testing.T) {
	r, err := NewJobRecovery(testMsg(), 0)
	require.NoError(t, err)

	require.Equal(t, "designsafe", r.TenantID)
	require.Len(t, r.BlockedJobs(), 1)
	require.Equal(t, "SUBMITTING_JOB", r.BlockedJobs()[0].SuccessStatus)
	require.False(t, r.Created.IsZero())
	require.False(t, r.LastUpdated.IsZero())
	require.False(t, r.NextAttempt.IsZero(), "policy wait must set the initial next attempt")
	require.True(t, r.NextAttempt.After(time.Now().UTC().Add(500*time.Millisecond)))
	require.NoError(t, r.Validate())
}

func TestNewJobRecoveryRejectsInvalidMessage(t *testing.T) {
	msg := testMsg()
	msg.TesterHash = ""

	_, err := NewJobRecovery(msg, 0)
	var iie *InvalidInputError
	require.ErrorAs(t, err, &iie)
	require.Equal(t, "testerHash", iie.Field)
}

func TestRecoveryIdentity(t *testing.T) {
	a, err := NewJobRecovery(testMsg(), 0)
	require.NoError(t, err)

	// Same tenant + hash but different everything else.
	msg := testMsg()
	msg.JobUUID = "6f1c9b2e-0000-4000-8000-000000000002"
	msg.StatusMessage = "still unreachable"
	b, err := NewJobRecovery(msg, 0)
	require.NoError(t, err)
	require.NoError(t, b.IncrementAttempts())

	require.True(t, a.Same(b))
	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, 0, a.Compare(b), "equal-hash records order as equal")

	// Different hash breaks identity even for the same tenant.
	msg = testMsg()
	msg.TesterParameters = map[string]string{"systemId": "frontera"}
	msg.TesterHash = ComputeTesterHash(TesterDefault, msg.TesterParameters)
	c, err := NewJobRecovery(msg, 0)
	require.NoError(t, err)
	require.False(t, a.Same(c))

	// Same hash, different tenant: defense-in-depth check fails it.
	msg = testMsg()
	msg.TenantID = "portal"
	d, err := NewJobRecovery(msg, 0)
	require.NoError(t, err)
	require.False(t, a.Same(d))
}

func TestRecoveryCompareByNextAttempt(t *testing.T) {
	early, err := NewJobRecovery(testMsg(), 0)
	require.NoError(t, err)

	msg := testMsg()
	msg.TesterParameters = map[string]string{"systemId": "frontera"}
	msg.TesterHash = ComputeTesterHash(TesterDefault, msg.TesterParameters)
	msg.PolicyParameters = map[string]string{"waitMillis": "600000", "maxTries": "3"}
	late, err := NewJobRecovery(msg, 0)
	require.NoError(t, err)

	require.Equal(t, -1, early.Compare(late))
	require.Equal(t, 1, late.Compare(early))
}

func TestIncrementAttemptsExpires(t *testing.T) {
	// maxTries=3: construction consumes the attempt-0 wait, the first two
	// increments reschedule, the third expires.
	r, err := NewJobRecovery(testMsg(), 0)
	require.NoError(t, err)

	require.NoError(t, r.IncrementAttempts())
	require.NoError(t, r.IncrementAttempts())

	// A second job joins before the final attempt.
	r.AddBlockedJob(&JobBlocked{
		Created:       time.Now().UTC(),
		SuccessStatus: "SUBMITTING_JOB",
		JobUUID:       "6f1c9b2e-0000-4000-8000-00000000000f",
		StatusMessage: "exec system unreachable",
	})

	err = r.IncrementAttempts()
	var exp *ExpiredError
	require.ErrorAs(t, err, &exp)
	require.Equal(t, 3, r.NumAttempts)

	// The message enumerates every blocked job for operator visibility.
	require.Contains(t, err.Error(), "6f1c9b2e-0000-4000-8000-000000000001")
	require.Contains(t, err.Error(), "6f1c9b2e-0000-4000-8000-00000000000f")
}

func TestIncrementAttemptsFloorsWait(t *testing.T) {
	msg := testMsg()
	msg.PolicyParameters = map[string]string{"waitMillis": "10", "maxTries": "100"}
	r, err := NewJobRecovery(msg, 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, r.IncrementAttempts())
	require.True(t, r.NextAttempt.After(time.Now().UTC().Add(29*time.Second)),
		"a tiny policy wait must be floored")

	// A wait above the floor is used as-is, never capped.
	msg = testMsg()
	msg.PolicyParameters = map[string]string{"waitMillis": "600000", "maxTries": "100"}
	r, err = NewJobRecovery(msg, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, r.IncrementAttempts())
	require.True(t, r.NextAttempt.After(time.Now().UTC().Add(9*time.Minute)))
}

func TestValidateRejectsIncompleteRecord(t *testing.T) {
	tests := []struct {
		name  string
		field string
		mut   func(r *JobRecovery)
	}{
		{"missing tenant", "tenantId", func(r *JobRecovery) { r.TenantID = "" }},
		{"missing condition", "conditionCode", func(r *JobRecovery) { r.ConditionCode = "" }},
		{"missing tester type", "testerType", func(r *JobRecovery) { r.TesterType = "" }},
		{"missing tester params", "testerParameters", func(r *JobRecovery) { r.TesterParameters = nil }},
		{"missing tester hash", "testerHash", func(r *JobRecovery) { r.TesterHash = "" }},
		{"missing policy type", "policyType", func(r *JobRecovery) { r.PolicyType = "" }},
		{"missing policy params", "policyParameters", func(r *JobRecovery) { r.PolicyParameters = nil }},
		{"zero created", "created", func(r *JobRecovery) { r.Created = time.Time{} }},
		{"zero last updated", "lastUpdated", func(r *JobRecovery) { r.LastUpdated = time.Time{} }},
		{"zero next attempt", "nextAttempt", func(r *JobRecovery) { r.NextAttempt = time.Time{} }},
		{"no blocked jobs", "blockedJobs", func(r *JobRecovery) { r.SetBlockedJobs(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewJobRecovery(testMsg(), 0)
			require.NoError(t, err)
			tt.mut(r)

			err = r.Validate()
			var iie *InvalidInputError
			require.ErrorAs(t, err, &iie)
			require.Equal(t, tt.field, iie.Field)
		})
	}
}

func TestUnrecoverableConstructionLeavesNextAttemptUnset(t *testing.T) {
	msg := testMsg()
	msg.PolicyParameters = map[string]string{"waitMillis": "1000", "maxTries": "0"}

	r, err := NewJobRecovery(msg, 0)
	require.NoError(t, err)
	require.True(t, r.NextAttempt.IsZero())

	// First real use must run IncrementAttempts, which expires immediately.
	err = r.IncrementAttempts()
	var exp *ExpiredError
	require.ErrorAs(t, err, &exp)
}

func TestComputeTesterHashDeterministic(t *testing.T) {
	a := ComputeTesterHash(TesterSystemAvailable, map[string]string{"systemId": "s1", "tenant": "t1"})
	b := ComputeTesterHash(TesterSystemAvailable, map[string]string{"tenant": "t1", "systemId": "s1"})
	require.Equal(t, a, b, "hash must not depend on map order")

	c := ComputeTesterHash(TesterSystemAvailable, map[string]string{"systemId": "s2", "tenant": "t1"})
	require.NotEqual(t, a, c)
	d := ComputeTesterHash(TesterDefault, map[string]string{"systemId": "s1", "tenant": "t1"})
	require.NotEqual(t, a, d)
}

func TestIDPublishOnce(t *testing.T) {
	r, err := NewJobRecovery(testMsg(), 0)
	require.NoError(t, err)
	require.Zero(t, r.ID())

	r.SetID(42)
	require.EqualValues(t, 42, r.ID())
}

func TestExpiredErrorIsMatchable(t *testing.T) {
	err := error(&ExpiredError{TenantID: "t", ConditionCode: "c", Reason: "r", JobUUIDs: []string{"u"}})
	var exp *ExpiredError
	require.True(t, errors.As(err, &exp))
}
