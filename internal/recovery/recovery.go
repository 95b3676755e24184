package recovery

import (
	"sync/atomic"
	"time"
)

// JobBlocked is one job's membership in a recovery record.
type JobBlocked struct {
	ID            int64     `db:"id" json:"id"`
	RecoveryID    int64     `db:"recovery_id" json:"recoveryId"`
	Created       time.Time `db:"created" json:"created"`
	SuccessStatus string    `db:"success_status" json:"successStatus"`
	JobUUID       string    `db:"job_uuid" json:"jobUuid"`
	StatusMessage string    `db:"status_message" json:"statusMessage"`
}

// JobRecovery aggregates every job blocked on one recoverable condition.
// Identity is (TenantID, TesterHash): exactly one record exists per pair and
// callers must look up by that key before constructing a new one.
type JobRecovery struct {
	// id is written once by the persistence layer and read by many goroutines
	// afterwards.
	id atomic.Int64

	TenantID         string            `db:"tenant_id"`
	ConditionCode    string            `db:"condition_code"`
	TesterType       TesterType        `db:"tester_type"`
	TesterParameters map[string]string `db:"tester_parameters"`
	TesterHash       string            `db:"tester_hash"`
	PolicyType       PolicyType        `db:"policy_type"`
	PolicyParameters map[string]string `db:"policy_parameters"`
	Created          time.Time         `db:"created"`
	LastUpdated      time.Time         `db:"last_updated"`
	NextAttempt      time.Time         `db:"next_attempt"`
	NumAttempts      int               `db:"num_attempts"`

	// minWait floors every recalculated wait so rapid successive failures
	// cannot cause tight retry loops.
	minWait time.Duration

	policy  Policy
	blocked []*JobBlocked
}

// NewJobRecovery builds a recovery record from a validated message and blocks
// the message's job under it. The policy is consulted immediately for the
// initial next-attempt time; when it reports no wait the condition is
// inherently unrecoverable and NextAttempt stays zero; callers must run
// IncrementAttempts before first real use in that case.
func NewJobRecovery(msg *RecoverMsg, minWait time.Duration) (*JobRecovery, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &JobRecovery{
		TenantID:         msg.TenantID,
		ConditionCode:    msg.ConditionCode,
		TesterType:       msg.TesterType,
		TesterParameters: msg.TesterParameters,
		TesterHash:       msg.TesterHash,
		PolicyType:       msg.PolicyType,
		PolicyParameters: msg.PolicyParameters,
		Created:          now,
		LastUpdated:      now,
		minWait:          minWait,
	}
	r.blocked = append(r.blocked, &JobBlocked{
		Created:       now,
		SuccessStatus: msg.SuccessStatus,
		JobUUID:       msg.JobUUID,
		StatusMessage: msg.StatusMessage,
	})

	p, err := r.Policy()
	if err != nil {
		return nil, err
	}
	if w := p.MillisToWait(0); w != nil {
		r.NextAttempt = now.Add(time.Duration(*w) * time.Millisecond)
	}
	return r, nil
}

// SetMinWait installs the minimum wait floor, used when rehydrating a record
// from the database.
func (r *JobRecovery) SetMinWait(d time.Duration) { r.minWait = d }

// ID returns the persistence-assigned id, 0 until published.
func (r *JobRecovery) ID() int64 { return r.id.Load() }

// SetID is called once by the persistence layer after insert.
func (r *JobRecovery) SetID(id int64) { r.id.Store(id) }

// Policy lazily constructs the back-off policy from the stored parameters.
func (r *JobRecovery) Policy() (Policy, error) {
	if r.policy == nil {
		p, err := NewPolicy(r.PolicyType, r.PolicyParameters)
		if err != nil {
			return nil, err
		}
		r.policy = p
	}
	return r.policy, nil
}

// IncrementAttempts records a failed attempt and recalculates NextAttempt.
// When the policy reports no further wait the recovery has permanently
// expired and an ExpiredError enumerating every blocked job is returned; the
// caller must fail all of them.
//
// The configured minimum wait is a floor only: a larger policy wait is used
// as-is, never capped.
func (r *JobRecovery) IncrementAttempts() error {
	p, err := r.Policy()
	if err != nil {
		return err
	}

	r.NumAttempts++
	now := time.Now().UTC()
	r.LastUpdated = now

	w := p.MillisToWait(r.NumAttempts)
	if w == nil {
		return &ExpiredError{
			TenantID:      r.TenantID,
			ConditionCode: r.ConditionCode,
			Reason:        p.ReasonCode(),
			JobUUIDs:      r.BlockedJobUUIDs(),
		}
	}

	wait := time.Duration(*w) * time.Millisecond
	if wait < r.minWait {
		wait = r.minWait
	}
	r.NextAttempt = now.Add(wait)
	return nil
}

// AddBlockedJob appends a job to the recovery. Callers synchronize access and
// guarantee the same job is never added twice; no deduplication happens here.
func (r *JobRecovery) AddBlockedJob(jb *JobBlocked) {
	r.blocked = append(r.blocked, jb)
	r.LastUpdated = time.Now().UTC()
}

// SetBlockedJobs replaces the transient blocked list, used when rehydrating a
// record from the database.
func (r *JobRecovery) SetBlockedJobs(jbs []*JobBlocked) {
	r.blocked = jbs
}

func (r *JobRecovery) BlockedJobs() []*JobBlocked { return r.blocked }

func (r *JobRecovery) BlockedJobUUIDs() []string {
	uuids := make([]string, 0, len(r.blocked))
	for _, jb := range r.blocked {
		uuids = append(uuids, jb.JobUUID)
	}
	return uuids
}

// Same reports whether other is the same logical recovery. The tester hash is
// expected to embed tenant context already; tenant is compared explicitly as
// defense in depth.
func (r *JobRecovery) Same(other *JobRecovery) bool {
	if other == nil {
		return false
	}
	return r.TenantID == other.TenantID && r.TesterHash == other.TesterHash
}

// Key is the composite lookup key used by the persistence layer.
func (r *JobRecovery) Key() string {
	return r.TenantID + "|" + r.TesterHash
}

// Compare orders recoveries for servicing: equal-hash records compare equal,
// otherwise earlier NextAttempt first. Assumes same-tenant comparisons; see
// DESIGN.md for the cross-tenant caveat.
func (r *JobRecovery) Compare(other *JobRecovery) int {
	if r.Same(other) {
		return 0
	}
	switch {
	case r.NextAttempt.Before(other.NextAttempt):
		return -1
	case r.NextAttempt.After(other.NextAttempt):
		return 1
	default:
		return 0
	}
}

// Validate rejects a record missing any required field or with no blocked
// jobs; a recovery aggregating zero jobs is meaningless and must never be
// persisted.
func (r *JobRecovery) Validate() error {
	switch {
	case r.TenantID == "":
		return &InvalidInputError{Field: "tenantId"}
	case r.ConditionCode == "":
		return &InvalidInputError{Field: "conditionCode"}
	case r.TesterType == "":
		return &InvalidInputError{Field: "testerType"}
	case r.TesterParameters == nil:
		return &InvalidInputError{Field: "testerParameters"}
	case r.TesterHash == "":
		return &InvalidInputError{Field: "testerHash"}
	case r.PolicyType == "":
		return &InvalidInputError{Field: "policyType"}
	case r.PolicyParameters == nil:
		return &InvalidInputError{Field: "policyParameters"}
	case r.Created.IsZero():
		return &InvalidInputError{Field: "created"}
	case r.LastUpdated.IsZero():
		return &InvalidInputError{Field: "lastUpdated"}
	case r.NextAttempt.IsZero():
		return &InvalidInputError{Field: "nextAttempt"}
	case len(r.blocked) == 0:
		return &InvalidInputError{Field: "blockedJobs"}
	}
	return nil
}
