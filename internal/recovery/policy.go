package recovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PolicyType selects the back-off calculator for a recovery record.
type PolicyType string

const (
	PolicyStepwise    PolicyType = "STEPWISE"
	PolicyConstant    PolicyType = "CONSTANT"
	PolicyExponential PolicyType = "EXPONENTIAL"
)

// Policy decides how long a blocked recovery waits before its next attempt.
// MillisToWait returns nil when the policy has no further attempts to give,
// at which point the recovery is expired and every blocked job fails.
type Policy interface {
	// MillisToWait returns the wait before the attempt following numAttempts
	// completed attempts. Callers invoke it once per attempt, in order.
	MillisToWait(numAttempts int) *int64
	// ReasonCode explains an expiration for operator diagnostics.
	ReasonCode() string
	Type() PolicyType
}

// NewPolicy builds a policy of the given type from its string parameters.
func NewPolicy(ptype PolicyType, params map[string]string) (Policy, error) {
	switch ptype {
	case PolicyConstant:
		return newConstantPolicy(params)
	case PolicyStepwise:
		return newStepwisePolicy(params)
	case PolicyExponential:
		return newExponentialPolicy(params)
	default:
		return nil, fmt.Errorf("unknown recovery policy type %q", ptype)
	}
}

func paramInt(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("policy parameter %s: %v", key, err)
	}
	return n, nil
}

// constantPolicy waits a fixed interval for a bounded number of tries.
type constantPolicy struct {
	waitMillis int64
	maxTries   int
}

func newConstantPolicy(params map[string]string) (*constantPolicy, error) {
	wait, err := paramInt(params, "waitMillis", 60_000)
	if err != nil {
		return nil, err
	}
	tries, err := paramInt(params, "maxTries", 10)
	if err != nil {
		return nil, err
	}
	return &constantPolicy{waitMillis: int64(wait), maxTries: tries}, nil
}

func (p *constantPolicy) MillisToWait(numAttempts int) *int64 {
	if numAttempts >= p.maxTries {
		return nil
	}
	w := p.waitMillis
	return &w
}

func (p *constantPolicy) ReasonCode() string { return "MAX_TRIES_EXCEEDED" }
func (p *constantPolicy) Type() PolicyType   { return PolicyConstant }

// step is tries attempts, each waiting waitMillis.
type step struct {
	tries      int
	waitMillis int64
}

// stepwisePolicy walks an ordered schedule of steps and expires past the last
// one. The "steps" parameter is "tries:waitMillis" pairs joined by commas.
type stepwisePolicy struct {
	steps []step
}

var defaultSteps = []step{
	{tries: 5, waitMillis: int64(time.Minute / time.Millisecond)},
	{tries: 10, waitMillis: int64(5 * time.Minute / time.Millisecond)},
	{tries: 24, waitMillis: int64(time.Hour / time.Millisecond)},
}

func newStepwisePolicy(params map[string]string) (*stepwisePolicy, error) {
	raw, ok := params["steps"]
	if !ok || raw == "" {
		return &stepwisePolicy{steps: defaultSteps}, nil
	}

	var steps []step
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed stepwise step %q", pair)
		}
		tries, err := strconv.Atoi(parts[0])
		if err != nil || tries <= 0 {
			return nil, fmt.Errorf("malformed stepwise tries %q", parts[0])
		}
		wait, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || wait < 0 {
			return nil, fmt.Errorf("malformed stepwise wait %q", parts[1])
		}
		steps = append(steps, step{tries: tries, waitMillis: wait})
	}
	return &stepwisePolicy{steps: steps}, nil
}

func (p *stepwisePolicy) MillisToWait(numAttempts int) *int64 {
	cumulative := 0
	for _, s := range p.steps {
		cumulative += s.tries
		if numAttempts < cumulative {
			w := s.waitMillis
			return &w
		}
	}
	return nil
}

func (p *stepwisePolicy) ReasonCode() string { return "STEPS_EXHAUSTED" }
func (p *stepwisePolicy) Type() PolicyType   { return PolicyStepwise }

// exponentialPolicy grows the wait geometrically up to a ceiling, for a
// bounded number of tries. Randomization is disabled so the schedule is
// reproducible across restarts.
type exponentialPolicy struct {
	backoff     *backoff.ExponentialBackOff
	maxTries    int
	lastAttempt int
}

func newExponentialPolicy(params map[string]string) (*exponentialPolicy, error) {
	initial, err := paramInt(params, "initialMillis", 30_000)
	if err != nil {
		return nil, err
	}
	ceiling, err := paramInt(params, "maxIntervalMillis", int(time.Hour/time.Millisecond))
	if err != nil {
		return nil, err
	}
	tries, err := paramInt(params, "maxTries", 20)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(initial) * time.Millisecond
	b.MaxInterval = time.Duration(ceiling) * time.Millisecond
	b.RandomizationFactor = 0
	b.Reset()

	return &exponentialPolicy{backoff: b, maxTries: tries, lastAttempt: -1}, nil
}

func (p *exponentialPolicy) MillisToWait(numAttempts int) *int64 {
	if numAttempts >= p.maxTries {
		return nil
	}
	if numAttempts <= p.lastAttempt {
		// Replayed from the start, e.g. a record reloaded from the database.
		p.backoff.Reset()
		p.lastAttempt = -1
	}
	var d time.Duration
	for p.lastAttempt < numAttempts {
		d = p.backoff.NextBackOff()
		p.lastAttempt++
	}
	w := d.Milliseconds()
	return &w
}

func (p *exponentialPolicy) ReasonCode() string { return "MAX_TRIES_EXCEEDED" }
func (p *exponentialPolicy) Type() PolicyType   { return PolicyExponential }
