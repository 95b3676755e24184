package recovery

import (
	"context"
	"fmt"
)

// TesterType selects the predicate that decides whether a blocking condition
// has cleared.
type TesterType string

const (
	TesterDefault         TesterType = "DEFAULT"
	TesterSystemAvailable TesterType = "SYSTEM_AVAILABLE"
	TesterQuota           TesterType = "QUOTA"
)

// Tester evaluates whether the condition that blocked a recovery's jobs has
// cleared. A false result leaves the jobs blocked for another attempt.
type Tester interface {
	CanUnblock(ctx context.Context) (bool, error)
	Type() TesterType
}

// SystemsClient answers availability questions about execution systems. It is
// an injected handle, never a shared singleton.
type SystemsClient interface {
	IsAvailable(ctx context.Context, tenant, systemID string) (bool, error)
}

// QuotaProbe re-evaluates the quota dimension that originally blocked a job.
type QuotaProbe interface {
	WouldPass(ctx context.Context, tenant, systemID, owner, queue string) (bool, error)
}

// TesterDeps carries the collaborators testers may need.
type TesterDeps struct {
	Systems SystemsClient
	Quota   QuotaProbe
}

// NewTester builds a tester of the given type from the recovery's tester
// parameters.
func NewTester(ttype TesterType, tenant string, params map[string]string, deps TesterDeps) (Tester, error) {
	switch ttype {
	case TesterDefault:
		return defaultTester{}, nil
	case TesterSystemAvailable:
		if deps.Systems == nil {
			return nil, fmt.Errorf("tester %s requires a systems client", ttype)
		}
		return &systemTester{tenant: tenant, systemID: params["systemId"], systems: deps.Systems}, nil
	case TesterQuota:
		if deps.Quota == nil {
			return nil, fmt.Errorf("tester %s requires a quota probe", ttype)
		}
		return &quotaTester{
			tenant:   tenant,
			systemID: params["systemId"],
			owner:    params["owner"],
			queue:    params["queue"],
			quota:    deps.Quota,
		}, nil
	default:
		return nil, fmt.Errorf("unknown recovery tester type %q", ttype)
	}
}

// defaultTester presumes the condition transient: every attempt is allowed to
// retry and only the policy bounds the recovery's life.
type defaultTester struct{}

func (defaultTester) CanUnblock(context.Context) (bool, error) { return true, nil }
func (defaultTester) Type() TesterType                         { return TesterDefault }

type systemTester struct {
	tenant   string
	systemID string
	systems  SystemsClient
}

func (t *systemTester) CanUnblock(ctx context.Context) (bool, error) {
	return t.systems.IsAvailable(ctx, t.tenant, t.systemID)
}

func (t *systemTester) Type() TesterType { return TesterSystemAvailable }

type quotaTester struct {
	tenant   string
	systemID string
	owner    string
	queue    string
	quota    QuotaProbe
}

func (t *quotaTester) CanUnblock(ctx context.Context) (bool, error) {
	return t.quota.WouldPass(ctx, t.tenant, t.systemID, t.owner, t.queue)
}

func (t *quotaTester) Type() TesterType { return TesterQuota }
