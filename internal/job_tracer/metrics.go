package job_tracer

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Counters for the orchestration hot paths. Instruments are created once at
// first use; creation errors leave the counter nil and callers skip recording.
var (
	QuotaRejections    metric.Int64Counter
	ThrottleRejections metric.Int64Counter
	RecoveryAttempts   metric.Int64Counter
	RecoveryExpired    metric.Int64Counter
)

func InitMeters() {
	meter := otel.Meter("jobmetrics")

	QuotaRejections, _ = meter.Int64Counter("talon.quota.rejections",
		metric.WithDescription("jobs rejected by a quota dimension"))
	ThrottleRejections, _ = meter.Int64Counter("talon.throttle.rejections",
		metric.WithDescription("events rejected by a throttle window"))
	RecoveryAttempts, _ = meter.Int64Counter("talon.recovery.attempts",
		metric.WithDescription("recovery retry attempts"))
	RecoveryExpired, _ = meter.Int64Counter("talon.recovery.expired",
		metric.WithDescription("recoveries that exhausted their policy"))
}
