package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/throttle"
	"github.com/osgrid/talon/internal/util"
)

// TenantHeader identifies the calling tenant on every request.
const TenantHeader = "X-Talon-Tenant"

// Limiter rejects request bursts per tenant with 429 once the tenant's
// sliding window fills. Requests without a tenant header share one bucket.
type Limiter struct {
	requests *throttle.Map
}

func NewLimiter(windowSeconds, limit, sweepSeconds int) *Limiter {
	return &Limiter{
		requests: throttle.NewMap("http-requests", windowSeconds, limit, sweepSeconds),
	}
}

func (l *Limiter) Stop() {
	l.requests.Stop()
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			tenant = "anonymous"
		}

		if !l.requests.Record(util.GetThrottleKey(tenant, "http")) {
			if job_tracer.ThrottleRejections != nil {
				job_tracer.ThrottleRejections.Add(r.Context(), 1,
					metric.WithAttributes(attribute.String("tenant", tenant)))
			}
			http.Error(w, "request rate exceeded, retry later", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
