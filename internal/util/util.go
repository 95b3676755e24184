package util

import (
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetJobKey(jobUUID string) string {
	return fmt.Sprintf("job:%s", jobUUID)
}

func GetArchivePath(tenant, jobUUID string) string {
	return fmt.Sprintf("archives/%s/%s/manifest.json", tenant, jobUUID)
}

func GetThrottleKey(tenant, kind string) string {
	return fmt.Sprintf("%s|%s", tenant, kind)
}

func GetSystemKey(tenant, systemID string) string {
	return fmt.Sprintf("system:%s:%s", tenant, systemID)
}
