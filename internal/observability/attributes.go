// Package observability provides OpenTelemetry metrics exported to Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrSuccess   = "success"
	attrJobType   = "job_type"
	attrJobStatus = "job_status"
	attrProvider  = "provider"
	attrOperation = "operation"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func providerAttr(name string) attribute.KeyValue {
	return attribute.String(attrProvider, name)
}

func operationAttr(op string) attribute.KeyValue {
	return attribute.String(attrOperation, op)
}

// normalizePath replaces dynamic path segments with placeholders.
//
//	/v1/jobs/abc123        -> /v1/jobs/{jobId}
//	/v1/users/42/jobs      -> /v1/users/{userId}/jobs
func normalizePath(path string) string {
	const jobsPrefix = "/v1/jobs/"
	if len(path) > len(jobsPrefix) && strings.HasPrefix(path, jobsPrefix) {
		return "/v1/jobs/{jobId}"
	}

	const usersPrefix = "/v1/users/"
	if rest, ok := strings.CutPrefix(path, usersPrefix); ok && rest != "" {
		if _, tail, found := strings.Cut(rest, "/"); found {
			return usersPrefix + "{userId}/" + tail
		}
		return usersPrefix + "{userId}"
	}
	return path
}
