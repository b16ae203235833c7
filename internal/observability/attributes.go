// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrPipeline = "pipeline"
	attrJob      = "job"
	attrOutcome  = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusCodeAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func pipelineAttr(pipeline string) attribute.KeyValue {
	return attribute.String(attrPipeline, pipeline)
}

// jobAttr uses the template name, not the matrix entry identity, to keep
// cardinality bounded by the definition rather than the fan-out.
func jobAttr(template string) attribute.KeyValue {
	return attribute.String(attrJob, template)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders.
// /v1/runs/abc123 -> /v1/runs/{runId}
func normalizePath(path string) string {
	const prefix = "/v1/runs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/v1/runs/{runId}"
	}
	return path
}
