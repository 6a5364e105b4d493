// Package observability provides metrics instruments and their attributes.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrProvider = "provider"
	attrFrom     = "from"
	attrTo       = "to"
	attrOutcome  = "outcome"
	attrEndpoint = "endpoint"
	attrOp       = "op"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

// statusAttr groups status codes (2xx, 4xx, 5xx) to bound cardinality.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

func fromAttr(state string) attribute.KeyValue { return attribute.String(attrFrom, state) }
func toAttr(state string) attribute.KeyValue   { return attribute.String(attrTo, state) }

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func endpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String(attrEndpoint, endpoint)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// idRoutes maps a route prefix to the placeholder used for the id segment.
var idRoutes = []struct {
	prefix      string
	placeholder string
}{
	{"/v1/jobs/", "{jobId}"},
	{"/v1/collections/", "{collectionId}"},
	{"/v1/providers/", "{providerId}"},
	{"/compute/lookup/", "{jobId}"},
}

// normalizePath replaces id segments with placeholders, keeping any sub-resource.
// /v1/jobs/abc/follow -> /v1/jobs/{jobId}/follow
func normalizePath(path string) string {
	for _, r := range idRoutes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" {
			continue
		}
		if _, sub, found := strings.Cut(rest, "/"); found {
			return r.prefix + r.placeholder + "/" + sub
		}
		return r.prefix + r.placeholder
	}
	return path
}
