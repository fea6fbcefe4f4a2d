// Package logging provides a chained structured-field builder that sits
// on top of github.com/go-logr/logr, the way the teacher's
// pkg/shared/logging built one on top of logrus. The CORE's modules and
// engines receive a logr.Logger from their ModuleContext and attach
// Fields to it via WithValues before emitting a log line.
package logging

import "time"

// Fields is a chainable map of structured log fields.
type Fields map[string]interface{}

// NewFields returns an empty Fields ready for chaining.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToKeysAndValues flattens Fields into the alternating key/value slice
// logr.Logger.WithValues and .Info expect.
func (f Fields) ToKeysAndValues() []interface{} {
	kv := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return kv
}

// ToLogrus is kept for parity with call sites still threading a
// map[string]interface{} through to a logrus.Entry.WithFields.
func (f Fields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// DatabaseFields builds the standard field set for a storage operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the standard field set for an HTTP exchange.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields builds the standard field set for a runbook/workflow operation.
func WorkflowFields(operation, workflowID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", workflowID)
}

// DedupFields builds the standard field set for a dedup engine operation.
func DedupFields(operation, fingerprint string) Fields {
	return NewFields().Component("dedup").Operation(operation).Resource("fingerprint", fingerprint)
}

// EscalationFields builds the standard field set for an escalation engine operation.
func EscalationFields(operation, incidentID string) Fields {
	return NewFields().Component("escalation").Operation(operation).Resource("incident", incidentID)
}

// AnomalyFields builds the standard field set for an anomaly detection operation.
func AnomalyFields(operation, metricID string) Fields {
	return NewFields().Component("anomaly").Operation(operation).Resource("metric", metricID)
}

// ApprovalFields builds the standard field set for an approval gate operation.
func ApprovalFields(operation, requestID string) Fields {
	return NewFields().Component("approval").Operation(operation).Resource("request", requestID)
}

// RunbookFields builds the standard field set for a runbook orchestrator operation.
func RunbookFields(operation, executionID string) Fields {
	return NewFields().Component("runbook").Operation(operation).Resource("execution", executionID)
}

// AIFields builds the standard field set for an AI/model operation.
func AIFields(operation, model string) Fields {
	f := NewFields().Component("ai").Operation(operation)
	f["model"] = model
	return f
}

// MetricsFields builds the standard field set for a metrics emission.
func MetricsFields(operation, metricName string, value float64) Fields {
	f := NewFields().Component("metrics").Operation(operation)
	f["metric_name"] = metricName
	f["value"] = value
	return f
}

// SecurityFields builds the standard field set for a security-relevant event.
func SecurityFields(operation, subject string) Fields {
	f := NewFields().Component("security").Operation(operation)
	f["subject"] = subject
	return f
}

// PerformanceFields builds the standard field set for a timed operation outcome.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(duration)
	f["success"] = success
	return f
}
