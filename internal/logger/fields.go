package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldContentID identifies the submitted content being matched
	FieldContentID = "content_id"

	// FieldSignalType is the signal type name (pdq, video_md5)
	FieldSignalType = "signal_type"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the bulk-load source identifier
	FieldSource = "source"

	// FieldBank is the bank name
	FieldBank = "bank"
)

// Metric fields, attached per log line through the Entry API.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldGeneration is a bank store generation
	FieldGeneration = "generation"
)
