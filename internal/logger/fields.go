package logger

// Standard field names for structured logging.
const (
	FieldRunID      = "run_id"
	FieldSource     = "source"
	FieldStage      = "stage"
	FieldCount      = "count"
	FieldTotalCount = "total_count"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldKey        = "key"
	FieldBucket     = "bucket"
	FieldURL        = "url"
	FieldLine       = "line"
	FieldLocator    = "locator"
	FieldVersion    = "version"
	FieldSize       = "size"
	FieldReused     = "reused"
	FieldCached     = "cached"
	FieldConformed  = "conformed"
)
