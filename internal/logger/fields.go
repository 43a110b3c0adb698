package logger

// Standard field names for consistent logging.
const (
	FieldService   = "service"
	FieldOperation = "operation"
	FieldError     = "error"
	FieldUserID    = "user_id"
	FieldStudentID = "student_id"
	FieldClassID   = "class_id"
	FieldSessionID = "session_id"
	FieldFlagID    = "flag_id"
	FieldRiskScore = "risk_score"
	FieldAttempts  = "attempt_count"
	FieldReasons   = "reasons"
	FieldRequestID = "request_id"
)
