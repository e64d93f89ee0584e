package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldClientIP       = "client_ip"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldStatusCode     = "status_code"
	FieldDuration       = "duration_ms"
	FieldSuccess        = "success"
	FieldError          = "error"
	FieldErrorType      = "error_type"
	FieldOperation      = "operation"
	FieldUserID         = "user_id"
	FieldTransactionID  = "transaction_id"
	FieldTransactionNm  = "transaction_name"
	FieldAmount         = "amount"
	FieldBalance        = "balance"
	FieldVersion        = "version"
	FieldCategory       = "category"
	FieldIdempotencyKey = "idempotency_key"
	FieldAttempt        = "attempt"
	FieldReplayed       = "replayed"
	FieldBackend        = "backend"
)

// Components defines standard component names
const (
	ComponentApp          = "app"
	ComponentHTTP         = "http"
	ComponentLedger       = "ledger"
	ComponentAggregator   = "aggregator"
	ComponentSubscription = "subscription"
	ComponentSession      = "session"
	ComponentStorage      = "storage"
	ComponentAMQP         = "amqp"
	ComponentAudit        = "audit"
	ComponentCache        = "cache"
	ComponentRateLimit    = "rate_limit"
	ComponentTrace        = "trace"
	ComponentBackend      = "backend"
)

// Operations defines standard operation names
const (
	OpApply       = "apply"
	OpCommit      = "commit"
	OpRead        = "read"
	OpSubscribe   = "subscribe"
	OpResubscribe = "resubscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpConsume     = "consume"
	OpAudit       = "audit"
	OpValidate    = "validate"
	OpShutdown    = "shutdown"
	OpStartup     = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeDatabase      = "database_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeUnavailable   = "unavailable_error"
	ErrorTypeConflict      = "conflict_error"
	ErrorTypeSubscription  = "subscription_error"
	ErrorTypeInternal      = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error text; nil is ignored.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithErrorType(kind string) LogFields {
	f[FieldErrorType] = kind
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithUser(userID string) LogFields {
	f[FieldUserID] = userID
	return f
}

// WithTransaction adds the ledger record fields. Amounts are logged as
// their decimal string.
func (f LogFields) WithTransaction(id, name, category, amount string) LogFields {
	f[FieldTransactionID] = id
	f[FieldTransactionNm] = name
	f[FieldCategory] = category
	f[FieldAmount] = amount
	return f
}

func (f LogFields) WithBalance(balance string, version int64) LogFields {
	f[FieldBalance] = balance
	f[FieldVersion] = version
	return f
}

func (f LogFields) WithAttempt(n int) LogFields {
	f[FieldAttempt] = n
	return f
}

func (f LogFields) WithHTTPRequest(method, path string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
