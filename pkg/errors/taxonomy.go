// Package errors implements the system's sealed error taxonomy: every
// failure surfaced by the core is classified along three axes — Kind,
// Severity, Category — and carries structured context for the Reporter
// (reporter.go) to aggregate and alert on.
package errors

import (
	"fmt"
	"maps"
	"time"
)

// Kind identifies the error's place in the taxonomy. New kinds are added
// here, never inferred from message text by callers.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindNotFound            Kind = "NotFoundError"
	KindAuthentication      Kind = "AuthenticationError"
	KindAuthorization       Kind = "AuthorizationError"
	KindConnection          Kind = "ConnectionError"
	KindTimeout             Kind = "TimeoutError"
	KindRateLimit           Kind = "RateLimitError"
	KindServiceUnavailable  Kind = "ServiceUnavailableError"
	KindAPI                 Kind = "APIError"
	KindConfiguration       Kind = "ConfigurationError"
	KindResource            Kind = "ResourceError"
	KindTask                Kind = "TaskError"
	KindPlugin              Kind = "PluginError"
	KindDataProcessing      Kind = "DataProcessingError"
	KindTransformation      Kind = "TransformationError"
	KindExtraction          Kind = "ExtractionError"
	KindAnalysis            Kind = "AnalysisError"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindConcurrency         Kind = "ConcurrencyError"
	KindDependency          Kind = "DependencyError"
	KindState               Kind = "StateError"
	KindTransient           Kind = "TransientError"
	KindPermanent           Kind = "PermanentError"
)

// transientKinds are, by default, retryable: TransientError itself plus its
// three named subtypes (spec.md §4.2).
var transientKinds = map[Kind]bool{
	KindTransient:          true,
	KindRateLimit:          true,
	KindTimeout:            true,
	KindServiceUnavailable: true,
}

// IsTransient reports whether kind is retryable by default.
func IsTransient(k Kind) bool { return transientKinds[k] }

// Severity ranks how urgently an error needs operator attention.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Category groups errors by subsystem for dashboards and alert rules.
type Category string

const (
	CategorySystem          Category = "SYSTEM"
	CategoryApplication     Category = "APPLICATION"
	CategoryNetwork         Category = "NETWORK"
	CategoryDatabase        Category = "DATABASE"
	CategoryAuth            Category = "AUTH"
	CategoryValidation      Category = "VALIDATION"
	CategoryResource        Category = "RESOURCE"
	CategoryTask            Category = "TASK"
	CategoryPlugin          Category = "PLUGIN"
	CategoryExternalService Category = "EXTERNAL_SERVICE"
	CategoryUnknown         Category = "UNKNOWN"
)

// Error is the taxonomy's concrete type. It implements the standard error
// interface and supports errors.Is/As via Unwrap.
type Error struct {
	Kind      Kind
	Message   string
	Severity  Severity
	Category  Category
	Timestamp time.Time
	Context   map[string]any
	Details   map[string]any
	Cause     error
}

// New constructs a taxonomy error. Timestamp defaults to now.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{
		Kind:      kind,
		Message:   message,
		Severity:  SeverityError,
		Category:  CategoryUnknown,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option mutates an Error at construction time.
type Option func(*Error)

func WithSeverity(s Severity) Option { return func(e *Error) { e.Severity = s } }
func WithCategory(c Category) Option { return func(e *Error) { e.Category = c } }
func WithCause(cause error) Option   { return func(e *Error) { e.Cause = cause } }
func WithContext(ctx map[string]any) Option {
	return func(e *Error) { e.Context = maps.Clone(ctx) }
}
func WithDetails(details map[string]any) Option {
	return func(e *Error) { e.Details = maps.Clone(details) }
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind so callers can write errors.Is(err, taxonomy.New(KindTimeout, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// IsTransient reports whether this error's kind is retryable by default.
func (e *Error) IsTransient() bool { return IsTransient(e.Kind) }

// HTTPStatus derives the HTTP (or HTTP-equivalent) status code for the
// error envelope described in spec.md §6.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindAuthentication:
		return 401
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindTimeout:
		return 408
	case KindRateLimit:
		return 429
	case KindConnection, KindResource, KindServiceUnavailable, KindCircuitOpen:
		return 503
	default:
		return 500
	}
}

// CircuitOpenError carries the remaining cool-down for an open breaker.
type CircuitOpenError struct {
	*Error
	RecoveryRemaining time.Duration
}

// NewCircuitOpen builds the CircuitOpen taxonomy error for breaker name,
// with the time remaining until the next half-open probe is admitted.
func NewCircuitOpen(name string, remaining time.Duration) *CircuitOpenError {
	return &CircuitOpenError{
		Error: New(KindCircuitOpen, fmt.Sprintf("circuit %q is open", name),
			WithSeverity(SeverityWarning),
			WithCategory(CategoryExternalService),
			WithDetails(map[string]any{"breaker": name, "recovery_remaining_ms": remaining.Milliseconds()}),
		),
		RecoveryRemaining: remaining,
	}
}

// DependencyError marks a task that failed because a dependency did not
// reach COMPLETED (spec.md §4.7).
func NewDependencyError(taskID, depID string, depStatus string) *Error {
	return New(KindDependency, fmt.Sprintf("task %s depends on %s which ended %s", taskID, depID, depStatus),
		WithSeverity(SeverityWarning),
		WithCategory(CategoryTask),
		WithDetails(map[string]any{"task_id": taskID, "dependency_id": depID, "dependency_status": depStatus}),
	)
}

// ResourceExhausted marks admission rejection (spec.md §4.6 createFlow).
func NewResourceExhausted(message string, details map[string]any) *Error {
	return New(KindResource, message,
		WithSeverity(SeverityWarning),
		WithCategory(CategoryResource),
		WithDetails(details),
	)
}
