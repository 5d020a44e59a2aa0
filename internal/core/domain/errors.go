package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindRuleViolation     ErrorKind = "rule_violation"
	ErrorKindFetchExhausted    ErrorKind = "fetch_exhausted"
	ErrorKindFetchDegraded     ErrorKind = "fetch_degraded"
	ErrorKindReferenceNotFound ErrorKind = "reference_not_found"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindAdapter           ErrorKind = "adapter"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// SCIMErrorSchema is the schema URN carried by escalated error bodies.
const SCIMErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"

// ConfigError is a fatal load-time problem with a descriptor or its sources.
type ConfigError struct {
	Source string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "configuration failed"
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	msg += " - " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RuleViolationError is returned when a rule gate rejects a body.
type RuleViolationError struct {
	// Violations are the unmet conditions in "fact operator value" form.
	Violations []string
	// MissingFacts is non-empty when at least one condition referenced an absent field.
	MissingFacts []string
	// RuleFacts lists every fact of the failing rule.
	RuleFacts []string
}

func (e *RuleViolationError) Error() string {
	if e.Missing() {
		return "missing one of required fields: " + strings.Join(e.RuleFacts, ",")
	}
	return VerificationFailed(e.Violations)
}

// VerificationFailed formats a list of violated conditions.
func VerificationFailed(violations []string) string {
	return "verification failed - rules verified: " + strings.Join(violations, ", ")
}

// Missing reports whether the failure was caused by absent fields.
func (e *RuleViolationError) Missing() bool { return len(e.MissingFacts) > 0 }

// FetchExhaustedError is returned when a blocking fetch used every attempt.
type FetchExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempt(s) fetching %s: %v", e.Attempts, e.URL, e.Err)
}

func (e *FetchExhaustedError) Unwrap() error { return e.Err }

// ErrFetchDegraded marks a non-blocking fetch that fell back to its default body.
// It is logged, never returned to callers of the fetch.
var ErrFetchDegraded = errors.New("fetch degraded to default body")

// ErrStageSkipped is returned by handlers whose precondition did not hold.
// It is an outcome, not a failure.
var ErrStageSkipped = errors.New("stage skipped")

// ReferenceNotFoundError is returned by find-and-link when no element matches.
type ReferenceNotFoundError struct {
	Field string
	Value any
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("reference element not found: %v", e.Value)
}

// ValidationError is returned when a body value fails validation.
type ValidationError struct {
	Value    any
	Required string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email domain: %v - accepting only %s emails", e.Value, e.Required)
}

// AdapterError wraps a notification channel failure.
type AdapterError struct {
	Channel string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("error sending %s notification: %v", e.Channel, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		cfgErr   *ConfigError
		ruleErr  *RuleViolationError
		exhErr   *FetchExhaustedError
		refErr   *ReferenceNotFoundError
		valErr   *ValidationError
		adaptErr *AdapterError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ruleErr):
		return ErrorKindRuleViolation
	case errors.As(err, &exhErr):
		return ErrorKindFetchExhausted
	case errors.As(err, &refErr):
		return ErrorKindReferenceNotFound
	case errors.As(err, &valErr):
		return ErrorKindValidation
	case errors.As(err, &adaptErr):
		return ErrorKindAdapter
	case errors.As(err, &cfgErr):
		return ErrorKindConfiguration
	case errors.Is(err, ErrFetchDegraded):
		return ErrorKindFetchDegraded
	default:
		return ErrorKindUnknown
	}
}

// ErrorBody is the client-visible payload written when a run aborts.
type ErrorBody struct {
	Schemas []string `json:"schemas"`
	Detail  string   `json:"detail"`
	Status  int      `json:"status"`
}

// NewErrorBody builds a 400 SCIM error body.
func NewErrorBody(detail string) *ErrorBody {
	return &ErrorBody{
		Schemas: []string{SCIMErrorSchema},
		Detail:  detail,
		Status:  http.StatusBadRequest,
	}
}

// Map returns the body in the generic form stored on the request context.
func (b *ErrorBody) Map() map[string]any {
	schemas := make([]any, len(b.Schemas))
	for i, s := range b.Schemas {
		schemas[i] = s
	}
	return map[string]any{
		"schemas": schemas,
		"detail":  b.Detail,
		"status":  b.Status,
	}
}
