// Package mcperr defines the error taxonomy and JSON envelope that every
// domain error is translated into at the MCP boundary, generalizing the
// teacher's tools.ToolError / ToJSONRPCError pattern to the full
// envelope shape the specification requires.
package mcperr

import (
	"time"
)

// Code is a SCREAMING_SNAKE error code; the codes themselves are contract.
type Code string

const (
	// Input
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeInvalidInputFormat  Code = "INVALID_INPUT_FORMAT"
	CodeContentTooLarge     Code = "CONTENT_TOO_LARGE"
	CodeInvalidSearchQuery  Code = "INVALID_SEARCH_QUERY"
	CodeSearchLimitExceeded Code = "SEARCH_LIMIT_EXCEEDED"
	CodeInvalidKey          Code = "INVALID_KEY"

	// Identity
	CodeInvalidAPIKey              Code = "INVALID_API_KEY"
	CodeTokenExpired                Code = "TOKEN_EXPIRED"
	CodeTokenRevoked                Code = "TOKEN_REVOKED"
	CodePermissionDenied            Code = "PERMISSION_DENIED"
	CodeVisibilityPermissionDenied  Code = "VISIBILITY_PERMISSION_DENIED"

	// Resource
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionInactive      Code = "SESSION_INACTIVE"
	CodeSessionLimitExceeded Code = "SESSION_LIMIT_EXCEEDED"
	CodeMemoryLimitExceeded  Code = "MEMORY_LIMIT_EXCEEDED"

	// Concurrency / transient
	CodeSessionLocked           Code = "SESSION_LOCKED"
	CodeDatabaseTimeout         Code = "DATABASE_TIMEOUT"
	CodeConnectionPoolExhausted Code = "CONNECTION_POOL_EXHAUSTED"
	CodeRequestTimeout          Code = "REQUEST_TIMEOUT"

	// Fatal
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Severity classifies how serious an error is for client handling.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Envelope is the error shape returned across the MCP boundary (spec §7).
type Envelope struct {
	Success          bool           `json:"success"`
	Message          string         `json:"error"`
	Code             Code           `json:"code"`
	Severity         Severity       `json:"severity"`
	Recoverable      bool           `json:"recoverable"`
	Suggestions      []string       `json:"suggestions,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	RetryAfter       *int           `json:"retry_after,omitempty"`
	RelatedResources []string       `json:"related_resources,omitempty"`
	Timestamp        string         `json:"timestamp"`
}

// Error implements the error interface so *Envelope can travel as a Go error
// through handler return values, mirroring the teacher's *ToolError.
func (e *Envelope) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New builds an Envelope with the given code/message and sensible severity
// and recoverability defaults, overridable via Option.
func New(code Code, message string, opts ...Option) *Envelope {
	e := &Envelope{
		Success:     false,
		Message:     message,
		Code:        code,
		Severity:    defaultSeverity(code),
		Recoverable: defaultRecoverable(code),
		Timestamp:   nowRFC3339(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option mutates an Envelope at construction time.
type Option func(*Envelope)

func WithContext(ctx map[string]any) Option {
	return func(e *Envelope) { e.Context = ctx }
}

func WithSuggestions(s ...string) Option {
	return func(e *Envelope) { e.Suggestions = s }
}

func WithRetryAfter(seconds int) Option {
	return func(e *Envelope) { e.RetryAfter = &seconds }
}

func WithRelatedResources(r ...string) Option {
	return func(e *Envelope) { e.RelatedResources = r }
}

func defaultSeverity(code Code) Severity {
	switch code {
	case CodeStorageUnavailable, CodeInternalError:
		return SeverityCritical
	case CodeSessionLocked, CodeDatabaseTimeout, CodeConnectionPoolExhausted, CodeRequestTimeout:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func defaultRecoverable(code Code) bool {
	switch code {
	case CodeInvalidAPIKey, CodeStorageUnavailable, CodeInternalError:
		return false
	default:
		return true
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
