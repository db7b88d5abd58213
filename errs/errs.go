// Package errs provides structured error types and helpers for volsurface services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeDuplicateAssignment indicates an attempt to reuse a request identifier.
	CodeDuplicateAssignment Code = "duplicate_assignment"
	// CodeMalformedEvent indicates a feed payload that failed its acceptance filter.
	CodeMalformedEvent Code = "malformed_event"
	// CodeRendezvousTimeout indicates a prerequisite never arrived within its budget.
	CodeRendezvousTimeout Code = "rendezvous_timeout"
	// CodeFeed indicates an error notification raised by the feed.
	CodeFeed Code = "feed_error"
	// CodePersistence indicates a failed and rolled back persistence unit of work.
	CodePersistence Code = "persistence_failure"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is closed or not ready.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the volsurface stack.
type E struct {
	Source  string
	Code    Code
	RawCode string
	RawMsg  string
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source component and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:  strings.TrimSpace(source),
		Code:    code,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw upstream error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw upstream error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithFields merges the provided key/value pairs into the error envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether any error in err's chain is an envelope carrying code.
func IsCode(err error, code Code) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}

// HTTPStatus maps an error to the HTTP status used by the read API.
func HTTPStatus(err error) int {
	var target *E
	if !errors.As(err, &target) {
		return http.StatusInternalServerError
	}
	switch target.Code {
	case CodeInvalid, CodeMalformedEvent:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateAssignment:
		return http.StatusConflict
	case CodeUnavailable, CodeRendezvousTimeout, CodeFeed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
