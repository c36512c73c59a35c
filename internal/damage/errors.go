package damage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is. Every typed error below matches exactly one of them.
var (
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrProvider           = errors.New("provider error")
	ErrResponseParse      = errors.New("response parse error")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrAllBackendsFailed  = errors.New("all backends failed")
)

// UnsupportedBackendError is returned before any network call when a backend
// identifier is not known.
type UnsupportedBackendError struct {
	Backend string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend %q", e.Backend)
}

func (e *UnsupportedBackendError) Is(target error) bool { return target == ErrUnsupportedBackend }

// ProviderError covers transport, authentication, rate limiting and any other
// failure reported by the model provider.
type ProviderError struct {
	Backend    string
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s (backend %s, model %s)", e.Provider, e.Backend, e.Model)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error        { return e.Err }
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// ResponseParseError means the model output was not JSON, or JSON of the
// wrong top-level shape.
type ResponseParseError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *ResponseParseError) Error() string {
	msg := fmt.Sprintf("backend %s: unparseable response: %s", e.Backend, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResponseParseError) Unwrap() error        { return e.Err }
func (e *ResponseParseError) Is(target error) bool { return target == ErrResponseParse }

// SchemaViolationError reports parsed data that breaks the taxonomy or
// geometry contract. Index is the offending detection, -1 when not tied to one.
type SchemaViolationError struct {
	Backend string
	Index   int
	Field   string
	Reason  string
}

func (e *SchemaViolationError) Error() string {
	var b strings.Builder
	b.WriteString("schema violation")
	if e.Backend != "" {
		fmt.Fprintf(&b, " (backend %s)", e.Backend)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " at detection %d", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *SchemaViolationError) Is(target error) bool { return target == ErrSchemaViolation }

// Failure is one exhausted attempt of a fallback chain.
type Failure struct {
	Backend  string
	Provider string
	Model    string
	Err      error
	Elapsed  time.Duration
}

// Kind names the error class of the failure for reporting.
func (f Failure) Kind() string {
	return Kind(f.Err)
}

// AllBackendsFailedError carries every attempt of an exhausted chain, in order.
type AllBackendsFailedError struct {
	Failures []Failure
}

func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Backend, f.Err))
	}
	return fmt.Sprintf("all %d backends failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AllBackendsFailedError) Is(target error) bool { return target == ErrAllBackendsFailed }

func (e *AllBackendsFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Kind maps an error to a short stable label used in logs, metrics and stored records.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAllBackendsFailed):
		return "all_backends_failed"
	case errors.Is(err, ErrUnsupportedBackend):
		return "unsupported_backend"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrResponseParse):
		return "response_parse"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrProvider):
		return "provider"
	default:
		return "internal"
	}
}
