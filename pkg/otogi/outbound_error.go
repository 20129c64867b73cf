package otogi

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// OutboundErrorKind tells callers whether a failed platform call is worth
// repeating.
type OutboundErrorKind string

// Outbound error kinds.
const (
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	OutboundErrorKindTemporary   OutboundErrorKind = "temporary"
	OutboundErrorKindPermanent   OutboundErrorKind = "permanent"
	OutboundErrorKindUnknown     OutboundErrorKind = "unknown"
)

// OutboundError is what drivers return when a platform call fails. Cause
// keeps the transport error in the chain.
type OutboundError struct {
	Operation string
	Kind      OutboundErrorKind
	Platform  Platform
	SinkID    string
	// RetryAfter is the platform's requested back-off for rate limits.
	RetryAfter time.Duration
	// Code and Type are the platform status code and error token, if any.
	Code  int
	Type  string
	Cause error
}

func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("outbound error")
	sep := ": "
	field := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteString(sep)
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		sep = " "
	}
	field("operation", e.Operation)
	field("kind", string(e.Kind))
	field("platform", string(e.Platform))
	field("sink_id", e.SinkID)
	if e.RetryAfter > 0 {
		field("retry_after", e.RetryAfter.String())
	}
	if e.Code != 0 {
		field("code", strconv.Itoa(e.Code))
	}
	field("type", e.Type)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Retryable reports whether repeating the call later may succeed.
func (e *OutboundError) Retryable() bool {
	return e != nil && (e.Kind == OutboundErrorKindRateLimited || e.Kind == OutboundErrorKindTemporary)
}

// AsOutboundError finds the first *OutboundError in err's chain.
func AsOutboundError(err error) (*OutboundError, bool) {
	var outboundErr *OutboundError
	if !errors.As(err, &outboundErr) || outboundErr == nil {
		return nil, false
	}

	return outboundErr, true
}
