package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a connector failure. The orchestrator drives its state
// transitions from the kind, never from the message.
type Kind string

const (
	KindTransient     Kind = "TransientNetwork"
	KindAuthExpired   Kind = "AuthExpired"
	KindRateLimited   Kind = "RateLimited"
	KindPermanent     Kind = "PermanentRemoteError"
	KindNotFound      Kind = "NotFound"
	KindInvalidCursor Kind = "InvalidCursor"
	KindAlreadyExists Kind = "AlreadyExists"
	// KindVersionMismatch means a conditional write lost to a newer remote
	// version. The next pull surfaces the remote change as a conflict.
	KindVersionMismatch Kind = "VersionMismatch"
)

// Error is a classified connector failure.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error returned by a connector. Unclassified network
// and timeout errors are transient; anything else unknown is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether the same call may succeed later unchanged.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the provider-supplied retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.RetryAfter
	}
	return 0
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx/3xx.
func FromStatus(op string, status int, header http.Header, now time.Time, err error) *Error {
	if status < 400 {
		return nil
	}
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	e := &Error{Op: op, Status: status, Err: err}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Kind = KindNotFound
	case status == http.StatusConflict:
		e.Kind = KindAlreadyExists
	case status == http.StatusPreconditionFailed:
		e.Kind = KindVersionMismatch
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), now)
		}
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = KindTransient
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), now)
		}
	default:
		e.Kind = KindPermanent
	}
	return e
}

// ParseRetryAfter accepts both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
