package connector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// UserAgent is sent with every provider request.
const UserAgent = "calsync/1.0"

// StatusTransport adds authentication and a user agent to each request and
// turns failure statuses into typed errors, so libraries that only surface
// opaque errors still let callers classify them.
type StatusTransport struct {
	// Authorize decorates the outgoing request, e.g. with basic auth.
	Authorize func(req *http.Request)
	Transport http.RoundTripper
	Logger    *slog.Logger
	Now       func() time.Time
}

type ifMatchKey struct{}

// WithIfMatch makes requests sent under ctx conditional on the entity tag.
// An empty etag leaves ctx unchanged.
func WithIfMatch(ctx context.Context, etag string) context.Context {
	if etag == "" {
		return ctx
	}
	return context.WithValue(ctx, ifMatchKey{}, etag)
}

// QuoteETag returns etag as an HTTP entity tag, adding quotes when the value
// is a bare opaque string.
func QuoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return `"` + etag + `"`
}

// BasicAuth returns an Authorize func for HTTP basic authentication.
func BasicAuth(username, password string) func(*http.Request) {
	return func(req *http.Request) {
		req.SetBasicAuth(username, password)
	}
}

// RoundTrip implements http.RoundTripper.
func (t *StatusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Authorize != nil {
		t.Authorize(req)
	}
	req.Header.Set("User-Agent", UserAgent)
	if etag, ok := req.Context().Value(ifMatchKey{}).(string); ok {
		req.Header.Set("If-Match", QuoteETag(etag))
	}

	base := t.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	if cerr := classifyResponse(req, resp, now()); cerr != nil {
		if t.Logger != nil {
			t.Logger.Debug("Remote request failed", "method", req.Method, "url", req.URL.Redacted(), "status", resp.StatusCode, "kind", cerr.Kind)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, cerr
	}
	return resp, nil
}

// classifyResponse only intercepts statuses the sync engine reacts to; other
// 4xx responses are left for the library to report.
func classifyResponse(req *http.Request, resp *http.Response, now time.Time) *Error {
	switch s := resp.StatusCode; {
	case s == http.StatusUnauthorized,
		s == http.StatusNotFound,
		s == http.StatusGone,
		s == http.StatusPreconditionFailed,
		s == http.StatusTooManyRequests,
		s == http.StatusRequestTimeout,
		s >= 500:
		return FromStatus(req.Method+" "+req.URL.Path, s, resp.Header, now, nil)
	default:
		return nil
	}
}
