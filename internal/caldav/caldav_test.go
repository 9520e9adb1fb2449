package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/tz"
)

const calendarPath = "/cal/"

var (
	hrefPattern  = regexp.MustCompile(`<href[^>]*>([^<]*)</href>`)
	tokenPattern = regexp.MustCompile(`<sync-token[^>]*>([^<]*)</sync-token>`)
	seqPattern   = regexp.MustCompile(`SEQUENCE:(\d+)`)
)

type object struct {
	data string
	etag int
}

type pathChange struct {
	seq  int
	path string
}

// davServer scripts the handful of WebDAV requests the connector sends.
type davServer struct {
	mu      sync.Mutex
	objects map[string]*object
	changes []pathChange
	seq     int
	etag    int

	// noSync makes sync-collection fail as on servers without RFC 6578.
	noSync bool
	// status, when set, answers the next request.
	status     int
	retryAfter string
	// bumpOnGet simulates another client writing right after our read.
	bumpOnGet bool

	ifMatch  []string
	username string
}

func newDAVServer() *davServer {
	return &davServer{objects: make(map[string]*object)}
}

// put must be called with mu held.
func (s *davServer) put(p, data string) *object {
	s.etag++
	s.seq++
	obj := &object{data: data, etag: s.etag}
	s.objects[p] = obj
	s.changes = append(s.changes, pathChange{seq: s.seq, path: p})
	return obj
}

func (s *davServer) remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, p)
	s.seq++
	s.changes = append(s.changes, pathChange{seq: s.seq, path: p})
}

func (s *davServer) seed(p, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(p, data)
}

func (s *davServer) data(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[p]; ok {
		return obj.data
	}
	return ""
}

// with runs fn under the server lock.
func (s *davServer) with(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *davServer) count() (n int) {
	s.with(func() { n = len(s.objects) })
	return n
}

func (s *davServer) conditions() (out []string) {
	s.with(func() { out = append(out, s.ifMatch...) })
	return out
}

func quoted(etag int) string { return strconv.Quote(strconv.Itoa(etag)) }

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, _, _ = r.BasicAuth()
	if s.status != 0 {
		code := s.status
		s.status = 0
		if s.retryAfter != "" {
			w.Header().Set("Retry-After", s.retryAfter)
		}
		w.WriteHeader(code)
		return
	}

	switch r.Method {
	case "REPORT":
		body, _ := io.ReadAll(r.Body)
		s.report(w, string(body))
	case http.MethodGet:
		obj, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		w.Header().Set("ETag", quoted(obj.etag))
		_, _ = io.WriteString(w, obj.data)
		if s.bumpOnGet {
			s.bumpOnGet = false
			s.put(r.URL.Path, obj.data)
		}
	case http.MethodPut:
		match := r.Header.Get("If-Match")
		s.ifMatch = append(s.ifMatch, match)
		if current, ok := s.objects[r.URL.Path]; match != "" && (!ok || match != quoted(current.etag)) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, existed := s.objects[r.URL.Path]
		obj := s.put(r.URL.Path, string(body))
		w.Header().Set("ETag", quoted(obj.etag))
		if existed {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	case http.MethodDelete:
		if _, ok := s.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, r.URL.Path)
		s.seq++
		s.changes = append(s.changes, pathChange{seq: s.seq, path: r.URL.Path})
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) report(w http.ResponseWriter, body string) {
	var out strings.Builder
	switch {
	case strings.Contains(body, "sync-collection"):
		if s.noSync {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		since := 0
		if m := tokenPattern.FindStringSubmatch(body); m != nil && m[1] != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(m[1], "tok-"))
			if err != nil || n > s.seq {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			since = n
		}
		seen := make(map[string]bool)
		for _, c := range s.changes {
			if c.seq <= since || seen[c.path] {
				continue
			}
			seen[c.path] = true
			if obj, ok := s.objects[c.path]; ok {
				fmt.Fprintf(&out, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>%s</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, c.path, escape(quoted(obj.etag)))
			} else if since > 0 {
				fmt.Fprintf(&out, `<d:response><d:href>%s</d:href><d:status>HTTP/1.1 404 Not Found</d:status></d:response>`, c.path)
			}
		}
		fmt.Fprintf(&out, `<d:sync-token>tok-%d</d:sync-token>`, s.seq)
	case strings.Contains(body, "calendar-multiget"):
		for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
			if obj, ok := s.objects[m[1]]; ok {
				writeObject(&out, m[1], obj)
			}
		}
	case strings.Contains(body, "calendar-query"):
		paths := make([]string, 0, len(s.objects))
		for p := range s.objects {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			writeObject(&out, p, s.objects[p])
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">%s</d:multistatus>`, out.String())
}

func writeObject(out *strings.Builder, p string, obj *object) {
	fmt.Fprintf(out, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>%s</d:getetag><c:calendar-data>%s</c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
		p, escape(quoted(obj.etag)), escape(obj.data))
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func eventICS(uid, summary string, day int) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20250301T080000Z\r\n" +
		fmt.Sprintf("DTSTART:202504%02dT140000Z\r\n", day) +
		fmt.Sprintf("DTEND:202504%02dT150000Z\r\n", day) +
		"SUMMARY:" + summary + "\r\n" +
		"SEQUENCE:3\r\n" +
		"ATTENDEE:mailto:bob@example.com\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

const todoICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//EN\r\n" +
	"BEGIN:VTODO\r\n" +
	"UID:todo-1\r\n" +
	"DTSTAMP:20250301T080000Z\r\n" +
	"SUMMARY:Order samples\r\n" +
	"END:VTODO\r\n" +
	"END:VCALENDAR\r\n"

func newTestConnector(t *testing.T, srv *davServer) *Connector {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	account := models.CalendarAccount{
		ID:          "acc",
		Provider:    models.ProviderCalDAV,
		Endpoint:    hs.URL + "/",
		CalendarID:  calendarPath,
		Credentials: models.Credentials{Username: "alice", AccessToken: "app-password"},
	}
	c, err := NewConnector(context.Background(), account, Options{
		Normalizer: tz.MustNormalizer("UTC"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	assert.Equal(t, calendarPath, c.CalendarPath())
	return c
}

func sampleRecord(title string) models.EventRecord {
	start := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	return models.EventRecord{EventFields: models.EventFields{
		Title:    title,
		Location: "Showroom A",
		Start:    start,
		End:      start.Add(time.Hour),
		TimeZone: "UTC",
	}}
}

func byPath(evs []models.EventRecord) map[string]models.EventRecord {
	out := make(map[string]models.EventRecord, len(evs))
	for _, ev := range evs {
		out[ev.ProviderEventID] = ev
	}
	return out
}

func TestListChangesUsesSyncCollection(t *testing.T) {
	srv := newDAVServer()
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	srv.seed("/cal/b.ics", eventICS("b", "Quote review", 2))
	c := newTestConnector(t, srv)
	ctx := context.Background()

	full, err := c.ListChanges(ctx, "")
	require.NoError(t, err)
	assert.True(t, full.Full)
	assert.Equal(t, "tok-2", full.Cursor)
	events := byPath(full.Events)
	require.Len(t, events, 2)
	assert.Equal(t, "Consult", events["/cal/a.ics"].Title)
	assert.Equal(t, "1", events["/cal/a.ics"].RemoteVersion)
	assert.True(t, events["/cal/b.ics"].Start.Equal(time.Date(2025, 4, 2, 14, 0, 0, 0, time.UTC)))
	srv.with(func() { assert.Equal(t, "alice", srv.username) })

	srv.seed("/cal/a.ics", eventICS("a", "Consult (moved)", 3))
	srv.remove("/cal/b.ics")
	delta, err := c.ListChanges(ctx, full.Cursor)
	require.NoError(t, err)
	assert.False(t, delta.Full)
	assert.Equal(t, "tok-4", delta.Cursor)
	events = byPath(delta.Events)
	require.Len(t, events, 2)
	assert.Equal(t, "Consult (moved)", events["/cal/a.ics"].Title)
	assert.True(t, events["/cal/b.ics"].Deleted)

	empty, err := c.ListChanges(ctx, delta.Cursor)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
}

func TestListChangesFallsBackToCalendarQuery(t *testing.T) {
	srv := newDAVServer()
	srv.noSync = true
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	c := newTestConnector(t, srv)

	cs, err := c.ListChanges(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, cs.Full)
	assert.Empty(t, cs.Cursor, "no cursor without sync support")
	require.Len(t, cs.Events, 1)
	assert.Equal(t, "Consult", cs.Events[0].Title)
}

func TestListChangesRejectsStaleToken(t *testing.T) {
	srv := newDAVServer()
	c := newTestConnector(t, srv)
	_, err := c.ListChanges(context.Background(), "tok-99")
	assert.Equal(t, connector.KindInvalidCursor, connector.KindOf(err))
}

func TestListChangesReportsUnreadableObjects(t *testing.T) {
	srv := newDAVServer()
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	srv.seed("/cal/todo.ics", todoICS)
	c := newTestConnector(t, srv)

	cs, err := c.ListChanges(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, "/cal/a.ics", cs.Events[0].ProviderEventID)
	assert.Equal(t, []string{"/cal/todo.ics"}, cs.Skipped)

	srv.with(func() { srv.noSync = true })
	cs, err = c.ListChanges(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/cal/todo.ics"}, cs.Skipped)
}

func TestListChangesClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       connector.Kind
		wait       time.Duration
	}{
		{status: http.StatusUnauthorized, want: connector.KindAuthExpired},
		{status: http.StatusTooManyRequests, retryAfter: "20", want: connector.KindRateLimited, wait: 20 * time.Second},
		{status: http.StatusServiceUnavailable, want: connector.KindTransient},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := newDAVServer()
			c := newTestConnector(t, srv)
			srv.with(func() { srv.status, srv.retryAfter = tt.status, tt.retryAfter })

			_, err := c.ListChanges(context.Background(), "tok-0")
			assert.Equal(t, tt.want, connector.KindOf(err))
			assert.Equal(t, tt.wait, connector.RetryAfterOf(err))
		})
	}
}

func TestCreateEventIsIdempotent(t *testing.T) {
	srv := newDAVServer()
	c := newTestConnector(t, srv)
	ctx := context.Background()

	first, err := c.CreateEvent(ctx, sampleRecord("Consult"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "/cal/key-1.ics", first.ProviderEventID)
	assert.NotEmpty(t, first.Version)

	again, err := c.CreateEvent(ctx, sampleRecord("Consult"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ProviderEventID, again.ProviderEventID)
	assert.Equal(t, 1, srv.count())
	assert.Equal(t, []string{"", ""}, srv.conditions(), "creates are unconditional")

	data := srv.data("/cal/key-1.ics")
	assert.Contains(t, data, "UID:key-1")
	assert.Contains(t, data, "SUMMARY:Consult")

	_, err = c.CreateEvent(ctx, sampleRecord("Consult"), "")
	assert.Equal(t, connector.KindPermanent, connector.KindOf(err))
}

func TestUpdateEventBumpsSequenceAndETag(t *testing.T) {
	srv := newDAVServer()
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	c := newTestConnector(t, srv)
	ctx := context.Background()

	ev := sampleRecord("Consult (moved)")
	ev.RemoteVersion = "1"
	updated, err := c.UpdateEvent(ctx, "/cal/a.ics", ev)
	require.NoError(t, err)
	assert.Equal(t, "/cal/a.ics", updated.ProviderEventID)
	assert.Equal(t, "2", updated.Version)
	assert.Equal(t, []string{`"1"`}, srv.conditions())

	data := srv.data("/cal/a.ics")
	assert.Contains(t, data, "SUMMARY:Consult (moved)")
	assert.Contains(t, data, "UID:a")
	assert.Contains(t, data, "ATTENDEE:mailto:bob@example.com", "unmodelled properties survive")
	m := seqPattern.FindStringSubmatch(data)
	require.NotNil(t, m)
	assert.Equal(t, "4", m[1])
}

func TestUpdateEventDetectsNewerRemoteVersion(t *testing.T) {
	srv := newDAVServer()
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	srv.seed("/cal/a.ics", eventICS("a", "Edited elsewhere", 1))
	c := newTestConnector(t, srv)
	ctx := context.Background()

	ev := sampleRecord("Mine")
	ev.RemoteVersion = "1"
	_, err := c.UpdateEvent(ctx, "/cal/a.ics", ev)
	assert.Equal(t, connector.KindVersionMismatch, connector.KindOf(err))
	assert.Empty(t, srv.conditions(), "a stale read is caught before writing")

	// Another client writes between our read and our PUT.
	ev.RemoteVersion = "2"
	srv.with(func() { srv.bumpOnGet = true })
	_, err = c.UpdateEvent(ctx, "/cal/a.ics", ev)
	assert.Equal(t, connector.KindVersionMismatch, connector.KindOf(err))
	assert.Equal(t, []string{`"2"`}, srv.conditions())
	assert.Contains(t, srv.data("/cal/a.ics"), "SUMMARY:Edited elsewhere")
}

func TestUpdateAndDeleteMissingObject(t *testing.T) {
	srv := newDAVServer()
	srv.seed("/cal/a.ics", eventICS("a", "Consult", 1))
	c := newTestConnector(t, srv)
	ctx := context.Background()

	_, err := c.UpdateEvent(ctx, "/cal/missing.ics", sampleRecord("x"))
	assert.Equal(t, connector.KindNotFound, connector.KindOf(err))

	require.NoError(t, c.DeleteEvent(ctx, "/cal/a.ics"))
	assert.Zero(t, srv.count())
	err = c.DeleteEvent(ctx, "/cal/a.ics")
	assert.Equal(t, connector.KindNotFound, connector.KindOf(err))
}
