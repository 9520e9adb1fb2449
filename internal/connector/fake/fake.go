// Package fake provides an in-memory remote calendar for exercising the sync
// engine without a network. It honours idempotency keys and incremental
// cursors the way the real providers do, and lets tests inject failures.
package fake

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"calsync/internal/connector"
	"calsync/internal/models"
)

// Method names accepted by FailNext.
const (
	MethodList   = "ListChanges"
	MethodCreate = "CreateEvent"
	MethodUpdate = "UpdateEvent"
	MethodDelete = "DeleteEvent"
)

type change struct {
	seq int
	id  string
}

// Remote is the shared server-side state. Several Connector values may point
// at the same Remote to model concurrent clients.
type Remote struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	events  map[string]models.EventRecord
	keys    map[string]string
	changes []change
	seq     int
	etag    int
	// minCursor invalidates every cursor older than it.
	minCursor int
	calls     map[string]int
	// unreadable events are listed as skipped instead of returned.
	unreadable map[string]bool
}

// NewRemote creates an empty remote calendar.
func NewRemote(clock clockwork.Clock) *Remote {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Remote{
		clock:  clock,
		events: make(map[string]models.EventRecord),
		keys:   make(map[string]string),
		calls:  make(map[string]int),

		unreadable: make(map[string]bool),
	}
}

func (r *Remote) nextETag() string {
	r.etag++
	return fmt.Sprintf("\"%d\"", r.etag)
}

// store must be called with mu held.
func (r *Remote) store(ev models.EventRecord) models.EventRecord {
	ev.ID = ""
	ev.RemoteVersion = r.nextETag()
	ev.RemoteUpdatedAt = r.clock.Now().UTC()
	ev.Dirty = false
	ev.Base = nil
	ev.SyncedAt = ev.RemoteUpdatedAt
	r.events[ev.ProviderEventID] = ev
	r.seq++
	r.changes = append(r.changes, change{seq: r.seq, id: ev.ProviderEventID})
	return ev
}

// Put creates or replaces an event as if another client wrote it. An empty
// ProviderEventID is assigned.
func (r *Remote) Put(ev models.EventRecord) models.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.ProviderEventID == "" {
		ev.ProviderEventID = uuid.NewString()
	}
	ev.Deleted = false
	return r.store(ev)
}

// Edit changes an existing event as if another client edited it.
func (r *Remote) Edit(providerID string, fn func(*models.EventFields)) (models.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[providerID]
	if !ok || ev.Deleted {
		return models.EventRecord{}, fmt.Errorf("event %s not found", providerID)
	}
	fn(&ev.EventFields)
	return r.store(ev), nil
}

// Remove deletes an event as if another client deleted it.
func (r *Remote) Remove(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[providerID]
	if !ok || ev.Deleted {
		return
	}
	ev.Deleted = true
	r.store(ev)
}

// Get returns the live event with the given id.
func (r *Remote) Get(providerID string) (models.EventRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[providerID]
	if !ok || ev.Deleted {
		return models.EventRecord{}, false
	}
	return ev, true
}

// Events returns all live events ordered by start time.
func (r *Remote) Events() []models.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventRecord
	for _, ev := range r.events {
		if !ev.Deleted {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ProviderEventID < out[j].ProviderEventID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// MarkUnreadable makes listings report the event as skipped, like a provider
// object the connector cannot parse.
func (r *Remote) MarkUnreadable(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreadable[providerID] = true
}

// ExpireCursors makes every previously issued cursor invalid.
func (r *Remote) ExpireCursors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minCursor = r.seq
}

// Calls reports how many times a connector method reached the remote.
func (r *Remote) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

func (r *Remote) list(cursor string) (*connector.ChangeSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[MethodList]++

	if cursor == "" {
		cs := &connector.ChangeSet{Cursor: strconv.Itoa(r.seq), Full: true}
		for _, ev := range r.events {
			switch {
			case ev.Deleted:
			case r.unreadable[ev.ProviderEventID]:
				cs.Skipped = append(cs.Skipped, ev.ProviderEventID)
			default:
				cs.Events = append(cs.Events, ev)
			}
		}
		sortRecords(cs.Events)
		sort.Strings(cs.Skipped)
		return cs, nil
	}

	since, err := strconv.Atoi(cursor)
	if err != nil || since < r.minCursor || since > r.seq {
		return nil, connector.NewError(connector.KindInvalidCursor, "list", fmt.Errorf("cursor %q is no longer valid", cursor))
	}
	seen := make(map[string]bool)
	cs := &connector.ChangeSet{Cursor: strconv.Itoa(r.seq)}
	for _, c := range r.changes {
		if c.seq <= since || seen[c.id] {
			continue
		}
		seen[c.id] = true
		if r.unreadable[c.id] && !r.events[c.id].Deleted {
			cs.Skipped = append(cs.Skipped, c.id)
			continue
		}
		cs.Events = append(cs.Events, r.events[c.id])
	}
	sortRecords(cs.Events)
	return cs, nil
}

func (r *Remote) create(ev models.EventRecord, key string) (connector.Remote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[MethodCreate]++

	if id, ok := r.keys[key]; ok && key != "" {
		existing := r.events[id]
		return remoteOf(existing), nil
	}
	ev.ProviderEventID = uuid.NewString()
	ev.Deleted = false
	stored := r.store(ev)
	if key != "" {
		r.keys[key] = stored.ProviderEventID
	}
	return remoteOf(stored), nil
}

func (r *Remote) update(providerID string, ev models.EventRecord) (connector.Remote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[MethodUpdate]++

	existing, ok := r.events[providerID]
	if !ok || existing.Deleted {
		return connector.Remote{}, connector.NewError(connector.KindNotFound, "update", fmt.Errorf("event %s not found", providerID))
	}
	if ev.RemoteVersion != "" && ev.RemoteVersion != existing.RemoteVersion {
		return connector.Remote{}, &connector.Error{
			Kind:   connector.KindVersionMismatch,
			Op:     "update",
			Status: http.StatusPreconditionFailed,
			Err:    fmt.Errorf("event %s is at %s, not %s", providerID, existing.RemoteVersion, ev.RemoteVersion),
		}
	}
	existing.EventFields = ev.EventFields
	return remoteOf(r.store(existing)), nil
}

func (r *Remote) delete(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[MethodDelete]++

	existing, ok := r.events[providerID]
	if !ok || existing.Deleted {
		return connector.NewError(connector.KindNotFound, "delete", fmt.Errorf("event %s not found", providerID))
	}
	existing.Deleted = true
	r.store(existing)
	return nil
}

func remoteOf(ev models.EventRecord) connector.Remote {
	return connector.Remote{
		ProviderEventID: ev.ProviderEventID,
		Version:         ev.RemoteVersion,
		UpdatedAt:       ev.RemoteUpdatedAt,
	}
}

func sortRecords(evs []models.EventRecord) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].ProviderEventID < evs[j].ProviderEventID })
}

// Connector is a connector.Connector backed by a Remote.
type Connector struct {
	remote   *Remote
	provider models.Provider

	mu       sync.Mutex
	failures map[string][]error
	// Before runs ahead of every call, e.g. to cancel a context mid-run.
	Before func(method string)
}

// New creates a connector for the remote.
func New(remote *Remote, provider models.Provider) *Connector {
	if provider == "" {
		provider = models.ProviderGoogle
	}
	return &Connector{remote: remote, provider: provider, failures: make(map[string][]error)}
}

// Remote returns the backing remote.
func (c *Connector) Remote() *Remote { return c.remote }

// FailNext makes the next len(errs) calls of method fail with errs in order.
// A nil entry lets that call through.
func (c *Connector) FailNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// Builder returns a connector.Builder that always hands out c.
func (c *Connector) Builder() connector.Builder {
	return func(context.Context, models.CalendarAccount) (connector.Connector, error) {
		return c, nil
	}
}

func (c *Connector) intercept(ctx context.Context, method string) error {
	if c.Before != nil {
		c.Before(method)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.failures[method]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	c.failures[method] = q[1:]
	return err
}

func (c *Connector) Provider() models.Provider { return c.provider }

func (c *Connector) SupportsWatch() bool { return false }

func (c *Connector) ListChanges(ctx context.Context, cursor string) (*connector.ChangeSet, error) {
	if err := c.intercept(ctx, MethodList); err != nil {
		return nil, err
	}
	return c.remote.list(cursor)
}

func (c *Connector) CreateEvent(ctx context.Context, ev models.EventRecord, key string) (connector.Remote, error) {
	if err := c.intercept(ctx, MethodCreate); err != nil {
		return connector.Remote{}, err
	}
	return c.remote.create(ev, key)
}

func (c *Connector) UpdateEvent(ctx context.Context, providerID string, ev models.EventRecord) (connector.Remote, error) {
	if err := c.intercept(ctx, MethodUpdate); err != nil {
		return connector.Remote{}, err
	}
	return c.remote.update(providerID, ev)
}

func (c *Connector) DeleteEvent(ctx context.Context, providerID string) error {
	if err := c.intercept(ctx, MethodDelete); err != nil {
		return err
	}
	return c.remote.delete(providerID)
}
