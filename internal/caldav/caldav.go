// Package caldav implements the connector for CalDAV servers such as iCloud,
// Fastmail or Nextcloud.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/tz"
)

// DefaultEndpoint is used when an account has no endpoint of its own.
const DefaultEndpoint = "https://caldav.icloud.com/"

var eventRequest = caldav.CalendarCompRequest{
	Name:  "VCALENDAR",
	Comps: []caldav.CalendarCompRequest{{Name: "VEVENT", AllProps: true}},
}

// Options configures a Connector.
type Options struct {
	// Transport is the base round tripper; defaults to http.DefaultTransport.
	Transport  http.RoundTripper
	Normalizer *tz.Normalizer
	Logger     *slog.Logger
	Now        func() time.Time
	// CalendarPath skips discovery when already known.
	CalendarPath string
}

// Connector syncs one CalDAV calendar collection.
type Connector struct {
	client       *caldav.Client
	calendarPath string
	tz           *tz.Normalizer
	logger       *slog.Logger
	now          func() time.Time
}

var _ connector.Connector = (*Connector)(nil)

// NewConnector authenticates with basic auth and locates the account's
// calendar, either by explicit path or by display name.
func NewConnector(ctx context.Context, account models.CalendarAccount, opts Options) (*Connector, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Normalizer == nil {
		opts.Normalizer = tz.MustNormalizer(account.TimeZone)
	}
	endpoint := account.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpClient := &http.Client{Transport: &connector.StatusTransport{
		Authorize: connector.BasicAuth(account.Credentials.Username, account.Credentials.AccessToken),
		Transport: opts.Transport,
		Logger:    opts.Logger,
		Now:       opts.Now,
	}}
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &Connector{
		client: client,
		tz:     opts.Normalizer,
		logger: opts.Logger.With("provider", models.ProviderCalDAV, "account", account.ID),
		now:    opts.Now,
	}

	c.calendarPath = opts.CalendarPath
	if c.calendarPath == "" {
		if strings.HasPrefix(account.CalendarID, "/") {
			c.calendarPath = account.CalendarID
		} else {
			c.logger.Info("Finding CalDAV calendar", "calendarName", account.CalendarID)
			if c.calendarPath, err = c.findCalendar(ctx, account.CalendarID); err != nil {
				return nil, fmt.Errorf("could not find calendar '%s': %w", account.CalendarID, err)
			}
			c.logger.Info("Found CalDAV calendar", "path", c.calendarPath)
		}
	}
	return c, nil
}

// CalendarPath returns the collection path the connector writes to.
func (c *Connector) CalendarPath() string { return c.calendarPath }

func (c *Connector) Provider() models.Provider { return models.ProviderCalDAV }

// SupportsWatch is false; CalDAV has no push channel.
func (c *Connector) SupportsWatch() bool { return false }

// ListChanges uses WebDAV sync (RFC 6578) when the server supports it. An
// empty cursor performs the initial sync, which lists everything. Servers
// without sync support get a calendar-query listing and no cursor, so every
// pass is a full listing diffed by ETag.
func (c *Connector) ListChanges(ctx context.Context, cursor string) (*connector.ChangeSet, error) {
	resp, err := c.client.SyncCollection(ctx, c.calendarPath, &caldav.SyncQuery{
		CompRequest: eventRequest,
		SyncToken:   cursor,
	})
	if err != nil {
		switch connector.KindOf(err) {
		case connector.KindTransient, connector.KindRateLimited, connector.KindAuthExpired:
			return nil, err
		}
		if cursor != "" {
			return nil, connector.NewError(connector.KindInvalidCursor, "sync-collection", err)
		}
		c.logger.Debug("Server rejected sync-collection, falling back to full listing", "error", err)
		return c.listAll(ctx)
	}

	cs := &connector.ChangeSet{Cursor: resp.SyncToken, Full: cursor == ""}
	if len(resp.Updated) > 0 {
		paths := make([]string, 0, len(resp.Updated))
		for _, obj := range resp.Updated {
			paths = append(paths, obj.Path)
		}
		objects, err := c.client.MultiGetCalendar(ctx, c.calendarPath, &caldav.CalendarMultiGet{
			Paths:       paths,
			CompRequest: eventRequest,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch changed events: %w", err)
		}
		cs.Events, cs.Skipped = c.toRecords(objects)
	}
	for _, p := range resp.Deleted {
		cs.Events = append(cs.Events, models.EventRecord{ProviderEventID: p, Deleted: true})
	}
	c.logger.Info("Fetched events from CalDAV", "count", len(cs.Events), "full", cs.Full)
	return cs, nil
}

func (c *Connector) listAll(ctx context.Context) (*connector.ChangeSet, error) {
	objects, err := c.client.QueryCalendar(ctx, c.calendarPath, &caldav.CalendarQuery{
		CompRequest: eventRequest,
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	cs := &connector.ChangeSet{Full: true}
	cs.Events, cs.Skipped = c.toRecords(objects)
	c.logger.Info("Fetched events from CalDAV", "count", len(cs.Events), "full", true)
	return cs, nil
}

// toRecords converts fetched objects, returning the paths it could not read
// separately.
func (c *Connector) toRecords(objects []caldav.CalendarObject) (out []models.EventRecord, skipped []string) {
	out = make([]models.EventRecord, 0, len(objects))
	for _, obj := range objects {
		rec, err := c.toRecord(obj)
		if err != nil {
			c.logger.Warn("Skipping unreadable calendar object", "path", obj.Path, "error", err)
			skipped = append(skipped, obj.Path)
			continue
		}
		out = append(out, rec)
	}
	return out, skipped
}

func (c *Connector) toRecord(obj caldav.CalendarObject) (models.EventRecord, error) {
	ve, err := masterEvent(obj.Data)
	if err != nil {
		return models.EventRecord{}, err
	}
	fields, err := toFields(ve, c.tz)
	if err != nil {
		return models.EventRecord{}, err
	}
	return models.EventRecord{
		ProviderEventID: obj.Path,
		EventFields:     fields,
		RemoteVersion:   obj.ETag,
		RemoteUpdatedAt: lastModified(ve, obj.ModTime),
	}, nil
}

// CreateEvent PUTs the event to <key>.ics with the key as UID, so repeating
// the call rewrites the same resource instead of adding one.
func (c *Connector) CreateEvent(ctx context.Context, ev models.EventRecord, idempotencyKey string) (connector.Remote, error) {
	if idempotencyKey == "" {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "create", errors.New("idempotency key is required"))
	}
	cal, err := newCalendar(idempotencyKey, ev.EventFields, c.tz, c.now())
	if err != nil {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "create", err)
	}
	eventPath := path.Join(c.calendarPath, idempotencyKey+".ics")
	return c.put(ctx, "create", eventPath, cal, "")
}

// UpdateEvent rewrites the fields of the stored VEVENT, keeping its UID and
// any properties we do not model, and bumps SEQUENCE. The PUT carries
// If-Match with the record's ETag so a concurrent remote edit is not lost.
func (c *Connector) UpdateEvent(ctx context.Context, providerID string, ev models.EventRecord) (connector.Remote, error) {
	obj, err := c.client.GetCalendarObject(ctx, providerID)
	if err != nil {
		return connector.Remote{}, err
	}
	if ev.RemoteVersion != "" && obj.ETag != "" && unquote(obj.ETag) != unquote(ev.RemoteVersion) {
		return connector.Remote{}, &connector.Error{
			Kind:   connector.KindVersionMismatch,
			Op:     "update",
			Status: http.StatusPreconditionFailed,
			Err:    fmt.Errorf("remote ETag %s does not match %s", obj.ETag, ev.RemoteVersion),
		}
	}
	ve, err := masterEvent(obj.Data)
	if err != nil {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "update", err)
	}
	if err := applyFields(ve, ev.EventFields, c.tz); err != nil {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "update", err)
	}
	now := c.now().UTC()
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
	ve.Props.SetDateTime(ical.PropLastModified, now)
	bumpSequence(ve)
	return c.put(ctx, "update", providerID, obj.Data, ev.RemoteVersion)
}

func (c *Connector) DeleteEvent(ctx context.Context, providerID string) error {
	return c.client.RemoveAll(ctx, providerID)
}

// put stores cal at eventPath. A non-empty ifMatch makes the write
// conditional; the follow-up read is not.
func (c *Connector) put(ctx context.Context, op, eventPath string, cal *ical.Calendar, ifMatch string) (connector.Remote, error) {
	obj, err := c.client.PutCalendarObject(connector.WithIfMatch(ctx, ifMatch), eventPath, cal)
	if err != nil {
		if connector.KindOf(err) == connector.KindPermanent {
			return connector.Remote{}, connector.NewError(connector.KindPermanent, op, err)
		}
		return connector.Remote{}, err
	}
	r := connector.Remote{ProviderEventID: eventPath, Version: obj.ETag, UpdatedAt: obj.ModTime}
	if obj.Path != "" {
		r.ProviderEventID = obj.Path
	}
	if r.Version == "" {
		// Some servers omit the ETag on PUT responses.
		if fetched, err := c.client.GetCalendarObject(ctx, eventPath); err == nil {
			r.Version = fetched.ETag
			r.UpdatedAt = fetched.ModTime
		}
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = c.now().UTC()
	}
	c.logger.Debug("Stored calendar object", "op", op, "path", r.ProviderEventID)
	return r, nil
}

func unquote(etag string) string {
	return strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
}

// findCalendar discovers the user's calendars and returns the path of the one
// with the matching name.
func (c *Connector) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// Register installs the CalDAV builder on the registry. Discovered calendar
// paths are remembered so later runs skip discovery. CalDAV uses basic auth,
// so there is no refresher and AuthExpired is final.
func Register(reg *connector.Registry, norm *tz.Normalizer, logger *slog.Logger) {
	var paths sync.Map
	reg.Register(models.ProviderCalDAV, func(ctx context.Context, account models.CalendarAccount) (connector.Connector, error) {
		n := norm
		if account.TimeZone != "" {
			var err error
			if n, err = tz.NewNormalizer(account.TimeZone); err != nil {
				return nil, err
			}
		}
		key := account.ID + "\x00" + account.Endpoint + "\x00" + account.CalendarID
		opts := Options{Normalizer: n, Logger: logger}
		if p, ok := paths.Load(key); ok {
			opts.CalendarPath = p.(string)
		}
		c, err := NewConnector(ctx, account, opts)
		if err != nil {
			return nil, err
		}
		paths.Store(key, c.CalendarPath())
		return c, nil
	}, nil)
}
