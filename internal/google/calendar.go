package google

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/tz"
)

const pageSize = 250

// eventIDEncoding produces ids from Google's allowed alphabet (a-v, 0-9).
var eventIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Options configures a Connector.
type Options struct {
	// HTTPClient replaces the bearer-token client; tests point it at httptest.
	HTTPClient *http.Client
	// Endpoint overrides the API base path.
	Endpoint   string
	Normalizer *tz.Normalizer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Connector talks to the Google Calendar API for one account.
type Connector struct {
	service    *calendar.Service
	calendarID string
	creds      models.Credentials
	tz         *tz.Normalizer
	logger     *slog.Logger
	now        func() time.Time
}

var _ connector.Connector = (*Connector)(nil)

// NewConnector builds a connector that authenticates with the account's
// access token. Refreshing is left to the registry so a refreshed token is
// persisted with the account.
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

	client := opts.HTTPClient
	if client == nil {
		token := &oauth2.Token{
			AccessToken: account.Credentials.AccessToken,
			TokenType:   "Bearer",
			Expiry:      account.Credentials.Expiry,
		}
		client = &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(token),
				Base:   &connector.StatusTransport{Logger: opts.Logger},
			},
		}
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(opts.Endpoint))
	}
	service, err := calendar.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	calendarID := account.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Connector{
		service:    service,
		calendarID: calendarID,
		creds:      account.Credentials,
		tz:         opts.Normalizer,
		logger:     opts.Logger.With("provider", models.ProviderGoogle, "calendar", calendarID),
		now:        opts.Now,
	}, nil
}

func (c *Connector) Provider() models.Provider { return models.ProviderGoogle }

// SupportsWatch is true; push channels are not wired yet.
func (c *Connector) SupportsWatch() bool { return true }

// ListChanges pages through Events.List. With a sync token only changed
// events come back, cancelled ones as tombstones; without one the listing is
// complete and ends with a fresh token.
func (c *Connector) ListChanges(ctx context.Context, cursor string) (*connector.ChangeSet, error) {
	if err := connector.CheckCredentials("list", c.creds, c.now()); err != nil {
		return nil, err
	}
	c.logger.Debug("Fetching changed events", "incremental", cursor != "")

	call := c.service.Events.List(c.calendarID).
		ShowDeleted(cursor != "").
		MaxResults(pageSize)
	if cursor != "" {
		call = call.SyncToken(cursor)
	}

	cs := &connector.ChangeSet{Full: cursor == ""}
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			rec, err := c.toRecord(item)
			if err != nil {
				c.logger.Warn("Skipping unreadable event", "event", item.Id, "error", err)
				cs.Skipped = append(cs.Skipped, item.Id)
				continue
			}
			if cs.Full && rec.Deleted {
				continue
			}
			cs.Events = append(cs.Events, rec)
		}
		if page.NextSyncToken != "" {
			cs.Cursor = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		cerr := classify("list", err, c.now())
		var typed *connector.Error
		if cursor != "" && errors.As(cerr, &typed) && typed.Status == http.StatusGone {
			return nil, connector.NewError(connector.KindInvalidCursor, "list", err)
		}
		return nil, fmt.Errorf("failed to retrieve events: %w", cerr)
	}

	c.logger.Info("Fetched events from Google Calendar", "count", len(cs.Events), "full", cs.Full)
	return cs, nil
}

// CreateEvent inserts the event under an id derived from the idempotency
// key. A replayed insert hits 409 and resolves to the existing event.
func (c *Connector) CreateEvent(ctx context.Context, ev models.EventRecord, idempotencyKey string) (connector.Remote, error) {
	if err := connector.CheckCredentials("create", c.creds, c.now()); err != nil {
		return connector.Remote{}, err
	}
	item, err := c.fromRecord(ev)
	if err != nil {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "create", err)
	}
	if idempotencyKey != "" {
		item.Id = EventID(idempotencyKey)
	}

	created, err := c.service.Events.Insert(c.calendarID, item).Context(ctx).Do()
	if err == nil {
		c.logger.Debug("Created event", "event", created.Id)
		return remoteOf(created), nil
	}
	cerr := classify("create", err, c.now())
	if connector.KindOf(cerr) != connector.KindAlreadyExists || item.Id == "" {
		return connector.Remote{}, cerr
	}

	existing, gerr := c.service.Events.Get(c.calendarID, item.Id).Context(ctx).Do()
	if gerr != nil {
		return connector.Remote{}, classify("create", gerr, c.now())
	}
	if existing.Status == "cancelled" {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "create", fmt.Errorf("event id %s belongs to a deleted event", item.Id))
	}
	c.logger.Debug("Insert already applied", "event", existing.Id)
	return remoteOf(existing), nil
}

// UpdateEvent patches the event, conditional on the record's ETag when known.
func (c *Connector) UpdateEvent(ctx context.Context, providerID string, ev models.EventRecord) (connector.Remote, error) {
	if err := connector.CheckCredentials("update", c.creds, c.now()); err != nil {
		return connector.Remote{}, err
	}
	item, err := c.fromRecord(ev)
	if err != nil {
		return connector.Remote{}, connector.NewError(connector.KindPermanent, "update", err)
	}
	call := c.service.Events.Patch(c.calendarID, providerID, item).Context(ctx)
	if ev.RemoteVersion != "" {
		call.Header().Set("If-Match", connector.QuoteETag(ev.RemoteVersion))
	}
	updated, err := call.Do()
	if err != nil {
		return connector.Remote{}, classify("update", err, c.now())
	}
	return remoteOf(updated), nil
}

func (c *Connector) DeleteEvent(ctx context.Context, providerID string) error {
	if err := connector.CheckCredentials("delete", c.creds, c.now()); err != nil {
		return err
	}
	if err := c.service.Events.Delete(c.calendarID, providerID).Context(ctx).Do(); err != nil {
		return classify("delete", err, c.now())
	}
	return nil
}

// Calendars lists the ids of every calendar the account can see.
func (c *Connector) Calendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", classify("calendars", err, c.now()))
	}
	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// EventID derives a valid Google event id from an idempotency key.
func EventID(idempotencyKey string) string {
	return strings.ToLower(eventIDEncoding.EncodeToString([]byte(idempotencyKey)))
}

func (c *Connector) toRecord(item *calendar.Event) (models.EventRecord, error) {
	rec := models.EventRecord{
		ProviderEventID: item.Id,
		RemoteVersion:   item.Etag,
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			rec.RemoteUpdatedAt = t.UTC()
		}
	}
	if item.Status == "cancelled" {
		rec.Deleted = true
		return rec, nil
	}
	if item.Start == nil || item.End == nil {
		return rec, fmt.Errorf("event %s has no start or end", item.Id)
	}

	zone := item.Start.TimeZone
	start, err := c.parseTime(item.Start, zone)
	if err != nil {
		return rec, err
	}
	end, err := c.parseTime(item.End, zone)
	if err != nil {
		return rec, err
	}

	fields, err := c.tz.Normalize(models.EventFields{
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		TimeZone:    zone,
		Recurrence:  recurrenceRule(item.Recurrence),
	})
	if err != nil {
		return rec, err
	}
	rec.EventFields = fields
	return rec, nil
}

// parseTime handles both timed (dateTime) and all-day (date) values.
func (c *Connector) parseTime(dt *calendar.EventDateTime, zone string) (time.Time, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid dateTime %q: %w", dt.DateTime, err)
		}
		return t.UTC(), nil
	}
	loc, err := c.tz.Resolve(zone)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(time.DateOnly, dt.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", dt.Date, err)
	}
	return t.UTC(), nil
}

func (c *Connector) fromRecord(ev models.EventRecord) (*calendar.Event, error) {
	loc, err := c.tz.Resolve(ev.TimeZone)
	if err != nil {
		return nil, err
	}
	local, err := c.tz.Localize(ev.EventFields, loc.String())
	if err != nil {
		return nil, err
	}
	item := &calendar.Event{
		Summary:     local.Title,
		Description: local.Description,
		Location:    local.Location,
		Start:       &calendar.EventDateTime{DateTime: local.Start.Format(time.RFC3339), TimeZone: loc.String()},
		End:         &calendar.EventDateTime{DateTime: local.End.Format(time.RFC3339), TimeZone: loc.String()},
	}
	if local.Recurrence != "" {
		item.Recurrence = []string{"RRULE:" + local.Recurrence}
	} else {
		item.NullFields = append(item.NullFields, "Recurrence")
	}
	return item, nil
}

func recurrenceRule(lines []string) string {
	for _, l := range lines {
		if rule, ok := strings.CutPrefix(l, "RRULE:"); ok {
			return rule
		}
	}
	return ""
}

func remoteOf(item *calendar.Event) connector.Remote {
	r := connector.Remote{ProviderEventID: item.Id, Version: item.Etag}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		r.UpdatedAt = t.UTC()
	}
	return r
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps googleapi errors onto the connector taxonomy. Google reports
// some rate limits as 403 with a reason code.
func classify(op string, err error, now time.Time) error {
	var cerr *connector.Error
	if errors.As(err, &cerr) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return &connector.Error{
					Kind:       connector.KindRateLimited,
					Op:         op,
					Status:     gerr.Code,
					RetryAfter: connector.ParseRetryAfter(gerr.Header.Get("Retry-After"), now),
					Err:        err,
				}
			}
		}
	}
	return connector.FromStatus(op, gerr.Code, gerr.Header, now, err)
}
