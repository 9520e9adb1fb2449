// Package connector defines the contract every remote calendar variant
// implements and the typed failures they report.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calsync/internal/models"
)

// DefaultCallTimeout bounds every connector call.
const DefaultCallTimeout = 30 * time.Second

// ChangeSet is the result of an incremental listing.
type ChangeSet struct {
	// Events carries changed events; deletions are records with Deleted set.
	Events []models.EventRecord
	// Cursor is the marker to pass on the next call.
	Cursor string
	// Full is set when Events is a complete listing rather than a delta, so
	// local records missing from it were deleted remotely.
	Full bool
	// Skipped lists provider ids the connector saw but could not read. They
	// still exist remotely, so a full listing must not treat them as deleted.
	Skipped []string
}

// Remote describes the provider-side identity of a written event.
type Remote struct {
	ProviderEventID string
	Version         string
	UpdatedAt       time.Time
}

// Connector adapts a provider's native events to canonical records.
// Connectors are stateless translators; they never touch local state.
type Connector interface {
	Provider() models.Provider
	// ListChanges returns what changed since cursor. An empty cursor forces a
	// full listing; an unusable one fails with KindInvalidCursor.
	ListChanges(ctx context.Context, cursor string) (*ChangeSet, error)
	// CreateEvent creates the event remotely. Repeating the call with the same
	// idempotency key must not create a second event.
	CreateEvent(ctx context.Context, ev models.EventRecord, idempotencyKey string) (Remote, error)
	// UpdateEvent overwrites the event. When ev.RemoteVersion is set the write
	// only applies if the remote is still at that version; otherwise it fails
	// with KindVersionMismatch.
	UpdateEvent(ctx context.Context, providerID string, ev models.EventRecord) (Remote, error)
	DeleteEvent(ctx context.Context, providerID string) error
	SupportsWatch() bool
}

// Factory builds a connector for an account.
type Factory interface {
	New(ctx context.Context, account models.CalendarAccount) (Connector, error)
}

// TokenRefresher exchanges an account's refresh token for fresh credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context, account models.CalendarAccount) (models.Credentials, error)
}

// Builder constructs a connector for one provider.
type Builder func(ctx context.Context, account models.CalendarAccount) (Connector, error)

// RefreshFunc refreshes credentials for one provider.
type RefreshFunc func(ctx context.Context, account models.CalendarAccount) (models.Credentials, error)

// Registry dispatches on the account's provider tag.
type Registry struct {
	mu         sync.RWMutex
	builders   map[models.Provider]Builder
	refreshers map[models.Provider]RefreshFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:   make(map[models.Provider]Builder),
		refreshers: make(map[models.Provider]RefreshFunc),
	}
}

// Register installs the builder and optional refresher for a provider.
func (r *Registry) Register(p models.Provider, b Builder, refresh RefreshFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[p] = b
	if refresh != nil {
		r.refreshers[p] = refresh
	}
}

// New implements Factory.
func (r *Registry) New(ctx context.Context, account models.CalendarAccount) (Connector, error) {
	r.mu.RLock()
	b, ok := r.builders[account.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for provider %q", account.Provider)
	}
	return b(ctx, account)
}

// Refresh implements TokenRefresher. Providers without a refresher report
// AuthExpired so the caller marks the account failed.
func (r *Registry) Refresh(ctx context.Context, account models.CalendarAccount) (models.Credentials, error) {
	r.mu.RLock()
	f, ok := r.refreshers[account.Provider]
	r.mu.RUnlock()
	if !ok {
		return models.Credentials{}, NewError(KindAuthExpired, "refresh", fmt.Errorf("provider %q cannot refresh credentials", account.Provider))
	}
	return f(ctx, account)
}

// CheckCredentials fails with AuthExpired when the account's token has expired.
func CheckCredentials(op string, creds models.Credentials, now time.Time) error {
	if creds.Expired(now) {
		return NewError(KindAuthExpired, op, fmt.Errorf("access token expired at %s", creds.Expiry.Format(time.RFC3339)))
	}
	return nil
}
