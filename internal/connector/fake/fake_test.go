package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/connector"
	"calsync/internal/models"
)

func sample(title string) models.EventRecord {
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	return models.EventRecord{EventFields: models.EventFields{Title: title, Start: start, End: start.Add(time.Hour)}}
}

func TestCreateIsIdempotentPerKey(t *testing.T) {
	c := New(NewRemote(clockwork.NewFakeClock()), models.ProviderGoogle)
	ctx := context.Background()

	first, err := c.CreateEvent(ctx, sample("Standup"), "key-1")
	require.NoError(t, err)
	again, err := c.CreateEvent(ctx, sample("Standup"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ProviderEventID, again.ProviderEventID)
	assert.Len(t, c.Remote().Events(), 1)

	_, err = c.CreateEvent(ctx, sample("Standup"), "key-2")
	require.NoError(t, err)
	assert.Len(t, c.Remote().Events(), 2)
}

func TestListChangesIncremental(t *testing.T) {
	remote := NewRemote(clockwork.NewFakeClock())
	c := New(remote, models.ProviderCalDAV)
	ctx := context.Background()

	a := remote.Put(sample("A"))
	full, err := c.ListChanges(ctx, "")
	require.NoError(t, err)
	assert.True(t, full.Full)
	require.Len(t, full.Events, 1)

	_, err = remote.Edit(a.ProviderEventID, func(f *models.EventFields) { f.Title = "A2" })
	require.NoError(t, err)
	b := remote.Put(sample("B"))
	remote.Remove(b.ProviderEventID)

	delta, err := c.ListChanges(ctx, full.Cursor)
	require.NoError(t, err)
	assert.False(t, delta.Full)
	require.Len(t, delta.Events, 2)
	byID := map[string]models.EventRecord{}
	for _, ev := range delta.Events {
		byID[ev.ProviderEventID] = ev
	}
	assert.Equal(t, "A2", byID[a.ProviderEventID].Title)
	assert.True(t, byID[b.ProviderEventID].Deleted)

	empty, err := c.ListChanges(ctx, delta.Cursor)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
}

func TestExpiredCursor(t *testing.T) {
	remote := NewRemote(clockwork.NewFakeClock())
	c := New(remote, "")
	remote.Put(sample("A"))
	cs, err := c.ListChanges(context.Background(), "")
	require.NoError(t, err)

	remote.ExpireCursors()
	remote.Put(sample("B"))
	_, err = c.ListChanges(context.Background(), "0")
	assert.Equal(t, connector.KindInvalidCursor, connector.KindOf(err))
	_, err = c.ListChanges(context.Background(), "garbage")
	assert.Equal(t, connector.KindInvalidCursor, connector.KindOf(err))

	_, err = c.ListChanges(context.Background(), cs.Cursor)
	assert.NoError(t, err)
}

func TestFailNext(t *testing.T) {
	c := New(NewRemote(clockwork.NewFakeClock()), "")
	boom := connector.NewError(connector.KindTransient, "list", errors.New("offline"))
	c.FailNext(MethodList, boom, nil, boom)

	ctx := context.Background()
	_, err := c.ListChanges(ctx, "")
	assert.ErrorIs(t, err, boom)
	_, err = c.ListChanges(ctx, "")
	assert.NoError(t, err)
	_, err = c.ListChanges(ctx, "")
	assert.ErrorIs(t, err, boom)
	_, err = c.ListChanges(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Remote().Calls(MethodList))
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	c := New(NewRemote(clockwork.NewFakeClock()), "")
	ctx := context.Background()
	_, err := c.UpdateEvent(ctx, "nope", sample("x"))
	assert.Equal(t, connector.KindNotFound, connector.KindOf(err))
	err = c.DeleteEvent(ctx, "nope")
	assert.Equal(t, connector.KindNotFound, connector.KindOf(err))

	r, err := c.CreateEvent(ctx, sample("x"), "k")
	require.NoError(t, err)
	before := r.Version
	r2, err := c.UpdateEvent(ctx, r.ProviderEventID, sample("y"))
	require.NoError(t, err)
	assert.NotEqual(t, before, r2.Version)
	require.NoError(t, c.DeleteEvent(ctx, r.ProviderEventID))
	_, ok := c.Remote().Get(r.ProviderEventID)
	assert.False(t, ok)
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	c := New(NewRemote(clockwork.NewFakeClock()), "")
	ctx := context.Background()
	r, err := c.CreateEvent(ctx, sample("x"), "k")
	require.NoError(t, err)

	stale := sample("mine")
	stale.RemoteVersion = r.Version
	_, err = c.Remote().Edit(r.ProviderEventID, func(f *models.EventFields) { f.Title = "theirs" })
	require.NoError(t, err)

	_, err = c.UpdateEvent(ctx, r.ProviderEventID, stale)
	assert.Equal(t, connector.KindVersionMismatch, connector.KindOf(err))
	got, _ := c.Remote().Get(r.ProviderEventID)
	assert.Equal(t, "theirs", got.Title)
}

func TestUnreadableEventsAreSkipped(t *testing.T) {
	remote := NewRemote(clockwork.NewFakeClock())
	c := New(remote, "")
	a := remote.Put(sample("A"))
	b := remote.Put(sample("B"))
	remote.MarkUnreadable(b.ProviderEventID)

	cs, err := c.ListChanges(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, a.ProviderEventID, cs.Events[0].ProviderEventID)
	assert.Equal(t, []string{b.ProviderEventID}, cs.Skipped)
}
