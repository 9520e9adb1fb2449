package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/backoff"
	"calsync/internal/connectivity"
	"calsync/internal/connector"
	"calsync/internal/connector/fake"
	"calsync/internal/engine"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/scheduler"
	"calsync/internal/state"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/tz"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	remote  *fake.Remote
	engine  *engine.Engine
	handler http.Handler
	account string
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	st := store.New(state.NewStore(state.NewMemoryBackend(), nil, clock, nil), clock, nil)
	policy := backoff.Policy{Base: time.Second, Cap: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0.5 }}
	q := queue.New(st, policy, 5, nil)
	remote := fake.NewRemote(clock)
	reg := connector.NewRegistry()
	reg.Register(models.ProviderGoogle, fake.New(remote, models.ProviderGoogle).Builder(), nil)

	sy := syncer.New(syncer.Options{Store: st, Queue: q, Factory: reg, Backoff: policy, Clock: clock})
	mon := connectivity.New(connectivity.Options{StartOffline: !online, Clock: clock})
	sched := scheduler.New(scheduler.Options{Store: st, Runner: sy, Online: mon, Schedule: "@every 1h", Clock: clock})
	eng := engine.New(engine.Options{Store: st, Queue: q, Syncer: sy, Scheduler: sched, Monitor: mon, Normalizer: tz.MustNormalizer("UTC")})

	acc, err := st.CreateAccount(context.Background(), models.CalendarAccount{
		Provider:    models.ProviderGoogle,
		Name:        "work",
		SyncEnabled: true,
		Credentials: models.Credentials{AccessToken: "secret-token"},
	})
	require.NoError(t, err)
	return &fixture{store: st, remote: remote, engine: eng, handler: NewServer(eng, nil).Handler(), account: acc.ID}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func consult(title string) models.EventFields {
	return models.EventFields{
		Title:    title,
		Start:    time.Date(2025, 6, 3, 13, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC),
		TimeZone: "UTC",
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","online":true}`, rec.Body.String())
}

func TestAccountsHideCredentials(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	var out []accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, f.account, out[0].ID)
	assert.True(t, out[0].SyncEnabled)
}

func TestCreateAndEditEvent(t *testing.T) {
	f := newFixture(t, true)
	base := "/api/accounts/" + f.account + "/events"

	rec := f.do(t, http.MethodPost, base, consult("Consult"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created editView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pushed", created.Outcome)
	require.NotNil(t, created.Event)
	require.Len(t, f.remote.Events(), 1)

	rec = f.do(t, http.MethodPut, base+"/"+created.Event.ID, consult("Follow-up"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Follow-up", f.remote.Events()[0].Title)

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.EventRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)

	rec = f.do(t, http.MethodDelete, base+"/"+created.Event.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, f.remote.Events())
}

func TestOfflineCreateIsQueued(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/accounts/"+f.account+"/events", consult("Consult"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"queued"`)
	assert.Empty(t, f.remote.Events())

	rec = f.do(t, http.MethodGet, "/api/accounts/"+f.account+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.BadgeOffline, st.Badge)
	assert.Equal(t, 1, st.QueueDepth)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, true)
	events := "/api/accounts/" + f.account + "/events"
	invalidZone := consult("Consult")
	invalidZone.TimeZone = "Mars/Olympus"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown account status", http.MethodGet, "/api/accounts/missing/status", nil, http.StatusNotFound},
		{"missing title", http.MethodPost, events, consult(""), http.StatusBadRequest},
		{"invalid zone", http.MethodPost, events, invalidZone, http.StatusBadRequest},
		{"unknown field", http.MethodPost, events, map[string]string{"colour": "red"}, http.StatusBadRequest},
		{"update unknown event", http.MethodPut, events + "/missing", consult("x"), http.StatusNotFound},
		{"unknown conflict", http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"resolution": "local"}, http.StatusNotFound},
		{"bad resolution", http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"resolution": "newest"}, http.StatusBadRequest},
		{"unknown operation", http.MethodPost, "/api/operations/missing/retry", nil, http.StatusNotFound},
		{"connectivity without body", http.MethodPost, "/api/connectivity", map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	remote := f.remote.Put(models.EventRecord{EventFields: consult("Consult")})
	_, err := f.engine.SyncAccount(ctx, f.account)
	require.NoError(t, err)
	events, err := f.store.Events(f.account)
	require.NoError(t, err)
	id := events[0].ID

	_, _, err = f.engine.UpdateEvent(ctx, f.account, id, consult("Local title"))
	require.NoError(t, err)
	_, err = f.remote.Edit(remote.ProviderEventID, func(fl *models.EventFields) { fl.Title = "Remote title" })
	require.NoError(t, err)
	_, err = f.engine.SyncAccount(ctx, f.account)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/accounts/"+f.account+"/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conflicts []models.ConflictRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflicts))
	require.Len(t, conflicts, 1)

	rec = f.do(t, http.MethodPut, "/api/accounts/"+f.account+"/events/"+id, consult("Third"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve", map[string]string{"resolution": "remote"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := f.store.Event(f.account, id)
	require.NoError(t, err)
	assert.Equal(t, "Remote title", got.Title)
}

func TestConnectivityAndSyncEnabled(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/connectivity", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.engine.Online())

	rec = f.do(t, http.MethodPut, "/api/accounts/"+f.account+"/sync-enabled", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusNoContent, rec.Code)
	acc, err := f.store.Account(f.account)
	require.NoError(t, err)
	assert.False(t, acc.SyncEnabled)
}

func TestSyncAccountWait(t *testing.T) {
	f := newFixture(t, true)
	f.remote.Put(models.EventRecord{EventFields: consult("Consult")})

	rec := f.do(t, http.MethodPost, "/api/accounts/"+f.account+"/sync?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res resultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, string(syncer.StateIdle), res.State)
	assert.True(t, res.Full)

	events, err := f.store.Events(f.account)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	rec = f.do(t, http.MethodPost, "/api/accounts/"+f.account+"/sync", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStreamForwardsTransitions(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := make(chan TransitionMessage, 64)
	go func() {
		defer close(msgs)
		for {
			var msg TransitionMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}()

	// The subscription is registered just after the handshake, so keep
	// syncing until something arrives.
	var got TransitionMessage
	require.Eventually(t, func() bool {
		if _, err := f.engine.SyncAccount(context.Background(), f.account); err != nil {
			return false
		}
		select {
		case got = <-msgs:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "transition", got.Type)
	assert.Equal(t, f.account, got.AccountID)
	assert.NotEmpty(t, got.To)
}
