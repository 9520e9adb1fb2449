package tz

import (
	"testing"
	"time"

	"calsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizerRejectsUnknownZone(t *testing.T) {
	_, err := NewNormalizer("Mars/Olympus_Mons")
	assert.ErrorIs(t, err, ErrInvalidZone)

	n, err := NewNormalizer("")
	require.NoError(t, err)
	assert.Equal(t, "UTC", n.UserLocation().String())
}

func TestToUTCInterpretsWallClock(t *testing.T) {
	n := MustNormalizer("America/New_York")

	// 14:00 typed by the user in New York during EDT.
	typed := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)
	got, err := n.ToUTC(typed, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC), got)

	got, err = n.ToUTC(typed, "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC), got)

	zero, err := n.ToUTC(time.Time{}, "")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestFromUTC(t *testing.T) {
	n := MustNormalizer("UTC")
	utc := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	got, err := n.FromUTC(utc, "Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, 18, got.Hour())
	assert.True(t, got.Equal(utc))

	_, err = n.FromUTC(utc, "Nowhere/Special")
	assert.Error(t, err)
}

func TestNormalizeRetainsSourceZone(t *testing.T) {
	n := MustNormalizer("Europe/London")
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name     string
		fields   models.EventFields
		wantZone string
	}{
		{
			name: "explicit zone",
			fields: models.EventFields{
				Start:    time.Date(2026, 5, 4, 14, 0, 0, 0, berlin),
				End:      time.Date(2026, 5, 4, 15, 0, 0, 0, berlin),
				TimeZone: "Europe/Berlin",
			},
			wantZone: "Europe/Berlin",
		},
		{
			name: "zone taken from the time location",
			fields: models.EventFields{
				Start: time.Date(2026, 5, 4, 14, 0, 0, 0, berlin),
				End:   time.Date(2026, 5, 4, 15, 0, 0, 0, berlin),
			},
			wantZone: "Europe/Berlin",
		},
		{
			name: "utc times default to the user zone",
			fields: models.EventFields{
				Start: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC),
			},
			wantZone: "Europe/London",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.wantZone, got.TimeZone)
			assert.Equal(t, time.UTC, got.Start.Location())
			assert.True(t, got.Start.Equal(tt.fields.Start))
			assert.True(t, got.End.Equal(tt.fields.End))
		})
	}
}

func TestLocalizeRoundTrip(t *testing.T) {
	n := MustNormalizer("UTC")
	f := models.EventFields{
		Start:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC),
		TimeZone: "America/Los_Angeles",
	}

	local, err := n.Localize(f, "")
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", local.Start.Location().String())
	assert.Equal(t, 5, local.Start.Hour())

	back, err := n.Normalize(local)
	require.NoError(t, err)
	assert.True(t, back.Start.Equal(f.Start))
	assert.Equal(t, "America/Los_Angeles", back.TimeZone)
}
