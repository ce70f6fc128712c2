package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarKeyRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		key  CalendarKey
	}{
		{name: "simple", key: CalendarKey{Provider: ProviderGoogle, AccountLabel: "Work", CalendarID: "primary"}},
		{name: "email id", key: CalendarKey{Provider: ProviderGoogle, AccountLabel: "Personal", CalendarID: "me@example.com"}},
		{name: "colons and slashes", key: CalendarKey{Provider: ProviderMicrosoft, AccountLabel: "a:b/c", CalendarID: "AAMk:x/y=="}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCalendarKey(tc.key.String())
			require.NoError(t, err)
			assert.Equal(t, tc.key, got)
		})
	}
}

func TestParseCalendarKeyRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "google", "google:Work", "yahoo:Work:primary", "google::primary", "google:Work:"} {
		_, err := ParseCalendarKey(s)
		assert.Error(t, err, s)
	}
}

func TestEventTimeSortKey(t *testing.T) {
	allDay, err := NewDate("2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), allDay.SortKey())

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	timed := NewDateTime(time.Date(2024, 3, 10, 9, 0, 0, 0, ny), "America/New_York")
	assert.Equal(t, 13, timed.SortKey().Hour())
	assert.True(t, allDay.SortKey().Before(timed.SortKey()))

	_, err = NewDate("10/03/2024")
	assert.Error(t, err)
}

func TestEventTimeJSON(t *testing.T) {
	allDay, _ := NewDate("2024-03-10")
	b, err := json.Marshal(allDay)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-03-10"}`, string(b))

	timed := NewDateTime(time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC), "UTC")
	b, err = json.Marshal(timed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dateTime":"2024-03-10T09:30:00Z","timeZone":"UTC"}`, string(b))

	var back EventTime
	require.NoError(t, json.Unmarshal(b, &back))
	assert.False(t, back.AllDay)
	assert.True(t, back.DateTime.Equal(timed.DateTime))

	assert.Error(t, json.Unmarshal([]byte(`{}`), &back))
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Credential{}).Expired(now), "missing expiry counts as expired")
	assert.True(t, (&Credential{Expiry: now}).Expired(now))
	assert.False(t, (&Credential{Expiry: now.Add(time.Minute)}).Expired(now))
}

func TestTimeRangeValidate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, TimeRange{From: now, To: now.Add(time.Hour)}.Validate())
	assert.Error(t, TimeRange{From: now, To: now}.Validate())
	assert.Error(t, TimeRange{To: now}.Validate())
}
