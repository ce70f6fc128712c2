package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// EventTime is either an all-day date or a timestamp with its time zone.
type EventTime struct {
	AllDay   bool
	Date     string
	DateTime time.Time
	TimeZone string
}

// NewDate builds an all-day value from a YYYY-MM-DD string.
func NewDate(date string) (EventTime, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return EventTime{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return EventTime{AllDay: true, Date: date}, nil
}

// NewDateTime builds a timed value.
func NewDateTime(t time.Time, tz string) EventTime {
	if tz == "" {
		tz = t.Location().String()
	}
	return EventTime{DateTime: t, TimeZone: tz}
}

// SortKey resolves both variants to an instant. All-day dates sort at
// midnight UTC of that day.
func (t EventTime) SortKey() time.Time {
	if t.AllDay {
		d, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return time.Time{}
		}
		return d
	}
	return t.DateTime.UTC()
}

type eventTimeJSON struct {
	Date     string     `json:"date,omitempty"`
	DateTime *time.Time `json:"dateTime,omitempty"`
	TimeZone string     `json:"timeZone,omitempty"`
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.AllDay {
		return json.Marshal(eventTimeJSON{Date: t.Date})
	}
	dt := t.DateTime
	return json.Marshal(eventTimeJSON{DateTime: &dt, TimeZone: t.TimeZone})
}

func (t *EventTime) UnmarshalJSON(b []byte) error {
	var raw eventTimeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Date != "":
		v, err := NewDate(raw.Date)
		if err != nil {
			return err
		}
		*t = v
	case raw.DateTime != nil:
		*t = EventTime{DateTime: *raw.DateTime, TimeZone: raw.TimeZone}
	default:
		return errors.New("event time needs date or dateTime")
	}
	return nil
}

// CalendarKey addresses one calendar of one connected account.
type CalendarKey struct {
	Provider     Provider
	AccountLabel string
	CalendarID   string
}

// String renders the key as provider:label:calendarID with the label and id
// path-escaped, so it can be used as an opaque id in URLs and as a sort key.
func (k CalendarKey) String() string {
	label := strings.ReplaceAll(url.PathEscape(k.AccountLabel), ":", "%3A")
	return string(k.Provider) + ":" + label + ":" + url.PathEscape(k.CalendarID)
}

func (k CalendarKey) CredentialKey(userID string) CredentialKey {
	return CredentialKey{UserID: userID, Provider: k.Provider, AccountLabel: k.AccountLabel}
}

// ParseCalendarKey is the inverse of CalendarKey.String.
func ParseCalendarKey(s string) (CalendarKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return CalendarKey{}, fmt.Errorf("malformed calendar id %q", s)
	}
	p, err := ParseProvider(parts[0])
	if err != nil {
		return CalendarKey{}, err
	}
	label, err := url.PathUnescape(parts[1])
	if err != nil {
		return CalendarKey{}, fmt.Errorf("malformed calendar id %q: %w", s, err)
	}
	id, err := url.PathUnescape(parts[2])
	if err != nil {
		return CalendarKey{}, fmt.Errorf("malformed calendar id %q: %w", s, err)
	}
	if label == "" || id == "" {
		return CalendarKey{}, fmt.Errorf("malformed calendar id %q", s)
	}
	return CalendarKey{Provider: p, AccountLabel: label, CalendarID: id}, nil
}

// Calendar is one entry of a user's aggregated calendar list.
type Calendar struct {
	ID           string   `json:"id"`
	NativeID     string   `json:"native_id"`
	DisplayName  string   `json:"display_name"`
	Provider     Provider `json:"provider"`
	AccountLabel string   `json:"account_label"`
	IsPrimary    bool     `json:"is_primary"`
}

// CalendarEvent is the provider-independent event shape.
type CalendarEvent struct {
	ID               string    `json:"id"`
	Summary          string    `json:"summary"`
	Start            EventTime `json:"start"`
	End              EventTime `json:"end"`
	Description      *string   `json:"description,omitempty"`
	SourceProvider   Provider  `json:"source_provider"`
	SourceCalendarID string    `json:"source_calendar_id"`
	SourceLabel      string    `json:"source_label"`
}

// TimeRange is a half-open [From, To) window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return errors.New("time range needs both bounds")
	}
	if !r.To.After(r.From) {
		return errors.New("time range end must be after start")
	}
	return nil
}

// SourceError reports one provider account or calendar that failed during
// aggregation.
type SourceError struct {
	Provider     Provider `json:"provider"`
	AccountLabel string   `json:"account_label"`
	CalendarID   string   `json:"calendar_id,omitempty"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
}
