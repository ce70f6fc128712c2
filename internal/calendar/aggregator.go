// Package calendar merges the calendars and events of every connected account
// into one list, reporting failed sources next to whatever succeeded.
package calendar

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/provider"
	"github.com/VidhuSarwal/dashcore/internal/tokens"
)

// TokenSource is the part of tokens.Manager the aggregator needs.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string, p models.Provider, accountLabel string) (string, error)
	Credentials(ctx context.Context, userID string) ([]models.Credential, error)
}

// CalendarList is the result of ListCalendars.
type CalendarList struct {
	Calendars []models.Calendar    `json:"calendars"`
	Errors    []models.SourceError `json:"errors"`
}

// EventList is the result of ListEvents.
type EventList struct {
	Events []models.CalendarEvent `json:"events"`
	Errors []models.SourceError   `json:"errors"`
}

// Partial reports whether some source failed.
func (l *CalendarList) Partial() bool { return len(l.Errors) > 0 }

func (l *EventList) Partial() bool { return len(l.Errors) > 0 }

const (
	defaultConcurrency   = 8
	defaultSourceTimeout = 15 * time.Second
)

type Aggregator struct {
	tokens        TokenSource
	providers     tokens.Providers
	concurrency   int
	sourceTimeout time.Duration
	log           zerolog.Logger
}

type Option func(*Aggregator)

// WithConcurrency caps the number of sources fetched at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithSourceTimeout bounds one source, token refresh included.
func WithSourceTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.sourceTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(a *Aggregator) { a.log = l } }

func NewAggregator(ts TokenSource, providers tokens.Providers, opts ...Option) *Aggregator {
	a := &Aggregator{
		tokens:        ts,
		providers:     providers,
		concurrency:   defaultConcurrency,
		sourceTimeout: defaultSourceTimeout,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// collector gathers results from concurrent sources.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
	errs  []models.SourceError
}

func (c *collector[T]) add(items []T) {
	c.mu.Lock()
	c.items = append(c.items, items...)
	c.mu.Unlock()
}

func (c *collector[T]) fail(se models.SourceError) {
	c.mu.Lock()
	c.errs = append(c.errs, se)
	c.mu.Unlock()
}

func sourceError(p models.Provider, label, calendarID string, err error) models.SourceError {
	return models.SourceError{
		Provider:     p,
		AccountLabel: label,
		CalendarID:   calendarID,
		Code:         string(apperrors.CodeOf(err)),
		Message:      apperrors.Message(err),
	}
}

// ListCalendars queries every connected account in parallel. A failing account
// is reported in Errors and never hides the others.
func (a *Aggregator) ListCalendars(ctx context.Context, userID string) (*CalendarList, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated()
	}
	creds, err := a.tokens.Credentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		col collector[models.Calendar]
		g   errgroup.Group
	)
	g.SetLimit(a.concurrency)
	for _, cred := range creds {
		p, label := cred.Provider, cred.AccountLabel
		g.Go(func() error {
			cals, err := a.calendarsOf(ctx, userID, p, label)
			if err != nil {
				a.log.Warn().Err(err).Str("provider", string(p)).Str("account_label", label).Msg("calendar list failed")
				col.fail(sourceError(p, label, "", err))
				return nil
			}
			col.add(cals)
			return nil
		})
	}
	_ = g.Wait()

	sortCalendars(col.items)
	sortSourceErrors(col.errs)
	return &CalendarList{Calendars: nonNil(col.items), Errors: nonNil(col.errs)}, nil
}

func (a *Aggregator) calendarsOf(ctx context.Context, userID string, p models.Provider, label string) ([]models.Calendar, error) {
	ctx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
	defer cancel()

	capability, err := a.providers.Get(p)
	if err != nil {
		return nil, err
	}
	token, err := a.tokens.GetValidToken(ctx, userID, p, label)
	if err != nil {
		return nil, err
	}
	cals, err := capability.ListCalendars(ctx, token)
	if err != nil {
		return nil, contextError(ctx, "list calendars", err)
	}
	for i := range cals {
		cals[i].Provider = p
		cals[i].AccountLabel = label
		cals[i].ID = models.CalendarKey{Provider: p, AccountLabel: label, CalendarID: cals[i].NativeID}.String()
	}
	return cals, nil
}

// ListEvents fetches the events of each selected calendar overlapping tr and
// merges them by start, then calendar id, then event id. Unparseable ids and
// failing calendars are reported in Errors.
func (a *Aggregator) ListEvents(ctx context.Context, userID string, selectedCalendarIDs []string, tr models.TimeRange) (*EventList, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated()
	}
	if err := tr.Validate(); err != nil {
		return nil, apperrors.InvalidRequest(err.Error())
	}

	var (
		col  collector[models.CalendarEvent]
		g    errgroup.Group
		seen = make(map[string]bool, len(selectedCalendarIDs))
	)
	g.SetLimit(a.concurrency)
	for _, id := range selectedCalendarIDs {
		key, err := models.ParseCalendarKey(id)
		if err != nil {
			col.fail(models.SourceError{CalendarID: id, Code: string(apperrors.CodeInvalidRequest), Message: err.Error()})
			continue
		}
		// events are tagged with the label of the credential that fetched them;
		// lookup failures surface from eventsOf
		if capability, err := a.providers.Get(key.Provider); err == nil {
			if label, err := provider.AccountLabel(capability, key.AccountLabel); err == nil {
				key.AccountLabel = label
			}
		}
		qualified := key.String()
		if seen[qualified] {
			continue
		}
		seen[qualified] = true

		g.Go(func() error {
			events, err := a.eventsOf(ctx, userID, key, tr)
			if err != nil {
				a.log.Warn().Err(err).Str("provider", string(key.Provider)).Str("calendar_id", qualified).Msg("event fetch failed")
				col.fail(sourceError(key.Provider, key.AccountLabel, qualified, err))
				return nil
			}
			col.add(events)
			return nil
		})
	}
	_ = g.Wait()

	SortEvents(col.items)
	sortSourceErrors(col.errs)
	return &EventList{Events: nonNil(col.items), Errors: nonNil(col.errs)}, nil
}

func (a *Aggregator) eventsOf(ctx context.Context, userID string, key models.CalendarKey, tr models.TimeRange) ([]models.CalendarEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
	defer cancel()

	capability, err := a.providers.Get(key.Provider)
	if err != nil {
		return nil, err
	}
	token, err := a.tokens.GetValidToken(ctx, userID, key.Provider, key.AccountLabel)
	if err != nil {
		return nil, err
	}
	events, err := capability.ListEvents(ctx, token, key.CalendarID, tr)
	if err != nil {
		return nil, contextError(ctx, "list events", err)
	}
	qualified := key.String()
	for i := range events {
		events[i].SourceProvider = key.Provider
		events[i].SourceCalendarID = qualified
		events[i].SourceLabel = key.AccountLabel
	}
	return events, nil
}

// contextError prefers the source's own timeout error, then the deadline of
// ctx, then err as is.
func contextError(ctx context.Context, op string, err error) error {
	var ae *apperrors.Error
	if errors.As(err, &ae) && ae.Code == apperrors.CodeTimeout {
		return err
	}
	if cerr := apperrors.FromContext(ctx, op); cerr != nil {
		return cerr
	}
	return err
}

// SortEvents orders events by start instant, then calendar id, then event id.
func SortEvents(events []models.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if sa, sb := a.Start.SortKey(), b.Start.SortKey(); !sa.Equal(sb) {
			return sa.Before(sb)
		}
		if a.SourceCalendarID != b.SourceCalendarID {
			return a.SourceCalendarID < b.SourceCalendarID
		}
		return a.ID < b.ID
	})
}

func sortCalendars(cals []models.Calendar) {
	sort.SliceStable(cals, func(i, j int) bool {
		a, b := cals[i], cals[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.AccountLabel != b.AccountLabel {
			return a.AccountLabel < b.AccountLabel
		}
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		return a.ID < b.ID
	})
}

func sortSourceErrors(errs []models.SourceError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.AccountLabel != b.AccountLabel {
			return a.AccountLabel < b.AccountLabel
		}
		return a.CalendarID < b.CalendarID
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
