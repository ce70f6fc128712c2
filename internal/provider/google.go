package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/models"
)

var googleScopes = []string{
	calendar.CalendarReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// Google talks to Google OAuth and the Calendar v3 API. A user may connect
// several Google accounts.
type Google struct {
	oauthClient
	apiBase string
}

func NewGoogle(opts Options) *Google {
	endpoint := google.Endpoint
	if opts.Endpoint != nil {
		endpoint = *opts.Endpoint
	}
	return &Google{
		oauthClient: oauthClient{
			name: models.ProviderGoogle,
			conf: &oauth2.Config{
				ClientID:     opts.ClientID,
				ClientSecret: opts.ClientSecret,
				Endpoint:     endpoint,
				Scopes:       googleScopes,
				RedirectURL:  opts.RedirectURL,
			},
			// consent is forced so Google hands out a refresh token every time
			authOpts: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
			timeout:  opts.timeout(),
			http:     opts.HTTPClient,
		},
		apiBase: opts.APIBaseURL,
	}
}

func (g *Google) Name() models.Provider { return models.ProviderGoogle }

func (g *Google) MultiAccount() bool { return true }

func (g *Google) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.apiBase != "" {
		opts = append(opts, option.WithEndpoint(g.apiBase))
	}
	return calendar.NewService(ctx, opts...)
}

func (g *Google) ListCalendars(ctx context.Context, accessToken string) (out []models.Calendar, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(g.name), "list_calendars", start, err) }(time.Now())
	cctx, cancel := g.withClient(ctx)
	defer cancel()

	svc, err := g.service(cctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	err = svc.CalendarList.List().MinAccessRole("reader").Pages(cctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted {
				continue
			}
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			out = append(out, models.Calendar{
				NativeID:    item.Id,
				DisplayName: name,
				Provider:    models.ProviderGoogle,
				IsPrimary:   item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, requestError(cctx, g.name, "list calendars", err)
	}
	return out, nil
}

func (g *Google) ListEvents(ctx context.Context, accessToken, calendarID string, tr models.TimeRange) (out []models.CalendarEvent, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(g.name), "list_events", start, err) }(time.Now())
	cctx, cancel := g.withClient(ctx)
	defer cancel()

	svc, err := g.service(cctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	call := svc.Events.List(calendarID).
		TimeMin(tr.From.UTC().Format(time.RFC3339)).
		TimeMax(tr.To.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250)
	err = call.Pages(cctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := googleEvent(item)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, requestError(cctx, g.name, "list events", err)
	}
	return out, nil
}

func googleEvent(item *calendar.Event) (models.CalendarEvent, error) {
	start, err := googleTime(item.Start)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	end, err := googleTime(item.End)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}
	return models.CalendarEvent{
		ID:             item.Id,
		Summary:        item.Summary,
		Start:          start,
		End:            end,
		Description:    stringPtr(item.Description),
		SourceProvider: models.ProviderGoogle,
	}, nil
}

func googleTime(t *calendar.EventDateTime) (models.EventTime, error) {
	if t == nil {
		return models.EventTime{}, fmt.Errorf("missing time")
	}
	if t.Date != "" {
		return models.NewDate(t.Date)
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return models.EventTime{}, err
	}
	return models.NewDateTime(parsed, t.TimeZone), nil
}
