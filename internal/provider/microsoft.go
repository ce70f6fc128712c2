package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/models"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

var microsoftScopes = []string{"offline_access", "User.Read", "Calendars.Read"}

// graphTimeLayout is how Graph renders dateTimeTimeZone values.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// Microsoft talks to the Microsoft identity platform and Graph. Only one
// account per user is supported; it is stored under DefaultAccountLabel.
type Microsoft struct {
	oauthClient
	apiBase string
}

// NewMicrosoft builds the client for tenant, "common" when empty.
func NewMicrosoft(opts Options, tenant string) *Microsoft {
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if opts.Endpoint != nil {
		endpoint = *opts.Endpoint
	}
	base := opts.APIBaseURL
	if base == "" {
		base = graphBaseURL
	}
	return &Microsoft{
		oauthClient: oauthClient{
			name: models.ProviderMicrosoft,
			conf: &oauth2.Config{
				ClientID:     opts.ClientID,
				ClientSecret: opts.ClientSecret,
				Endpoint:     endpoint,
				Scopes:       microsoftScopes,
				RedirectURL:  opts.RedirectURL,
			},
			authOpts: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
			timeout:  opts.timeout(),
			http:     opts.HTTPClient,
		},
		apiBase: strings.TrimSuffix(base, "/"),
	}
}

func (m *Microsoft) Name() models.Provider { return models.ProviderMicrosoft }

func (m *Microsoft) MultiAccount() bool { return false }

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	BodyPreview string        `json:"bodyPreview"`
	IsAllDay    bool          `json:"isAllDay"`
	IsCancelled bool          `json:"isCancelled"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
}

type graphPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"message"`
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph status %d: %s %s", e.Status, e.Code, e.Msg)
}

func (m *Microsoft) ListCalendars(ctx context.Context, accessToken string) (out []models.Calendar, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(m.name), "list_calendars", start, err) }(time.Now())
	cctx, cancel := m.withClient(ctx)
	defer cancel()

	items, err := graphList[graphCalendar](cctx, m.client(cctx, accessToken), m.apiBase+"/me/calendars?$select=id,name,isDefaultCalendar")
	if err != nil {
		return nil, requestError(cctx, m.name, "list calendars", err)
	}
	for _, c := range items {
		out = append(out, models.Calendar{
			NativeID:    c.ID,
			DisplayName: c.Name,
			Provider:    models.ProviderMicrosoft,
			IsPrimary:   c.IsDefaultCalendar,
		})
	}
	return out, nil
}

func (m *Microsoft) ListEvents(ctx context.Context, accessToken, calendarID string, tr models.TimeRange) (out []models.CalendarEvent, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(m.name), "list_events", start, err) }(time.Now())
	cctx, cancel := m.withClient(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("startDateTime", tr.From.UTC().Format(time.RFC3339))
	q.Set("endDateTime", tr.To.UTC().Format(time.RFC3339))
	q.Set("$select", "id,subject,bodyPreview,isAllDay,isCancelled,start,end")
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", "100")
	u := m.apiBase + "/me/calendars/" + url.PathEscape(calendarID) + "/calendarView?" + q.Encode()

	items, err := graphList[graphEvent](cctx, m.client(cctx, accessToken), u)
	if err != nil {
		return nil, requestError(cctx, m.name, "list events", err)
	}
	for _, item := range items {
		if item.IsCancelled {
			continue
		}
		ev, err := microsoftEvent(item)
		if err != nil {
			return nil, requestError(cctx, m.name, "list events", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Microsoft) client(ctx context.Context, accessToken string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
}

// graphList follows @odata.nextLink until the collection is exhausted.
func graphList[T any](ctx context.Context, client *http.Client, next string) ([]T, error) {
	var out []T
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Prefer", `outlook.timezone="UTC"`)

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		page, err := decodeGraphPage[T](resp)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

func decodeGraphPage[T any](resp *http.Response) (*graphPage[T], error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		ge := &graphError{Status: resp.StatusCode}
		var wrapper struct {
			Error *graphError `json:"error"`
		}
		if json.Unmarshal(body, &wrapper) == nil && wrapper.Error != nil {
			ge.Code, ge.Msg = wrapper.Error.Code, wrapper.Error.Msg
		}
		return nil, ge
	}
	var page graphPage[T]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode graph response: %w", err)
	}
	return &page, nil
}

func microsoftEvent(item graphEvent) (models.CalendarEvent, error) {
	start, err := graphTime(item.Start, item.IsAllDay)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("event %s start: %w", item.ID, err)
	}
	end, err := graphTime(item.End, item.IsAllDay)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("event %s end: %w", item.ID, err)
	}
	return models.CalendarEvent{
		ID:             item.ID,
		Summary:        item.Subject,
		Start:          start,
		End:            end,
		Description:    stringPtr(item.BodyPreview),
		SourceProvider: models.ProviderMicrosoft,
	}, nil
}

func graphTime(t graphDateTime, allDay bool) (models.EventTime, error) {
	if allDay {
		if len(t.DateTime) < 10 {
			return models.EventTime{}, fmt.Errorf("invalid date %q", t.DateTime)
		}
		return models.NewDate(t.DateTime[:10])
	}
	loc := time.UTC
	if t.TimeZone != "" && t.TimeZone != "UTC" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	parsed, err := time.ParseInLocation(graphTimeLayout, t.DateTime, loc)
	if err != nil {
		return models.EventTime{}, err
	}
	tz := t.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return models.NewDateTime(parsed, tz), nil
}
