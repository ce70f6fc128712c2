package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/auth"
	"github.com/VidhuSarwal/dashcore/internal/calendar"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/widgetcache"
)

const maxBodyBytes = 64 << 10

func providerParam(r *http.Request) (models.Provider, error) {
	raw := chi.URLParam(r, "provider")
	p, err := models.ParseProvider(raw)
	if err != nil {
		return "", apperrors.Newf(apperrors.CodeUnsupportedProvider, "provider %q is not supported", raw)
	}
	return p, nil
}

func callerOf(r *http.Request) auth.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}

func (h *handler) authorize(w http.ResponseWriter, r *http.Request) {
	p, err := providerParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	authURL, err := h.Flow.BuildAuthorizationURL(r.Context(), callerOf(r), p, q.Get("accountLabel"), q.Get("redirectUrl"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

type completeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	p, err := providerParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req completeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, apperrors.InvalidRequest("invalid request body").WithCause(err))
		return
	}

	cred, err := h.Flow.CompleteAuthorization(r.Context(), callerOf(r), p, req.Code, req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred.Connection())
}

// callback is the provider redirect target. It verifies the state without
// spending it and forwards code, state and any provider error to the client
// redirect URL the state carries. The client then calls complete with its
// own bearer token.
func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	p, err := providerParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	target, err := h.Flow.DecodeRedirect(p, q.Get("state"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	u, err := url.Parse(target)
	if err != nil {
		writeError(w, r, apperrors.InvalidState("state carries an unusable redirect").WithCause(err))
		return
	}
	fwd := u.Query()
	fwd.Set("provider", string(p))
	for _, k := range []string{"code", "state", "error", "error_description"} {
		if v := q.Get(k); v != "" {
			fwd.Set(k, v)
		}
	}
	u.RawQuery = fwd.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *handler) listConnections(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	conns, err := h.Tokens.ListConnections(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	p, err := providerParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	label := strings.TrimSpace(chi.URLParam(r, "label"))
	if label == "" {
		writeError(w, r, apperrors.InvalidRequest("label is required"))
		return
	}
	key := models.CredentialKey{UserID: callerOf(r).UserID, Provider: p, AccountLabel: label}
	if err := h.Tokens.Disconnect(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listCalendars(w http.ResponseWriter, r *http.Request) {
	userID := callerOf(r).UserID
	key, err := h.cacheKey(r.Context(), "calendars", userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := widgetcache.Fetch(r.Context(), h.Cache, key, calendarsTTL, func(ctx context.Context) (*calendar.CalendarList, error) {
		list, err := h.Aggregator.ListCalendars(ctx, userID)
		if err == nil && list.Partial() {
			return list, widgetcache.ErrSkipStore
		}
		return list, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tr, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids := splitList(q.Get("calendars"))
	if len(ids) == 0 {
		writeError(w, r, apperrors.InvalidRequest("calendars is required"))
		return
	}

	userID := callerOf(r).UserID
	key, err := h.cacheKey(r.Context(), "events", userID,
		strings.Join(ids, ","), tr.From.UTC().Format(time.RFC3339), tr.To.UTC().Format(time.RFC3339))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := widgetcache.Fetch(r.Context(), h.Cache, key, eventsTTL, func(ctx context.Context) (*calendar.EventList, error) {
		list, err := h.Aggregator.ListEvents(ctx, userID, ids, tr)
		if err == nil && list.Partial() {
			return list, widgetcache.ErrSkipStore
		}
		return list, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseRange(from, to string) (models.TimeRange, error) {
	if from == "" || to == "" {
		return models.TimeRange{}, apperrors.InvalidRequest("from and to are required")
	}
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return models.TimeRange{}, apperrors.InvalidRequest("from must be RFC 3339").WithCause(err)
	}
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return models.TimeRange{}, apperrors.InvalidRequest("to must be RFC 3339").WithCause(err)
	}
	tr := models.TimeRange{From: f, To: t}
	if err := tr.Validate(); err != nil {
		return models.TimeRange{}, apperrors.InvalidRequest(err.Error())
	}
	return tr, nil
}

// splitList returns the sorted distinct non-empty items of a comma list.
func splitList(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// cacheKey scopes a widget key to the caller and to the set of connected
// accounts, so connecting or disconnecting an account starts a fresh entry.
func (h *handler) cacheKey(ctx context.Context, kind, userID string, parts ...string) (string, error) {
	if userID == "" {
		return "", apperrors.Unauthenticated()
	}
	conns, err := h.Tokens.ListConnections(ctx, userID)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	for _, c := range conns {
		_, _ = io.WriteString(sum, string(c.Provider)+"\x00"+c.AccountLabel+"\x00")
	}
	for _, p := range parts {
		_, _ = io.WriteString(sum, p+"\x01")
	}
	return kind + ":" + userID + ":" + hex.EncodeToString(sum.Sum(nil))[:32], nil
}
