package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
)

type errorBody struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Provider  string         `json:"provider,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {code, message}. Internal errors are logged with
// their cause and reach the client only as a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	log := zerolog.Ctx(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Str("code", string(code)).Msg("request failed")
	case code == apperrors.CodeInvalidState:
		log.Warn().Err(err).Bool("security_event", true).Msg("request rejected")
	default:
		log.Debug().Err(err).Str("code", string(code)).Msg("request rejected")
	}

	body := errorBody{Code: code, Message: apperrors.Message(err), Retryable: apperrors.Retryable(code)}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		body.Provider = ae.Provider
	}
	writeJSON(w, status, body)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Code:      "RATE_LIMITED",
		Message:   "too many requests",
		Retryable: true,
	})
}
