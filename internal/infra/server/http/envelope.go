package httpserver

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// errorEnvelope is the REST failure shape shared by every endpoint.
type errorEnvelope struct {
	Success    bool           `json:"success"`
	StatusCode int            `json:"statusCode"`
	Code       errs.Code      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Path       string         `json:"path"`
	Timestamp  time.Time      `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Warn("response encode failed",
			observability.F("error", err.Error()))
	}
}

// writeData wraps a successful payload in the standard success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

// writeErr renders any error as the standard envelope, mapping structured
// errors onto their status and code and everything else onto 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	envelope := errorEnvelope{
		StatusCode: http.StatusInternalServerError,
		Code:       errs.CodeInternal,
		Message:    "internal error",
		Path:       r.URL.Path,
		Timestamp:  time.Now().UTC(),
	}
	if e, ok := errs.As(err); ok {
		envelope.StatusCode = e.HTTPStatus()
		envelope.Code = e.Code
		envelope.Message = e.Message
		envelope.Details = e.Details
		if envelope.Message == "" {
			envelope.Message = string(e.Code)
		}
	} else if err != nil {
		observability.Log().Error("unclassified handler error",
			observability.F("path", r.URL.Path),
			observability.F("error", err.Error()))
	}
	writeJSON(w, envelope.StatusCode, envelope)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeErr(w, r, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
		errs.WithMessage("method not allowed"),
		errs.WithHTTP(http.StatusMethodNotAllowed)))
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, into any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(into); err != nil {
		return errs.New(errs.KindValidation, errs.CodeInvalidPayload,
			errs.WithMessage("malformed JSON body"), errs.WithCause(err))
	}
	return nil
}
