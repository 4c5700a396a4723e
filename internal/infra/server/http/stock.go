package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/registry"
)

type instrumentsRequest struct {
	Instruments []json.RawMessage `json:"instruments"`
}

// parseInstruments accepts bare tokens and explicit "EXCHANGE-TOKEN" pairs.
// Bare tokens go through the registry; tokens it cannot place are returned
// in unresolved and never defaulted to an exchange.
func (s *server) parseInstruments(r *http.Request, items []json.RawMessage) (pairs []schema.Pair, unresolved []int32, err error) {
	var bare []int32
	for _, raw := range items {
		var token int32
		if jsonErr := json.Unmarshal(raw, &token); jsonErr == nil {
			bare = append(bare, token)
			continue
		}
		var text string
		if jsonErr := json.Unmarshal(raw, &text); jsonErr == nil {
			pair, pairErr := schema.ParsePair(text)
			if pairErr != nil {
				return nil, nil, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
					errs.WithMessage("malformed instrument"), errs.WithDetail("instrument", text))
			}
			pairs = append(pairs, pair)
			continue
		}
		return nil, nil, errs.Validation(errs.CodeInvalidPayload, "instruments must be tokens or EXCHANGE-TOKEN pairs")
	}

	if len(bare) > 0 {
		resolved, resolveErr := s.deps.Instruments.ResolveExchange(r.Context(), bare)
		if resolveErr != nil {
			return nil, nil, resolveErr
		}
		for _, token := range bare {
			exchange, ok := resolved[token]
			if !ok {
				unresolved = append(unresolved, token)
				continue
			}
			pairs = append(pairs, schema.Pair{Exchange: exchange, Token: token})
		}
	}
	return pairs, unresolved, nil
}

// quotesHandler serves /api/stock/quotes, /ltp and /ohlc; only the snapshot
// mode differs.
func (s *server) quotesHandler(mode schema.Mode) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req instrumentsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		if len(req.Instruments) == 0 {
			writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "instruments required"))
			return
		}

		pairs, unresolved, err := s.parseInstruments(r, req.Instruments)
		if err != nil {
			writeErr(w, r, err)
			return
		}

		key := apiKeyFrom(r.Context())
		allowed := pairs[:0]
		var forbidden []string
		for _, pair := range pairs {
			if key != nil && !key.Entitled(pair.Exchange) {
				forbidden = append(forbidden, pair.Key())
				continue
			}
			allowed = append(allowed, pair)
		}

		data := map[string]any{}
		if len(allowed) > 0 {
			ticks, err := s.deps.Quotes.Get(r.Context(), allowed, mode)
			if err != nil {
				writeErr(w, r, errs.Upstream(errs.CodeQuoteFailed, "snapshot fetch failed", err))
				return
			}
			for pairKey, tick := range ticks {
				data[pairKey] = tick
			}
		}
		for _, token := range unresolved {
			data[strconv.FormatInt(int64(token), 10)] = map[string]any{"last_price": nil}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"data":       data,
			"unresolved": unresolved,
			"forbidden":  forbidden,
		})
	}
}

func (s *server) getHistorical(w http.ResponseWriter, r *http.Request) {
	rawToken := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stock/historical/"), "/")
	token64, err := strconv.ParseInt(rawToken, 10, 32)
	if err != nil {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "token must be an integer"))
		return
	}
	token := int32(token64)

	query := r.URL.Query()
	from, err := parseEpoch(query.Get("from"), time.Now().AddDate(0, -1, 0))
	if err != nil {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "from must be epoch seconds"))
		return
	}
	to, err := parseEpoch(query.Get("to"), time.Now())
	if err != nil {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "to must be epoch seconds"))
		return
	}
	resolution := query.Get("interval")
	if resolution == "" {
		resolution = "1"
	}

	resolved, err := s.deps.Instruments.ResolveExchange(r.Context(), []int32{token})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	exchange, ok := resolved[token]
	if !ok {
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeExchangeUnresolved,
			errs.WithMessage("token has no known exchange"),
			errs.WithDetail("token", token)))
		return
	}
	key := apiKeyFrom(r.Context())
	if key != nil && !key.Entitled(exchange) {
		writeErr(w, r, errs.New(errs.KindPolicy, errs.CodeForbiddenExchange,
			errs.WithMessage("api key is not entitled to this exchange"),
			errs.WithDetail("exchange", exchange)))
		return
	}

	pair := schema.Pair{Exchange: exchange, Token: token}
	candles, err := s.deps.Upstream.Historical(r.Context(), pair, resolution, from, to)
	if err != nil {
		writeErr(w, r, errs.Upstream(errs.CodeHistoricalFailed, "history fetch failed", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"pair":    pair,
		"candles": candles,
	})
}

func (s *server) listInstruments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var exchange schema.Exchange
	if raw := query.Get("exchange"); raw != "" {
		parsed, ok := schema.ParseExchange(raw)
		if !ok {
			writeErr(w, r, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
				errs.WithMessage("unknown exchange"), errs.WithDetail("exchange", raw)))
			return
		}
		exchange = parsed
	}
	instrumentType := schema.InstrumentType(strings.ToUpper(strings.TrimSpace(query.Get("instrument_type"))))
	limit := intQuery(query.Get("limit"), 100, 1000)
	offset := intQuery(query.Get("offset"), 0, 1<<30)

	records, err := s.deps.Instruments.List(r.Context(), exchange, instrumentType, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"instruments": records,
		"count":       len(records),
		"limit":       limit,
		"offset":      offset,
	})
}

func (s *server) searchInstruments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if q == "" {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "q required"))
		return
	}
	limit := intQuery(query.Get("limit"), 50, 200)

	start := time.Now()
	records, parsed, err := s.deps.Instruments.Search(r.Context(), q, registry.SearchFilters{Limit: limit})
	if s.deps.Metrics != nil {
		s.deps.Metrics.FOSearchLatency.Observe(time.Since(start).Seconds())
		s.deps.Metrics.FOSearchTotal.WithLabelValues(strconv.FormatBool(parsed)).Inc()
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"instruments": records,
		"count":       len(records),
		"parsed":      parsed,
	})
}

func (s *server) syncInstruments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var exchange schema.Exchange
	if raw := query.Get("exchange"); raw != "" {
		parsed, ok := schema.ParseExchange(raw)
		if !ok {
			writeErr(w, r, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
				errs.WithMessage("unknown exchange"), errs.WithDetail("exchange", raw)))
			return
		}
		exchange = parsed
	}
	jobID, err := s.deps.Instruments.Sync(r.Context(), exchange, query.Get("csv_url"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": registry.JobStarted})
}

func (s *server) syncJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stock/instruments/sync/"), "/")
	if jobID == "" {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "job id required"))
		return
	}
	status := s.deps.Instruments.JobStatus(jobID)
	if len(status) == 0 {
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeNotFound,
			errs.WithMessage("unknown job"), errs.WithHTTP(http.StatusNotFound),
			errs.WithDetail("job_id", jobID)))
		return
	}
	writeData(w, http.StatusOK, status)
}

func parseEpoch(raw string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func intQuery(raw string, fallback, ceiling int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
