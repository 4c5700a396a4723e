package vortex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// Per-batch caps enforced by the broker. The snapshot batcher chunks to
// these before calling.
const (
	QuoteBatchLimit = 500
	LTPBatchLimit   = 1000
	OHLCBatchLimit  = 1000
)

// paiseScale converts broker REST prices (paise integers) to rupees.
// Currency-derivative prices carry four extra digits.
var (
	paiseScale    = decimal.NewFromInt(100)
	currencyScale = decimal.NewFromInt(10_000_000)
)

// REST is the broker's snapshot and history HTTP client.
type REST struct {
	baseURL    string
	apiKey     string
	tokenFn    func() string
	httpClient *http.Client
}

// NewREST builds the REST client. tokenFn supplies the live access token.
func NewREST(baseURL, apiKey string, tokenFn func() string) *REST {
	return &REST{
		baseURL:    baseURL,
		apiKey:     apiKey,
		tokenFn:    tokenFn,
		httpClient: &http.Client{Timeout: httpCallTimeout},
	}
}

type quotePayload struct {
	LastTradePrice    *int64 `json:"last_trade_price"`
	LastTradeTime     *int64 `json:"last_trade_time"`
	LastTradeQuantity *int32 `json:"last_trade_quantity"`
	Volume            *int32 `json:"volume"`
	AverageTradePrice *int64 `json:"average_trade_price"`
	TotalBuyQuantity  *int64 `json:"total_buy_quantity"`
	TotalSellQuantity *int64 `json:"total_sell_quantity"`
	OpenInterest      *int32 `json:"open_interest"`
	DPRHigh           *int32 `json:"dpr_high"`
	DPRLow            *int32 `json:"dpr_low"`
	OHLC              *struct {
		Open  int64 `json:"open"`
		High  int64 `json:"high"`
		Low   int64 `json:"low"`
		Close int64 `json:"close"`
	} `json:"ohlc"`
	Depth *struct {
		Buy  []depthPayload `json:"buy"`
		Sell []depthPayload `json:"sell"`
	} `json:"depth"`
}

type depthPayload struct {
	Price    int64 `json:"price"`
	Quantity int32 `json:"quantity"`
	Orders   int32 `json:"orders"`
}

type quotesResponse struct {
	Status  string                   `json:"status"`
	Message string                   `json:"message"`
	Data    map[string]*quotePayload `json:"data"`
}

// Quotes fetches a snapshot for the given pairs at the requested depth. The
// result is keyed by canonical pair key; pairs the broker does not know are
// absent. Callers must respect the per-mode batch limits.
func (r *REST) Quotes(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error) {
	if len(pairs) == 0 {
		return map[string]*schema.Tick{}, nil
	}
	if limit := batchLimit(mode); len(pairs) > limit {
		return nil, errs.Validation(errs.CodeInvalidPayload,
			fmt.Sprintf("quote batch of %d exceeds limit %d", len(pairs), limit))
	}

	query := url.Values{"mode": {string(mode)}}
	for _, pair := range pairs {
		query.Add("q", pair.Key())
	}

	var parsed quotesResponse
	if err := r.getJSON(ctx, "/data/quotes?"+query.Encode(), &parsed); err != nil {
		return nil, errs.Upstream(errs.CodeQuoteFailed, "quote fetch failed", err)
	}
	if parsed.Status != "" && parsed.Status != "success" {
		return nil, errs.New(errs.KindUpstream, errs.CodeQuoteFailed,
			errs.WithMessage("quote fetch rejected"),
			errs.WithDetail("status", parsed.Status),
			errs.WithDetail("message", parsed.Message))
	}

	now := time.Now().UTC()
	ticks := make(map[string]*schema.Tick, len(parsed.Data))
	for key, payload := range parsed.Data {
		pair, err := schema.ParsePair(key)
		if err != nil || payload == nil {
			continue
		}
		ticks[key] = payload.tick(pair, mode, now)
	}
	return ticks, nil
}

func (p *quotePayload) tick(pair schema.Pair, mode schema.Mode, now time.Time) *schema.Tick {
	scale := paiseScale
	if pair.Exchange.Currency() {
		scale = currencyScale
	}
	price := func(paise int64) float64 {
		v, _ := decimal.NewFromInt(paise).Div(scale).Float64()
		return v
	}

	tick := &schema.Tick{
		Token:    pair.Token,
		Exchange: pair.Exchange,
		Mode:     mode,
		ServerTS: now,
	}
	if p.LastTradePrice != nil {
		tick.LastPrice = price(*p.LastTradePrice)
	}
	if p.LastTradeTime != nil && *p.LastTradeTime > 0 {
		t := time.Unix(*p.LastTradeTime, 0).UTC()
		tick.LastTradeTime = &t
	}
	tick.LastQuantity = p.LastTradeQuantity
	tick.Volume = p.Volume
	if p.AverageTradePrice != nil {
		avg := price(*p.AverageTradePrice)
		tick.AveragePrice = &avg
	}
	tick.TotalBuyQty = p.TotalBuyQuantity
	tick.TotalSellQty = p.TotalSellQuantity
	tick.OpenInterest = p.OpenInterest
	tick.DPRHigh = p.DPRHigh
	tick.DPRLow = p.DPRLow
	if p.OHLC != nil {
		tick.OHLC = &schema.OHLC{
			Open:  price(p.OHLC.Open),
			High:  price(p.OHLC.High),
			Low:   price(p.OHLC.Low),
			Close: price(p.OHLC.Close),
		}
	}
	if p.Depth != nil {
		depth := &schema.Depth{}
		for _, level := range p.Depth.Buy {
			depth.Bid = append(depth.Bid, schema.DepthLevel{
				Price: price(level.Price), Quantity: level.Quantity, Orders: level.Orders,
			})
		}
		for _, level := range p.Depth.Sell {
			depth.Ask = append(depth.Ask, schema.DepthLevel{
				Price: price(level.Price), Quantity: level.Quantity, Orders: level.Orders,
			})
		}
		tick.Depth = depth
	}
	return tick
}

// Candle is one history bar, prices in rupees.
type Candle struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
}

type historyResponse struct {
	Status  string    `json:"s"`
	Times   []int64   `json:"t"`
	Opens   []float64 `json:"o"`
	Highs   []float64 `json:"h"`
	Lows    []float64 `json:"l"`
	Closes  []float64 `json:"c"`
	Volumes []int64   `json:"v"`
}

// Historical fetches bars for one pair in the column-oriented history format.
func (r *REST) Historical(ctx context.Context, pair schema.Pair, resolution string, from, to time.Time) ([]Candle, error) {
	query := url.Values{
		"exchange":   {string(pair.Exchange)},
		"token":      {strconv.FormatInt(int64(pair.Token), 10)},
		"resolution": {resolution},
		"from":       {strconv.FormatInt(from.Unix(), 10)},
		"to":         {strconv.FormatInt(to.Unix(), 10)},
	}
	var parsed historyResponse
	if err := r.getJSON(ctx, "/data/history?"+query.Encode(), &parsed); err != nil {
		return nil, errs.Upstream(errs.CodeHistoricalFailed, "history fetch failed", err)
	}
	if parsed.Status != "ok" && parsed.Status != "" {
		return nil, errs.New(errs.KindUpstream, errs.CodeHistoricalFailed,
			errs.WithMessage("history fetch rejected"),
			errs.WithDetail("status", parsed.Status))
	}

	candles := make([]Candle, 0, len(parsed.Times))
	for i, ts := range parsed.Times {
		candle := Candle{Time: time.Unix(ts, 0).UTC()}
		if i < len(parsed.Opens) {
			candle.Open = parsed.Opens[i]
		}
		if i < len(parsed.Highs) {
			candle.High = parsed.Highs[i]
		}
		if i < len(parsed.Lows) {
			candle.Low = parsed.Lows[i]
		}
		if i < len(parsed.Closes) {
			candle.Close = parsed.Closes[i]
		}
		if i < len(parsed.Volumes) {
			candle.Volume = parsed.Volumes[i]
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// FetchMaster downloads the instrument master CSV. An explicit sourceURL
// overrides the broker default; an exchange narrows the download.
func (r *REST) FetchMaster(ctx context.Context, exchange schema.Exchange, sourceURL string) (io.ReadCloser, error) {
	target := sourceURL
	if target == "" {
		target = r.baseURL + "/data/instruments"
		if exchange != "" {
			target += "?exchange=" + url.QueryEscape(string(exchange))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	r.authorize(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch master: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch master: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *REST) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	r.authorize(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errs.New(errs.KindUpstream, errs.CodeExpiredToken,
			errs.WithMessage("broker rejected the access token"))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(raw))
	}
	return json.Unmarshal(raw, out)
}

func (r *REST) authorize(req *http.Request) {
	if token := r.tokenFn(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("x-api-key", r.apiKey)
}

func batchLimit(mode schema.Mode) int {
	switch mode {
	case schema.ModeLTP:
		return LTPBatchLimit
	case schema.ModeOHLCV:
		return OHLCBatchLimit
	default:
		return QuoteBatchLimit
	}
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
