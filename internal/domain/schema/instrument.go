// Package schema defines the market-data entities shared across the gateway.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exchange labels the upstream market segments the gateway understands.
type Exchange string

const (
	// ExchangeNSEEquity is the NSE cash segment.
	ExchangeNSEEquity Exchange = "NSE_EQ"
	// ExchangeNSEFutures is the NSE futures & options segment.
	ExchangeNSEFutures Exchange = "NSE_FO"
	// ExchangeNSECurrency is the NSE currency derivatives segment.
	ExchangeNSECurrency Exchange = "NSE_CUR"
	// ExchangeMCXFutures is the MCX commodity futures segment.
	ExchangeMCXFutures Exchange = "MCX_FO"
)

// Exchanges enumerates every supported exchange label in stable order.
func Exchanges() []Exchange {
	return []Exchange{ExchangeNSEEquity, ExchangeNSEFutures, ExchangeNSECurrency, ExchangeMCXFutures}
}

// ParseExchange normalizes and validates an exchange label.
func ParseExchange(raw string) (Exchange, bool) {
	candidate := Exchange(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case ExchangeNSEEquity, ExchangeNSEFutures, ExchangeNSECurrency, ExchangeMCXFutures:
		return candidate, true
	default:
		return "", false
	}
}

// Valid reports whether the exchange label belongs to the supported set.
func (e Exchange) Valid() bool {
	_, ok := ParseExchange(string(e))
	return ok
}

// Currency reports whether prices on this exchange use the 1e7 paise scale.
func (e Exchange) Currency() bool { return e == ExchangeNSECurrency }

// Pair identifies an instrument on the upstream wire: (exchange, token).
// Tokens may repeat across exchanges after contract expiries, so the pair is
// the only identifier accepted by the upstream protocol.
type Pair struct {
	Exchange Exchange `json:"exchange"`
	Token    int32    `json:"token"`
}

// Key renders the canonical "EXCHANGE-TOKEN" form used in wire payloads and
// shard hashing.
func (p Pair) Key() string {
	return string(p.Exchange) + "-" + strconv.FormatInt(int64(p.Token), 10)
}

// ParsePair accepts the "EXCHANGE-TOKEN" form.
func ParsePair(raw string) (Pair, error) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.LastIndex(trimmed, "-")
	if idx <= 0 || idx == len(trimmed)-1 {
		return Pair{}, fmt.Errorf("malformed pair %q", raw)
	}
	exchange, ok := ParseExchange(trimmed[:idx])
	if !ok {
		return Pair{}, fmt.Errorf("unknown exchange in pair %q", raw)
	}
	token, err := strconv.ParseInt(trimmed[idx+1:], 10, 32)
	if err != nil {
		return Pair{}, fmt.Errorf("malformed token in pair %q", raw)
	}
	return Pair{Exchange: exchange, Token: int32(token)}, nil
}

// InstrumentType categorizes instruments within an exchange.
type InstrumentType string

const (
	// InstrumentEquity is a cash equity.
	InstrumentEquity InstrumentType = "EQ"
	// InstrumentFuture covers index and stock futures (FUTIDX, FUTSTK, ...).
	InstrumentFuture InstrumentType = "FUT"
	// InstrumentCall is a call option.
	InstrumentCall InstrumentType = "CE"
	// InstrumentPut is a put option.
	InstrumentPut InstrumentType = "PE"
	// InstrumentIndex is a bare index; index ticks use the short packet form.
	InstrumentIndex InstrumentType = "INDEX"
)

// InstrumentRecord is the durable description of one tradable instrument.
// Mutated only by registry sync jobs.
type InstrumentRecord struct {
	Token          int32          `json:"token"`
	Exchange       Exchange       `json:"exchange"`
	Symbol         string         `json:"symbol"`
	Name           string         `json:"name,omitempty"`
	InstrumentType InstrumentType `json:"instrument_type"`
	ExpiryDate     *time.Time     `json:"expiry_date,omitempty"`
	Strike         *float64       `json:"strike,omitempty"`
	LotSize        int32          `json:"lot_size"`
	TickSize       float64        `json:"tick_size"`
	IsActive       bool           `json:"is_active"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// Index reports whether the record describes a bare index.
func (r InstrumentRecord) Index() bool { return r.InstrumentType == InstrumentIndex }

// SyncReport summarises the outcome of one registry sync run.
type SyncReport struct {
	JobID       string    `json:"job_id"`
	Exchange    Exchange  `json:"exchange,omitempty"`
	Source      string    `json:"source,omitempty"`
	Rows        int       `json:"rows"`
	Upserted    int       `json:"upserted"`
	Deactivated int       `json:"deactivated"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
