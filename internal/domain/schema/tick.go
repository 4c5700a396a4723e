package schema

import "time"

// OHLC carries the candle fields present in ohlcv and full packets.
type OHLC struct {
	Open  float64 `json:"o"`
	High  float64 `json:"h"`
	Low   float64 `json:"l"`
	Close float64 `json:"c"`
}

// DepthLevel is one side-level of the five-deep order book in full packets.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int32   `json:"quantity"`
	Orders   int32   `json:"orders"`
}

// Depth carries both sides of the book.
type Depth struct {
	Bid []DepthLevel `json:"bid"`
	Ask []DepthLevel `json:"ask"`
}

// Tick is the normalized form of one upstream packet. Prices are rupees as
// IEEE-754 doubles; fields absent from the packet stay nil and are omitted on
// the wire, never zeroed.
type Tick struct {
	Token    int32    `json:"token"`
	Exchange Exchange `json:"exchange"`
	Mode     Mode     `json:"mode,omitempty"`
	Index    bool     `json:"index,omitempty"`

	LastPrice     float64    `json:"last_price"`
	LastTradeTime *time.Time `json:"last_trade_time,omitempty"`
	LastQuantity  *int32     `json:"last_quantity,omitempty"`

	OHLC         *OHLC    `json:"ohlc,omitempty"`
	Volume       *int32   `json:"volume,omitempty"`
	AveragePrice *float64 `json:"avg_price,omitempty"`
	TotalBuyQty  *int64   `json:"total_buy_qty,omitempty"`
	TotalSellQty *int64   `json:"total_sell_qty,omitempty"`
	OpenInterest *int32   `json:"oi,omitempty"`
	Depth        *Depth   `json:"depth,omitempty"`
	DPRHigh      *int32   `json:"dpr_high,omitempty"`
	DPRLow       *int32   `json:"dpr_low,omitempty"`

	ServerTS time.Time `json:"server_ts"`
}

// Pair returns the identifying pair for the tick.
func (t *Tick) Pair() Pair { return Pair{Exchange: t.Exchange, Token: t.Token} }
