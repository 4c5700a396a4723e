package registry

import "github.com/vayulabs/vayu-gateway/internal/domain/schema"

// indexTokens maps well-known bare-index tokens to their exchange. Indices
// are not tradable and never appear in the F&O master, so resolution falls
// back to this table after the live and mapping lookups.
var indexTokens = map[int32]schema.Exchange{
	26000: schema.ExchangeNSEEquity, // NIFTY 50
	26009: schema.ExchangeNSEEquity, // NIFTY BANK
	26017: schema.ExchangeNSEEquity, // INDIA VIX
	26037: schema.ExchangeNSEEquity, // NIFTY FIN SERVICE
	26074: schema.ExchangeNSEEquity, // NIFTY MIDCAP SELECT
	26013: schema.ExchangeNSEEquity, // NIFTY NEXT 50
	26060: schema.ExchangeNSEEquity, // NIFTY MIDCAP 100
}

// IndexExchange resolves a bare-index token, if known.
func IndexExchange(token int32) (schema.Exchange, bool) {
	exchange, ok := indexTokens[token]
	return exchange, ok
}
