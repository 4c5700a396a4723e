package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// ParseMaster reads one broker master CSV. The header row is mandatory and
// column order is not assumed; unknown columns are ignored. Rows missing a
// token or symbol, or carrying an unknown exchange, are skipped and counted.
func ParseMaster(r io.Reader, fallback schema.Exchange) ([]schema.InstrumentRecord, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read master header: %w", err)
	}
	cols := indexColumns(header)
	if _, ok := cols["token"]; !ok {
		return nil, 0, fmt.Errorf("master csv missing token column")
	}

	var (
		records []schema.InstrumentRecord
		skipped int
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read master row: %w", err)
		}
		record, ok := parseMasterRow(row, cols, fallback)
		if !ok {
			skipped++
			continue
		}
		records = append(records, record)
	}
	return records, skipped, nil
}

// Accepted header aliases, lower-cased.
var masterColumnAliases = map[string]string{
	"token":            "token",
	"instrument_token": "token",
	"exchange":         "exchange",
	"exchange_segment": "exchange",
	"symbol":           "symbol",
	"tradingsymbol":    "symbol",
	"trading_symbol":   "symbol",
	"name":             "name",
	"company_name":     "name",
	"series":           "series",
	"instrument_name":  "series",
	"instrument_type":  "series",
	"option_type":      "option_type",
	"expiry":           "expiry",
	"expiry_date":      "expiry",
	"strike":           "strike",
	"strike_price":     "strike",
	"lot_size":         "lot_size",
	"tick_size":        "tick_size",
	"tick":             "tick_size",
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, raw := range header {
		name := strings.ToLower(strings.TrimSpace(raw))
		if canonical, ok := masterColumnAliases[name]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	return cols
}

func parseMasterRow(row []string, cols map[string]int, fallback schema.Exchange) (schema.InstrumentRecord, bool) {
	field := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	token, err := strconv.ParseInt(field("token"), 10, 32)
	if err != nil || token <= 0 {
		return schema.InstrumentRecord{}, false
	}
	symbol := strings.ToUpper(field("symbol"))
	if symbol == "" {
		return schema.InstrumentRecord{}, false
	}
	exchange := fallback
	if raw := field("exchange"); raw != "" {
		parsed, ok := schema.ParseExchange(raw)
		if !ok {
			return schema.InstrumentRecord{}, false
		}
		exchange = parsed
	}
	if !exchange.Valid() {
		return schema.InstrumentRecord{}, false
	}

	record := schema.InstrumentRecord{
		Token:          int32(token),
		Exchange:       exchange,
		Symbol:         symbol,
		Name:           field("name"),
		InstrumentType: classifyInstrument(field("series"), field("option_type"), symbol),
		LotSize:        1,
		TickSize:       0.05,
		IsActive:       true,
	}
	if lot, err := strconv.ParseInt(field("lot_size"), 10, 32); err == nil && lot > 0 {
		record.LotSize = int32(lot)
	}
	if tick, err := strconv.ParseFloat(field("tick_size"), 64); err == nil && tick > 0 {
		record.TickSize = tick
	}
	if strike, err := strconv.ParseFloat(field("strike"), 64); err == nil && strike > 0 {
		record.Strike = &strike
	}
	if expiry, ok := parseMasterDate(field("expiry")); ok {
		record.ExpiryDate = &expiry
	}
	return record, true
}

var masterDateLayouts = []string{"2006-01-02", "02-Jan-2006", "20060102", "02JAN2006"}

func parseMasterDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range masterDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	// Epoch seconds appear in some master dumps.
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 1_000_000_000 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func classifyInstrument(series, optionType, symbol string) schema.InstrumentType {
	series = strings.ToUpper(series)
	optionType = strings.ToUpper(optionType)
	switch optionType {
	case "CE", "CALL":
		return schema.InstrumentCall
	case "PE", "PUT":
		return schema.InstrumentPut
	}
	switch {
	case strings.HasPrefix(series, "OPT"):
		// Option series without an option_type column carry CE/PE as the
		// symbol suffix.
		if strings.HasSuffix(symbol, "PE") {
			return schema.InstrumentPut
		}
		return schema.InstrumentCall
	case strings.HasPrefix(series, "FUT"):
		return schema.InstrumentFuture
	case series == "INDEX" || series == "IDX":
		return schema.InstrumentIndex
	default:
		return schema.InstrumentEquity
	}
}
