package registry

import (
	"strconv"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// FOQuery is the parsed form of a derivatives search query such as
// "NIFTY 24500 CE 25SEP" or "BANKNIFTY 20250930 52000 PE".
type FOQuery struct {
	Underlying  string
	ExpiryDate  *time.Time
	ExpiryMonth time.Month
	ExpiryYear  int
	Strike      *float64
	OptionType  schema.InstrumentType
}

// Parsed reports whether the query carried any derivative hints beyond the
// underlying.
func (q FOQuery) Parsed() bool {
	return q.ExpiryDate != nil || q.ExpiryMonth != 0 || q.Strike != nil || q.OptionType != ""
}

var monthAbbrev = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseFOQuery tokenizes a free-form search query and extracts underlying,
// expiry hint, strike and option type. Unrecognized tokens accumulate into
// the underlying.
func ParseFOQuery(raw string) FOQuery {
	var (
		query      FOQuery
		underlying []string
	)
	for _, token := range strings.Fields(strings.ToUpper(strings.TrimSpace(raw))) {
		switch {
		case token == "CE" || token == "CALL":
			query.OptionType = schema.InstrumentCall
		case token == "PE" || token == "PUT":
			query.OptionType = schema.InstrumentPut
		case token == "FUT" || token == "FUTURE" || token == "FUTURES":
			// Marks a futures search; no option type, no strike expected.
			query.OptionType = schema.InstrumentFuture
		case isCompactDate(token):
			if t, err := time.Parse("20060102", token); err == nil {
				t = t.UTC()
				query.ExpiryDate = &t
				query.ExpiryMonth = t.Month()
				query.ExpiryYear = t.Year()
			}
		case parseMonthHint(token, &query):
			// Consumed as a loose month hint such as "SEP", "25SEP" or "SEP25".
		case isNumeric(token):
			if strike, err := strconv.ParseFloat(token, 64); err == nil && strike > 0 {
				query.Strike = &strike
			}
		default:
			underlying = append(underlying, token)
		}
	}
	query.Underlying = strings.Join(underlying, " ")
	return query
}

func isCompactDate(token string) bool {
	if len(token) != 8 {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isNumeric(token string) bool {
	if token == "" {
		return false
	}
	dot := false
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

// parseMonthHint accepts "SEP", "SEP25", "25SEP", "SEP2025" forms. A two-digit
// prefix or suffix is a year; bare months assume the next occurrence.
func parseMonthHint(token string, query *FOQuery) bool {
	if len(token) < 3 {
		return false
	}
	try := func(monthPart, yearPart string) bool {
		month, ok := monthAbbrev[monthPart]
		if !ok {
			return false
		}
		year := 0
		switch len(yearPart) {
		case 0:
		case 2:
			n, err := strconv.Atoi(yearPart)
			if err != nil {
				return false
			}
			year = 2000 + n
		case 4:
			n, err := strconv.Atoi(yearPart)
			if err != nil {
				return false
			}
			year = n
		default:
			return false
		}
		query.ExpiryMonth = month
		query.ExpiryYear = year
		return true
	}
	if try(token[:3], token[3:]) {
		return true
	}
	if len(token) > 3 && try(token[len(token)-3:], token[:len(token)-3]) {
		return true
	}
	return false
}

// Matches reports whether a record satisfies every hint the query carries.
func (q FOQuery) Matches(record schema.InstrumentRecord, now time.Time) bool {
	if q.OptionType != "" && record.InstrumentType != q.OptionType {
		return false
	}
	if q.Strike != nil {
		if record.Strike == nil {
			return false
		}
		diff := *record.Strike - *q.Strike
		if diff < -0.001 || diff > 0.001 {
			return false
		}
	}
	if q.ExpiryDate != nil {
		if record.ExpiryDate == nil || !sameDay(*record.ExpiryDate, *q.ExpiryDate) {
			return false
		}
		return true
	}
	if q.ExpiryMonth != 0 {
		if record.ExpiryDate == nil || record.ExpiryDate.Month() != q.ExpiryMonth {
			return false
		}
		switch {
		case q.ExpiryYear != 0:
			return record.ExpiryDate.Year() == q.ExpiryYear
		default:
			// Bare month hint: accept this year or the next.
			y := record.ExpiryDate.Year()
			return y == now.Year() || y == now.Year()+1
		}
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
