package schema

import "strings"

// Mode selects how much of each tick the upstream streams for a pair.
// Modes form a total order by information content: ltp < ohlcv < full.
type Mode string

const (
	// ModeLTP streams last price only (22-byte packets).
	ModeLTP Mode = "ltp"
	// ModeOHLCV adds candles and volume (62-byte packets).
	ModeOHLCV Mode = "ohlcv"
	// ModeFull adds averages, open interest and five depth levels (266-byte packets).
	ModeFull Mode = "full"
)

// ParseMode normalizes and validates a mode string.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLTP:
		return ModeLTP, true
	case ModeOHLCV:
		return ModeOHLCV, true
	case ModeFull:
		return ModeFull, true
	default:
		return "", false
	}
}

// Valid reports whether the mode is a member of the closed set.
func (m Mode) Valid() bool {
	_, ok := ParseMode(string(m))
	return ok
}

// Rank positions the mode in the information-content order.
func (m Mode) Rank() int {
	switch m {
	case ModeLTP:
		return 1
	case ModeOHLCV:
		return 2
	case ModeFull:
		return 3
	default:
		return 0
	}
}

// MaxMode returns the richer of the two modes.
func MaxMode(a, b Mode) Mode {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}
