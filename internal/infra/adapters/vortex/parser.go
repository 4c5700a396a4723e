package vortex

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// Packet lengths on the binary wire. Every packet is prefixed by an int16 LE
// length; dispatch is by length alone so a cold registry never blocks parsing.
const (
	packetLTP        = 22
	packetIndexQuote = 58
	packetOHLCV      = 62
	packetFull       = 266

	exchangeFieldLen = 10
	depthLevels      = 5
	depthLevelLen    = 16
)

// istOffset converts the upstream's epoch-seconds-in-IST trade times to UTC.
// IST has no DST, so a fixed offset is exact.
const istOffset = 5*time.Hour + 30*time.Minute

// ParseFrame splits one binary frame into ticks. A 1-byte frame is the
// upstream heartbeat and yields nothing. Malformed trailing bytes fail the
// whole frame; partial results are discarded.
func ParseFrame(frame []byte, now time.Time) ([]*schema.Tick, error) {
	if len(frame) <= 1 {
		return nil, nil
	}
	var ticks []*schema.Tick
	rest := frame
	for len(rest) > 0 {
		if len(rest) == 1 {
			// Heartbeat byte trailing a data frame.
			break
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("truncated packet header (%d bytes left)", len(rest))
		}
		length := int(int16(binary.LittleEndian.Uint16(rest[:2])))
		rest = rest[2:]
		if length <= 0 || length > len(rest) {
			return nil, fmt.Errorf("packet length %d exceeds frame remainder %d", length, len(rest))
		}
		tick, err := parsePacket(rest[:length], now)
		if err != nil {
			return nil, err
		}
		if tick != nil {
			ticks = append(ticks, tick)
		}
		rest = rest[length:]
	}
	return ticks, nil
}

func parsePacket(packet []byte, now time.Time) (*schema.Tick, error) {
	switch len(packet) {
	case packetLTP:
		return parseLTP(packet, now)
	case packetIndexQuote:
		// 58 bytes is only ever the index layout; the four wire lengths
		// are disjoint, so no instrument lookup is needed to tell an
		// index apart from a tradable quote.
		return parseIndexQuote(packet, now)
	case packetOHLCV:
		return parseOHLCV(packet, now)
	case packetFull:
		return parseFull(packet, now)
	default:
		return nil, fmt.Errorf("unknown packet length %d", len(packet))
	}
}

// parseHeader reads the fields every packet starts with: exchange (10 ASCII,
// right-padded), token (int32) and last_price (float64).
func parseHeader(packet []byte, now time.Time) (*schema.Tick, error) {
	raw := strings.TrimRight(string(packet[:exchangeFieldLen]), "\x00 ")
	exchange, ok := schema.ParseExchange(raw)
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q in packet", raw)
	}
	return &schema.Tick{
		Exchange:  exchange,
		Token:     int32(binary.LittleEndian.Uint32(packet[10:14])),
		LastPrice: f64(packet[14:22]),
		ServerTS:  now.UTC(),
	}, nil
}

func parseLTP(packet []byte, now time.Time) (*schema.Tick, error) {
	tick, err := parseHeader(packet, now)
	if err != nil {
		return nil, err
	}
	tick.Mode = schema.ModeLTP
	return tick, nil
}

// parseIndexQuote handles the short index packet: header, last_trade_time and
// OHLC, with no volume, OI or depth.
func parseIndexQuote(packet []byte, now time.Time) (*schema.Tick, error) {
	tick, err := parseHeader(packet, now)
	if err != nil {
		return nil, err
	}
	tick.Mode = schema.ModeOHLCV
	tick.Index = true
	setTradeTime(tick, packet[22:26])
	tick.OHLC = parseOHLC(packet[26:58])
	return tick, nil
}

func parseOHLCV(packet []byte, now time.Time) (*schema.Tick, error) {
	tick, err := parseHeader(packet, now)
	if err != nil {
		return nil, err
	}
	tick.Mode = schema.ModeOHLCV
	setTradeTime(tick, packet[22:26])
	tick.OHLC = parseOHLC(packet[26:58])
	volume := i32(packet[58:62])
	tick.Volume = &volume
	return tick, nil
}

func parseFull(packet []byte, now time.Time) (*schema.Tick, error) {
	tick, err := parseOHLCV(packet[:packetOHLCV], now)
	if err != nil {
		return nil, err
	}
	tick.Mode = schema.ModeFull

	avg := f64(packet[62:70])
	tick.AveragePrice = &avg
	buy := int64(binary.LittleEndian.Uint64(packet[70:78]))
	tick.TotalBuyQty = &buy
	sell := int64(binary.LittleEndian.Uint64(packet[78:86]))
	tick.TotalSellQty = &sell
	oi := i32(packet[86:90])
	tick.OpenInterest = &oi

	// last_update_time is parsed and discarded; server_ts supersedes it.
	_ = i32(packet[90:94])
	ltq := i32(packet[94:98])
	tick.LastQuantity = &ltq

	depth := &schema.Depth{
		Bid: parseDepthSide(packet[98 : 98+depthLevels*depthLevelLen]),
		Ask: parseDepthSide(packet[178 : 178+depthLevels*depthLevelLen]),
	}
	tick.Depth = depth

	dprHigh := i32(packet[258:262])
	tick.DPRHigh = &dprHigh
	dprLow := i32(packet[262:266])
	tick.DPRLow = &dprLow
	return tick, nil
}

func parseDepthSide(data []byte) []schema.DepthLevel {
	levels := make([]schema.DepthLevel, depthLevels)
	for i := 0; i < depthLevels; i++ {
		off := i * depthLevelLen
		levels[i] = schema.DepthLevel{
			Price:    f64(data[off : off+8]),
			Quantity: i32(data[off+8 : off+12]),
			Orders:   i32(data[off+12 : off+16]),
		}
	}
	return levels
}

func parseOHLC(data []byte) *schema.OHLC {
	return &schema.OHLC{
		Open:  f64(data[0:8]),
		High:  f64(data[8:16]),
		Low:   f64(data[16:24]),
		Close: f64(data[24:32]),
	}
}

// setTradeTime converts the packet's IST epoch seconds to UTC. Zero means the
// instrument has not traded; the field stays nil.
func setTradeTime(tick *schema.Tick, data []byte) {
	secs := i32(data)
	if secs <= 0 {
		return
	}
	t := time.Unix(int64(secs), 0).UTC().Add(-istOffset)
	tick.LastTradeTime = &t
}

func f64(data []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data))
}

func i32(data []byte) int32 {
	return int32(binary.LittleEndian.Uint32(data))
}
