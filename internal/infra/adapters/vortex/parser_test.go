package vortex

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

var parseNow = time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)

func putExchange(buf *bytes.Buffer, exchange schema.Exchange) {
	field := make([]byte, exchangeFieldLen)
	copy(field, exchange)
	buf.Write(field)
}

func putF64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func putI32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func encodeLTP(exchange schema.Exchange, token int32, lastPrice float64) []byte {
	var buf bytes.Buffer
	putExchange(&buf, exchange)
	putI32(&buf, token)
	putF64(&buf, lastPrice)
	return buf.Bytes()
}

func encodeOHLCV(exchange schema.Exchange, token int32, lastPrice float64, ltt int32, ohlc schema.OHLC, volume int32) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLTP(exchange, token, lastPrice))
	putI32(&buf, ltt)
	putF64(&buf, ohlc.Open)
	putF64(&buf, ohlc.High)
	putF64(&buf, ohlc.Low)
	putF64(&buf, ohlc.Close)
	putI32(&buf, volume)
	return buf.Bytes()
}

func encodeFull(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(encodeOHLCV(schema.ExchangeNSEFutures, 53001, 24512.5, 1756102500,
		schema.OHLC{Open: 24400, High: 24600, Low: 24380, Close: 24490}, 1250000))
	putF64(&buf, 24505.25) // average_price
	putI64(&buf, 450000)   // total_buy_qty
	putI64(&buf, 390000)   // total_sell_qty
	putI32(&buf, 1875000)  // open_interest
	putI32(&buf, 1756102501)
	putI32(&buf, 75) // last_trade_quantity
	for level := 0; level < 5; level++ {
		putF64(&buf, 24512.0-float64(level)*0.5)
		putI32(&buf, int32(100+level))
		putI32(&buf, int32(2+level))
	}
	for level := 0; level < 5; level++ {
		putF64(&buf, 24513.0+float64(level)*0.5)
		putI32(&buf, int32(90+level))
		putI32(&buf, int32(1+level))
	}
	putI32(&buf, 26963) // dpr high
	putI32(&buf, 22061) // dpr low
	if buf.Len() != packetFull {
		t.Fatalf("full packet is %d bytes, want %d", buf.Len(), packetFull)
	}
	return buf.Bytes()
}

func frame(packets ...[]byte) []byte {
	var buf bytes.Buffer
	for _, packet := range packets {
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(packet)))
		buf.Write(hdr[:])
		buf.Write(packet)
	}
	return buf.Bytes()
}

func TestParseLTPPacket(t *testing.T) {
	ticks, err := ParseFrame(frame(encodeLTP(schema.ExchangeNSEEquity, 738561, 2945.35)), parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks", len(ticks))
	}
	tick := ticks[0]
	if tick.Exchange != schema.ExchangeNSEEquity || tick.Token != 738561 {
		t.Fatalf("identity: %+v", tick)
	}
	if tick.LastPrice != 2945.35 {
		t.Fatalf("last price: %v", tick.LastPrice)
	}
	if tick.Mode != schema.ModeLTP {
		t.Fatalf("mode: %v", tick.Mode)
	}
	if tick.OHLC != nil || tick.Volume != nil || tick.Depth != nil {
		t.Fatal("ltp packet must not populate richer fields")
	}
	if !tick.ServerTS.Equal(parseNow) {
		t.Fatalf("server ts: %v", tick.ServerTS)
	}
}

func TestParseOHLCVPacketConvertsISTToUTC(t *testing.T) {
	// 1756102500 seconds read as IST wall time; UTC is 5h30m earlier.
	packet := encodeOHLCV(schema.ExchangeNSEEquity, 738561, 2945.35, 1756102500,
		schema.OHLC{Open: 2900, High: 2950, Low: 2890, Close: 2940}, 541200)
	ticks, err := ParseFrame(frame(packet), parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	tick := ticks[0]
	if tick.Mode != schema.ModeOHLCV {
		t.Fatalf("mode: %v", tick.Mode)
	}
	if tick.OHLC == nil || tick.OHLC.High != 2950 {
		t.Fatalf("ohlc: %+v", tick.OHLC)
	}
	if tick.Volume == nil || *tick.Volume != 541200 {
		t.Fatalf("volume: %v", tick.Volume)
	}
	want := time.Unix(1756102500, 0).UTC().Add(-istOffset)
	if tick.LastTradeTime == nil || !tick.LastTradeTime.Equal(want) {
		t.Fatalf("last trade time: got %v want %v", tick.LastTradeTime, want)
	}
}

func TestParseFullPacket(t *testing.T) {
	ticks, err := ParseFrame(frame(encodeFull(t)), parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	tick := ticks[0]
	if tick.Mode != schema.ModeFull {
		t.Fatalf("mode: %v", tick.Mode)
	}
	if tick.AveragePrice == nil || *tick.AveragePrice != 24505.25 {
		t.Fatalf("avg price: %v", tick.AveragePrice)
	}
	if tick.TotalBuyQty == nil || *tick.TotalBuyQty != 450000 {
		t.Fatalf("buy qty: %v", tick.TotalBuyQty)
	}
	if tick.OpenInterest == nil || *tick.OpenInterest != 1875000 {
		t.Fatalf("oi: %v", tick.OpenInterest)
	}
	if tick.LastQuantity == nil || *tick.LastQuantity != 75 {
		t.Fatalf("ltq: %v", tick.LastQuantity)
	}
	if tick.Depth == nil || len(tick.Depth.Bid) != 5 || len(tick.Depth.Ask) != 5 {
		t.Fatalf("depth: %+v", tick.Depth)
	}
	if tick.Depth.Bid[0].Price != 24512.0 || tick.Depth.Bid[4].Quantity != 104 {
		t.Fatalf("bid side: %+v", tick.Depth.Bid)
	}
	if tick.Depth.Ask[0].Price != 24513.0 || tick.Depth.Ask[4].Orders != 5 {
		t.Fatalf("ask side: %+v", tick.Depth.Ask)
	}
	if tick.DPRHigh == nil || *tick.DPRHigh != 26963 || tick.DPRLow == nil || *tick.DPRLow != 22061 {
		t.Fatalf("dpr: %v %v", tick.DPRHigh, tick.DPRLow)
	}
}

func TestParseIndexQuotePacket(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeLTP(schema.ExchangeNSEEquity, 26000, 24350.15))
	putI32(&buf, 1756102500)
	putF64(&buf, 24300)
	putF64(&buf, 24400)
	putF64(&buf, 24250)
	putF64(&buf, 24340)
	if buf.Len() != packetIndexQuote {
		t.Fatalf("index packet is %d bytes", buf.Len())
	}
	ticks, err := ParseFrame(frame(buf.Bytes()), parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	tick := ticks[0]
	if !tick.Index {
		t.Fatal("index flag not set")
	}
	if tick.Volume != nil || tick.Depth != nil || tick.OpenInterest != nil {
		t.Fatal("index packet must not carry volume, oi or depth")
	}
	if tick.OHLC == nil || tick.OHLC.Low != 24250 {
		t.Fatalf("ohlc: %+v", tick.OHLC)
	}
}

func TestParseHeartbeatDroppedSilently(t *testing.T) {
	ticks, err := ParseFrame([]byte{0x01}, parseNow)
	if err != nil || ticks != nil {
		t.Fatalf("heartbeat: ticks=%v err=%v", ticks, err)
	}
}

func TestParseMultiPacketFrame(t *testing.T) {
	// A large frame mixing every packet kind, well past 64 KiB.
	var packets [][]byte
	for i := 0; i < 250; i++ {
		packets = append(packets,
			encodeLTP(schema.ExchangeNSEEquity, int32(1000+i), float64(i)+0.5),
			encodeFull(t))
	}
	raw := frame(packets...)
	if len(raw) <= 65537 {
		t.Fatalf("frame too small to exercise length handling: %d", len(raw))
	}
	ticks, err := ParseFrame(raw, parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(ticks) != 500 {
		t.Fatalf("got %d ticks", len(ticks))
	}
	if ticks[0].Token != 1000 || ticks[498].Token != 1249 {
		t.Fatalf("per-frame order broken: %d %d", ticks[0].Token, ticks[498].Token)
	}
}

func TestParseFrameNearMaxLengthWithTrailingHeartbeat(t *testing.T) {
	// 2730 LTP packets fill 65520 bytes; the trailing heartbeat byte
	// pushes the frame to 65521, the closest a valid frame gets to the
	// 65535-byte transport ceiling with these packet sizes.
	var packets [][]byte
	for i := 0; i < 2730; i++ {
		packets = append(packets, encodeLTP(schema.ExchangeNSEEquity, int32(i+1), float64(i)))
	}
	raw := append(frame(packets...), 0x01)
	if len(raw) != 65521 {
		t.Fatalf("frame is %d bytes", len(raw))
	}
	ticks, err := ParseFrame(raw, parseNow)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(ticks) != 2730 {
		t.Fatalf("got %d ticks", len(ticks))
	}
	if ticks[0].Token != 1 || ticks[2729].Token != 2730 {
		t.Fatalf("order broken: %d %d", ticks[0].Token, ticks[2729].Token)
	}
}

func TestParseRejectsTruncatedPacket(t *testing.T) {
	raw := frame(encodeLTP(schema.ExchangeNSEEquity, 1, 1.0))
	if _, err := ParseFrame(raw[:len(raw)-3], parseNow); err == nil {
		t.Fatal("expected error for truncated packet")
	}
}

func TestParseRejectsUnknownExchange(t *testing.T) {
	packet := encodeLTP("BSE_EQ", 1, 1.0)
	if _, err := ParseFrame(frame(packet), parseNow); err == nil {
		t.Fatal("expected error for unknown exchange label")
	}
}
