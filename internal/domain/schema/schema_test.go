package schema

import "testing"

func TestParsePair(t *testing.T) {
	pair, err := ParsePair("NSE_EQ-26000")
	if err != nil {
		t.Fatalf("parse pair: %v", err)
	}
	if pair.Exchange != ExchangeNSEEquity || pair.Token != 26000 {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if got := pair.Key(); got != "NSE_EQ-26000" {
		t.Fatalf("round trip key mismatch: %s", got)
	}
}

func TestParsePairRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "NSE_EQ", "NSE_EQ-", "-26000", "BSE_EQ-1", "NSE_EQ-abc"} {
		if _, err := ParsePair(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestModeOrder(t *testing.T) {
	if ModeLTP.Rank() >= ModeOHLCV.Rank() || ModeOHLCV.Rank() >= ModeFull.Rank() {
		t.Fatal("mode order broken")
	}
	if MaxMode(ModeLTP, ModeFull) != ModeFull {
		t.Fatal("expected full to dominate ltp")
	}
	if MaxMode(ModeOHLCV, ModeLTP) != ModeOHLCV {
		t.Fatal("expected ohlcv to dominate ltp")
	}
}

func TestParseModeNormalizes(t *testing.T) {
	mode, ok := ParseMode("  FULL ")
	if !ok || mode != ModeFull {
		t.Fatalf("expected full, got %q ok=%v", mode, ok)
	}
	if _, ok := ParseMode("depth"); ok {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestEntitled(t *testing.T) {
	key := APIKey{Exchanges: []Exchange{ExchangeNSEEquity}}
	if !key.Entitled(ExchangeNSEEquity) {
		t.Fatal("expected NSE_EQ entitlement")
	}
	if key.Entitled(ExchangeMCXFutures) {
		t.Fatal("expected MCX_FO to be denied")
	}
	if (APIKey{}).Entitled(ExchangeNSEEquity) {
		t.Fatal("empty entitlement list must grant nothing")
	}
}
