package models

import "testing"

func TestParseTradeAction(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    TradeAction
		wantErr bool
	}{
		{name: "open_long", raw: "open_long", want: ActionOpenLong},
		{name: "uppercase accepted", raw: "OPEN_SHORT", want: ActionOpenShort},
		{name: "padded accepted", raw: " close_long ", want: ActionCloseLong},
		{name: "close_short", raw: "close_short", want: ActionCloseShort},
		{name: "empty is noop", raw: "", want: ActionNoop},
		{name: "garbage rejected", raw: "hold", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTradeAction(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTradeAction(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseTradeAction(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestTradeActionSign(t *testing.T) {
	tests := []struct {
		action TradeAction
		want   float64
	}{
		{ActionOpenLong, 1},
		{ActionCloseShort, 1},
		{ActionOpenShort, -1},
		{ActionCloseLong, -1},
		{ActionNoop, 0},
	}

	for _, tt := range tests {
		if got := tt.action.Sign(); got != tt.want {
			t.Errorf("%s.Sign() = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestMarketSnapshotRefPrice(t *testing.T) {
	snap := MarketSnapshot{
		"BTC-USDT": {Price: &PriceInfo{Last: 50000}},
		"ETH-USDT": {Funding: &FundingInfo{MarkPrice: 3000}},
		"SOL-USDT": {},
	}

	if got := snap.RefPrice("BTC-USDT"); got != 50000 {
		t.Errorf("RefPrice(BTC-USDT) = %v, want 50000", got)
	}
	if got := snap.RefPrice("ETH-USDT"); got != 3000 {
		t.Errorf("RefPrice(ETH-USDT) = %v, want mark price 3000", got)
	}
	if got := snap.RefPrice("SOL-USDT"); got != 0 {
		t.Errorf("RefPrice(SOL-USDT) = %v, want 0", got)
	}
	if got := snap.RefPrice("XRP-USDT"); got != 0 {
		t.Errorf("RefPrice(XRP-USDT) = %v, want 0 for unknown symbol", got)
	}
}
