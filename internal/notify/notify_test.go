package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/events"
	"strategy-agent/internal/models"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureNotifier) Send(n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, *n)
	return nil
}

func (c *captureNotifier) Name() string    { return "capture" }
func (c *captureNotifier) IsEnabled() bool { return true }

func (c *captureNotifier) notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

func captureManager() (*Manager, *captureNotifier) {
	m := &Manager{enabled: true, logger: zerolog.Nop()}
	cap := &captureNotifier{}
	m.AddNotifier(cap)
	return m, cap
}

func fptr(v float64) *float64 { return &v }

func TestStatusEventsProduceMessages(t *testing.T) {
	m, cap := captureManager()

	m.onStatus(events.Event{
		Type:       events.EventStrategyStatus,
		StrategyID: "strat-1",
		Timestamp:  time.Now(),
		Status:     &events.StatusPayload{Status: models.StatusRunning},
	})
	m.onStatus(events.Event{
		Type:       events.EventStrategyStatus,
		StrategyID: "strat-1",
		Timestamp:  time.Now(),
		Status:     &events.StatusPayload{Status: models.StatusStopped, Reason: "normal_exit"},
	})
	m.onStatus(events.Event{
		Type:       events.EventStrategyStatus,
		StrategyID: "strat-1",
		Timestamp:  time.Now(),
		Status:     &events.StatusPayload{Status: models.StatusPaused},
	})

	got := cap.notifications()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].Type != NotifyStrategyStart || !strings.Contains(got[0].Message, "strat-1") {
		t.Errorf("unexpected start notification %+v", got[0])
	}
	if got[1].Type != NotifyStrategyStop || !strings.Contains(got[1].Message, "(normal_exit)") {
		t.Errorf("unexpected stop notification %+v", got[1])
	}
}

func TestTradeEventsOpenAndClose(t *testing.T) {
	m, cap := captureManager()
	instrument := models.InstrumentRef{Symbol: "BTC-USDT"}

	m.onTrade(events.Event{
		Type:       events.EventTradeExecuted,
		StrategyID: "strat-1",
		Timestamp:  time.Now(),
		Trade: &models.TradeHistoryEntry{
			TradeID:    "t-1",
			Instrument: instrument,
			Side:       models.SideBuy,
			Quantity:   0.02,
			EntryPrice: fptr(50125),
		},
	})
	m.onTrade(events.Event{
		Type:       events.EventTradeExecuted,
		StrategyID: "strat-1",
		Timestamp:  time.Now(),
		Trade: &models.TradeHistoryEntry{
			TradeID:       "t-2",
			Instrument:    instrument,
			Side:          models.SideSell,
			Quantity:      0.02,
			EntryPrice:    fptr(50000),
			ExitPrice:     fptr(51000),
			NotionalEntry: fptr(1000),
			RealizedPnl:   fptr(20),
		},
	})

	got := cap.notifications()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].Type != NotifyTradeOpen || got[0].Price != 50125 {
		t.Errorf("unexpected open notification %+v", got[0])
	}
	if got[1].Type != NotifyTradeClose {
		t.Fatalf("expected close notification, got %+v", got[1])
	}
	if got[1].PnL != 20 || got[1].PnLPercent != 2 {
		t.Errorf("expected pnl 20 / 2%%, got %v / %v", got[1].PnL, got[1].PnLPercent)
	}
	if !strings.HasPrefix(got[1].Title, "✅") {
		t.Errorf("expected winning close title, got %q", got[1].Title)
	}
}

func TestLosingCloseIsFlagged(t *testing.T) {
	m, cap := captureManager()

	m.onTrade(events.Event{
		Type:      events.EventTradeExecuted,
		Timestamp: time.Now(),
		Trade: &models.TradeHistoryEntry{
			TradeID:       "t-3",
			Instrument:    models.InstrumentRef{Symbol: "ETH-USDT"},
			Side:          models.SideSell,
			Quantity:      1,
			EntryPrice:    fptr(3000),
			ExitPrice:     fptr(2900),
			NotionalEntry: fptr(3000),
			RealizedPnl:   fptr(-100),
		},
	})

	got := cap.notifications()
	if len(got) != 1 || !strings.HasPrefix(got[0].Title, "❌") {
		t.Fatalf("expected flagged losing close, got %+v", got)
	}
}

func TestDisabledManagerSendsNothing(t *testing.T) {
	m := &Manager{enabled: false, logger: zerolog.Nop()}
	cap := &captureNotifier{}
	m.AddNotifier(cap)

	m.onStatus(events.Event{
		Type:      events.EventStrategyStatus,
		Timestamp: time.Now(),
		Status:    &events.StatusPayload{Status: models.StatusRunning},
	})

	if len(cap.notifications()) != 0 {
		t.Fatal("disabled manager must not deliver")
	}
}

func TestDiscordSend(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	err := d.Send(&Notification{
		Type:      NotifyTradeClose,
		Title:     "✅ Trade Closed: BTC-USDT",
		Message:   "Entry: 50000 → Exit: 51000",
		Symbol:    "BTC-USDT",
		Price:     51000,
		PnL:       20,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if _, ok := payload["embeds"]; !ok {
		t.Errorf("expected embeds in payload, got %v", payload)
	}
}

func TestDiscordSendReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(&Notification{Title: "x", Timestamp: time.Now()}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "42"})
	tg.endpoint = srv.URL

	if err := tg.Send(&Notification{Title: "Strategy Started", Message: "strat-1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Errorf("unexpected path %q", gotPath)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if payload["chat_id"] != "42" {
		t.Errorf("expected chat_id 42, got %v", payload["chat_id"])
	}
}

func TestNotifiersDisabledWithoutCredentials(t *testing.T) {
	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true})
	if tg.IsEnabled() {
		t.Error("telegram without token/chat must stay disabled")
	}
	d := NewDiscordNotifier(config.DiscordConfig{Enabled: true})
	if d.IsEnabled() {
		t.Error("discord without webhook must stay disabled")
	}
}
