// Package notify pushes strategy lifecycle and trade messages to
// Discord and Telegram. Deliveries are fire-and-forget: the event bus
// already runs subscribers off the decision loop, and send failures are
// logged, never propagated.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/events"
	"strategy-agent/internal/models"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyStrategyStart NotificationType = "strategy_start"
	NotifyStrategyStop  NotificationType = "strategy_stop"
	NotifyTradeOpen     NotificationType = "trade_open"
	NotifyTradeClose    NotificationType = "trade_close"
	NotifyError         NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	StrategyID string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to the configured providers and
// translates bus events into messages.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager builds the manager from configuration. Providers missing
// their credentials stay disabled.
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
	m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Watch subscribes the manager to strategy lifecycle, trade and error
// events.
func (m *Manager) Watch(bus *events.EventBus) {
	if bus == nil {
		return
	}
	bus.Subscribe(events.EventStrategyStatus, m.onStatus)
	bus.Subscribe(events.EventTradeExecuted, m.onTrade)
	bus.Subscribe(events.EventStrategyError, m.onError)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

func (m *Manager) deliver(n *Notification) {
	if err := m.Send(n); err != nil {
		m.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Notification delivery failed")
	}
}

func (m *Manager) onStatus(ev events.Event) {
	if ev.Status == nil {
		return
	}
	switch ev.Status.Status {
	case models.StatusRunning:
		m.deliver(&Notification{
			Type:       NotifyStrategyStart,
			Title:      "🟢 Strategy Started",
			Message:    fmt.Sprintf("Strategy %s entered the decision loop", ev.StrategyID),
			StrategyID: ev.StrategyID,
			Timestamp:  ev.Timestamp,
		})
	case models.StatusStopped:
		msg := fmt.Sprintf("Strategy %s stopped", ev.StrategyID)
		if ev.Status.Reason != "" {
			msg += fmt.Sprintf(" (%s)", ev.Status.Reason)
		}
		m.deliver(&Notification{
			Type:       NotifyStrategyStop,
			Title:      "🔴 Strategy Stopped",
			Message:    msg,
			StrategyID: ev.StrategyID,
			Timestamp:  ev.Timestamp,
		})
	}
}

func (m *Manager) onTrade(ev events.Event) {
	if ev.Trade == nil {
		return
	}
	t := ev.Trade

	if t.Closed() {
		pnl := 0.0
		if t.RealizedPnl != nil {
			pnl = *t.RealizedPnl
		}
		pnlPct := 0.0
		if t.NotionalEntry != nil && *t.NotionalEntry != 0 {
			pnlPct = pnl / *t.NotionalEntry * 100
		}
		emoji := "✅"
		if pnl < 0 {
			emoji = "❌"
		}
		m.deliver(&Notification{
			Type:       NotifyTradeClose,
			Title:      fmt.Sprintf("%s Trade Closed: %s", emoji, t.Instrument.Symbol),
			Message:    fmt.Sprintf("Entry: %.4f → Exit: %.4f\nP&L: %.4f (%.2f%%)", *t.EntryPrice, *t.ExitPrice, pnl, pnlPct),
			StrategyID: ev.StrategyID,
			Symbol:     t.Instrument.Symbol,
			Price:      *t.ExitPrice,
			PnL:        pnl,
			PnLPercent: pnlPct,
			Timestamp:  ev.Timestamp,
		})
		return
	}

	price := 0.0
	if t.EntryPrice != nil {
		price = *t.EntryPrice
	}
	m.deliver(&Notification{
		Type:       NotifyTradeOpen,
		Title:      fmt.Sprintf("📈 Trade Opened: %s", t.Instrument.Symbol),
		Message:    fmt.Sprintf("%s %s\nPrice: %.4f\nQuantity: %.8f", t.Side, t.Instrument.Symbol, price, t.Quantity),
		StrategyID: ev.StrategyID,
		Symbol:     t.Instrument.Symbol,
		Price:      price,
		Timestamp:  ev.Timestamp,
	})
}

func (m *Manager) onError(ev events.Event) {
	if ev.Error == nil {
		return
	}
	m.deliver(&Notification{
		Type:       NotifyError,
		Title:      fmt.Sprintf("⚠️ %s", ev.Error.Source),
		Message:    ev.Error.Message,
		StrategyID: ev.StrategyID,
		Timestamp:  ev.Timestamp,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	endpoint string
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: "https://api.telegram.org",
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.endpoint, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyStrategyStop {
		color = 0xFF0000
	} else if notification.Type == NotifyTradeClose && notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", notification.PnL, notification.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
