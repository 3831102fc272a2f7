package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"RiskEngine/internal/config"
	"RiskEngine/internal/consumer"
	"RiskEngine/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier posts risk-level changes to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	logger   *slog.Logger

	consumer *consumer.Consumer
	inflight sync.WaitGroup
}

// NewNotifier registers bot token and chat identifier.
func NewNotifier(cfg config.TelegramConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
	n.consumer = &consumer.Consumer{OnRisk: n.onRisk}
	return n
}

// Configured reports whether token and chat are set.
func (n *Notifier) Configured() bool {
	return n.botToken != "" && n.chatID != ""
}

// Consumer returns the subscriber record. The notifier keeps it alive.
func (n *Notifier) Consumer() *consumer.Consumer {
	return n.consumer
}

// Wait blocks until every message posted so far has been handled.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}

func (n *Notifier) onRisk(result domain.CachedRiskResult) {
	if !result.RiskLevelChanged {
		return
	}
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.PublishRisk(ctx, result); err != nil {
			n.logger.Warn("telegram notification failed", "error", err)
		}
	}()
}

// PublishRisk posts a Markdown message describing result.
func (n *Notifier) PublishRisk(ctx context.Context, result domain.CachedRiskResult) error {
	if !n.Configured() || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", formatRiskMessage(result))
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

func formatRiskMessage(result domain.CachedRiskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Risk level changed: %s*\n", result.CombinedRiskLevel)
	fmt.Fprintf(&b, "Computed at %s\n", result.ComputedAt.UTC().Format(time.RFC3339))

	if date, level, ok := result.RiskLevelByDate.MostRecent(); ok {
		fmt.Fprintf(&b, "Most recent encounter: %s (%s)\n", date, level)
	}
	fmt.Fprintf(&b, "Exposure windows: %d, check-ins: %d",
		result.Exposure.Counts.Considered,
		result.Checkin.Counts.Considered,
	)
	return b.String()
}
