package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"patternwatch/internal/model"
)

// TelegramAPIBase is the public Bot API endpoint.
const TelegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
	log      *slog.Logger
}

// NewTelegramNotifier creates a Telegram notifier.
// baseURL: Bot API root, TelegramAPIBase when empty
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(baseURL, botToken, chatID string, log *slog.Logger) *TelegramNotifier {
	if baseURL == "" {
		baseURL = TelegramAPIBase
	}
	if log == nil {
		log = slog.Default()
	}
	return &TelegramNotifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: botToken,
		chatID:   chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With(slog.String("component", "telegram")),
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       markdownText(instrument, ev),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return deliveryErr("telegram", "marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return deliveryErr("telegram", "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return deliveryErr("telegram", "send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return deliveryErr("telegram", "unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	t.log.Debug("sent alert", slog.String("instrument", instrument), slog.String("kind", string(ev.Kind)))
	return nil
}
