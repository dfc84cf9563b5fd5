package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxListedFailures = 10

// Notification carries the summary of one fetch run.
type Notification struct {
	RunID      string
	Job        string
	Entities   int
	Collected  int
	NoData     int
	Failed     int
	Records    int
	Symbols    int
	FirstDate  time.Time
	LastDate   time.Time
	OutputPath string
	Failures   []string
	Err        error
}

// Notifier delivers run summaries.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts summaries through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("run_id", note.RunID).Str("job", note.Job).Msg("run summary sent (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	job := note.Job
	if job == "" {
		job = "fetch"
	}
	status := "ok"
	if note.Err != nil {
		status = "error"
	}
	builder.WriteString(fmt.Sprintf("[datapull %s] %s\n", job, status))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	builder.WriteString(fmt.Sprintf("Stablecoins: %d (collected %d, no data %d, failed %d)\n", note.Entities, note.Collected, note.NoData, note.Failed))
	builder.WriteString(fmt.Sprintf("Records: %d across %d symbols\n", note.Records, note.Symbols))
	if !note.FirstDate.IsZero() {
		builder.WriteString(fmt.Sprintf("Range: %s to %s UTC\n",
			note.FirstDate.UTC().Format(time.DateOnly), note.LastDate.UTC().Format(time.DateOnly)))
	}
	if note.OutputPath != "" {
		builder.WriteString(fmt.Sprintf("Output: %s\n", note.OutputPath))
	}
	if len(note.Failures) > 0 {
		listed := note.Failures
		if len(listed) > maxListedFailures {
			listed = listed[:maxListedFailures]
		}
		builder.WriteString(fmt.Sprintf("Failed: %s", strings.Join(listed, ", ")))
		if extra := len(note.Failures) - len(listed); extra > 0 {
			builder.WriteString(fmt.Sprintf(" (+%d more)", extra))
		}
		builder.WriteString("\n")
	}
	if note.Err != nil {
		builder.WriteString(fmt.Sprintf("Error: %v\n", note.Err))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
