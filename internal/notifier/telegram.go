package notifier

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/coinwatch/internal/domain"
	"github.com/vadiminshakov/coinwatch/pkg/retrier"
)

const (
	defaultTelegramURL = "https://api.telegram.org"
	defaultSendTimeout = 15 * time.Second
	defaultMaxRetries  = 3
)

// Telegram sends messages to a single chat through the Bot API.
type Telegram struct {
	apiURL     string
	token      string
	chatID     string
	httpClient *http.Client
	retrier    *retrier.Retrier
	l          *zap.Logger
}

// TelegramOption customizes the Telegram sender.
type TelegramOption func(*Telegram)

// WithAPIURL points the sender at a different Bot API host.
func WithAPIURL(apiURL string) TelegramOption {
	return func(t *Telegram) {
		t.apiURL = strings.TrimRight(apiURL, "/")
	}
}

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) {
		t.httpClient = c
	}
}

// WithRetrier replaces the default retry policy.
func WithRetrier(r *retrier.Retrier) TelegramOption {
	return func(t *Telegram) {
		t.retrier = r
	}
}

// NewTelegram creates a Telegram sender. maxRetries < 0 selects the default.
func NewTelegram(l *zap.Logger, token, chatID string, maxRetries int, opts ...TelegramOption) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if chatID == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if l == nil {
		l = zap.NewNop()
	}

	t := &Telegram{
		apiURL:     defaultTelegramURL,
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: defaultSendTimeout},
		l:          l,
	}
	t.retrier = retrier.New(
		retrier.WithMaxRetries(maxRetries),
		retrier.WithInitialInterval(time.Second),
		retrier.WithRetryIf(isTemporary),
	)

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// SendText posts text to the configured chat, retrying throttled and server side failures.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	attempt := 0
	return t.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := t.send(ctx, text)
		if err != nil && isTemporary(err) {
			t.l.Warn("telegram send failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

func (t *Telegram) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return &domain.NotifyError{Err: errors.Wrap(err, "marshal sendMessage request")}
	}

	endpoint := t.apiURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &domain.NotifyError{Err: errors.Wrap(err, "create sendMessage request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// the request URL carries the bot token
		return &domain.NotifyError{Err: errors.New(redact(err.Error(), t.token))}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.NotifyError{Status: resp.StatusCode, Err: errors.Wrap(err, "read sendMessage response")}
	}

	var parsed botResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode == http.StatusOK && parsed.OK {
		return nil
	}

	notifyErr := &domain.NotifyError{Status: resp.StatusCode}
	if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
		notifyErr.Wait = time.Duration(parsed.Parameters.RetryAfter) * time.Second
	}
	if parsed.Description != "" {
		notifyErr.Err = errors.New(parsed.Description)
	} else {
		notifyErr.Err = errors.Errorf("unexpected response: %s", strings.TrimSpace(string(body)))
	}

	return notifyErr
}

func isTemporary(err error) bool {
	var notifyErr *domain.NotifyError
	if errors.As(err, &notifyErr) {
		return notifyErr.Temporary()
	}
	return false
}

func redact(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "<redacted>")
}
