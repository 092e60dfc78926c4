package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

const defaultTelegramURL = "https://api.telegram.org"

// deliveryFailures mark a chat that will never accept messages again.
var deliveryFailures = []string{"bot was blocked", "chat not found", "user is deactivated"}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Unreachable reports whether the chat rejected the bot permanently.
func (e *APIError) Unreachable() bool {
	desc := strings.ToLower(e.Description)
	for _, p := range deliveryFailures {
		if strings.Contains(desc, p) {
			return true
		}
	}
	return false
}

// TelegramOption configures a Telegram notifier.
type TelegramOption func(*Telegram)

// WithTelegramURL points the client at another Bot API host.
func WithTelegramURL(u string) TelegramOption {
	return func(t *Telegram) {
		if u != "" {
			t.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithTelegramHTTPClient swaps the transport.
func WithTelegramHTTPClient(h *http.Client) TelegramOption {
	return func(t *Telegram) {
		if h != nil {
			t.http = h
		}
	}
}

// WithSendRate caps messages per second across all chats.
func WithSendRate(perSecond float64) TelegramOption {
	return func(t *Telegram) {
		if perSecond > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// Telegram broadcasts events to every active subscriber.
type Telegram struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	subs    *Subscribers
	log     zerolog.Logger
}

// NewTelegram builds a Bot API notifier. Bot API allows about 30 messages/s.
func NewTelegram(token string, subs *Subscribers, log zerolog.Logger, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:   token,
		baseURL: defaultTelegramURL,
		http:    &http.Client{Timeout: 35 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(25), 1),
		subs:    subs,
		log:     log.With().Str("component", "telegram").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Telegram) NotifySignal(ctx context.Context, s *signal.Signal) error {
	return t.broadcast(ctx, FormatSignal(s), s.Symbol)
}

func (t *Telegram) NotifyUpdate(ctx context.Context, u signal.PositionUpdate) error {
	return t.broadcast(ctx, FormatUpdate(u), u.Symbol)
}

// broadcast sends text to every active chat and prunes chats that are gone.
// It fails only when every delivery failed.
func (t *Telegram) broadcast(ctx context.Context, text, symbol string) error {
	chats := t.subs.Active()
	if len(chats) == 0 {
		t.log.Warn().Str("symbol", symbol).Msg("no subscribers, message dropped")
		return nil
	}
	sent, failed := 0, 0
	var lastErr error
	for _, chat := range chats {
		err := t.Send(ctx, chat, text)
		if err == nil {
			sent++
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failed++
		lastErr = err
		t.log.Warn().Err(err).Int64("chat_id", chat).Msg("send failed")
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Unreachable() {
			if rmErr := t.subs.Remove(chat); rmErr != nil {
				t.log.Error().Err(rmErr).Int64("chat_id", chat).Msg("remove subscriber failed")
			} else {
				t.log.Info().Int64("chat_id", chat).Msg("subscriber unreachable, removed")
			}
		}
	}
	t.log.Info().Str("symbol", symbol).Int("sent", sent).Int("failed", failed).Msg("broadcast finished")
	if sent == 0 && failed > 0 {
		return fmt.Errorf("broadcast to %d chats failed: %w", failed, lastErr)
	}
	return nil
}

// Send delivers text to one chat.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	return t.call(ctx, http.MethodPost, "sendMessage", nil, bytes.NewReader(body), nil)
}

// Update is the subset of a Bot API update the command loop needs.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	Text string `json:"text"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		Username     string `json:"username"`
		FirstName    string `json:"first_name"`
		LastName     string `json:"last_name"`
		LanguageCode string `json:"language_code"`
	} `json:"from"`
}

// GetUpdates long-polls for updates after offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	var out []Update
	if err := t.call(ctx, http.MethodGet, "getUpdates", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Telegram) call(ctx context.Context, method, apiMethod string, q url.Values, body io.Reader, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, apiMethod)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", apiMethod, resp.StatusCode, err)
	}
	if !payload.OK {
		code := payload.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Description: payload.Description}
	}
	if out != nil && len(payload.Result) > 0 {
		if err := json.Unmarshal(payload.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", apiMethod, err)
		}
	}
	return nil
}
