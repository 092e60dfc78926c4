// Package exchange talks to the BingX perpetual swap REST API and turns its
// payloads into bars and tickers.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

const (
	DefaultBaseURL = "https://open-api.bingx.com"

	contractsPath = "/openApi/swap/v2/quote/contracts"
	klinesPath    = "/openApi/swap/v3/quote/klines"
	tickerPath    = "/openApi/swap/v2/quote/ticker"

	defaultKlineLimit = 100
)

// ErrAPI marks a response whose body carried a non-zero error code.
var ErrAPI = errors.New("bingx api error")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another host, e.g. an httptest server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithCredentials enables request signing.
func WithCredentials(apiKey, secret string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
		c.secret = secret
	}
}

// WithRetry sets the attempt count and the first backoff delay, which doubles per attempt.
func WithRetry(attempts int, base time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if base >= 0 {
			c.backoff = base
		}
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// Client is a small BingX REST client with retries and a request limiter.
type Client struct {
	baseURL  string
	apiKey   string
	secret   string
	http     *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewClient returns a client with 5 attempts, a 1s doubling backoff and 10 req/s.
func NewClient(log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		attempts: 5,
		backoff:  time.Second,
		now:      time.Now,
		log:      log.With().Str("component", "bingx").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Contract is one perpetual swap listing.
type Contract struct {
	Symbol       string `json:"symbol"`
	Status       int    `json:"status"`
	APIStateOpen any    `json:"apiStateOpen"`
}

// Tradable reports whether the contract is USDT-margined, listed and open to API trading.
func (c Contract) Tradable() bool {
	return strings.HasSuffix(c.Symbol, "-USDT") && c.Status == 1 && fmt.Sprint(c.APIStateOpen) == "true"
}

// Contracts lists every swap contract.
func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	var out []Contract
	if err := c.get(ctx, contractsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type rawKline struct {
	Time   any    `json:"time"`
	Open   number `json:"open"`
	High   number `json:"high"`
	Low    number `json:"low"`
	Close  number `json:"close"`
	Volume number `json:"volume"`
}

// Klines returns up to limit bars for symbol in ascending time order. The
// last bar is the one still forming.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]signal.Bar, error) {
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw []rawKline
	if err := c.get(ctx, klinesPath, params, &raw); err != nil {
		return nil, err
	}
	bars := make([]signal.Bar, 0, len(raw))
	for _, k := range raw {
		ts, err := signal.ParseTimestamp(k.Time)
		if err != nil {
			return nil, fmt.Errorf("kline time for %s: %w", symbol, err)
		}
		bars = append(bars, signal.Bar{
			Time:   ts,
			Open:   k.Open.Decimal(),
			High:   k.High.Decimal(),
			Low:    k.Low.Decimal(),
			Close:  k.Close.Decimal(),
			Volume: k.Volume.Decimal(),
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

type rawTicker struct {
	Symbol      string `json:"symbol"`
	BidPrice    number `json:"bidPrice"`
	AskPrice    number `json:"askPrice"`
	LastPrice   number `json:"lastPrice"`
	Volume      number `json:"volume"`
	QuoteVolume number `json:"quoteVolume"`
	Volume24h   number `json:"volume24h"`
}

// quoteVolume24h picks the best available 24h volume in quote currency:
// quoteVolume, then volume24h, then volume*lastPrice.
func (t rawTicker) quoteVolume24h() decimal.Decimal {
	if q := t.QuoteVolume.Decimal(); q.IsPositive() {
		return q
	}
	if v := t.Volume24h.Decimal(); v.IsPositive() {
		return v
	}
	return t.Volume.Decimal().Mul(t.LastPrice.Decimal())
}

// Tickers fetches every swap ticker in one call, keyed by symbol.
func (c *Client) Tickers(ctx context.Context) (map[string]signal.Ticker, error) {
	var raw []rawTicker
	if err := c.get(ctx, tickerPath, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]signal.Ticker, len(raw))
	for _, t := range raw {
		if t.Symbol == "" {
			continue
		}
		out[t.Symbol] = signal.Ticker{
			Symbol:      t.Symbol,
			Bid:         t.BidPrice.Decimal(),
			Ask:         t.AskPrice.Decimal(),
			Last:        t.LastPrice.Decimal(),
			Volume:      t.Volume.Decimal(),
			QuoteVolume: t.quoteVolume24h(),
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	var lastErr error
	delay := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.do(ctx, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		if attempt == c.attempts {
			break
		}
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("retry_in", delay).Msg("request failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	metrics.FetchErrors.WithLabelValues(path).Inc()
	return fmt.Errorf("GET %s: %w", path, lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	headers := http.Header{}
	if c.apiKey != "" && c.secret != "" {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Del("signature")
		params.Set("signature", Sign(c.secret, params))
		headers.Set("X-BX-APIKEY", c.apiKey)
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &permanentError{err}
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &permanentError{err}
		}
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w %d: %s", ErrAPI, env.Code, env.Msg)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return fmt.Errorf("%w: response without data", ErrAPI)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &permanentError{fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the params sorted by key and joined as k=v&k=v.
func Sign(secret string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}

// number accepts JSON numbers, numeric strings and empty strings.
type number string

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*n = number(s)
	return nil
}

// Decimal parses the value, yielding zero when it is empty or malformed.
func (n number) Decimal() decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}
