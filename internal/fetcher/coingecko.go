package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"crypto-stats-worker/internal/storage"
)

const (
	marketsPath    = "/coins/markets"
	apiKeyHeader   = "x-cg-demo-api-key"
	sourceName     = "coingecko"
	maxBodyPreview = 256
	maxBodyBytes   = 1 << 20
)

// CoinGeckoOptions parameterise the market data client.
type CoinGeckoOptions struct {
	BaseURL    string
	APIKey     string
	VsCurrency string
	Timeout    time.Duration
	UserAgent  string
}

// CoinGecko fetches market snapshots from the CoinGecko REST API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs the upstream client.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchSample performs a single /coins/markets request and validates the entry for asset.
// ObservedAt is left zero; the retrying Fetcher stamps it after validation.
func (c *CoinGecko) FetchSample(ctx context.Context, asset string) (storage.Sample, error) {
	query := url.Values{}
	query.Set("vs_currency", c.opts.VsCurrency)
	query.Set("ids", asset)
	endpoint := c.baseURL + marketsPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return storage.Sample{}, nonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "statsworker/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, resets and refused connections are all transient.
		return storage.Sample{}, retryable(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return storage.Sample{}, retryable(fmt.Errorf("read body: %w", err))
	}
	if len(payload) > maxBodyBytes {
		return storage.Sample{}, nonRetryable(fmt.Errorf("response body exceeds %d bytes", maxBodyBytes))
	}

	if resp.StatusCode != http.StatusOK {
		return storage.Sample{}, classifyStatus(resp.StatusCode, payload)
	}

	return parseMarket(asset, payload)
}

func classifyStatus(status int, payload []byte) error {
	msg := gjson.GetBytes(payload, "error").String()
	if msg == "" {
		msg = gjson.GetBytes(payload, "status.error_message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
		if len(msg) > maxBodyPreview {
			msg = msg[:maxBodyPreview]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	fe := &FetchError{StatusCode: status, Err: fmt.Errorf("upstream error: %s", msg)}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		fe.Kind = Retryable
	default:
		fe.Kind = NonRetryable
	}
	return fe
}

func parseMarket(asset string, payload []byte) (storage.Sample, error) {
	if !gjson.ValidBytes(payload) {
		return storage.Sample{}, invalid(asset, "body", "is not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return storage.Sample{}, invalid(asset, "body", "is not an array")
	}

	var entry gjson.Result
	for _, item := range root.Array() {
		if item.Get("id").String() == asset {
			entry = item
			break
		}
	}
	if !entry.Exists() {
		return storage.Sample{}, nonRetryable(fmt.Errorf("unknown asset id %q", asset))
	}

	price, err := numberField(asset, entry, "current_price")
	if err != nil {
		return storage.Sample{}, err
	}
	if !price.IsPositive() {
		return storage.Sample{}, invalid(asset, "current_price", "must be positive")
	}

	marketCap, err := numberField(asset, entry, "market_cap")
	if err != nil {
		return storage.Sample{}, err
	}
	if marketCap.IsNegative() {
		return storage.Sample{}, invalid(asset, "market_cap", "must not be negative")
	}

	change, err := numberField(asset, entry, "price_change_percentage_24h")
	if err != nil {
		return storage.Sample{}, err
	}

	return storage.Sample{
		Asset:     asset,
		Price:     price,
		MarketCap: marketCap,
		Change24h: change,
		Source:    sourceName,
	}, nil
}

func numberField(asset string, entry gjson.Result, field string) (decimal.Decimal, error) {
	value := entry.Get(field)
	if !value.Exists() || value.Type == gjson.Null {
		return decimal.Decimal{}, invalid(asset, field, "is missing")
	}
	if value.Type != gjson.Number {
		return decimal.Decimal{}, invalid(asset, field, "is not a number")
	}
	d, err := decimal.NewFromString(value.Raw)
	if err != nil {
		return decimal.Decimal{}, invalid(asset, field, "cannot be parsed: "+err.Error())
	}
	return d, nil
}

var _ Source = (*CoinGecko)(nil)
