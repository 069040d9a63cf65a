package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const simplePricePath = "/simple/price"

// MarketOptions parameterise the HTTP market-data source.
type MarketOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	// CoinIDs maps ticker symbols to the provider's coin ids.
	CoinIDs map[string]string
}

// Market fetches spot prices from a CoinGecko-compatible /simple/price API.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	ids     map[string]string
}

// NewMarket constructs a market source.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	ids := make(map[string]string, len(opts.CoinIDs))
	for sym, id := range opts.CoinIDs {
		ids[NormalizeSymbol(sym)] = strings.TrimSpace(id)
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_price_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		ids:     ids,
	}
}

func (m *Market) Name() string { return "market" }

// Price retrieves the USD spot price for symbol.
func (m *Market) Price(ctx context.Context, symbol string) (Quote, error) {
	sym := NormalizeSymbol(symbol)
	id, ok := m.ids[sym]
	if !ok || id == "" {
		return Quote{}, fmt.Errorf("market price %s: %w", sym, ErrUnknownSymbol)
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	endpoint := m.baseURL + simplePricePath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "daowatch/1.0")
	}
	if key := strings.TrimSpace(m.opts.APIKey); key != "" {
		req.Header.Set("x-cg-demo-api-key", key)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Quote{}, classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body map[string]struct {
		USD           json.Number `json:"usd"`
		LastUpdatedAt int64       `json:"last_updated_at"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Quote{}, fmt.Errorf("decode price response: %w", err)
	}

	entry, ok := body[id]
	if !ok || entry.USD == "" {
		return Quote{}, fmt.Errorf("market price %s: missing %q in response", sym, id)
	}
	price, err := decimal.NewFromString(entry.USD.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return Quote{}, errors.New("price returned non-positive value")
	}

	at := time.Now().UTC()
	if entry.LastUpdatedAt > 0 {
		at = time.Unix(entry.LastUpdatedAt, 0).UTC()
	}
	return Quote{Symbol: sym, PriceUSD: price, At: at, Source: m.Name()}, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ Source = (*Market)(nil)
