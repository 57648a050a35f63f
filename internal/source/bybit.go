package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/market"
	"anomalywatch/internal/platform/httpclient"
)

const (
	bybitName           = "bybit"
	defaultBybitBaseURL = "https://api.bybit.com"
	defaultBybitCat     = "linear"
	bybitPageLimit      = 1000
	bybitMaxPages       = 20
)

var bybitIntervals = map[time.Duration]string{
	time.Minute:      "1",
	3 * time.Minute:  "3",
	5 * time.Minute:  "5",
	15 * time.Minute: "15",
	30 * time.Minute: "30",
	time.Hour:        "60",
	2 * time.Hour:    "120",
	4 * time.Hour:    "240",
	6 * time.Hour:    "360",
	12 * time.Hour:   "720",
	24 * time.Hour:   "D",
}

// BybitOptions parameterise the Bybit v5 source.
type BybitOptions struct {
	BaseURL  string
	Category string
	HTTP     *httpclient.Client
}

// Bybit polls the public v5 market endpoints.
type Bybit struct {
	baseURL  string
	category string
	http     *httpclient.Client
	logger   zerolog.Logger
}

// NewBybit constructs the Bybit source. The category defaults to linear (USDT perpetuals).
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBybitBaseURL
	}
	category := opts.Category
	if category == "" {
		category = defaultBybitCat
	}
	client := opts.HTTP
	if client == nil {
		client = httpclient.New(httpclient.Options{})
	}

	return &Bybit{
		baseURL:  base,
		category: category,
		http:     client,
		logger:   logger.With().Str("component", "bybit_source").Logger(),
	}
}

// Name implements Source.
func (b *Bybit) Name() string {
	return bybitName
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type bybitInstruments struct {
	List []struct {
		Symbol    string `json:"symbol"`
		Status    string `json:"status"`
		QuoteCoin string `json:"quoteCoin"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

type bybitTickers struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type bybitKlines struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// ListSymbols implements Source, following the instruments cursor until exhausted.
func (b *Bybit) ListSymbols(ctx context.Context, filter Filter) ([]string, error) {
	var symbols []string
	cursor := ""
	for page := 0; page < bybitMaxPages; page++ {
		params := url.Values{}
		params.Set("category", b.category)
		params.Set("limit", strconv.Itoa(bybitPageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result bybitInstruments
		if err := b.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
			return nil, fmt.Errorf("bybit instruments: %w", err)
		}
		for _, inst := range result.List {
			if inst.Status != "Trading" {
				continue
			}
			if filter.QuoteAsset != "" && inst.QuoteCoin != filter.QuoteAsset {
				continue
			}
			symbols = append(symbols, inst.Symbol)
		}

		if result.NextPageCursor == "" || result.NextPageCursor == cursor {
			return filter.Apply(symbols), nil
		}
		cursor = result.NextPageCursor
	}

	b.logger.Warn().Int("pages", bybitMaxPages).Msg("instrument pagination truncated")
	return filter.Apply(symbols), nil
}

// LastPrices implements Source.
func (b *Bybit) LastPrices(ctx context.Context) (market.Prices, error) {
	params := url.Values{}
	params.Set("category", b.category)

	var result bybitTickers
	if err := b.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, fmt.Errorf("bybit tickers: %w", err)
	}

	prices := make(market.Prices, len(result.List))
	for _, t := range result.List {
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			b.logger.Debug().Str("symbol", t.Symbol).Err(parseError("lastPrice", t.LastPrice, err)).Msg("skip malformed price")
			continue
		}
		prices[t.Symbol] = price
	}
	return prices, nil
}

// RecentCandles implements Source. Bybit lists klines newest first and omits the close time.
func (b *Bybit) RecentCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]market.Candle, error) {
	code, ok := bybitIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported interval %s", interval)
	}

	params := url.Values{}
	params.Set("category", b.category)
	params.Set("symbol", symbol)
	params.Set("interval", code)
	params.Set("limit", strconv.Itoa(limit))

	var result bybitKlines
	if err := b.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, fmt.Errorf("bybit klines %s: %w", symbol, err)
	}

	candles := make([]market.Candle, len(result.List))
	for i, row := range result.List {
		candle, err := bybitCandle(row, interval)
		if err != nil {
			return nil, fmt.Errorf("bybit klines %s: %w", symbol, err)
		}
		candles[len(result.List)-1-i] = candle
	}
	return candles, nil
}

func bybitCandle(row []string, interval time.Duration) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}
	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return market.Candle{}, parseError("startTime", row[0], err)
	}
	open := time.UnixMilli(startMs).UTC()
	return buildCandle(open, open.Add(interval-time.Millisecond), row[1], row[2], row[3], row[4], row[5])
}

func (b *Bybit) get(ctx context.Context, path string, params url.Values, out any) error {
	body, err := b.http.Get(ctx, b.baseURL+path+"?"+params.Encode())
	if err != nil {
		return err
	}

	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// SupportsBybitInterval reports whether interval maps to a Bybit kline code.
func SupportsBybitInterval(interval time.Duration) bool {
	_, ok := bybitIntervals[interval]
	return ok
}

var _ Source = (*Bybit)(nil)
