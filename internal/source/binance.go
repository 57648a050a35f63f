package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/market"
	"anomalywatch/internal/platform/httpclient"
)

const binanceName = "binance"

var binanceIntervals = map[time.Duration]string{
	time.Minute:      "1m",
	3 * time.Minute:  "3m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	30 * time.Minute: "30m",
	time.Hour:        "1h",
	2 * time.Hour:    "2h",
	4 * time.Hour:    "4h",
	6 * time.Hour:    "6h",
	8 * time.Hour:    "8h",
	12 * time.Hour:   "12h",
	24 * time.Hour:   "1d",
}

// BinanceOptions parameterise the Binance spot source.
type BinanceOptions struct {
	BaseURL string
	HTTP    *httpclient.Client
}

// Binance reads public spot market data through go-binance. No API key is needed.
type Binance struct {
	client *binance.Client
	logger zerolog.Logger
}

// NewBinance constructs the Binance source.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	client := binance.NewClient("", "")
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		client.BaseURL = base
	}
	if opts.HTTP != nil {
		client.HTTPClient = opts.HTTP.Standard()
	}

	return &Binance{
		client: client,
		logger: logger.With().Str("component", "binance_source").Logger(),
	}
}

// Name implements Source.
func (b *Binance) Name() string {
	return binanceName
}

// ListSymbols implements Source using exchangeInfo; only TRADING symbols are returned.
func (b *Binance) ListSymbols(ctx context.Context, filter Filter) ([]string, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if filter.QuoteAsset != "" && s.QuoteAsset != filter.QuoteAsset {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	return filter.Apply(symbols), nil
}

// LastPrices implements Source. Unparseable prices are dropped with a debug log.
func (b *Binance) LastPrices(ctx context.Context) (market.Prices, error) {
	list, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker prices: %w", err)
	}

	prices := make(market.Prices, len(list))
	for _, p := range list {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			b.logger.Debug().Str("symbol", p.Symbol).Err(parseError("price", p.Price, err)).Msg("skip malformed price")
			continue
		}
		prices[p.Symbol] = price
	}
	return prices, nil
}

// RecentCandles implements Source.
func (b *Binance) RecentCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]market.Candle, error) {
	code, ok := binanceIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("binance: unsupported interval %s", interval)
	}

	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(code).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := binanceCandle(k)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func binanceCandle(k *binance.Kline) (market.Candle, error) {
	return buildCandle(
		time.UnixMilli(k.OpenTime).UTC(),
		time.UnixMilli(k.CloseTime).UTC(),
		k.Open, k.High, k.Low, k.Close, k.Volume,
	)
}

// SupportsBinanceInterval reports whether interval maps to a Binance kline code.
func SupportsBinanceInterval(interval time.Duration) bool {
	_, ok := binanceIntervals[interval]
	return ok
}

var _ Source = (*Binance)(nil)
