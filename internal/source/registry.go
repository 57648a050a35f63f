package source

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"anomalywatch/internal/platform/httpclient"
)

// Names lists every source New can build.
var Names = []string{binanceName, bybitName}

// Options carry the per-exchange settings New needs.
type Options struct {
	BinanceBaseURL string
	BybitBaseURL   string
	BybitCategory  string
	HTTP           *httpclient.Client
}

// New builds the source registered under name.
func New(name string, opts Options, logger zerolog.Logger) (Source, error) {
	switch name {
	case binanceName:
		return NewBinance(BinanceOptions{BaseURL: opts.BinanceBaseURL, HTTP: opts.HTTP}, logger), nil
	case bybitName:
		return NewBybit(BybitOptions{BaseURL: opts.BybitBaseURL, Category: opts.BybitCategory, HTTP: opts.HTTP}, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
}

// SupportsInterval reports whether the named source can serve candles of the given interval.
func SupportsInterval(name string, interval time.Duration) bool {
	switch name {
	case binanceName:
		return SupportsBinanceInterval(interval)
	case bybitName:
		return SupportsBybitInterval(interval)
	default:
		return false
	}
}
