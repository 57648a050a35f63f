package source

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFilterMatch(t *testing.T) {
	f := Filter{QuoteAsset: "USDT", Exclude: DefaultExclude, ExcludeLeveraged: true}

	tests := []struct {
		symbol string
		want   bool
	}{
		{"BTCUSDT", true},
		{"JUPUSDT", true},
		{"ETHBTC", false},
		{"USDT", false},
		{"1000PEPEUSDT", false},
		{"BTCUPUSDT", false},
		{"ETHDOWNUSDT", false},
		{"XRPBULLUSDT", false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.symbol); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.symbol, got, tt.want)
		}
	}
}

func TestFilterApplySorts(t *testing.T) {
	f := Filter{QuoteAsset: "USDT"}
	got := f.Apply([]string{"SOLUSDT", "BTCUSDT", "ETHBTC", "ADAUSDT"})
	want := []string{"ADAUSDT", "BTCUSDT", "SOLUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Apply = %v, want %v", got, want)
	}
}

func TestNewUnknownSource(t *testing.T) {
	if _, err := New("kraken", Options{}, zerolog.Nop()); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	for _, name := range Names {
		src, err := New(name, Options{}, zerolog.Nop())
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if src.Name() != name {
			t.Fatalf("New(%q) built %q", name, src.Name())
		}
	}
}

func TestSupportsInterval(t *testing.T) {
	if !SupportsInterval("binance", 5*time.Minute) || !SupportsInterval("bybit", 5*time.Minute) {
		t.Fatal("5m must be supported by both exchanges")
	}
	if SupportsInterval("bybit", 8*time.Hour) {
		t.Fatal("bybit has no 8h klines")
	}
	if SupportsInterval("binance", 7*time.Minute) {
		t.Fatal("7m is not a kline interval")
	}
}
