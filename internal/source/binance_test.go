package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"anomalywatch/internal/platform/httpclient"
)

func newBinanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"timezone":"UTC","serverTime":1700000000000,"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT"},
			{"symbol":"LUNAUSDT","status":"BREAK","baseAsset":"LUNA","quoteAsset":"USDT"},
			{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC"},
			{"symbol":"BTCUPUSDT","status":"TRADING","baseAsset":"BTCUP","quoteAsset":"USDT"}
		]}`))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"64000.10"},{"symbol":"ETHUSDT","price":"3100.5"}]`))
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "ETHUSDT" || q.Get("interval") != "5m" || q.Get("limit") != "3" {
			t.Errorf("unexpected kline query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1700000000000,"100","101","99","100","10",1700000299999,"1000",5,"5","500","0"],
			[1700000300000,"100","105","99","104","12",1700000599999,"1200",6,"6","600","0"]
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestBinance(srv *httptest.Server) *Binance {
	return NewBinance(BinanceOptions{
		BaseURL: srv.URL,
		HTTP:    httpclient.New(httpclient.Options{Timeout: time.Second, RequestsPerSec: 100}),
	}, zerolog.Nop())
}

func TestBinanceListSymbols(t *testing.T) {
	b := newTestBinance(newBinanceServer(t))

	got, err := b.ListSymbols(context.Background(), Filter{QuoteAsset: "USDT", ExcludeLeveraged: true})
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListSymbols = %v, want %v", got, want)
	}
}

func TestBinanceLastPrices(t *testing.T) {
	b := newTestBinance(newBinanceServer(t))

	prices, err := b.LastPrices(context.Background())
	if err != nil {
		t.Fatalf("LastPrices: %v", err)
	}
	if len(prices) != 2 || prices["BTCUSDT"].String() != "64000.1" {
		t.Fatalf("unexpected prices %v", prices)
	}
}

func TestBinanceRecentCandles(t *testing.T) {
	b := newTestBinance(newBinanceServer(t))

	candles, err := b.RecentCandles(context.Background(), "ETHUSDT", 5*time.Minute, 3)
	if err != nil {
		t.Fatalf("RecentCandles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	last := candles[1]
	if last.Close.String() != "104" || last.Volume.String() != "12" {
		t.Fatalf("unexpected candle %+v", last)
	}
	if !last.CloseTime.Equal(time.UnixMilli(1700000599999)) {
		t.Fatalf("unexpected close time %s", last.CloseTime)
	}
	if !candles[0].OpenTime.Before(last.OpenTime) {
		t.Fatal("candles must be oldest first")
	}
}

func TestBinanceUnsupportedInterval(t *testing.T) {
	b := newTestBinance(newBinanceServer(t))
	if _, err := b.RecentCandles(context.Background(), "ETHUSDT", 7*time.Minute, 3); err == nil {
		t.Fatal("expected an error for an unsupported interval")
	}
}

func TestBinanceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	b := newTestBinance(srv)
	if _, err := b.LastPrices(context.Background()); err == nil {
		t.Fatal("expected an error, not an empty snapshot")
	}
}
