package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/detector"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func pumpNote() Notification {
	return Notification{Event: detector.Event{
		ID:         uuid.New(),
		Source:     "bybit",
		Symbol:     "BTCUSDT",
		Kind:       detector.KindPump,
		Magnitude:  decimal.RequireFromString("8"),
		Threshold:  decimal.RequireFromString("7"),
		Baseline:   decimal.RequireFromString("100"),
		Current:    decimal.RequireFromString("108"),
		Window:     10 * time.Minute,
		DetectedAt: time.Date(2025, 1, 1, 0, 10, 0, 0, time.UTC),
	}}
}

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name string
		note Notification
		want []string
	}{
		{"pump", pumpNote(), []string{"🚀 BTCUSDT is PUMPING!", "+8.00% in last 10 mins!", "Source: bybit"}},
		{"dump", Notification{Event: detector.Event{Symbol: "ETHUSDT", Kind: detector.KindDump, Magnitude: decimal.RequireFromString("-8"), Window: 10 * time.Minute}},
			[]string{"🔻 ETHUSDT is DUMPING!", "-8.00% in last 10 mins!"}},
		{"candle pump", Notification{Event: detector.Event{Symbol: "ETHUSDT", Kind: detector.KindPump, Magnitude: decimal.RequireFromString("4"), Interval: 5 * time.Minute}},
			[]string{"+4.00% in the last 5m candle!"}},
		{"volume", Notification{Event: detector.Event{Symbol: "SOLUSDT", Kind: detector.KindVolumeSpike, Magnitude: decimal.RequireFromString("160"), Interval: time.Hour}},
			[]string{"📊 SOLUSDT VOLUME SPIKE!", "160.00x the previous 1h candle volume!"}},
		{"simulated", Notification{Event: pumpNote().Event, Simulated: true}, []string{"[SIMULATED] 🚀"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderMessage(tt.note)
			for _, fragment := range tt.want {
				if !strings.Contains(got, fragment) {
					t.Fatalf("message %q missing %q", got, fragment)
				}
			}
		})
	}
}

func newTelegramServer(t *testing.T, sendOK bool, received map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"watch","username":"watch_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if !strings.HasPrefix(r.URL.Path, "/bottoken/") {
				t.Errorf("token missing from path %s", r.URL.Path)
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			received["chat_id"] = r.PostForm.Get("chat_id")
			received["text"] = r.PostForm.Get("text")
			if !sendOK {
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := newTelegramServer(t, true, received)

	notifier, err := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "42", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramNotifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), pumpNote()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received["chat_id"] != "42" {
		t.Fatalf("unexpected chat_id %#v", received)
	}
	if !strings.Contains(received["text"], "BTCUSDT is PUMPING") {
		t.Fatalf("unexpected text %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := newTelegramServer(t, false, make(map[string]string))

	notifier, err := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "42", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramNotifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), pumpNote()); err == nil {
		t.Fatal("ok=false must be reported as an error")
	}
}

func TestTelegramNotifierInvalidChat(t *testing.T) {
	if _, err := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "not-a-chat"}, testLogger()); err == nil {
		t.Fatal("expected an invalid chat id error")
	}
}

func TestSlackNotifier(t *testing.T) {
	var channel, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		channel, text = r.PostForm.Get("channel"), r.PostForm.Get("text")
		w.Header().Set("Content-Type", "application/json")
		if channel == "missing" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(SlackOptions{Token: "xoxb-test", Channel: "C1", APIURL: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Notify(context.Background(), pumpNote()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if channel != "C1" || !strings.Contains(text, "PUMPING") {
		t.Fatalf("unexpected post channel=%q text=%q", channel, text)
	}

	missing := NewSlackNotifier(SlackOptions{Token: "xoxb-test", Channel: "missing", APIURL: srv.URL}, testLogger())
	if err := missing.Notify(context.Background(), pumpNote()); err == nil {
		t.Fatal("slack error response must fail")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var payload WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	note := pumpNote()
	if err := NewWebhookNotifier(srv.URL, time.Second, testLogger()).Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if payload.ID != note.Event.ID.String() || payload.Kind != "pump" || payload.Magnitude != "8" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Window != "10m0s" || payload.Interval != "" {
		t.Fatalf("unexpected window fields %+v", payload)
	}
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second, testLogger()).Notify(context.Background(), pumpNote()); err == nil {
		t.Fatal("5xx must fail")
	}
}

type flakyNotifier struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyNotifier) Notify(context.Context, Notification) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("temporary failure")
	}
	return nil
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &flakyNotifier{}
	broken := &flakyNotifier{failures: 100}

	err := Fanout{broken, ok}.Notify(context.Background(), pumpNote())
	if err == nil {
		t.Fatal("a failing channel must surface an error")
	}
	if ok.calls.Load() != 1 {
		t.Fatal("a failing channel must not block the others")
	}
}

func TestRetrying(t *testing.T) {
	flaky := &flakyNotifier{failures: 2}
	r := NewRetrying(flaky, RetryOptions{MaxRetries: 3, InitialInterval: time.Millisecond, MaxElapsed: time.Second}, testLogger())
	if err := r.Notify(context.Background(), pumpNote()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if flaky.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls.Load())
	}

	stubborn := &flakyNotifier{failures: 100}
	r = NewRetrying(stubborn, RetryOptions{MaxRetries: 1, InitialInterval: time.Millisecond, MaxElapsed: time.Second}, testLogger())
	if err := r.Notify(context.Background(), pumpNote()); err == nil {
		t.Fatal("expected failure once retries are exhausted")
	}
	if stubborn.calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", stubborn.calls.Load())
	}
}
