package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"anomalywatch/internal/window"
)

var (
	start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	btc   = window.SeriesKey{Source: "bybit", Symbol: "BTCUSDT"}
)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func newRolling(threshold float64, lookback time.Duration) (*Rolling, *window.Store) {
	store := window.NewStore(lookback)
	return NewRolling(store, NewThresholds(threshold, 0), zerolog.Nop()), store
}

func TestRollingPump(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)

	if _, fired := r.Observe(btc, start, dec(100)); fired {
		t.Fatal("first observation has no baseline and cannot fire")
	}
	ev, fired := r.Observe(btc, start.Add(time.Minute), dec(108))
	if !fired {
		t.Fatal("100 -> 108 at 7% should fire")
	}
	if ev.Kind != KindPump {
		t.Fatalf("expected pump, got %s", ev.Kind)
	}
	if ev.Magnitude.StringFixed(2) != "8.00" {
		t.Fatalf("expected magnitude 8.00, got %s", ev.Magnitude.StringFixed(2))
	}
	if ev.Source != "bybit" || ev.Symbol != "BTCUSDT" {
		t.Fatalf("event carries wrong key: %+v", ev)
	}
	if ev.Window != 10*time.Minute {
		t.Fatalf("event should carry the lookback window, got %s", ev.Window)
	}
}

func TestRollingDump(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(100))
	ev, fired := r.Observe(btc, start.Add(time.Minute), dec(92))
	if !fired {
		t.Fatal("100 -> 92 at 7% should fire")
	}
	if ev.Kind != KindDump {
		t.Fatalf("expected dump, got %s", ev.Kind)
	}
	if ev.Magnitude.StringFixed(2) != "-8.00" {
		t.Fatalf("expected magnitude -8.00, got %s", ev.Magnitude.StringFixed(2))
	}
}

func TestRollingBelowThreshold(t *testing.T) {
	r, store := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(100))
	if _, fired := r.Observe(btc, start.Add(time.Minute), dec(106.99)); fired {
		t.Fatal("6.99% must not fire at a 7% threshold")
	}
	if store.Len(btc) != 2 {
		t.Fatalf("window should keep both observations, got %d", store.Len(btc))
	}
}

func TestRollingExactThresholdFires(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(100))
	if _, fired := r.Observe(btc, start.Add(time.Minute), dec(107)); !fired {
		t.Fatal("a change equal to the threshold should fire")
	}
}

func TestRollingResetPreventsRefire(t *testing.T) {
	r, store := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(100))
	at := start.Add(time.Minute)
	if _, fired := r.Observe(btc, at, dec(108)); !fired {
		t.Fatal("expected initial pump")
	}

	if _, ok := store.Baseline(btc); ok {
		t.Fatal("baseline must be absent right after an alert")
	}
	got := store.Observations(btc)
	if len(got) != 1 || !got[0].Value.Equal(dec(108)) {
		t.Fatalf("window should hold only the trigger, got %v", got)
	}

	if _, fired := r.Observe(btc, at, dec(108)); fired {
		t.Fatal("identical observation at the same instant must not re-fire")
	}
	if _, fired := r.Observe(btc, at.Add(time.Minute), dec(110)); fired {
		t.Fatal("110 vs new baseline 108 is below 7% and must not fire")
	}
	ev, fired := r.Observe(btc, at.Add(2*time.Minute), dec(116))
	if !fired {
		t.Fatal("116 vs baseline 108 is above 7% and should fire")
	}
	if !ev.Baseline.Equal(dec(108)) {
		t.Fatalf("expected baseline 108 after reset, got %s", ev.Baseline)
	}
}

func TestRollingBaselineAgesOut(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(100))
	r.Observe(btc, start.Add(5*time.Minute), dec(104))
	// The 100 sample falls out of the window; the baseline becomes 104.
	if _, fired := r.Observe(btc, start.Add(11*time.Minute), dec(108)); fired {
		t.Fatal("108 vs 104 is below 7% once 100 has aged out")
	}
}

func TestRollingSkipsNonPositiveBaseline(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)

	r.Observe(btc, start, dec(0))
	if _, fired := r.Observe(btc, start.Add(time.Minute), dec(5)); fired {
		t.Fatal("a zero baseline must not produce a decision")
	}
}

func TestRollingLateObservationMakesNoDecision(t *testing.T) {
	r, store := newRolling(7, 10*time.Minute)

	r.Observe(btc, start.Add(2*time.Minute), dec(100))
	r.Observe(btc, start.Add(3*time.Minute), dec(101))
	if _, fired := r.Observe(btc, start.Add(time.Minute), dec(50)); fired {
		t.Fatal("a late observation must not be judged as the current price")
	}
	base, ok := store.Baseline(btc)
	if !ok || !base.Value.Equal(dec(50)) {
		t.Fatalf("late observation should become the oldest baseline, got %v %v", base, ok)
	}
}

func TestRollingSourcesIndependent(t *testing.T) {
	r, _ := newRolling(7, 10*time.Minute)
	other := window.SeriesKey{Source: "binance", Symbol: "BTCUSDT"}

	r.Observe(btc, start, dec(100))
	r.Observe(other, start, dec(200))

	if _, fired := r.Observe(other, start.Add(time.Minute), dec(108)); fired {
		t.Fatal("binance history must not use the bybit baseline")
	}
}

func TestClassifyChangeZeroThreshold(t *testing.T) {
	kind, ok := ClassifyChange(decimal.Zero, decimal.Zero)
	if !ok || kind != KindPump {
		t.Fatalf("pump is checked first; got %s %v", kind, ok)
	}
}
