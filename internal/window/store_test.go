package window

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var (
	t0  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key = SeriesKey{Source: "bybit", Symbol: "BTCUSDT"}
)

func obsAt(offset time.Duration, v int64) Observation {
	return Observation{At: t0.Add(offset), Value: decimal.NewFromInt(v)}
}

func TestPruneKeepsOnlyWindow(t *testing.T) {
	store := NewStore(10 * time.Minute)
	for i := 0; i <= 20; i++ {
		store.Record(key, obsAt(time.Duration(i)*time.Minute, int64(100+i)))
	}

	now := t0.Add(20 * time.Minute)
	store.Prune(key, now)

	got := store.Observations(key)
	if len(got) != 11 {
		t.Fatalf("expected 11 observations in [now-10m, now], got %d", len(got))
	}
	for _, o := range got {
		if o.At.Before(now.Add(-10*time.Minute)) || o.At.After(now) {
			t.Fatalf("observation %s outside window", o.At)
		}
	}
}

func TestPruneIrregularCadence(t *testing.T) {
	store := NewStore(10 * time.Minute)
	store.Record(key, obsAt(0, 100))
	store.Record(key, obsAt(9*time.Minute, 101))
	// A missed cycle: the next poll lands 25 minutes after the first.
	store.Record(key, obsAt(25*time.Minute, 102))
	store.Prune(key, t0.Add(25*time.Minute))

	if n := store.Len(key); n != 1 {
		t.Fatalf("only the fresh observation should survive a long gap, got %d", n)
	}
	if _, ok := store.Baseline(key); ok {
		t.Fatal("baseline must be absent with a single observation")
	}
}

func TestPruneIsIdempotent(t *testing.T) {
	store := NewStore(5 * time.Minute)
	for i := 0; i < 10; i++ {
		store.Record(key, obsAt(time.Duration(i)*time.Minute, int64(i)))
	}
	now := t0.Add(9 * time.Minute)

	store.Prune(key, now)
	first := store.Observations(key)
	store.Prune(key, now)
	second := store.Observations(key)

	if len(first) != len(second) {
		t.Fatalf("second prune changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].At.Equal(second[i].At) || !first[i].Value.Equal(second[i].Value) {
			t.Fatalf("second prune changed observation %d", i)
		}
	}
}

func TestRecordOutOfOrderKeepsTimeOrder(t *testing.T) {
	store := NewStore(time.Hour)
	store.Record(key, obsAt(2*time.Minute, 102))
	store.Record(key, obsAt(0, 100))
	store.Record(key, obsAt(1*time.Minute, 101))

	got := store.Observations(key)
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatalf("observations not ordered: %v", got)
		}
	}

	base, ok := store.Baseline(key)
	if !ok {
		t.Fatal("baseline expected with three observations")
	}
	if !base.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("baseline should be the oldest by timestamp, got %s", base.Value)
	}
}

func TestPruneByTimestampNotPosition(t *testing.T) {
	store := NewStore(10 * time.Minute)
	store.Record(key, obsAt(15*time.Minute, 115))
	// Delivered late, already stale relative to the newest point.
	store.Record(key, obsAt(1*time.Minute, 101))
	store.Record(key, obsAt(14*time.Minute, 114))

	store.Prune(key, t0.Add(15*time.Minute))

	got := store.Observations(key)
	if len(got) != 2 {
		t.Fatalf("expected 2 observations after pruning the stale one, got %d", len(got))
	}
	if !got[0].Value.Equal(decimal.NewFromInt(114)) {
		t.Fatalf("unexpected baseline %s", got[0].Value)
	}
}

func TestBaselineAbsentBelowTwo(t *testing.T) {
	store := NewStore(time.Minute)
	if _, ok := store.Baseline(key); ok {
		t.Fatal("baseline must be absent for an unknown key")
	}
	store.Record(key, obsAt(0, 100))
	if _, ok := store.Baseline(key); ok {
		t.Fatal("baseline must be absent with one observation")
	}
	store.Record(key, obsAt(time.Second, 100))
	if _, ok := store.Baseline(key); !ok {
		t.Fatal("baseline expected with two observations")
	}
}

func TestResetToLeavesSingleObservation(t *testing.T) {
	store := NewStore(time.Hour)
	for i := 0; i < 5; i++ {
		store.Record(key, obsAt(time.Duration(i)*time.Minute, int64(100+i)))
	}
	trigger := obsAt(5*time.Minute, 110)
	store.ResetTo(key, trigger)

	got := store.Observations(key)
	if len(got) != 1 || !got[0].At.Equal(trigger.At) {
		t.Fatalf("window should contain only the trigger, got %v", got)
	}
	if _, ok := store.Baseline(key); ok {
		t.Fatal("baseline must be absent right after a reset")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	store := NewStore(time.Hour)
	other := SeriesKey{Source: "binance", Symbol: "BTCUSDT"}

	store.Record(key, obsAt(0, 100))
	store.Record(key, obsAt(time.Minute, 101))
	store.Record(other, obsAt(0, 50))

	if store.Len(key) != 2 || store.Len(other) != 1 {
		t.Fatalf("same symbol on two sources must not share history: %d/%d", store.Len(key), store.Len(other))
	}
	counts := store.CountBySource()
	if counts["bybit"] != 1 || counts["binance"] != 1 {
		t.Fatalf("unexpected per-source counts %v", counts)
	}
}

func TestSweepDropsEmptySeries(t *testing.T) {
	store := NewStore(10 * time.Minute)
	stale := SeriesKey{Source: "bybit", Symbol: "DELISTEDUSDT"}
	store.Record(stale, obsAt(0, 1))
	store.Record(key, obsAt(30*time.Minute, 100))

	removed := store.Sweep(t0.Add(30 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected one series removed, got %d", removed)
	}
	if store.Keys() != 1 {
		t.Fatalf("expected one remaining series, got %d", store.Keys())
	}

	store.Record(stale, obsAt(31*time.Minute, 2))
	if store.Len(stale) != 1 {
		t.Fatal("a swept key must be recreated on the next record")
	}
}

func TestConcurrentUpdatesPerKey(t *testing.T) {
	store := NewStore(time.Hour)
	keys := []SeriesKey{
		{Source: "bybit", Symbol: "AUSDT"},
		{Source: "bybit", Symbol: "BUSDT"},
		{Source: "binance", Symbol: "AUSDT"},
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(k SeriesKey, i int) {
				defer wg.Done()
				store.Update(k, func(s *Series) {
					s.Record(obsAt(time.Duration(i)*time.Second, int64(i)))
					s.Prune(t0.Add(time.Minute))
				})
			}(k, i)
		}
	}
	wg.Wait()

	for _, k := range keys {
		if n := store.Len(k); n != 50 {
			t.Fatalf("%s: expected 50 observations, got %d", k, n)
		}
	}
}
