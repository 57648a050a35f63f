// Package window keeps the short rolling price history used for percent-change detection.
//
// Each (source, symbol) pair owns an independent Series. A Series only ever holds
// observations inside [now-lookback, now] once pruned, and pruning compares
// timestamps rather than positions so late or missed polls still yield a correct window.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies one rolling history.
type SeriesKey struct {
	Source string
	Symbol string
}

func (k SeriesKey) String() string {
	return k.Source + ":" + k.Symbol
}

// Observation is a single timestamped value.
type Observation struct {
	At    time.Time
	Value decimal.Decimal
}

// Series is the ordered history for one key. It is not safe for concurrent use on its
// own; Store hands it out only while holding the key's lock.
type Series struct {
	lookback time.Duration
	obs      []Observation
}

// Record inserts obs in timestamp order. Observations sharing a timestamp keep arrival order.
func (s *Series) Record(obs Observation) {
	idx := sort.Search(len(s.obs), func(i int) bool {
		return s.obs[i].At.After(obs.At)
	})
	if idx == len(s.obs) {
		s.obs = append(s.obs, obs)
		return
	}
	s.obs = append(s.obs, Observation{})
	copy(s.obs[idx+1:], s.obs[idx:])
	s.obs[idx] = obs
}

// Prune drops every observation outside [now-lookback, now].
func (s *Series) Prune(now time.Time) {
	cutoff := now.Add(-s.lookback)
	kept := s.obs[:0]
	for _, o := range s.obs {
		if o.At.Before(cutoff) || o.At.After(now) {
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(s.obs); i++ {
		s.obs[i] = Observation{}
	}
	s.obs = kept
}

// Baseline returns the oldest retained observation. It is absent while fewer than two
// observations are held, because no change can be computed from a single point.
func (s *Series) Baseline() (Observation, bool) {
	if len(s.obs) < 2 {
		return Observation{}, false
	}
	return s.obs[0], true
}

// Latest returns the newest observation.
func (s *Series) Latest() (Observation, bool) {
	if len(s.obs) == 0 {
		return Observation{}, false
	}
	return s.obs[len(s.obs)-1], true
}

// ResetTo replaces the whole history with obs.
func (s *Series) ResetTo(obs Observation) {
	for i := range s.obs {
		s.obs[i] = Observation{}
	}
	s.obs = append(s.obs[:0], obs)
}

// Len reports the number of retained observations.
func (s *Series) Len() int {
	return len(s.obs)
}

// Observations returns a copy of the retained history, oldest first.
func (s *Series) Observations() []Observation {
	out := make([]Observation, len(s.obs))
	copy(out, s.obs)
	return out
}

type entry struct {
	mu     sync.Mutex
	series Series
	// dead is set by Sweep once the entry has left the map.
	dead bool
}

// Store maps keys to their series. Access to one key is serialised; distinct keys never
// contend beyond the map lookup.
type Store struct {
	lookback time.Duration

	mu      sync.RWMutex
	entries map[SeriesKey]*entry
}

// NewStore builds a Store whose series retain lookback worth of observations.
func NewStore(lookback time.Duration) *Store {
	if lookback <= 0 {
		panic("window lookback must be positive")
	}
	return &Store{
		lookback: lookback,
		entries:  make(map[SeriesKey]*entry),
	}
}

// Lookback returns the configured window length.
func (st *Store) Lookback() time.Duration {
	return st.lookback
}

func (st *Store) entry(key SeriesKey, create bool) *entry {
	st.mu.RLock()
	e, ok := st.entries[key]
	st.mu.RUnlock()
	if ok || !create {
		return e
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok = st.entries[key]; ok {
		return e
	}
	e = &entry{series: Series{lookback: st.lookback}}
	st.entries[key] = e
	return e
}

// Update runs fn against the key's series while holding the key's lock, creating the
// series if needed. fn must not retain the *Series.
func (st *Store) Update(key SeriesKey, fn func(*Series)) {
	for {
		e := st.entry(key, true)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		fn(&e.series)
		e.mu.Unlock()
		return
	}
}

func (st *Store) view(key SeriesKey, fn func(*Series)) bool {
	e := st.entry(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.series)
	return true
}

// Record appends obs to the key's window.
func (st *Store) Record(key SeriesKey, obs Observation) {
	st.Update(key, func(s *Series) { s.Record(obs) })
}

// Prune purges observations of key that fall outside the window ending at now.
func (st *Store) Prune(key SeriesKey, now time.Time) {
	st.view(key, func(s *Series) { s.Prune(now) })
}

// Baseline returns the oldest observation for key, absent below two observations.
func (st *Store) Baseline(key SeriesKey) (Observation, bool) {
	var (
		obs Observation
		ok  bool
	)
	st.view(key, func(s *Series) { obs, ok = s.Baseline() })
	return obs, ok
}

// ResetTo replaces the key's window with the single observation obs.
func (st *Store) ResetTo(key SeriesKey, obs Observation) {
	st.Update(key, func(s *Series) { s.ResetTo(obs) })
}

// Observations returns a copy of the key's window.
func (st *Store) Observations(key SeriesKey) []Observation {
	var out []Observation
	st.view(key, func(s *Series) { out = s.Observations() })
	return out
}

// Len reports how many observations key currently holds.
func (st *Store) Len(key SeriesKey) int {
	n := 0
	st.view(key, func(s *Series) { n = s.Len() })
	return n
}

// Keys reports how many series are tracked.
func (st *Store) Keys() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// CountBySource groups tracked series by source.
func (st *Store) CountBySource() map[string]int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	counts := make(map[string]int)
	for key := range st.entries {
		counts[key.Source]++
	}
	return counts
}

// Sweep prunes every series at now and forgets the ones left empty, which bounds the
// map to symbols still being observed. It returns the number of series removed.
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for key, e := range st.entries {
		e.mu.Lock()
		e.series.Prune(now)
		empty := e.series.Len() == 0
		if empty {
			e.dead = true
		}
		e.mu.Unlock()
		if empty {
			delete(st.entries, key)
			removed++
		}
	}
	return removed
}
