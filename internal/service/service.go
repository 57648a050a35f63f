package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"anomalywatch/internal/alerting"
	"anomalywatch/internal/detector"
	"anomalywatch/internal/scheduler"
	"anomalywatch/internal/source"
	"anomalywatch/internal/storage"
	"anomalywatch/internal/window"
)

// ErrDeliveryDisabled marks journaled alerts that were detected while no channel was configured.
var ErrDeliveryDisabled = errors.New("alert delivery disabled")

const retentionEvery = time.Hour

// Options wire the collaborators of a Service. Rolling and Candles may each be nil to
// disable that detection mode; Notifier, Journal and Locker are optional.
type Options struct {
	Sources         []source.Source
	Filter          source.Filter
	Store           *window.Store
	Rolling         *detector.Rolling
	Candles         *detector.CandleDetector
	CandleIntervals []time.Duration
	CandleLimit     int
	Concurrency     int

	Notifier  alerting.Notifier
	Journal   storage.AlertStore
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Retention time.Duration

	Scheduler *scheduler.Scheduler
}

// Service orchestrates the fetch, evaluate and dispatch cycle.
type Service struct {
	opts   Options
	logger zerolog.Logger

	candleMu    sync.Mutex
	lastCandles map[string]time.Time

	lastRetention time.Time
	stats         *statsTracker
}

// New constructs the monitoring service.
func New(opts Options, logger zerolog.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CandleLimit < 3 {
		opts.CandleLimit = 3
	}
	names := make([]string, len(opts.Sources))
	for i, src := range opts.Sources {
		names[i] = src.Name()
	}

	return &Service{
		opts:        opts,
		logger:      logger.With().Str("component", "service").Logger(),
		lastCandles: make(map[string]time.Time),
		stats:       newStatsTracker(names),
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.opts.Scheduler.Run(ctx, s.RunCycle)
}

// Stats returns a snapshot of cycle statistics.
func (s *Service) Stats() Stats {
	var perSource map[string]int
	if s.opts.Store != nil {
		perSource = s.opts.Store.CountBySource()
	}
	return s.stats.snapshot(perSource)
}

// RunCycle performs one cycle at the given instant. When a lock key is configured and
// another replica holds the advisory lock, the cycle is skipped.
func (s *Service) RunCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, at)
}

type sourceResult struct {
	name       string
	symbols    int
	events     []detector.Event
	softErrors int
	err        error
}

func (s *Service) executeCycle(ctx context.Context, at time.Time) error {
	started := time.Now()

	results := make([]sourceResult, len(s.opts.Sources))
	var g errgroup.Group
	for i, src := range s.opts.Sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = s.pollSource(ctx, src, at)
			return nil
		})
	}
	_ = g.Wait()

	var (
		events []detector.Event
		errs   []error
	)
	for _, res := range results {
		events = append(events, res.events...)
		if res.err != nil {
			s.logger.Error().Err(res.err).Str("source", res.name).Msg("source skipped this cycle")
			errs = append(errs, fmt.Errorf("%s: %w", res.name, res.err))
		}
		s.stats.recordSource(res, at)
	}

	// Window state is already final here; delivery outcomes cannot change it.
	delivered, failed := s.dispatch(ctx, events)

	removed := 0
	if s.opts.Store != nil {
		removed = s.opts.Store.Sweep(at)
	}
	s.forgetCandles(at)
	s.applyRetention(ctx, at)

	took := time.Since(started)
	s.stats.recordCycle(at, took, len(events), delivered, failed)
	s.logger.Info().
		Time("at", at).
		Dur("took", took).
		Int("events", len(events)).
		Int("delivered", delivered).
		Int("delivery_failures", failed).
		Int("swept", removed).
		Int("failed_sources", len(errs)).
		Msg("cycle complete")

	return errors.Join(errs...)
}

func (s *Service) pollSource(ctx context.Context, src source.Source, at time.Time) sourceResult {
	res := sourceResult{name: src.Name()}

	symbols, err := src.ListSymbols(ctx, s.opts.Filter)
	if err != nil {
		res.err = fmt.Errorf("list symbols: %w", err)
		return res
	}
	res.symbols = len(symbols)

	if s.opts.Rolling != nil {
		events, err := s.observePrices(ctx, src, symbols, at)
		if err != nil {
			res.err = err
		}
		res.events = append(res.events, events...)
	}

	if s.opts.Candles != nil && len(s.opts.CandleIntervals) > 0 {
		events, soft := s.evaluateCandles(ctx, src, symbols, at)
		res.events = append(res.events, events...)
		res.softErrors += soft
	}
	return res
}

func (s *Service) observePrices(ctx context.Context, src source.Source, symbols []string, at time.Time) ([]detector.Event, error) {
	prices, err := src.LastPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("last prices: %w", err)
	}

	var events []detector.Event
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		key := window.SeriesKey{Source: src.Name(), Symbol: symbol}
		if ev, fired := s.opts.Rolling.Observe(key, at, price); fired {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *Service) evaluateCandles(ctx context.Context, src source.Source, symbols []string, at time.Time) ([]detector.Event, int) {
	var (
		mu     sync.Mutex
		events []detector.Event
		soft   int
	)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for _, symbol := range symbols {
		for _, interval := range s.opts.CandleIntervals {
			symbol, interval := symbol, interval
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				ev, fired, err := s.evaluateSymbol(ctx, src, symbol, interval, at)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					soft++
					return nil
				}
				if fired {
					events = append(events, ev)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return events, soft
}

func (s *Service) evaluateSymbol(ctx context.Context, src source.Source, symbol string, interval time.Duration, at time.Time) (detector.Event, bool, error) {
	log := s.logger.With().Str("source", src.Name()).Str("symbol", symbol).Dur("interval", interval).Logger()

	candles, err := src.RecentCandles(ctx, symbol, interval, s.opts.CandleLimit)
	if err != nil {
		log.Warn().Err(err).Msg("candle fetch failed, symbol skipped")
		return detector.Event{}, false, err
	}

	ev, fired, err := s.opts.Candles.Evaluate(src.Name(), symbol, interval, candles, at)
	switch {
	case errors.Is(err, detector.ErrInsufficientCandles):
		log.Debug().Err(err).Msg("not enough closed candles yet")
		return detector.Event{}, false, err
	case err != nil:
		log.Warn().Err(err).Msg("malformed candles, symbol skipped")
		return detector.Event{}, false, err
	case !fired:
		return detector.Event{}, false, nil
	}

	if !s.markCandle(ev) {
		log.Debug().Time("candle_open", ev.CandleOpen).Msg("candle already alerted")
		return detector.Event{}, false, nil
	}
	return ev, true, nil
}

func candleKey(ev detector.Event) string {
	return fmt.Sprintf("%s:%s:%s", ev.Source, ev.Symbol, ev.Interval)
}

// markCandle records that ev's candle close was alerted and reports whether it is new.
// Polls are usually shorter than candles, so one close is seen by several cycles.
func (s *Service) markCandle(ev detector.Event) bool {
	s.candleMu.Lock()
	defer s.candleMu.Unlock()

	key := candleKey(ev)
	if last, ok := s.lastCandles[key]; ok && !ev.CandleOpen.After(last) {
		return false
	}
	s.lastCandles[key] = ev.CandleOpen
	return true
}

func (s *Service) forgetCandles(at time.Time) {
	horizon := 4 * maxDuration(s.opts.CandleIntervals)

	s.candleMu.Lock()
	defer s.candleMu.Unlock()
	for key, open := range s.lastCandles {
		if at.Sub(open) > horizon {
			delete(s.lastCandles, key)
		}
	}
}

func maxDuration(ds []time.Duration) time.Duration {
	var out time.Duration
	for _, d := range ds {
		out = max(out, d)
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, events []detector.Event) (delivered, failed int) {
	for _, ev := range events {
		note := alerting.Notification{Event: ev}
		log := s.logger.With().
			Str("event_id", ev.ID.String()).
			Str("source", ev.Source).
			Str("symbol", ev.Symbol).
			Str("kind", string(ev.Kind)).
			Str("magnitude", ev.Magnitude.StringFixed(2)).
			Logger()

		deliveryErr := ErrDeliveryDisabled
		if s.opts.Notifier != nil {
			deliveryErr = s.opts.Notifier.Notify(ctx, note)
			if deliveryErr != nil {
				failed++
				log.Error().Err(deliveryErr).Msg("failed to dispatch alert")
			} else {
				delivered++
			}
		} else {
			log.Info().Msg("alert detected (delivery disabled)")
		}

		if s.opts.Journal != nil {
			if _, err := s.opts.Journal.InsertAlert(ctx, storage.RecordFromEvent(ev, deliveryErr, false)); err != nil {
				log.Error().Err(err).Msg("failed to persist alert record")
			}
		}
	}
	return delivered, failed
}

func (s *Service) applyRetention(ctx context.Context, at time.Time) {
	if s.opts.Journal == nil || s.opts.Retention <= 0 {
		return
	}
	if !s.lastRetention.IsZero() && at.Sub(s.lastRetention) < retentionEvery {
		return
	}
	s.lastRetention = at

	removed, err := s.opts.Journal.DeleteAlertsBefore(ctx, at.Add(-s.opts.Retention))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to apply alert retention")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("alert retention applied")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
