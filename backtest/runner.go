// Package backtest drives deterministic runs: a virtual clock over
// historical data, the orchestration loop around the strategy service, and
// the end-of-run report.
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"virtex/core"
)

// Runner owns the virtual clock and answers every read as if now were T.
// It never returns a candle whose close time lies beyond T.
type Runner struct {
	mu     sync.Mutex
	now    time.Time
	source core.CandleSource
	news   core.NewsSource
}

// NewRunner creates a runner over the given sources. The clock starts unset;
// the first SetCurrentTime establishes it.
func NewRunner(source core.CandleSource, news core.NewsSource) *Runner {
	return &Runner{source: source, news: news}
}

// SetCurrentTime moves the virtual clock forward. Moving to a time at or
// before the current value fails with ErrClockRegression and changes
// nothing.
func (r *Runner) SetCurrentTime(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.now.IsZero() && !t.After(r.now) {
		return fmt.Errorf("%w: %s <= %s",
			core.ErrClockRegression, t.Format(time.RFC3339), r.now.Format(time.RFC3339))
	}
	r.now = t
	return nil
}

// Now returns the virtual clock. Implements exchange.Clock.
func (r *Runner) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Candles returns the most recent limit closed candles of the interval as
// of the virtual clock. A candle is closed when its close time is at or
// before T; in-progress bars are never returned.
func (r *Runner) Candles(ctx context.Context, symbol string, interval core.Interval, limit int) ([]core.Candle, error) {
	now := r.Now()
	if now.IsZero() || limit <= 0 {
		return nil, nil
	}

	d := interval.Duration()
	// One extra bucket absorbs bucket misalignment at the window edge.
	start := now.Add(-d * time.Duration(limit+1))

	candles, err := r.source.CandlesByPeriod(ctx, symbol, interval, start, now)
	if err != nil {
		return nil, err
	}

	closed := candles[:0:0]
	for _, c := range candles {
		if !c.CloseTime().After(now) {
			closed = append(closed, c)
		}
	}
	if len(closed) > limit {
		closed = closed[len(closed)-limit:]
	}
	return closed, nil
}

// TopNews returns up to k headlines published at or before the virtual
// clock, most important first.
func (r *Runner) TopNews(ctx context.Context, k int) ([]core.NewsItem, error) {
	if r.news == nil {
		return nil, nil
	}
	return r.news.TopNews(ctx, r.Now(), k)
}
