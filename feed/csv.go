// Package feed loads historical market data from CSV files and serves it to
// the backtest runner as validated one-minute candles.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"virtex/core"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// defaultHeaderMap defines the standard CSV column mapping used when the
// file carries no header row.
var defaultHeaderMap = map[string]int{
	"time": 0, "open": 1, "close": 2, "low": 3, "high": 4, "volume": 5,
}

// SymbolFeed binds a symbol to its one-minute candle file.
type SymbolFeed struct {
	Symbol string
	File   string
}

// CSVSource is a core.CandleSource backed by per-symbol CSV files. All files
// are loaded, validated, and sorted at construction; derived intervals are
// resampled on demand and cached.
type CSVSource struct {
	candles   map[string][]core.Candle // per symbol, 1m, sorted by start
	resampled map[string][]core.Candle // keyed symbol--interval
}

// NewCSVSource reads every feed file and returns a source over them. Any
// malformed row or out-of-order bar fails construction.
func NewCSVSource(feeds ...SymbolFeed) (*CSVSource, error) {
	src := &CSVSource{
		candles:   make(map[string][]core.Candle),
		resampled: make(map[string][]core.Candle),
	}

	for _, feed := range feeds {
		candles, err := readCandlesFromCSV(feed)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed.Symbol, err)
		}
		core.SortCandles(candles)
		src.candles[feed.Symbol] = candles
	}

	return src, nil
}

// readCandlesFromCSV reads and parses one symbol file into candles.
func readCandlesFromCSV(feed SymbolFeed) ([]core.Candle, error) {
	csvFile, err := os.Open(feed.File)
	if err != nil {
		return nil, err
	}
	defer csvFile.Close()

	csvLines, err := csv.NewReader(csvFile).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(csvLines) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", core.ErrDataGap, feed.File)
	}

	headerMap, hasHeader := parseHeaders(csvLines[0])
	if hasHeader {
		csvLines = csvLines[1:]
	}

	candles := make([]core.Candle, 0, len(csvLines))
	for i, line := range csvLines {
		candle, err := parseCandleFromLine(line, headerMap, feed.Symbol)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if err := candle.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseHeaders analyzes the first CSV row and returns an index map.
func parseHeaders(headers []string) (map[string]int, bool) {
	// A numeric first cell means the file has no header row.
	if _, err := strconv.Atoi(headers[0]); err == nil {
		return defaultHeaderMap, false
	}

	headerMap := make(map[string]int, len(headers))
	for index, header := range headers {
		headerMap[header] = index
	}
	return headerMap, true
}

// parseCandleFromLine parses a CSV line into a one-minute candle.
func parseCandleFromLine(line []string, headerMap map[string]int, symbol string) (core.Candle, error) {
	timestamp, err := strconv.ParseInt(line[headerMap["time"]], 10, 64)
	if err != nil {
		return core.Candle{}, err
	}

	candle := core.Candle{
		Symbol:   symbol,
		Interval: core.Interval1m,
		Start:    time.Unix(timestamp, 0).UTC(),
	}

	fields := map[string]*decimal.Decimal{
		"open":   &candle.Open,
		"high":   &candle.High,
		"low":    &candle.Low,
		"close":  &candle.Close,
		"volume": &candle.Volume,
	}
	for name, dst := range fields {
		idx, ok := headerMap[name]
		if !ok || idx >= len(line) {
			return core.Candle{}, fmt.Errorf("missing column %q", name)
		}
		if *dst, err = decimal.NewFromString(line[idx]); err != nil {
			return core.Candle{}, fmt.Errorf("column %q: %w", name, err)
		}
	}

	return candle, nil
}

// Symbols returns the loaded symbol universe in no particular order.
func (s *CSVSource) Symbols() []string {
	return lo.Keys(s.candles)
}

// CandlesByPeriod returns candles whose bar start falls in [start, end).
// Derived intervals are resampled from the one-minute series and cached.
// A window the data cannot cover returns core.ErrDataGap.
func (s *CSVSource) CandlesByPeriod(_ context.Context, symbol string, interval core.Interval, start, end time.Time) ([]core.Candle, error) {
	series, ok := s.candles[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}

	if interval != core.Interval1m {
		key := symbol + "--" + interval.String()
		if cached, ok := s.resampled[key]; ok {
			series = cached
		} else {
			series = core.Resample(series, interval)
			s.resampled[key] = series
		}
	}

	result := lo.Filter(series, func(c core.Candle, _ int) bool {
		return !c.Start.Before(start) && c.Start.Before(end)
	})
	return result, nil
}

// VerifyCoverage checks the one-minute series covers [start, end) without
// holes. Derived intervals inherit coverage from the base series. Callers
// verify the run window before matching starts; a hole aborts the run.
func (s *CSVSource) VerifyCoverage(ctx context.Context, symbol string, start, end time.Time) error {
	candles, err := s.CandlesByPeriod(ctx, symbol, core.Interval1m, start, end)
	if err != nil {
		return err
	}

	want := int(end.Sub(start) / time.Minute)
	if want <= 0 {
		return nil
	}
	if len(candles) != want {
		return fmt.Errorf("%w: %s expected %d bars in [%s, %s), got %d",
			core.ErrDataGap, symbol, want, start.Format(time.RFC3339), end.Format(time.RFC3339), len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if gap := candles[i].Start.Sub(candles[i-1].Start); gap != time.Minute {
			return fmt.Errorf("%w: %s missing bars after %s",
				core.ErrDataGap, symbol, candles[i-1].Start.Format(time.RFC3339))
		}
	}
	return nil
}
