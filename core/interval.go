package core

import (
	"fmt"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Interval identifies a candle aggregation period. The one-minute interval
// is the matching primitive; the others are derived from it by resampling.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval15m Interval = "15m"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// DerivedIntervals lists the intervals served by resampling one-minute data.
var DerivedIntervals = []Interval{Interval15m, Interval4h, Interval1d}

// ParseInterval validates an interval string against the closed set.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval1m, Interval15m, Interval4h, Interval1d:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unsupported interval %q", s)
}

// Duration returns the wall-time span covered by one candle of the interval.
func (i Interval) Duration() time.Duration {
	d, err := str2duration.ParseDuration(string(i))
	if err != nil {
		return 0
	}
	return d
}

func (i Interval) String() string { return string(i) }
