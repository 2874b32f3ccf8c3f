package core

import (
	"context"
	"encoding/json"
	"time"
)

// NewsItem is one headline visible to the strategy. Importance is a
// source-assigned rank; higher means more important.
type NewsItem struct {
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Importance  int       `json:"importance"`
}

// MarshalJSON emits the publish timestamp as integer Unix seconds.
func (n NewsItem) MarshalJSON() ([]byte, error) {
	type alias NewsItem
	return json.Marshal(struct {
		alias
		PublishedAt int64 `json:"published_at"`
	}{alias(n), UnixSeconds(n.PublishedAt)})
}

// NewsSource serves headlines published at or before a cutoff. The cutoff
// keeps backtests free of lookahead.
type NewsSource interface {
	// TopNews returns up to k items published at or before the cutoff, most
	// important first, ties broken by recency.
	TopNews(ctx context.Context, before time.Time, k int) ([]NewsItem, error)
}
