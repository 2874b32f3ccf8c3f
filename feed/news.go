package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"virtex/core"

	"github.com/samber/lo"
)

// CSVNewsSource serves headlines from a CSV file with columns
// published_ts,source,importance,title. Rows are held sorted by importance
// descending, then recency.
type CSVNewsSource struct {
	items []core.NewsItem
}

// NewCSVNewsSource loads and sorts the news file.
func NewCSVNewsSource(file string) (*CSVNewsSource, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 4
	lines, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 && lines[0][0] == "published_ts" {
		lines = lines[1:]
	}

	items := make([]core.NewsItem, 0, len(lines))
	for i, line := range lines {
		ts, err := strconv.ParseInt(line[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("news row %d: %w", i+1, err)
		}
		importance, err := strconv.Atoi(line[2])
		if err != nil {
			return nil, fmt.Errorf("news row %d: %w", i+1, err)
		}
		items = append(items, core.NewsItem{
			PublishedAt: time.Unix(ts, 0).UTC(),
			Source:      line[1],
			Importance:  importance,
			Title:       line[3],
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})

	return &CSVNewsSource{items: items}, nil
}

// TopNews implements core.NewsSource. Only items published at or before the
// cutoff are visible.
func (s *CSVNewsSource) TopNews(_ context.Context, before time.Time, k int) ([]core.NewsItem, error) {
	visible := lo.Filter(s.items, func(item core.NewsItem, _ int) bool {
		return !item.PublishedAt.After(before)
	})
	if k > 0 && len(visible) > k {
		visible = visible[:k]
	}
	return visible, nil
}
