package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"virtex/core"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Reproducibility identifies the inputs that produced this report. Two runs
// with equal blocks and equal strategy replies yield identical trade logs.
type Reproducibility struct {
	DataHash       string          `json:"data_hash"`
	StrategyConfig string          `json:"strategy_config"`
	EngineVersion  string          `json:"engine_version"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	SlippageModel  string          `json:"slippage_model"`
}

// Diagnostic records a non-fatal per-step failure: a rejected order or a
// strategy call that produced nothing.
type Diagnostic struct {
	Time     time.Time       `json:"time"`
	Intended json.RawMessage `json:"intended,omitempty"`
	Reason   string          `json:"reason"`
}

// MarshalJSON emits the step timestamp as integer Unix seconds.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	type alias Diagnostic
	return json.Marshal(struct {
		alias
		Time int64 `json:"time"`
	}{alias(d), core.UnixSeconds(d.Time)})
}

// Report is the end-of-run artifact.
type Report struct {
	RunID     string    `json:"run_id"`
	Symbol    string    `json:"symbol"`
	Status    RunStatus `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Trades          []RoundTrip      `json:"trades"`
	EquityCurve     []EquityPoint    `json:"equity_curve"`
	FinalEquity     decimal.Decimal  `json:"final_equity"`
	Metrics         PortfolioMetrics `json:"metrics"`
	Reproducibility Reproducibility  `json:"reproducibility"`
	Diagnostics     []Diagnostic     `json:"diagnostics,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
}

// MarshalJSON emits the window timestamps as integer Unix seconds.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(struct {
		alias
		StartTime int64 `json:"start_time"`
		EndTime   int64 `json:"end_time"`
	}{alias(r), core.UnixSeconds(r.StartTime), core.UnixSeconds(r.EndTime)})
}

// WriteSummary renders a human-readable run summary.
func (r *Report) WriteSummary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)

	table.AppendBulk([][]string{
		{"Run", r.RunID},
		{"Symbol", r.Symbol},
		{"Status", string(r.Status)},
		{"Final Equity", r.FinalEquity.StringFixed(2)},
		{"Round Trips", fmt.Sprintf("%d", len(r.Trades))},
		{"Win Rate", fmt.Sprintf("%.1f%%", r.Metrics.WinRate*100)},
		{"Profit Factor", fmt.Sprintf("%.2f", r.Metrics.ProfitFactor)},
		{"Max Drawdown", r.Metrics.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"},
		{"MDD Duration", fmt.Sprintf("%d bars", r.Metrics.MDDDuration)},
		{"Exposure", fmt.Sprintf("%.1f%%", r.Metrics.Exposure*100)},
		{"Turnover", r.Metrics.Turnover.StringFixed(2)},
		{"Data Hash", r.Reproducibility.DataHash},
	})
	table.Render()
}
