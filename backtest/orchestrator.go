package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"virtex/core"
	"virtex/exchange"
	"virtex/pkg/logger"
	"virtex/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultDecisionInterval is the gap between strategy invocations.
const DefaultDecisionInterval = 4 * time.Hour

// StrategyCaller asks the external service for one step's actions.
type StrategyCaller interface {
	Decide(ctx context.Context, symbol string, at time.Time) ([]strategy.Action, error)
}

// RunStore persists the per-run snapshot blob and step report fragments,
// and serves the blob back when a run resumes under the same id.
type RunStore interface {
	exchange.SnapshotSink
	LoadSnapshot(runID string) ([]byte, bool, error)
	AppendStepReport(runID string, blob []byte) error
}

// coverageVerifier is implemented by sources that can check a window for
// holes cheaply.
type coverageVerifier interface {
	VerifyCoverage(ctx context.Context, symbol string, start, end time.Time) error
}

// Params configures one run.
type Params struct {
	RunID            string
	Symbol           string
	Start            time.Time
	End              time.Time
	DecisionInterval time.Duration
	InitialCash      decimal.Decimal
	FeeRate          decimal.Decimal
	MarketFill       exchange.MarketFillMode
	EngineVersion    string
	StrategyConfig   string

	// Orders is the pre-built order list for matching-only runs; placed at
	// the start instead of calling the strategy.
	Orders []exchange.PlaceRequest
}

// Orchestrator drives complete runs. Each run gets its own isolated
// runner/wallet/engine bundle; the orchestrator itself only holds the
// read-only collaborators shared across runs.
type Orchestrator struct {
	source   core.CandleSource
	news     core.NewsSource
	strategy StrategyCaller
	coinMap  map[string]string
	store    RunStore
	log      logger.Logger
}

// NewOrchestrator wires the shared collaborators. strategy, news, and store
// may be nil; coinMap maps base assets to symbols and must be injective.
func NewOrchestrator(source core.CandleSource, news core.NewsSource, caller StrategyCaller, coinMap map[string]string, store RunStore, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		source:   source,
		news:     news,
		strategy: caller,
		coinMap:  coinMap,
		store:    store,
		log:      log,
	}
}

// stepFragment is one persisted per-step report row. Time is the step
// boundary as Unix seconds.
type stepFragment struct {
	Time       int64           `json:"time"`
	Equity     decimal.Decimal `json:"equity"`
	OpenOrders int             `json:"open_orders"`
	Trades     int             `json:"trades"`
}

// Run executes the full loop: verify coverage, step the virtual clock,
// call the strategy, place extracted orders, match, and report. Fatal
// errors finalise a partial report flagged Failed and are returned
// alongside it.
func (o *Orchestrator) Run(ctx context.Context, params Params) (*Report, error) {
	if err := o.validate(&params); err != nil {
		return nil, err
	}

	log := o.log.WithFields(map[string]any{"run_id": params.RunID, "symbol": params.Symbol})
	log.Infof("starting run %s -> %s", params.Start.Format(time.RFC3339), params.End.Format(time.RFC3339))

	if err := o.verifyCoverage(ctx, params); err != nil {
		return nil, err
	}

	hashing := NewHashingSource(o.source)
	runner := NewRunner(o.source, o.news)
	engineOptions := []exchange.Option{}
	if o.store != nil {
		engineOptions = append(engineOptions, exchange.WithSnapshotSink(o.store, params.RunID))
	}
	engine := exchange.NewEngine(exchange.Config{
		Symbols:     []string{params.Symbol},
		InitialCash: params.InitialCash,
		FeeRate:     params.FeeRate,
		MarketFill:  params.MarketFill,
		Start:       params.Start,
	}, hashing, runner, log, engineOptions...)

	if o.store != nil {
		blob, ok, err := o.store.LoadSnapshot(params.RunID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", params.RunID, err)
		}
		if ok {
			if err := engine.Restore(blob); err != nil {
				return nil, fmt.Errorf("restore run %s: %w", params.RunID, err)
			}
			log.Info("resumed from persisted snapshot")
		}
	}

	report := &Report{
		RunID:     params.RunID,
		Symbol:    params.Symbol,
		Status:    RunCompleted,
		StartTime: params.Start,
		EndTime:   params.End,
		Reproducibility: Reproducibility{
			StrategyConfig: params.StrategyConfig,
			EngineVersion:  params.EngineVersion,
			FeeRate:        params.FeeRate,
			SlippageModel:  fmt.Sprintf("market:%s;limit:0", engineMarketFill(params.MarketFill)),
		},
	}

	exposedBars := 0
	preplaced := false

	t := params.Start
	for t.Before(params.End) {
		if err := ctx.Err(); err != nil {
			return o.fail(report, hashing, engine, params, exposedBars, err)
		}
		if err := runner.SetCurrentTime(t); err != nil {
			return o.fail(report, hashing, engine, params, exposedBars, err)
		}

		o.primeMark(ctx, runner, engine, params.Symbol)

		if len(params.Orders) > 0 && !preplaced {
			o.placePrebuilt(engine, params.Orders, t, report)
			preplaced = true
		} else if o.strategy != nil && len(params.Orders) == 0 {
			o.decideStep(ctx, engine, params.Symbol, t, report)
		}

		next := t.Add(params.DecisionInterval)
		if next.After(params.End) {
			next = params.End
		}

		if err := engine.AdvanceTo(ctx, next); err != nil {
			return o.fail(report, hashing, engine, params, exposedBars, err)
		}

		account := engine.AccountInfo()
		report.EquityCurve = append(report.EquityCurve, EquityPoint{Time: next, Equity: account.Equity})
		if hasExposure(account.Positions) {
			exposedBars++
		}
		o.persistStep(params.RunID, next, account, engine)

		t = next
	}

	o.finalize(report, hashing, engine, params, exposedBars)
	log.Infof("run completed: equity %s, %d round trips", report.FinalEquity, len(report.Trades))
	return report, nil
}

// validate fills defaults and rejects structurally bad parameters.
func (o *Orchestrator) validate(params *Params) error {
	if params.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", core.ErrInvalidOrder)
	}
	if !params.Start.Before(params.End) {
		return fmt.Errorf("%w: start %s not before end %s",
			core.ErrInvalidOrder, params.Start.Format(time.RFC3339), params.End.Format(time.RFC3339))
	}
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}
	if params.DecisionInterval <= 0 {
		params.DecisionInterval = DefaultDecisionInterval
	}
	if params.InitialCash.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive initial cash", core.ErrInvalidOrder)
	}
	return nil
}

// verifyCoverage rejects runs whose window the candle source cannot cover.
func (o *Orchestrator) verifyCoverage(ctx context.Context, params Params) error {
	if verifier, ok := o.source.(coverageVerifier); ok {
		return verifier.VerifyCoverage(ctx, params.Symbol, params.Start, params.End)
	}

	candles, err := o.source.CandlesByPeriod(ctx, params.Symbol, core.Interval1m, params.Start, params.End)
	if err != nil {
		return err
	}
	want := int(params.End.Sub(params.Start) / time.Minute)
	if len(candles) != want {
		return fmt.Errorf("%w: %s expected %d bars, got %d",
			core.ErrDataGap, params.Symbol, want, len(candles))
	}
	return nil
}

// primeMark seeds the engine's mark price from the last closed one-minute
// candle, looking back up to five minutes, so equity and market-order
// reservation see a price before matching resumes.
func (o *Orchestrator) primeMark(ctx context.Context, runner *Runner, engine *exchange.Engine, symbol string) {
	candles, err := runner.Candles(ctx, symbol, core.Interval1m, 5)
	if err != nil || len(candles) == 0 {
		return
	}
	engine.SetMark(symbol, candles[len(candles)-1].Close)
}

// decideStep calls the strategy service and applies whatever it intended.
// Failures of any kind are diagnostics; the step proceeds with zero orders.
func (o *Orchestrator) decideStep(ctx context.Context, engine *exchange.Engine, symbol string, t time.Time, report *Report) {
	actions, err := o.strategy.Decide(ctx, symbol, t)
	if err != nil {
		o.log.WithError(err).Warn("strategy step produced no orders")
		report.Diagnostics = append(report.Diagnostics, Diagnostic{Time: t, Reason: err.Error()})
		return
	}

	for _, action := range actions {
		if err := o.apply(engine, action); err != nil {
			intended, _ := json.Marshal(map[string]any{
				"tool": action.Tool, "coin": action.Coin, "size": action.Size,
			})
			report.Diagnostics = append(report.Diagnostics, Diagnostic{
				Time: t, Intended: intended, Reason: err.Error(),
			})
			o.log.WithError(err).Warn("intended order rejected")
		}
	}
}

// apply translates one extracted action into engine calls. A tpsl bracket
// expands into the parent plus two OCO children; the children are only
// placed once the parent is accepted.
func (o *Orchestrator) apply(engine *exchange.Engine, action strategy.Action) error {
	if action.Tool == strategy.ToolCancelOrder {
		_, err := engine.Cancel(action.OID)
		return err
	}

	symbol, ok := o.coinMap[action.Coin]
	if !ok {
		return fmt.Errorf("%w: coin %q", core.ErrUnknownSymbol, action.Coin)
	}

	side := core.SideSell
	if action.IsBuy {
		side = core.SideBuy
	}

	req := exchange.PlaceRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		Size:       action.Size,
		ReduceOnly: action.ReduceOnly,
	}
	if action.LimitPx != nil {
		req.Type = core.OrderTypeLimit
		req.Price = *action.LimitPx
	}

	parent, err := engine.Place(req)
	if err != nil {
		return err
	}
	if action.TPSL == nil {
		return nil
	}

	exit := side.Opposite()
	children := []exchange.PlaceRequest{
		{Symbol: symbol, Side: exit, Type: core.OrderTypeTakeProfit, Size: action.Size, Price: action.TPSL.TakeProfit, ParentID: parent.ID},
		{Symbol: symbol, Side: exit, Type: core.OrderTypeStopLoss, Size: action.Size, Price: action.TPSL.StopLoss, ParentID: parent.ID},
	}
	for _, child := range children {
		if _, err := engine.Place(child); err != nil {
			return fmt.Errorf("bracket leg: %w", err)
		}
	}
	return nil
}

// placePrebuilt feeds a matching-only run its order list.
func (o *Orchestrator) placePrebuilt(engine *exchange.Engine, orders []exchange.PlaceRequest, t time.Time, report *Report) {
	for _, req := range orders {
		if _, err := engine.Place(req); err != nil {
			intended, _ := json.Marshal(req)
			report.Diagnostics = append(report.Diagnostics, Diagnostic{
				Time: t, Intended: intended, Reason: err.Error(),
			})
			o.log.WithError(err).Warn("pre-built order rejected")
		}
	}
}

// persistStep appends one report fragment for the finished step.
func (o *Orchestrator) persistStep(runID string, t time.Time, account core.AccountInfo, engine *exchange.Engine) {
	if o.store == nil {
		return
	}
	blob, err := json.Marshal(stepFragment{
		Time:       core.UnixSeconds(t),
		Equity:     account.Equity,
		OpenOrders: len(account.OpenOrders),
		Trades:     len(engine.Trades()),
	})
	if err != nil {
		return
	}
	if err := o.store.AppendStepReport(runID, blob); err != nil {
		o.log.WithError(err).Error("step report persist failed")
	}
}

// finalize fills the trade-level and portfolio-level report sections.
func (o *Orchestrator) finalize(report *Report, hashing *HashingSource, engine *exchange.Engine, params Params, exposedBars int) {
	trades := engine.Trades()
	stops := initialStops(engine.AllOrders())

	report.Trades = PairTrades(trades, stops)
	report.Metrics = ComputeMetrics(report.EquityCurve, report.Trades, trades, params.InitialCash, exposedBars)
	report.FinalEquity = engine.Equity()
	report.Reproducibility.DataHash = hashing.Sum()
}

// fail finalises whatever partial report exists and flags the run.
func (o *Orchestrator) fail(report *Report, hashing *HashingSource, engine *exchange.Engine, params Params, exposedBars int, cause error) (*Report, error) {
	report.Status = RunFailed
	report.FailureReason = cause.Error()
	o.finalize(report, hashing, engine, params, exposedBars)
	o.log.WithError(cause).Error("run failed")
	return report, cause
}

// initialStops maps each entry order id to the stop price of its first
// stop-loss child, for R-multiple computation.
func initialStops(orders []core.Order) map[int64]decimal.Decimal {
	stops := make(map[int64]decimal.Decimal)
	for _, order := range orders {
		if order.Type != core.OrderTypeStopLoss || order.ParentID == 0 {
			continue
		}
		if _, ok := stops[order.ParentID]; !ok {
			stops[order.ParentID] = order.Price
		}
	}
	return stops
}

func hasExposure(positions []core.Position) bool {
	for _, pos := range positions {
		if !pos.Size.IsZero() {
			return true
		}
	}
	return false
}

func engineMarketFill(mode exchange.MarketFillMode) exchange.MarketFillMode {
	if mode == "" {
		return exchange.MarketFillOpen
	}
	return mode
}
