package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"virtex/backtest"
	"virtex/core"
	"virtex/exchange"
	"virtex/indicator"
	"virtex/strategy"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// snapshotDepth is the candle window served per interval by /gpt-latest.
const snapshotDepth = 100

// orderBody is the wire shape shared by /exchange/order and the order list
// of /backtest/run.
type orderBody struct {
	Coin       string           `json:"coin" binding:"required"`
	IsBuy      bool             `json:"is_buy"`
	Sz         decimal.Decimal  `json:"sz" binding:"required"`
	LimitPx    *decimal.Decimal `json:"limit_px"`
	OrderType  string           `json:"order_type" binding:"required"`
	ReduceOnly bool             `json:"reduce_only"`
	TPSL       *tpslBody        `json:"tpsl"`
}

type tpslBody struct {
	TP decimal.Decimal `json:"tp" binding:"required"`
	SL decimal.Decimal `json:"sl" binding:"required"`
}

// toRequest reifies the wire order into the closed engine request set.
func (b orderBody) toRequest(symbol string) (exchange.PlaceRequest, error) {
	orderType, ok := core.ParseOrderType(strings.ToUpper(b.OrderType))
	if !ok {
		return exchange.PlaceRequest{}, errors.New("unknown order_type " + b.OrderType)
	}

	side := core.SideSell
	if b.IsBuy {
		side = core.SideBuy
	}
	req := exchange.PlaceRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Size:       b.Sz,
		ReduceOnly: b.ReduceOnly,
	}
	if b.LimitPx != nil {
		req.Price = *b.LimitPx
	}
	return req, nil
}

// handlePlaceOrder accepts one order, expanding a tpsl bracket into a
// parent plus two OCO children.
func (s *Server) handlePlaceOrder(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	symbol, ok := s.symbolFor(body.Coin)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "unknown coin " + body.Coin})
		return
	}

	req, err := body.toRequest(symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	parent, err := s.engine.Place(req)
	if err != nil {
		c.JSON(rejectionStatus(err), gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	children := make([]core.Order, 0, 2)
	if body.TPSL != nil {
		exit := parent.Side.Opposite()
		legs := []exchange.PlaceRequest{
			{Symbol: symbol, Side: exit, Type: core.OrderTypeTakeProfit, Size: parent.Size, Price: body.TPSL.TP, ParentID: parent.ID},
			{Symbol: symbol, Side: exit, Type: core.OrderTypeStopLoss, Size: parent.Size, Price: body.TPSL.SL, ParentID: parent.ID},
		}
		for _, leg := range legs {
			child, err := s.engine.Place(leg)
			if err != nil {
				c.JSON(rejectionStatus(err), gin.H{"status": "rejected", "reason": "bracket leg: " + err.Error()})
				return
			}
			children = append(children, child)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "order": parent, "children": children})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	var body struct {
		OID int64 `json:"oid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	order, err := s.engine.Cancel(body.OID)
	if err != nil {
		c.JSON(rejectionStatus(err), gin.H{"status": "rejected", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "order": order})
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	var body struct {
		OID      int64            `json:"oid" binding:"required"`
		NewPrice *decimal.Decimal `json:"new_price"`
		NewSize  *decimal.Decimal `json:"new_size"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	order, err := s.engine.Modify(body.OID, body.NewPrice, body.NewSize)
	if err != nil {
		c.JSON(rejectionStatus(err), gin.H{"status": "rejected", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "order": order})
}

// handleInfo returns the account snapshot at the virtual clock.
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.AccountInfo())
}

// handleSnapshot serves the multi-interval candle and indicator bundle as
// of the requested timestamp (default: the session's virtual clock).
func (s *Server) handleSnapshot(c *gin.Context) {
	symbol := c.Param("symbol")

	cutoff, err := parseCutoff(c.Query("timestamp"), s.runner.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "bad timestamp"})
		return
	}
	if cutoff.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "timestamp required"})
		return
	}

	// An ephemeral runner keeps the read from touching the session clock.
	reader := backtest.NewRunner(s.source, s.news)
	if err := reader.SetCurrentTime(cutoff); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	intervals := append([]core.Interval{core.Interval1m}, core.DerivedIntervals...)
	bundle := make([]indicator.IntervalSnapshot, 0, len(intervals))
	for _, interval := range intervals {
		candles, err := reader.Candles(c.Request.Context(), symbol, interval, snapshotDepth)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"status": "rejected", "reason": err.Error()})
			return
		}
		bundle = append(bundle, indicator.IntervalSnapshot{
			Interval:   interval,
			Candles:    candles,
			Indicators: indicator.Compute(candles),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timestamp": cutoff.Unix(),
		"intervals": bundle,
	})
}

func (s *Server) handleTopNews(c *gin.Context) {
	if s.news == nil {
		c.JSON(http.StatusOK, gin.H{"news": []core.NewsItem{}})
		return
	}

	cutoff, err := parseCutoff(c.Query("before_timestamp"), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "bad before_timestamp"})
		return
	}
	k := s.cfg.NewsLimit
	if raw := c.Query("k"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			k = parsed
		}
	}

	items, err := s.news.TopNews(c.Request.Context(), cutoff, k)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"news": items})
}

// orchestrateBody mirrors the human-facing backtest request: ISO-8601
// timestamps, interval in hours.
type orchestrateBody struct {
	Symbol               string  `json:"symbol" binding:"required"`
	StartTime            string  `json:"start_time" binding:"required"`
	EndTime              string  `json:"end_time" binding:"required"`
	MeetingIntervalHours float64 `json:"meeting_interval_hours"`
	StrategyAgentURL     string  `json:"strategy_agent_url"`
	FeeRate              string  `json:"fee_rate"`
	InitialCash          string  `json:"initial_cash"`
}

func (s *Server) handleOrchestrate(c *gin.Context) {
	var body orchestrateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	params, err := s.orchestrateParams(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	var caller backtest.StrategyCaller
	if body.StrategyAgentURL != "" {
		caller = strategy.NewClient(body.StrategyAgentURL, s.log)
	}

	orchestrator := backtest.NewOrchestrator(s.source, s.news, caller, s.cfg.CoinMap, s.store, s.log)
	report, err := orchestrator.Run(c.Request.Context(), params)
	if err != nil {
		status := errorStatus(err)
		c.JSON(status, gin.H{"status": "failed", "reason": err.Error(), "response": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "response": report})
}

// handleMatchOnly runs matching over a pre-built order list, no strategy.
func (s *Server) handleMatchOnly(c *gin.Context) {
	var body struct {
		Symbol    string      `json:"symbol" binding:"required"`
		StartTime string      `json:"start_time" binding:"required"`
		EndTime   string      `json:"end_time" binding:"required"`
		Orders    []orderBody `json:"orders" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	params, err := s.orchestrateParams(orchestrateBody{
		Symbol:    body.Symbol,
		StartTime: body.StartTime,
		EndTime:   body.EndTime,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
		return
	}

	for _, order := range body.Orders {
		symbol, ok := s.symbolFor(order.Coin)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "unknown coin " + order.Coin})
			return
		}
		req, err := order.toRequest(symbol)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": err.Error()})
			return
		}
		params.Orders = append(params.Orders, req)
	}

	orchestrator := backtest.NewOrchestrator(s.source, s.news, nil, s.cfg.CoinMap, s.store, s.log)
	report, err := orchestrator.Run(c.Request.Context(), params)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"status": "failed", "reason": err.Error(), "response": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "response": report})
}

// orchestrateParams validates the human-facing fields into run parameters.
func (s *Server) orchestrateParams(body orchestrateBody) (backtest.Params, error) {
	start, err := time.Parse(time.RFC3339, body.StartTime)
	if err != nil {
		return backtest.Params{}, errors.New("bad start_time: " + err.Error())
	}
	end, err := time.Parse(time.RFC3339, body.EndTime)
	if err != nil {
		return backtest.Params{}, errors.New("bad end_time: " + err.Error())
	}

	params := backtest.Params{
		Symbol:      body.Symbol,
		Start:       start.UTC(),
		End:         end.UTC(),
		InitialCash: s.cfg.InitialCash,
		FeeRate:     s.cfg.FeeRate,
		MarketFill:  s.cfg.MarketFill,
	}
	if body.MeetingIntervalHours > 0 {
		params.DecisionInterval = time.Duration(body.MeetingIntervalHours * float64(time.Hour))
	}
	if body.FeeRate != "" {
		if params.FeeRate, err = decimal.NewFromString(body.FeeRate); err != nil {
			return backtest.Params{}, errors.New("bad fee_rate: " + err.Error())
		}
	}
	if body.InitialCash != "" {
		if params.InitialCash, err = decimal.NewFromString(body.InitialCash); err != nil {
			return backtest.Params{}, errors.New("bad initial_cash: " + err.Error())
		}
	}
	return params, nil
}

// rejectionStatus maps placement-time errors onto HTTP statuses. Rejections
// are part of normal operation; only engine faults are 5xx.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrEngineInvariant):
		return http.StatusInternalServerError
	case errors.Is(err, core.ErrAlreadyTerminal):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// errorStatus maps run-level failures onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrDataGap), errors.Is(err, core.ErrUnknownSymbol),
		errors.Is(err, core.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrStrategyUnavailable), errors.Is(err, core.ErrStrategyTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
