// Package api exposes the exchange and backtest HTTP surface. The virtual
// and real exchanges honour the same request shapes; monetary fields travel
// as decimal strings and structured timestamps as Unix seconds.
package api

import (
	"net/http"
	"strconv"
	"time"

	"virtex/backtest"
	"virtex/core"
	"virtex/exchange"
	"virtex/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Config parameterises the server's default exchange session.
type Config struct {
	Addr        string
	Symbols     []string
	CoinMap     map[string]string // base asset -> symbol, injective
	InitialCash decimal.Decimal
	FeeRate     decimal.Decimal
	MarketFill  exchange.MarketFillMode
	NewsLimit   int
}

// Server hosts the exchange endpoints over one default engine session and
// spawns isolated orchestrator runs on demand.
type Server struct {
	cfg    Config
	source core.CandleSource
	news   core.NewsSource
	store  backtest.RunStore
	runner *backtest.Runner
	engine *exchange.Engine
	log    logger.Logger
	router *gin.Engine
}

// NewServer wires the default session and routes. store may be nil.
func NewServer(cfg Config, source core.CandleSource, news core.NewsSource, store backtest.RunStore, log logger.Logger) *Server {
	if cfg.NewsLimit <= 0 {
		cfg.NewsLimit = 10
	}

	runner := backtest.NewRunner(source, news)
	engine := exchange.NewEngine(exchange.Config{
		Symbols:     cfg.Symbols,
		InitialCash: cfg.InitialCash,
		FeeRate:     cfg.FeeRate,
		MarketFill:  cfg.MarketFill,
	}, source, runner, log)

	server := &Server{
		cfg:    cfg,
		source: source,
		news:   news,
		store:  store,
		runner: runner,
		engine: engine,
		log:    log,
	}
	server.router = server.routes()
	return server
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/exchange/order", s.handlePlaceOrder)
	router.POST("/exchange/cancel", s.handleCancelOrder)
	router.POST("/exchange/modify", s.handleModifyOrder)
	router.POST("/info", s.handleInfo)
	router.GET("/gpt-latest/:symbol", s.handleSnapshot)
	router.GET("/top-news", s.handleTopNews)
	router.POST("/backtest/orchestrate", s.handleOrchestrate)
	router.POST("/backtest/run", s.handleMatchOnly)
	return router
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run blocks serving HTTP on the configured address.
func (s *Server) Run() error {
	s.log.Infof("listening on %s", s.cfg.Addr)
	return s.router.Run(s.cfg.Addr)
}

// symbolFor resolves a base asset through the coin map.
func (s *Server) symbolFor(coin string) (string, bool) {
	symbol, ok := s.cfg.CoinMap[coin]
	return symbol, ok
}

// parseCutoff reads an optional Unix-seconds or RFC3339 timestamp query.
func parseCutoff(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}
