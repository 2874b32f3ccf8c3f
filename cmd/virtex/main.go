package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"virtex"
	"virtex/api"
	"virtex/backtest"
	"virtex/core"
	"virtex/exchange"
	"virtex/feed"
	"virtex/storage"
	"virtex/strategy"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes of the CLI wrapper.
const (
	exitOK           = 0
	exitBadInput     = 2
	exitDataGap      = 3
	exitStrategyDown = 4
	exitEngineFault  = 5
)

// Command line flags
var (
	cfgFile string

	// Backtest command flags
	btSymbol      string
	btStart       string
	btEnd         string
	btHours       float64
	btStrategyURL string
	btFeeRate     string
	btCash        string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "virtex",
		Short:   "Virtual exchange and backtest orchestrator",
		Version: virtex.Version,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "virtex.yml", "Configuration file")

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildBacktestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode classifies a failure per the documented contract.
func exitCode(err error) int {
	switch {
	case errors.Is(err, core.ErrDataGap):
		return exitDataGap
	case errors.Is(err, core.ErrStrategyUnavailable), errors.Is(err, core.ErrStrategyTimeout):
		return exitStrategyDown
	case errors.Is(err, core.ErrEngineInvariant), errors.Is(err, core.ErrMalformedCandle),
		errors.Is(err, core.ErrClockRegression):
		return exitEngineFault
	default:
		return exitBadInput
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the exchange HTTP API",
		RunE:  runServe,
	}
}

func buildBacktestCmd() *cobra.Command {
	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run one backtest and print its report",
		RunE:  runBacktest,
	}

	backtestCmd.Flags().StringVarP(&btSymbol, "symbol", "s", "", "Symbol (e.g. BTCUSDT)")
	backtestCmd.Flags().StringVar(&btStart, "start", "", "Start time (RFC3339 UTC)")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "End time (RFC3339 UTC)")
	backtestCmd.Flags().Float64Var(&btHours, "interval-hours", 4, "Decision interval in hours")
	backtestCmd.Flags().StringVar(&btStrategyURL, "strategy-url", "", "Strategy service URL (optional)")
	backtestCmd.Flags().StringVar(&btFeeRate, "fee-rate", "", "Fee rate override (e.g. 0.001)")
	backtestCmd.Flags().StringVar(&btCash, "cash", "", "Initial cash override")

	backtestCmd.MarkFlagRequired("symbol")
	backtestCmd.MarkFlagRequired("start")
	backtestCmd.MarkFlagRequired("end")

	return backtestCmd
}

// config is the file-backed configuration shape.
type config struct {
	addr        string
	symbols     []string
	coinMap     map[string]string
	candleFiles map[string]string
	newsFile    string
	storagePath string
	initialCash decimal.Decimal
	feeRate     decimal.Decimal
	marketFill  exchange.MarketFillMode
}

// loadConfig reads the configuration file and environment overrides.
func loadConfig() (*config, error) {
	v := viper.New()
	v.SetConfigFile(cfgFile)
	v.SetEnvPrefix("VIRTEX")
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("exchange.initial_cash", "10000")
	v.SetDefault("exchange.fee_rate", "0")
	v.SetDefault("exchange.market_fill", "open")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
	}

	initialCash, err := decimal.NewFromString(v.GetString("exchange.initial_cash"))
	if err != nil {
		return nil, fmt.Errorf("bad exchange.initial_cash: %w", err)
	}
	feeRate, err := decimal.NewFromString(v.GetString("exchange.fee_rate"))
	if err != nil {
		return nil, fmt.Errorf("bad exchange.fee_rate: %w", err)
	}

	cfg := &config{
		addr:        v.GetString("server.addr"),
		symbols:     v.GetStringSlice("exchange.symbols"),
		coinMap:     v.GetStringMapString("exchange.coin_map"),
		candleFiles: v.GetStringMapString("data.candles"),
		newsFile:    v.GetString("data.news"),
		storagePath: v.GetString("storage.path"),
		initialCash: initialCash,
		feeRate:     feeRate,
		marketFill:  exchange.MarketFillMode(v.GetString("exchange.market_fill")),
	}

	// The coin map must be injective; two coins on one symbol would make
	// extraction ambiguous.
	seen := make(map[string]string, len(cfg.coinMap))
	for coin, symbol := range cfg.coinMap {
		if prev, dup := seen[symbol]; dup {
			return nil, fmt.Errorf("coin map is not injective: %s and %s both map to %s", prev, coin, symbol)
		}
		seen[symbol] = coin
	}

	return cfg, nil
}

// buildSources loads candle and news feeds from the configured files.
func buildSources(cfg *config) (*feed.CSVSource, core.NewsSource, error) {
	if len(cfg.candleFiles) == 0 {
		return nil, nil, errors.New("no candle files configured under data.candles")
	}

	feeds := make([]feed.SymbolFeed, 0, len(cfg.candleFiles))
	for symbol, file := range cfg.candleFiles {
		feeds = append(feeds, feed.SymbolFeed{Symbol: symbol, File: file})
	}
	source, err := feed.NewCSVSource(feeds...)
	if err != nil {
		return nil, nil, err
	}

	var news core.NewsSource
	if cfg.newsFile != "" {
		if news, err = feed.NewCSVNewsSource(cfg.newsFile); err != nil {
			return nil, nil, err
		}
	}
	return source, news, nil
}

// buildStore opens the run store, in memory unless a path is configured.
func buildStore(cfg *config) (*storage.RunStore, error) {
	if cfg.storagePath == "" {
		return storage.NewFromMemory()
	}
	return storage.NewFromFile(cfg.storagePath)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, news, err := buildSources(cfg)
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	server := api.NewServer(api.Config{
		Addr:        cfg.addr,
		Symbols:     cfg.symbols,
		CoinMap:     cfg.coinMap,
		InitialCash: cfg.initialCash,
		FeeRate:     cfg.feeRate,
		MarketFill:  cfg.marketFill,
	}, source, news, store, virtex.DefaultLog)

	return server.Run()
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	start, err := time.Parse(time.RFC3339, btStart)
	if err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, btEnd)
	if err != nil {
		return fmt.Errorf("invalid end time: %w", err)
	}

	if btFeeRate != "" {
		if cfg.feeRate, err = decimal.NewFromString(btFeeRate); err != nil {
			return fmt.Errorf("invalid fee rate: %w", err)
		}
	}
	if btCash != "" {
		if cfg.initialCash, err = decimal.NewFromString(btCash); err != nil {
			return fmt.Errorf("invalid cash: %w", err)
		}
	}

	source, news, err := buildSources(cfg)
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var caller backtest.StrategyCaller
	if btStrategyURL != "" {
		caller = strategy.NewClient(btStrategyURL, virtex.DefaultLog)
	}

	orchestrator := backtest.NewOrchestrator(source, news, caller, cfg.coinMap, store, virtex.DefaultLog)
	report, err := orchestrator.Run(cmd.Context(), backtest.Params{
		Symbol:           btSymbol,
		Start:            start.UTC(),
		End:              end.UTC(),
		DecisionInterval: time.Duration(btHours * float64(time.Hour)),
		InitialCash:      cfg.initialCash,
		FeeRate:          cfg.feeRate,
		MarketFill:       cfg.marketFill,
		EngineVersion:    virtex.Version,
	})
	if report != nil {
		report.WriteSummary(os.Stdout)
	}
	return err
}
