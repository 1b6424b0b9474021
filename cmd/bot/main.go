// krakenbot — an automated spot trading client for the Kraken exchange.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every subsystem, waits for SIGINT/SIGTERM
//	internal/nonce           — Nonce Authority: monotonic, crash-safe nonce issuance for signed requests
//	internal/exchange        — Rate Limiter, Signer, REST Client, WS Session Manager, Message Router
//	internal/feed            — Unified Data Feed: WS-first market data with REST fallback
//	internal/ledger          — Balance Ledger: authoritative account balance state
//	internal/position        — Position/Portfolio Tracker: per-symbol quantity, entry price, realized PnL
//	internal/minsize         — Minimum-Size Learner: learns exchange minimums from rejections
//	internal/breaker         — Circuit Breaker: per-resource open/half-open/closed protection
//	internal/order           — Order Execution Engine: submit/cancel/amend with retry and reconciliation
//	internal/orchestrator    — Trading Orchestrator: the per-cycle strategy-to-order loop
//	internal/metrics         — Prometheus counters/gauges for operators
//	internal/store           — JSON file persistence for positions and learned minimums
//
// This binary wires subsystems together; it carries no strategy logic of
// its own. Strategies are supplied externally and registered before Start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"krakenbot/internal/breaker"
	"krakenbot/internal/config"
	"krakenbot/internal/exchange"
	"krakenbot/internal/feed"
	"krakenbot/internal/ledger"
	"krakenbot/internal/metrics"
	"krakenbot/internal/minsize"
	"krakenbot/internal/nonce"
	"krakenbot/internal/order"
	"krakenbot/internal/orchestrator"
	"krakenbot/internal/position"
	"krakenbot/internal/store"
	"krakenbot/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KRAKEN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to build trading core", "error", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(*cfg, logger)
	}

	go runSession(ctx, app.publicWS, logger, "public")
	go runSession(ctx, app.privateWS, logger, "private")

	if err := app.publicWS.Subscribe(types.WSSubscribeParams{Channel: "ticker", Symbol: cfg.Trading.TradePairs}); err != nil {
		logger.Error("failed to subscribe public ticker channel", "error", err)
	}
	if err := app.privateWS.Subscribe(types.WSSubscribeParams{Channel: "executions"}); err != nil {
		logger.Error("failed to subscribe private executions channel", "error", err)
	}
	if err := app.privateWS.Subscribe(types.WSSubscribeParams{Channel: "balances"}); err != nil {
		logger.Error("failed to subscribe private balances channel", "error", err)
	}

	app.orchestrator.Start(ctx)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("krakenbot started",
		"trade_pairs", cfg.Trading.TradePairs,
		"position_size_usdt", cfg.Trading.PositionSizeUSDT,
		"max_global_exposure_usd", cfg.Risk.MaxGlobalExposureUSD,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	app.orchestrator.Stop()
	app.privateWS.Close()
	app.publicWS.Close()
}

// application bundles every long-lived subsystem main wires together.
type application struct {
	publicWS     *exchange.Session
	privateWS    *exchange.Session
	orchestrator *orchestrator.Orchestrator
}

// build constructs and wires every subsystem named in the package doc
// above, in dependency order: nonce → signer → rate limiter → REST client
// → ledger/feed → position/minsize → breaker → WS sessions → order engine
// → orchestrator. The router's callback fields are assigned only once the
// engine and feed they dispatch into exist, since the WS sessions must be
// constructed before the order engine (which needs a live session as its
// transport) but the router they share needs the engine to dispatch to.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metricsReg := metrics.New()

	nonces, err := nonce.New(cfg.Store.DataDir+"/nonce.json", logger)
	if err != nil {
		return nil, fmt.Errorf("create nonce authority: %w", err)
	}
	nonces.SetMetrics(metricsReg)

	signer, err := exchange.NewSigner(cfg.API.ApiKey, cfg.API.ApiSecret)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	rl := exchange.NewRateLimiter(cfg.API.Tier)
	rl.SetMetrics(metricsReg)
	rest := exchange.NewClient(cfg, signer, nonces, rl, logger)

	led := ledger.New(rest, logger)
	dataFeed := feed.New(rest, led, logger)

	positions := position.New(st, logger)
	if err := positions.Load(); err != nil {
		logger.Warn("no prior position state, starting flat", "error", err)
	}

	minLearner := minsize.New(st, logger)
	if err := minLearner.Load(); err != nil {
		logger.Warn("no prior minimum-size learnings", "error", err)
	}

	br := breaker.New(cfg.CircuitBreaker, logger)

	symbols, err := fetchSymbols(ctx, rest, cfg.Trading.TradePairs)
	if err != nil {
		return nil, fmt.Errorf("fetch symbol metadata: %w", err)
	}

	router := exchange.NewRouter(logger)
	router.OnTicker = func(_ bool, data []types.WSTickerData) { dataFeed.ApplyTicker(false, data) }
	router.OnBalance = func(_ bool, data []types.WSBalanceData) { dataFeed.ApplyBalance(data) }

	publicWS := exchange.NewPublicSession(cfg.API.WSPublic, router, logger)
	privateWS := exchange.NewPrivateSession(cfg.API.WSPrivate, func(ctx context.Context) (string, error) {
		return fetchWSToken(ctx, rest)
	}, router, logger)
	privateWS.OnReconnect = func(ctx context.Context) {
		if err := led.ForceRefresh(ctx); err != nil {
			logger.Error("balance reconciliation after reconnect failed", "error", err)
		}
	}

	engine := order.New(rest, privateWS, br, minLearner, led, positions, logger)
	engine.SetSymbols(symbols)
	engine.RegisterExecutionHandler(func(ev types.ExecutionEvent) {
		logger.Debug("execution", "order_ref", ev.OrderRef, "type", ev.ExecType, "qty", ev.Qty, "price", ev.Price)
	})

	router.OnExecution = func(data []types.WSExecutionData) {
		engine.HandleExecution(data)
		dataFeed.ApplyExecution(data)
	}
	router.OnRPCResponse = func(resp types.WSRPCResponse) { engine.HandleRPCResponse(resp) }

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Feed:       dataFeed,
		Ledger:     led,
		Positions:  positions,
		MinSize:    minLearner,
		Orders:     engine,
		Breaker:    br,
		Metrics:    metricsReg,
		PublicWS:   publicWS,
		PrivateWS:  privateWS,
		Symbols:    symbols,
		Strategies: nil, // registered by the embedding deployment before Start
	}, logger)

	return &application{publicWS: publicWS, privateWS: privateWS, orchestrator: orch}, nil
}

func runSession(ctx context.Context, s *exchange.Session, logger *slog.Logger, name string) {
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("ws session exited", "stream", name, "error", err)
	}
}

// assetPairInfo is the subset of Kraken's AssetPairs response this binary
// parses into a types.Symbol.
type assetPairInfo struct {
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	Wsname       string `json:"wsname"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
}

// fetchSymbols resolves trading constraints for each configured pair via
// the public AssetPairs endpoint, falling back to conservative defaults
// for a pair Kraken doesn't describe (e.g. a sandbox/test symbol).
func fetchSymbols(ctx context.Context, rest *exchange.Client, pairs []string) (map[string]types.Symbol, error) {
	raw, err := rest.GetPublic(ctx, "AssetPairs", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("AssetPairs: %w", err)
	}

	var infos map[string]assetPairInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, fmt.Errorf("decode AssetPairs: %w", err)
	}

	byWsname := make(map[string]assetPairInfo, len(infos))
	for _, info := range infos {
		if info.Wsname != "" {
			byWsname[info.Wsname] = info
		}
	}

	out := make(map[string]types.Symbol, len(pairs))
	for _, pair := range pairs {
		base, quote, err := splitPair(pair)
		if err != nil {
			return nil, err
		}

		sym := types.Symbol{
			Base:        base,
			Quote:       quote,
			PriceTick:   decimal.New(1, -4),
			LotStep:     decimal.New(1, -6),
			MinQuantity: decimal.New(1, -4),
			MinNotional: decimal.NewFromInt(1),
		}

		if info, ok := byWsname[pair]; ok {
			sym.PriceTick = decimal.New(1, int32(-info.PairDecimals))
			sym.LotStep = decimal.New(1, int32(-info.LotDecimals))
			if d, err := decimal.NewFromString(info.OrderMin); err == nil {
				sym.MinQuantity = d
			}
			if d, err := decimal.NewFromString(info.CostMin); err == nil {
				sym.MinNotional = d
			}
		}

		out[pair] = sym
	}

	return out, nil
}

func splitPair(pair string) (base, quote string, err error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[:i], pair[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed trade pair %q, want BASE/QUOTE", pair)
}

// fetchWSToken mints a fresh private WebSocket token via the REST
// GetWebSocketsToken call.
func fetchWSToken(ctx context.Context, rest *exchange.Client) (string, error) {
	raw, err := rest.PostPrivate(ctx, "GetWebSocketsToken", url.Values{})
	if err != nil {
		return "", fmt.Errorf("GetWebSocketsToken: %w", err)
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode GetWebSocketsToken: %w", err)
	}
	return result.Token, nil
}

func serveMetrics(cfg config.Config, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := cfg.Metrics.Addr
	if addr == "" {
		addr = ":9090"
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
