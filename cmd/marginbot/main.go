// Marginbot - Cross-Margin Simulator for Bitfinex Derivatives
//
// Bitfinex derivatives only offer isolated margin per position. This
// daemon simulates cross-margin on top of it: it continuously moves
// collateral between positions in proportion to notional exposure and
// historical volatility, tops up positions that drift toward
// liquidation, and as a last resort partially closes positions in
// priority order when the whole account runs short of collateral.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/marginbot/internal/config"
	"github.com/web3guy0/marginbot/internal/controller"
	"github.com/web3guy0/marginbot/internal/events"
	"github.com/web3guy0/marginbot/internal/exchange"
	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/liquidation"
	"github.com/web3guy0/marginbot/internal/notify"
	"github.com/web3guy0/marginbot/internal/rebalance"
	"github.com/web3guy0/marginbot/internal/risk"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to YAML config")
	dryRun := flag.Bool("dry-run", false, "force liquidation dry-run regardless of config")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if *dryRun {
		cfg.Liquidation.DryRun = true
	}

	log.Info().
		Str("version", version).
		Dur("poll_interval", cfg.PollInterval()).
		Bool("liquidation_dry_run", cfg.Liquidation.DryRun).
		Msg("⚖️ Marginbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== CORE COMPONENTS ======

	// 1. History store - audit trail for adjustments and closes
	store, err := history.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize history store")
	}
	defer store.Close()

	// 2. REST client - account reads and collateral writes
	client := exchange.NewClient(cfg.Bitfinex.APIKey, cfg.Bitfinex.APISecret, cfg.Bitfinex.BaseURL)

	// Preflight: credentials must work before anything starts.
	preflightCtx, preflightCancel := context.WithTimeout(ctx, time.Minute)
	info, err := client.GetAccountInfo(preflightCtx)
	preflightCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Bitfinex, check API credentials")
	}
	log.Info().
		Int("positions", info.PositionCount).
		Str("equity", info.TotalEquity.StringFixed(2)).
		Msg("💳 Bitfinex account verified")

	// 3. Risk weights and target allocation
	estimator := risk.NewEstimator(
		client, cfg,
		cfg.Monitor.VolatilityLookbackDays,
		time.Duration(cfg.Monitor.VolatilityUpdateHours)*time.Hour,
		time.Duration(cfg.Monitor.SpikeWindowMinutes)*time.Minute,
	)
	allocator := risk.NewAllocator(estimator)

	// 4. Rebalance planner and liquidator
	planner := rebalance.NewPlanner(
		cfg.Thresholds.MinAdjustmentUSDT,
		cfg.Thresholds.MinDeviationPct,
		cfg.Thresholds.EmergencyMarginRate,
		client, store,
	)
	liquidator := liquidation.NewLiquidator(liquidation.Options{
		Enabled:           cfg.Liquidation.Enabled,
		DryRun:            cfg.Liquidation.DryRun,
		MaxSingleClosePct: cfg.Liquidation.MaxSingleClosePct,
		SafetyMultiplier:  cfg.Liquidation.SafetyMarginMultiplier,
		MaintenanceRate:   cfg.Liquidation.MaintenanceMarginRate,
		Cooldown:          cfg.Cooldown(),
	}, cfg, client, store)

	// 5. Event detector
	detector := events.NewDetector(
		cfg.Thresholds.EmergencyMarginRate,
		cfg.Thresholds.PriceSpikePct,
		cfg.Thresholds.AccountMarginRateWarning,
	)

	// 6. Telegram notifier
	notifier, err := notify.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Enabled, client, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}

	// 7. WebSocket price feed - best effort, polling covers its absence
	feed := exchange.NewFeed(cfg.Bitfinex.WSURL)

	// 8. Controller and scheduler
	ctrl := controller.New(controller.Deps{
		Exchange:   client,
		Estimator:  estimator,
		Allocator:  allocator,
		Planner:    planner,
		Liquidator: liquidator,
		Detector:   detector,
		Stream:     feed,
		Alerter:    notifier,
		Snapshots:  store,
	}, cfg.Thresholds.EmergencyMarginRate, cfg.Thresholds.AccountMarginRateWarning)

	notifier.SetControls(ctrl)
	feed.OnPrice(ctrl.OnPrice)

	scheduler := controller.NewScheduler(ctrl, cfg.PollInterval(),
		time.Duration(cfg.Monitor.HeartbeatIntervalSec)*time.Second)

	// ====== STARTUP ======

	feed.Start()
	notifier.Start()
	scheduler.Start(ctx)
	notifier.NotifyStartup(info)

	log.Info().Msg("✅ All systems online")
	log.Info().Msg("💡 Use /help in Telegram for commands")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown: stop the schedule and the feed first so no
	// new work starts, then drain in-flight cycles and spike handlers.
	log.Info().Msg("Shutting down...")

	scheduler.Stop()
	feed.Stop()
	ctrl.Close()
	notifier.NotifyShutdown()
	notifier.Stop()

	log.Info().Msg("👋 Goodbye!")
}
