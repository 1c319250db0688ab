package controller

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/events"
	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/liquidation"
	"github.com/web3guy0/marginbot/internal/rebalance"
	"github.com/web3guy0/marginbot/internal/risk"
	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROLLER - one mutex, one cycle: fetch, allocate, rebalance, protect
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is the account-reading surface of the control loop. Writes
// go through the planner and liquidator, which carry their own handles.
type Exchange interface {
	ListPositions(ctx context.Context) ([]types.Position, error)
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
}

// Stream receives the set of symbols worth watching in real time.
type Stream interface {
	SetSubscriptions(symbols []string)
}

// Alerter receives outbound notifications. The Telegram notifier
// implements it; tests use a recording fake.
type Alerter interface {
	NotifyAdjustments(result rebalance.Result, trigger history.Trigger)
	NotifyLiquidation(result liquidation.Result)
	NotifyAccountWarning(rate, threshold decimal.Decimal)
	NotifyAPIError(operation string, err error)
}

// Snapshots records per-cycle account state.
type Snapshots interface {
	RecordSnapshot(snap *history.AccountSnapshot) error
}

// Controller runs the margin management cycle. A single mutex
// serializes scheduled ticks and spike-triggered emergency checks, so
// the exchange never sees interleaved writes.
type Controller struct {
	mu     sync.Mutex
	paused bool

	// Spike handlers run off the stream goroutine; they are tracked
	// so Close can drain them, and deduplicated per symbol so a burst
	// queues at most one handler.
	spikeMu      sync.Mutex
	spikeClosed  bool
	spikePending map[string]bool
	spikeWG      sync.WaitGroup

	exchange   Exchange
	estimator  *risk.Estimator
	allocator  *risk.Allocator
	planner    *rebalance.Planner
	liquidator *liquidation.Liquidator
	detector   *events.Detector
	stream     Stream
	alerter    Alerter
	snapshots  Snapshots

	emergencyRate decimal.Decimal
	warningRate   decimal.Decimal
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Exchange   Exchange
	Estimator  *risk.Estimator
	Allocator  *risk.Allocator
	Planner    *rebalance.Planner
	Liquidator *liquidation.Liquidator
	Detector   *events.Detector
	Stream     Stream
	Alerter    Alerter
	Snapshots  Snapshots
}

// New creates a controller with the given collaborators and thresholds.
func New(deps Deps, emergencyRate, warningRate decimal.Decimal) *Controller {
	return &Controller{
		spikePending:  make(map[string]bool),
		exchange:      deps.Exchange,
		estimator:     deps.Estimator,
		allocator:     deps.Allocator,
		planner:       deps.Planner,
		liquidator:    deps.Liquidator,
		detector:      deps.Detector,
		stream:        deps.Stream,
		alerter:       deps.Alerter,
		snapshots:     deps.Snapshots,
		emergencyRate: emergencyRate,
		warningRate:   warningRate,
	}
}

// Pause suspends automatic adjustments. Ticks still run but only
// observe; no margin is moved and nothing is closed.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	log.Info().Msg("⏸ Control loop paused")
}

// Resume re-enables automatic adjustments.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	log.Info().Msg("▶️ Control loop resumed")
}

// IsPaused reports whether adjustments are suspended.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Tick runs one full cycle under the controller mutex.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCycle(ctx)
}

// TryTick runs a cycle unless one is already in progress, in which
// case it reports false without blocking.
func (c *Controller) TryTick(ctx context.Context) (bool, error) {
	if !c.mu.TryLock() {
		log.Warn().Msg("Previous cycle still running, skipping tick")
		return false, nil
	}
	defer c.mu.Unlock()
	return true, c.runCycle(ctx)
}

// runCycle is the cycle body. Caller holds the mutex.
func (c *Controller) runCycle(ctx context.Context) error {
	positions, err := c.exchange.ListPositions(ctx)
	if err != nil {
		c.alerter.NotifyAPIError("list positions", err)
		return err
	}
	available, err := c.exchange.AvailableBalance(ctx)
	if err != nil {
		c.alerter.NotifyAPIError("fetch balance", err)
		return err
	}

	if len(positions) == 0 {
		log.Debug().Msg("No open positions")
		c.stream.SetSubscriptions(nil)
		return nil
	}

	if c.paused {
		log.Debug().Int("positions", len(positions)).Msg("Paused, observing only")
		c.recordSnapshot(positions, available, types.TotalMargin(positions).Add(available))
		return nil
	}

	// Phase 1: proportional rebalance toward risk-weighted targets.
	budget := types.TotalMargin(positions).Add(available)
	targets := c.allocator.Targets(ctx, positions, budget)

	log.Info().
		Int("positions", len(positions)).
		Str("budget", budget.StringFixed(2)).
		Str("available", available.StringFixed(2)).
		Msg("🔄 Cycle started")

	result := c.planner.Rebalance(ctx, positions, targets, history.TriggerScheduled)
	c.alerter.NotifyAdjustments(result, history.TriggerScheduled)

	// Adjustments moved collateral around; work from fresh state.
	if result.SuccessCount > 0 {
		if positions, err = c.exchange.ListPositions(ctx); err != nil {
			c.alerter.NotifyAPIError("refresh positions", err)
			return err
		}
		if available, err = c.exchange.AvailableBalance(ctx); err != nil {
			c.alerter.NotifyAPIError("refresh balance", err)
			return err
		}
	}

	// Phase 2: per-position emergencies the rebalance did not cure.
	// Top-ups move collateral between the wallet and positions without
	// changing account equity, so capture equity before they run.
	equity := types.TotalMargin(positions).Add(available)
	remaining := available
	for _, critical := range c.detector.CheckEmergencyConditions(positions) {
		topUp := c.planner.EmergencyTopUp(ctx, critical, remaining)
		if topUp.SuccessCount > 0 {
			remaining = remaining.Sub(topUp.TotalAdjusted)
			c.alerter.NotifyAdjustments(topUp, history.TriggerEmergency)
		}
	}

	// Phase 3: partial closes when collateral cannot cover the floor.
	liqResult := c.liquidator.ExecuteIfNeeded(ctx, positions, remaining)
	c.alerter.NotifyLiquidation(liqResult)

	c.recordSnapshot(positions, remaining, equity)

	if rate, warn := c.detector.CheckAccountMarginRate(equity, positions); warn {
		c.alerter.NotifyAccountWarning(rate, c.warningRate)
	}

	c.stream.SetSubscriptions(c.highRiskSymbols(positions))
	return nil
}

// OnPrice is the streaming entry point. A spike shortens the risk
// cache window and triggers a focused emergency check for the symbol,
// serialized with scheduled ticks by the controller mutex.
func (c *Controller) OnPrice(symbol string, price decimal.Decimal) {
	spike, ok := c.detector.OnPriceUpdate(symbol, price)
	if !ok {
		return
	}

	c.estimator.NoteSpike()

	c.spikeMu.Lock()
	if c.spikeClosed || c.spikePending[spike.Symbol] {
		c.spikeMu.Unlock()
		return
	}
	c.spikePending[spike.Symbol] = true
	c.spikeWG.Add(1)
	c.spikeMu.Unlock()

	go func() {
		defer c.spikeWG.Done()
		c.handleSpike(spike)

		c.spikeMu.Lock()
		delete(c.spikePending, spike.Symbol)
		c.spikeMu.Unlock()
	}()
}

// Close stops accepting spike work and waits for in-flight spike
// handlers, so shutdown never abandons a write mid-flight.
func (c *Controller) Close() {
	c.spikeMu.Lock()
	c.spikeClosed = true
	c.spikeMu.Unlock()
	c.spikeWG.Wait()
}

func (c *Controller) handleSpike(spike events.Spike) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return
	}

	ctx := context.Background()
	positions, err := c.exchange.ListPositions(ctx)
	if err != nil {
		c.alerter.NotifyAPIError("spike position check", err)
		return
	}

	for _, pos := range positions {
		if pos.Symbol != spike.Symbol {
			continue
		}
		if pos.MarginRate().GreaterThanOrEqual(c.emergencyRate) {
			return
		}

		available, err := c.exchange.AvailableBalance(ctx)
		if err != nil {
			c.alerter.NotifyAPIError("spike balance check", err)
			return
		}

		result := c.planner.EmergencyTopUp(ctx, pos, available)
		if result.SuccessCount > 0 {
			c.alerter.NotifyAdjustments(result, history.TriggerEmergency)
		}
		return
	}
}

// highRiskSymbols picks the positions worth streaming: margin rate
// under twice the emergency threshold.
func (c *Controller) highRiskSymbols(positions []types.Position) []string {
	watchRate := c.emergencyRate.Mul(decimal.NewFromInt(2))
	var symbols []string
	for _, pos := range positions {
		if pos.MarginRate().LessThan(watchRate) {
			symbols = append(symbols, pos.Symbol)
		}
	}
	return symbols
}

// positionSummary is the snapshot wire form.
type positionSummary struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	Margin     string `json:"margin"`
	MarginRate string `json:"margin_rate"`
}

func (c *Controller) recordSnapshot(positions []types.Position, available, equity decimal.Decimal) {
	summaries := make([]positionSummary, 0, len(positions))
	for _, pos := range positions {
		summaries = append(summaries, positionSummary{
			Symbol:     pos.Symbol,
			Side:       string(pos.Side),
			Quantity:   pos.Quantity.String(),
			Margin:     pos.Margin.StringFixed(2),
			MarginRate: pos.MarginRate().StringFixed(2),
		})
	}
	raw, _ := json.Marshal(summaries)

	snap := history.AccountSnapshot{
		TotalEquity:      equity,
		TotalMargin:      types.TotalMargin(positions),
		AvailableBalance: available,
		PositionsJSON:    string(raw),
	}
	if err := c.snapshots.RecordSnapshot(&snap); err != nil {
		log.Error().Err(err).Msg("Failed to record snapshot")
	}
}
