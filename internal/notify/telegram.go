package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/exchange"
	"github.com/web3guy0/marginbot/internal/history"
	"github.com/web3guy0/marginbot/internal/liquidation"
	"github.com/web3guy0/marginbot/internal/rebalance"
	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - alerts and operator commands
// ═══════════════════════════════════════════════════════════════════════════════

// AccountSource answers the read-only queries behind operator commands.
type AccountSource interface {
	ListPositions(ctx context.Context) ([]types.Position, error)
	GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error)
}

// HistorySource answers the /history and /report queries.
type HistorySource interface {
	RecentAdjustments(limit int, symbol string) ([]history.MarginAdjustment, error)
	RecentLiquidations(limit int) ([]history.Liquidation, error)
	DailyStats(day time.Time) (adjustments int64, liquidations int64, err error)
}

// Controls lets the operator pause and resume the control loop.
// Bound after construction because the controller itself needs the
// notifier for alerts.
type Controls interface {
	Pause()
	Resume()
	IsPaused() bool
}

// Notifier sends alerts to the configured chat and serves operator
// commands. All sends are best effort: delivery failures are logged
// and never reach the control loop.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool

	account  AccountSource
	hist     HistorySource
	controls Controls

	stopCh chan struct{}
}

// New creates the notifier. With enabled=false it becomes a no-op sink
// so callers never need to branch.
func New(botToken string, chatID int64, enabled bool, account AccountSource, hist HistorySource) (*Notifier, error) {
	n := &Notifier{
		chatID:  chatID,
		enabled: enabled,
		account: account,
		hist:    hist,
		stopCh:  make(chan struct{}),
	}
	if !enabled {
		log.Info().Msg("Telegram notifications disabled")
		return n, nil
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	n.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")
	return n, nil
}

// SetControls binds the pause/resume target for operator commands.
func (n *Notifier) SetControls(controls Controls) {
	n.controls = controls
}

// Start begins the command listener.
func (n *Notifier) Start() {
	if !n.enabled {
		return
	}
	go n.listenForCommands()
}

// Stop halts the command listener.
func (n *Notifier) Stop() {
	close(n.stopCh)
}

func (n *Notifier) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go n.handleMessage(update.Message)
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) handleMessage(msg *tgbotapi.Message) {
	if n.chatID != 0 && msg.Chat.ID != n.chatID {
		log.Warn().Int64("chat_id", msg.Chat.ID).Msg("Ignoring command from unknown chat")
		return
	}
	if !msg.IsCommand() {
		return
	}

	log.Debug().
		Int64("chat_id", msg.Chat.ID).
		Str("command", msg.Command()).
		Msg("Received command")

	switch msg.Command() {
	case "start", "help":
		n.cmdHelp(msg.Chat.ID)
	case "status":
		n.cmdStatus(msg.Chat.ID)
	case "positions":
		n.cmdPositions(msg.Chat.ID)
	case "history":
		n.cmdHistory(msg.Chat.ID, msg.CommandArguments())
	case "report":
		n.cmdReport(msg.Chat.ID)
	case "pause":
		n.cmdPause(msg.Chat.ID)
	case "resume":
		n.cmdResume(msg.Chat.ID)
	default:
		n.sendText(msg.Chat.ID, "❓ Unknown command. Use /help for available commands.")
	}
}

// Commands

func (n *Notifier) cmdHelp(chatID int64) {
	text := `📚 *Marginbot Commands*

*📊 Monitoring:*
/status - Account equity and margin
/positions - Open positions with margin rates
/history - Recent margin adjustments
/report - Today's activity summary

*⚙️ Control:*
/pause - Suspend automatic adjustments
/resume - Resume automatic adjustments`

	n.sendMarkdown(chatID, text)
}

func (n *Notifier) cmdStatus(chatID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := n.account.GetAccountInfo(ctx)
	if err != nil {
		n.sendText(chatID, fmt.Sprintf("❌ Failed to fetch account: %s", err.Error()))
		return
	}

	state := "🟢 Running"
	if n.controls != nil && n.controls.IsPaused() {
		state = "⏸ Paused"
	}

	text := fmt.Sprintf(`📊 *Account Status*

*Loop:* %s
*Equity:* $%s
*Position Margin:* $%s
*Available:* $%s
*Open Positions:* %d`,
		state,
		info.TotalEquity.StringFixed(2),
		info.TotalMargin.StringFixed(2),
		info.AvailableBalance.StringFixed(2),
		info.PositionCount,
	)

	n.sendMarkdown(chatID, text)
}

func (n *Notifier) cmdPositions(chatID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	positions, err := n.account.ListPositions(ctx)
	if err != nil {
		n.sendText(chatID, fmt.Sprintf("❌ Failed to fetch positions: %s", err.Error()))
		return
	}
	if len(positions) == 0 {
		n.sendText(chatID, "📊 No open positions.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *Open Positions* (%d)\n\n", len(positions))
	for _, pos := range positions {
		sideEmoji := "🟢"
		if pos.Side == types.Short {
			sideEmoji = "🔴"
		}
		fmt.Fprintf(&sb, `%s *%s* %s
├ Qty: %s @ $%s
├ Margin: $%s (%s%%)
└ PnL: $%s

`,
			sideEmoji, pos.Symbol, strings.ToUpper(string(pos.Side)),
			pos.Quantity.String(), pos.CurrentPrice.StringFixed(2),
			pos.Margin.StringFixed(2), pos.MarginRate().StringFixed(2),
			pos.UnrealizedPnL.StringFixed(2),
		)
	}

	n.sendMarkdown(chatID, sb.String())
}

func (n *Notifier) cmdHistory(chatID int64, args string) {
	symbol := strings.ToUpper(strings.TrimSpace(args))

	records, err := n.hist.RecentAdjustments(10, symbol)
	if err != nil {
		n.sendText(chatID, fmt.Sprintf("❌ Failed to fetch history: %s", err.Error()))
		return
	}
	if len(records) == 0 {
		n.sendText(chatID, "📜 No adjustments recorded yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📜 *Recent Adjustments*\n\n")
	for _, rec := range records {
		arrow := "⬆️"
		if rec.Direction == history.DirectionDecrease {
			arrow = "⬇️"
		}
		fmt.Fprintf(&sb, "%s *%s* $%s (%s) %s\n",
			arrow, rec.Symbol, rec.Amount.StringFixed(2),
			rec.Trigger, rec.CreatedAt.Format("01-02 15:04"),
		)
	}

	n.sendMarkdown(chatID, sb.String())
}

func (n *Notifier) cmdReport(chatID int64) {
	adjustments, liquidations, err := n.hist.DailyStats(time.Now())
	if err != nil {
		n.sendText(chatID, fmt.Sprintf("❌ Failed to build report: %s", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := n.account.GetAccountInfo(ctx)
	if err != nil {
		n.sendText(chatID, fmt.Sprintf("❌ Failed to fetch account: %s", err.Error()))
		return
	}

	text := fmt.Sprintf(`📈 *Daily Report*

*Activity:*
├ Adjustments: %d
└ Liquidations: %d

*Account:*
├ Equity: $%s
├ Position Margin: $%s
└ Available: $%s`,
		adjustments, liquidations,
		info.TotalEquity.StringFixed(2),
		info.TotalMargin.StringFixed(2),
		info.AvailableBalance.StringFixed(2),
	)

	n.sendMarkdown(chatID, text)
}

func (n *Notifier) cmdPause(chatID int64) {
	if n.controls == nil {
		n.sendText(chatID, "❌ Control loop not available.")
		return
	}
	n.controls.Pause()
	n.sendText(chatID, "⏸ Automatic adjustments paused. Use /resume to continue.")
}

func (n *Notifier) cmdResume(chatID int64) {
	if n.controls == nil {
		n.sendText(chatID, "❌ Control loop not available.")
		return
	}
	n.controls.Resume()
	n.sendText(chatID, "▶️ Automatic adjustments resumed.")
}

// Alerts

// NotifyStartup announces the daemon coming online.
func (n *Notifier) NotifyStartup(info *exchange.AccountInfo) {
	text := fmt.Sprintf(`🟢 *Marginbot Online*

Monitoring %d positions.
*Equity:* $%s | *Available:* $%s

Use /status for details.`,
		info.PositionCount,
		info.TotalEquity.StringFixed(2),
		info.AvailableBalance.StringFixed(2),
	)
	n.send(text)
}

// NotifyShutdown announces a clean shutdown.
func (n *Notifier) NotifyShutdown() {
	n.send("🔴 *Marginbot Offline*\n\nDaemon shut down cleanly.")
}

// NotifyAdjustments reports the outcome of a rebalance run.
func (n *Notifier) NotifyAdjustments(result rebalance.Result, trigger history.Trigger) {
	if result.SuccessCount == 0 && result.FailCount == 0 {
		return
	}

	emoji := "💱"
	if trigger == history.TriggerEmergency {
		emoji = "🚨"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *Margin Rebalanced* (%s)\n\n", emoji, trigger)
	for _, adj := range result.Adjustments {
		arrow := "⬆️"
		if adj.Direction == history.DirectionDecrease {
			arrow = "⬇️"
		}
		fmt.Fprintf(&sb, "%s *%s*: $%s → $%s\n",
			arrow, adj.Symbol,
			adj.BeforeMargin.StringFixed(2), adj.AfterMargin.StringFixed(2),
		)
	}
	fmt.Fprintf(&sb, "\n*Moved:* $%s", result.TotalAdjusted.StringFixed(2))
	if result.FailCount > 0 {
		fmt.Fprintf(&sb, "\n⚠️ %d adjustments failed", result.FailCount)
	}

	n.send(sb.String())
}

// NotifyLiquidation reports executed or planned partial closes.
func (n *Notifier) NotifyLiquidation(result liquidation.Result) {
	if len(result.Plans) == 0 {
		return
	}

	header := "🔻 *Positions Partially Closed*"
	if !result.Executed {
		header = "🔻 *Liquidation Plan* (dry run)"
	}

	var sb strings.Builder
	sb.WriteString(header + "\n\n")
	for _, plan := range result.Plans {
		fmt.Fprintf(&sb, "*%s*: close %s of %s (releases ~$%s)\n",
			plan.Symbol,
			plan.CloseQuantity.String(), plan.CurrentQuantity.String(),
			plan.EstimatedRelease.StringFixed(2),
		)
	}
	if result.Executed {
		fmt.Fprintf(&sb, "\n*Released:* $%s", result.TotalReleased.StringFixed(2))
		if result.FailCount > 0 {
			fmt.Fprintf(&sb, "\n⚠️ %d closes failed", result.FailCount)
		}
	}

	n.send(sb.String())
}

// NotifyAccountWarning reports the account-wide margin rate dropping
// below the warning threshold.
func (n *Notifier) NotifyAccountWarning(rate, threshold decimal.Decimal) {
	text := fmt.Sprintf(`🏦 *Account Margin Warning*

Account margin rate *%s%%* is below the *%s%%* threshold.
Consider reducing exposure or adding funds.`,
		rate.StringFixed(2), threshold.StringFixed(2),
	)
	n.send(text)
}

// NotifyAPIError reports an exchange call that exhausted its retries.
func (n *Notifier) NotifyAPIError(operation string, err error) {
	text := fmt.Sprintf(`⚠️ *API Error*

*Operation:* %s
*Error:* %s`,
		operation, escapeMarkdown(err.Error()),
	)
	n.send(text)
}

// Helpers

func (n *Notifier) send(text string) {
	if !n.enabled || n.chatID == 0 {
		return
	}
	n.sendMarkdown(n.chatID, text)
}

func (n *Notifier) sendText(chatID int64, text string) {
	if !n.enabled {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (n *Notifier) sendMarkdown(chatID int64, text string) {
	if !n.enabled {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
