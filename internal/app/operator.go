package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"dn-yield-strategy/internal/alerts"
	"dn-yield-strategy/internal/fixed"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID        int64     `json:"update_id"`
	Time            time.Time `json:"time"`
	Action          string    `json:"action"`
	Command         string    `json:"command"`
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	ChatID          int64     `json:"chat_id"`
	PausedBefore    bool      `json:"paused_before"`
	PausedAfter     bool      `json:"paused_after"`
	EmergencyBefore bool      `json:"emergency_before"`
	EmergencyAfter  bool      `json:"emergency_after"`
	EmergencyQueued bool      `json:"emergency_queued,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (a *App) startOperator(ctx context.Context, lifecycle *conc.WaitGroup) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	lifecycle.Go(func() {
		a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
	})
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, a.auditEvent(meta, "pause", before, after))
		if !before {
			return "keeper paused", nil
		}
		return "keeper already paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, a.auditEvent(meta, "resume", before, after))
		if before {
			return "keeper resumed", nil
		}
		return "keeper already active", nil
	case "rebalance":
		err := a.strategy.Rebalance(ctx, a.admin)
		a.auditOperatorEvent(ctx, a.auditResult(meta, "rebalance", "", err))
		if err != nil {
			return "", err
		}
		return "rebalance started", nil
	case "harvest":
		err := a.strategy.Harvest(ctx, a.admin)
		a.auditOperatorEvent(ctx, a.auditResult(meta, "harvest", "", err))
		if err != nil {
			return "", err
		}
		return "harvest started", nil
	case "emergency":
		return a.handleEmergencyCommand(ctx, args, meta)
	case "pending":
		return a.pendingStatus(ctx)
	case "deposit":
		return a.handlePaperFlow(ctx, "deposit", args, meta)
	case "withdraw":
		return a.handlePaperFlow(ctx, "withdraw", args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleEmergencyCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	before := a.strategy.EmergencyMode()
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return fmt.Sprintf("emergency: %t", before), nil
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return "", errors.New("unknown emergency command: use /emergency show|on|off")
	}
	err := a.strategy.SetEmergencyMode(ctx, a.admin, on)
	event := a.auditResult(meta, "emergency_"+strings.ToLower(args[0]), "", err)
	event.EmergencyBefore = before
	event.EmergencyAfter = a.strategy.EmergencyMode()
	event.EmergencyQueued = err == nil && event.EmergencyAfter != on
	a.auditOperatorEvent(ctx, event)
	if err != nil {
		return "", err
	}
	// The flag flips when the unwind or redeploy order settles.
	switch {
	case event.EmergencyQueued && on:
		return "emergency unwind submitted", nil
	case event.EmergencyQueued:
		return "emergency exit submitted", nil
	case on:
		return "emergency mode on", nil
	default:
		return "emergency mode off", nil
	}
}

// handlePaperFlow mints and deposits, or withdraws, for the paper depositor.
func (a *App) handlePaperFlow(ctx context.Context, action string, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: /%s <amount>", action)
	}
	decimals := a.cfg.Strategy.DepositDecimals
	amount, err := fixed.Parse(args[0], decimals)
	if err != nil {
		return "", fmt.Errorf("amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return "", errors.New("amount must be positive")
	}
	var (
		shares *big.Int
		result string
	)
	switch action {
	case "deposit":
		if err = a.world.Fund(a.world.Addr.Deposit, paperDepositor, args[0]); err == nil {
			shares, err = a.world.Vault.Deposit(ctx, paperDepositor, amount, paperDepositor)
		}
		result = fmt.Sprintf("deposit submitted: %s %s for %s shares", fixed.Format(amount, decimals), a.cfg.Strategy.DepositSymbol, fixed.Format(shares, decimals))
	default:
		shares, err = a.world.Vault.Withdraw(ctx, paperDepositor, amount, paperDepositor)
		result = fmt.Sprintf("withdrawal submitted: %s %s burning %s shares", fixed.Format(amount, decimals), a.cfg.Strategy.DepositSymbol, fixed.Format(shares, decimals))
	}
	a.auditOperatorEvent(ctx, a.auditResult(meta, action, args[0], err))
	if err != nil {
		return "", err
	}
	return result, nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.strategy == nil {
		return "status unavailable"
	}
	report, err := a.strategy.Status(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	return strings.Join([]string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		report,
	}, "\n")
}

func (a *App) pendingStatus(ctx context.Context) (string, error) {
	pending, err := a.strategy.PendingOperations(ctx)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "no pending orders", nil
	}
	now := a.now()
	lines := make([]string, 0, len(pending)+1)
	lines = append(lines, fmt.Sprintf("pending orders: %d", len(pending)))
	for _, op := range pending {
		lines = append(lines, fmt.Sprintf("%s %s flow=%s age=%s",
			op.Key.String(), op.State, op.FlowID, now.Sub(op.CreatedAt()).Truncate(time.Second)))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - position and strategy status",
		"/pause - pause keeper actions",
		"/resume - resume keeper actions",
		"/rebalance - restore the target health factor",
		"/harvest - take the performance fee",
		"/emergency show|on|off - unwind the position or leave emergency mode",
		"/pending - list in-flight venue orders",
		"/deposit <amount> - paper deposit into the vault",
		"/withdraw <amount> - paper withdrawal from the vault",
	}, "\n")
}

func (a *App) auditEvent(meta operatorMeta, action string, pausedBefore, pausedAfter bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         a.clock(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
}

func (a *App) auditResult(meta operatorMeta, action, amount string, err error) operatorAuditEvent {
	paused := a.isPaused()
	event := a.auditEvent(meta, action, paused, paused)
	event.Amount = amount
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

func (a *App) clock() time.Time {
	if a.now == nil {
		return time.Now().UTC()
	}
	return a.now()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
