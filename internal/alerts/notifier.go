package alerts

import (
	"context"
	"fmt"
	"strings"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/strategy"

	"go.uber.org/zap"
)

// Sender delivers one text message. *Telegram implements it.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// OutcomeNotifier forwards strategy outcomes to a Sender. Completed flows of
// the kinds in quiet are logged only.
type OutcomeNotifier struct {
	sender   Sender
	symbol   string
	decimals uint8
	quiet    map[string]struct{}
	log      *zap.Logger
}

func NewOutcomeNotifier(sender Sender, symbol string, decimals uint8, log *zap.Logger, quiet ...string) *OutcomeNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	q := make(map[string]struct{}, len(quiet))
	for _, kind := range quiet {
		q[kind] = struct{}{}
	}
	return &OutcomeNotifier{sender: sender, symbol: symbol, decimals: decimals, quiet: q, log: log}
}

func (n *OutcomeNotifier) Notify(ctx context.Context, outcome strategy.Outcome) {
	fields := []zap.Field{
		zap.String("flow_id", outcome.FlowID),
		zap.String("kind", outcome.TxKind.String()),
		zap.String("outcome", string(outcome.Kind)),
	}
	if outcome.Kind == strategy.OutcomeFailed {
		n.log.Warn("flow failed", append(fields, zap.String("reason", string(outcome.Reason)), zap.Error(outcome.Err))...)
	} else {
		n.log.Info("flow completed", fields...)
		if _, ok := n.quiet[outcome.TxKind.String()]; ok {
			return
		}
	}
	if n.sender == nil {
		return
	}
	if err := n.sender.Send(ctx, FormatOutcome(outcome, n.symbol, n.decimals)); err != nil {
		n.log.Warn("outcome alert failed", zap.Error(err))
	}
}

// FormatOutcome renders one line per outcome attribute.
func FormatOutcome(outcome strategy.Outcome, symbol string, decimals uint8) string {
	lines := []string{fmt.Sprintf("%s %s", outcome.TxKind, outcome.Kind)}
	if outcome.Assets != nil && outcome.Assets.Sign() > 0 {
		lines = append(lines, fmt.Sprintf("assets: %s %s", fixed.Format(outcome.Assets, decimals), symbol))
	}
	if !outcome.OrderKey.IsZero() {
		lines = append(lines, "order: "+outcome.OrderKey.String())
	}
	if outcome.Reason != "" {
		lines = append(lines, "reason: "+string(outcome.Reason))
	}
	if outcome.Err != nil {
		lines = append(lines, "error: "+outcome.Err.Error())
	}
	lines = append(lines, "flow: "+outcome.FlowID)
	return strings.Join(lines, "\n")
}
