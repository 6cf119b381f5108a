package state

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"dn-yield-strategy/internal/protocol"
)

const PendingPrefix = "pending:"

// CallbackData is the allocation decision an in-flight order was submitted for.
type CallbackData struct {
	LongDelta  *big.Int `json:"long_delta"`
	TargetLoan *big.Int `json:"target_loan"`
	NetFlow    *big.Int `json:"net_flow"`
}

// TxParamsWrapper keeps the strategy's and the vault's view of the request so
// it can be replayed when the venue calls back.
type TxParamsWrapper struct {
	Strategy protocol.TxParams `json:"strategy"`
	Vault    protocol.TxParams `json:"vault"`
}

// PendingOperation is inserted when an order is submitted and removed when
// the venue reports the outcome.
type PendingOperation struct {
	Key          protocol.OrderKey `json:"key"`
	State        string            `json:"state"`
	Callback     CallbackData      `json:"callback"`
	Tx           TxParamsWrapper   `json:"tx"`
	ExecutionFee *big.Int          `json:"execution_fee,omitempty"`
	FlowID       string            `json:"flow_id"`
	CreatedAtMS  int64             `json:"created_at_ms"`
}

func (p PendingOperation) CreatedAt() time.Time {
	return time.UnixMilli(p.CreatedAtMS).UTC()
}

func PendingKey(key protocol.OrderKey) string {
	return PendingPrefix + key.String()
}

func SavePending(ctx context.Context, store Store, op PendingOperation) error {
	if op.Key.IsZero() {
		return fmt.Errorf("pending operation without key")
	}
	return saveJSON(ctx, store, PendingKey(op.Key), op)
}

func LoadPending(ctx context.Context, store Store, key protocol.OrderKey) (PendingOperation, bool, error) {
	var op PendingOperation
	ok, err := loadJSON(ctx, store, PendingKey(key), &op)
	if err != nil || !ok {
		return PendingOperation{}, ok, err
	}
	return op, true, nil
}

func DeletePending(ctx context.Context, store Store, key protocol.OrderKey) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Delete(ctx, PendingKey(key))
}

// ListPending returns every pending operation, oldest first.
func ListPending(ctx context.Context, store Store) ([]PendingOperation, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := store.List(ctx, PendingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]PendingOperation, 0, len(entries))
	for _, entry := range entries {
		var op PendingOperation
		if err := json.Unmarshal([]byte(entry.Value), &op); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, op)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}
