package sqlite

import (
	"context"
	"math/big"
	"testing"

	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/state"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, k := range []string{"pending:b", "pending:a", "pendingx", "strategy:metadata"} {
		if err := store.Set(ctx, k, k); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	entries, err := store.List(ctx, "pending:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "pending:a" || entries[1].Key != "pending:b" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestPendingOperationsPersist(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	op := state.PendingOperation{
		Key:   protocol.LocalKey(4),
		State: "DEPOSIT_PENDING",
		Callback: state.CallbackData{
			LongDelta:  big.NewInt(-5),
			TargetLoan: big.NewInt(7),
			NetFlow:    big.NewInt(-9),
		},
		CreatedAtMS: 10,
	}
	if err := state.SavePending(ctx, store, op); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	ops, err := state.ListPending(ctx, store)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(ops) != 1 || ops[0].Key != op.Key || ops[0].Callback.LongDelta.Int64() != -5 {
		t.Fatalf("unexpected pending ops %+v", ops)
	}
}
