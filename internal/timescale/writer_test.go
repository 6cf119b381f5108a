package timescale

import (
	"context"
	"math/big"
	"testing"

	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/strategy"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	if err := w.RecordAllocation(context.Background(), strategy.AllocationRecord{FlowID: "x"}); err != nil {
		t.Fatalf("nil writer record: %v", err)
	}
	w.EnqueuePosition(PositionSnapshot{})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestRecordAllocationDropsWhenFull(t *testing.T) {
	w := &Writer{
		log:         zap.NewNop(),
		allocations: make(chan strategy.AllocationRecord, 1),
		positions:   make(chan PositionSnapshot, 1),
	}
	for i := 0; i < 3; i++ {
		if err := w.RecordAllocation(context.Background(), strategy.AllocationRecord{FlowID: "f"}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if got := w.dropAlloc.Load(); got != 2 {
		t.Fatalf("expected 2 dropped allocations, got %d", got)
	}
	w.EnqueuePosition(PositionSnapshot{})
	w.EnqueuePosition(PositionSnapshot{})
	if got := w.dropPos.Load(); got != 1 {
		t.Fatalf("expected 1 dropped position, got %d", got)
	}
}

func TestNumeric(t *testing.T) {
	if numeric(nil) != "0" {
		t.Fatalf("expected nil to render 0")
	}
	v, _ := new(big.Int).SetString("173850000000000000000", 10)
	if numeric(v) != "173850000000000000000" {
		t.Fatalf("unexpected numeric %s", numeric(v))
	}
}
