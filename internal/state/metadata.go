package state

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	MetadataKey = "strategy:metadata"
	RegistryKey = "strategy:registry"
)

// ModeLock is held by at most one of harvest, rebalance or emergency at a time.
type ModeLock struct {
	Mode         string `json:"mode"`
	FlowID       string `json:"flow_id,omitempty"`
	AcquiredAtMS int64  `json:"acquired_at_ms"`
}

func (l ModeLock) AcquiredAt() time.Time {
	return time.UnixMilli(l.AcquiredAtMS).UTC()
}

// Metadata is the strategy-wide mutable state shared by every flow.
type Metadata struct {
	LastHarvestMS     int64          `json:"last_harvest_ms"`
	LastHarvestPrice  *big.Int       `json:"last_harvest_price,omitempty"`
	LastHarvestSupply *big.Int       `json:"last_harvest_supply,omitempty"`
	FlashAmount       *big.Int       `json:"flash_amount,omitempty"`
	FlashToken        common.Address `json:"flash_token"`
	Emergency         bool           `json:"emergency"`
	Lock              *ModeLock      `json:"lock,omitempty"`
	LocalKeySeq       uint64         `json:"local_key_seq"`
	UpdatedAtMS       int64          `json:"updated_at_ms"`
}

func (m Metadata) LastHarvest() time.Time {
	if m.LastHarvestMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.LastHarvestMS).UTC()
}

func LoadMetadata(ctx context.Context, store Store) (Metadata, bool, error) {
	var meta Metadata
	ok, err := loadJSON(ctx, store, MetadataKey, &meta)
	if err != nil || !ok {
		return Metadata{}, ok, err
	}
	return meta, true, nil
}

func SaveMetadata(ctx context.Context, store Store, meta Metadata) error {
	return saveJSON(ctx, store, MetadataKey, meta)
}

// Registry is the persisted form of the strategy's contract address table.
type Registry struct {
	Version   uint64                    `json:"version"`
	Addresses map[string]common.Address `json:"addresses"`
}

func LoadRegistry(ctx context.Context, store Store) (Registry, bool, error) {
	var reg Registry
	ok, err := loadJSON(ctx, store, RegistryKey, &reg)
	if err != nil || !ok {
		return Registry{}, ok, err
	}
	return reg, true, nil
}

func SaveRegistry(ctx context.Context, store Store, reg Registry) error {
	return saveJSON(ctx, store, RegistryKey, reg)
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
