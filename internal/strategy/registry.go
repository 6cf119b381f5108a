package strategy

import (
	"fmt"
	"sync"

	"dn-yield-strategy/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ContractKey names an external contract the strategy talks to or trusts.
type ContractKey uint8

const (
	VenueController ContractKey = iota + 1
	DepositVault
	WithdrawalVault
	LendingPool
	SwapRouter
	Treasury
)

var contractKeys = []ContractKey{VenueController, DepositVault, WithdrawalVault, LendingPool, SwapRouter, Treasury}

func (k ContractKey) String() string {
	switch k {
	case VenueController:
		return "venue_controller"
	case DepositVault:
		return "deposit_vault"
	case WithdrawalVault:
		return "withdrawal_vault"
	case LendingPool:
		return "lending_pool"
	case SwapRouter:
		return "swap_router"
	case Treasury:
		return "treasury"
	default:
		return fmt.Sprintf("contract_key(%d)", uint8(k))
	}
}

func (k ContractKey) Valid() bool {
	return k >= VenueController && k <= Treasury
}

func ParseContractKey(s string) (ContractKey, error) {
	for _, k := range contractKeys {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidContractKey)
}

// Registry is the versioned contract address table.
type Registry struct {
	mu      sync.RWMutex
	version uint64
	addrs   map[ContractKey]common.Address
}

func NewRegistry(addrs map[ContractKey]common.Address) (*Registry, error) {
	r := &Registry{addrs: make(map[ContractKey]common.Address, len(contractKeys))}
	for _, k := range contractKeys {
		addr := addrs[k]
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("%s: %w", k, ErrZeroAddress)
		}
		r.addrs[k] = addr
	}
	return r, nil
}

func (r *Registry) Address(key ContractKey) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addrs[key]
}

func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) set(key ContractKey, addr common.Address) (uint64, error) {
	if !key.Valid() {
		return 0, fmt.Errorf("%d: %w", uint8(key), ErrInvalidContractKey)
	}
	if addr == (common.Address{}) {
		return 0, fmt.Errorf("%s: %w", key, ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[key] = addr
	r.version++
	return r.version, nil
}

func (r *Registry) snapshot() state.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := state.Registry{Version: r.version, Addresses: make(map[string]common.Address, len(r.addrs))}
	for k, v := range r.addrs {
		out.Addresses[k.String()] = v
	}
	return out
}

// restore overlays a persisted registry. Unknown names are rejected.
func (r *Registry) restore(saved state.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, addr := range saved.Addresses {
		key, err := ParseContractKey(name)
		if err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return fmt.Errorf("%s: %w", key, ErrZeroAddress)
		}
		r.addrs[key] = addr
	}
	r.version = saved.Version
	return nil
}
