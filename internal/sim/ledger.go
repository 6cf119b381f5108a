// Package sim provides in-memory implementations of every external
// collaborator the strategy talks to. It backs the strategy tests and the
// daemon's paper mode.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken        = errors.New("unknown token")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeAmount      = errors.New("negative amount")
)

type TokenInfo struct {
	Symbol   string
	Decimals uint8
}

// Ledger holds balances of every simulated token.
type Ledger struct {
	mu       sync.Mutex
	tokens   map[common.Address]TokenInfo
	balances map[common.Address]map[common.Address]*big.Int
	supply   map[common.Address]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		tokens:   make(map[common.Address]TokenInfo),
		balances: make(map[common.Address]map[common.Address]*big.Int),
		supply:   make(map[common.Address]*big.Int),
	}
}

func (l *Ledger) Register(token common.Address, symbol string, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = TokenInfo{Symbol: symbol, Decimals: decimals}
	if l.balances[token] == nil {
		l.balances[token] = make(map[common.Address]*big.Int)
		l.supply[token] = new(big.Int)
	}
}

func (l *Ledger) Info(token common.Address) (TokenInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.tokens[token]
	if !ok {
		return TokenInfo{}, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownToken)
	}
	return info, nil
}

func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(token, amount); err != nil {
		return err
	}
	l.credit(token, to, amount)
	l.supply[token].Add(l.supply[token], amount)
	return nil
}

func (l *Ledger) Burn(token, from common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(token, amount); err != nil {
		return err
	}
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	l.supply[token].Sub(l.supply[token], amount)
	return nil
}

func (l *Ledger) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownToken)
	}
	if bal, ok := l.balances[token][holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) TotalSupply(_ context.Context, token common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, ok := l.supply[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownToken)
	}
	return new(big.Int).Set(supply), nil
}

func (l *Ledger) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(token, amount); err != nil {
		return err
	}
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	l.credit(token, to, amount)
	return nil
}

func (l *Ledger) check(token common.Address, amount *big.Int) error {
	if _, ok := l.tokens[token]; !ok {
		return fmt.Errorf("%s: %w", token.Hex(), ErrUnknownToken)
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

func (l *Ledger) credit(token, to common.Address, amount *big.Int) {
	bal, ok := l.balances[token][to]
	if !ok {
		bal = new(big.Int)
		l.balances[token][to] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) debit(token, from common.Address, amount *big.Int) error {
	bal, ok := l.balances[token][from]
	if !ok {
		bal = new(big.Int)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s holds %s %s, needs %s: %w", from.Hex(), bal, l.tokens[token].Symbol, amount, ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	l.balances[token][from] = bal
	return nil
}
