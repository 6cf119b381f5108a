package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownMarket  = errors.New("unknown market")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrVaultShortfall = errors.New("vault balance does not cover order")
	ErrNoCallbacks    = errors.New("venue callbacks not set")
)

type VenueConfig struct {
	Market          protocol.MarketInfo
	Controller      common.Address
	DepositVault    common.Address
	WithdrawalVault common.Address
	WrappedNative   common.Address
	// FeeBps is charged on deposit value and on withdrawal outputs.
	FeeBps uint64
}

type venueOrder struct {
	key        common.Hash
	from       common.Address
	deposit    *protocol.DepositOrder
	withdrawal *protocol.WithdrawalOrder
}

// Venue is a single proportional liquidity market that fills deposit and
// withdrawal orders asynchronously. Orders queue until ExecutePending or
// Cancel runs; the outcome is reported through the registered callbacks with
// the controller as caller.
type Venue struct {
	mu        sync.Mutex
	cfg       VenueConfig
	ledger    *Ledger
	oracle    protocol.Oracle
	callbacks protocol.VenueCallbacks
	orders    []*venueOrder
	nonce     uint64
	reserved  map[common.Address]map[common.Address]*big.Int
	oi        map[uint32]*big.Int
}

func NewVenue(cfg VenueConfig, ledger *Ledger, oracle protocol.Oracle) *Venue {
	return &Venue{
		cfg:      cfg,
		ledger:   ledger,
		oracle:   oracle,
		reserved: make(map[common.Address]map[common.Address]*big.Int),
		oi:       make(map[uint32]*big.Int),
	}
}

func (v *Venue) SetCallbacks(cb protocol.VenueCallbacks) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callbacks = cb
}

func (v *Venue) SetOpenInterest(collateralIndex uint16, isLong bool, usd *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.oi[protocol.PackOpenInterestQuery(collateralIndex, isLong)] = new(big.Int).Set(usd)
}

// Seed adds initial liquidity on behalf of lp and returns the market tokens minted.
func (v *Venue) Seed(ctx context.Context, lp common.Address, longAmount, shortAmount *big.Int) (*big.Int, error) {
	minted, err := v.mintAmount(ctx, longAmount, shortAmount)
	if err != nil {
		return nil, err
	}
	m := v.cfg.Market
	if err := v.ledger.Mint(m.LongToken, m.MarketToken, longAmount); err != nil {
		return nil, err
	}
	if err := v.ledger.Mint(m.ShortToken, m.MarketToken, shortAmount); err != nil {
		return nil, err
	}
	if err := v.ledger.Mint(m.MarketToken, lp, minted); err != nil {
		return nil, err
	}
	return minted, nil
}

func (v *Venue) MarketInfo(_ context.Context, market common.Address) (protocol.MarketInfo, error) {
	if market != v.cfg.Market.MarketToken {
		return protocol.MarketInfo{}, fmt.Errorf("%s: %w", market.Hex(), ErrUnknownMarket)
	}
	return v.cfg.Market, nil
}

func (v *Venue) SubmitDepositOrder(ctx context.Context, from common.Address, order protocol.DepositOrder) (common.Hash, error) {
	if order.Market != v.cfg.Market.MarketToken {
		return common.Hash{}, fmt.Errorf("%s: %w: %w", order.Market.Hex(), protocol.ErrOrderRejected, ErrUnknownMarket)
	}
	if fixed.OrZero(order.LongAmount).Sign() == 0 && fixed.OrZero(order.ShortAmount).Sign() == 0 {
		return common.Hash{}, fmt.Errorf("empty deposit: %w", protocol.ErrOrderRejected)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	claims := map[common.Address]*big.Int{
		v.cfg.Market.LongToken:  fixed.OrZero(order.LongAmount),
		v.cfg.Market.ShortToken: fixed.OrZero(order.ShortAmount),
	}
	if err := v.reserve(ctx, v.cfg.DepositVault, claims); err != nil {
		return common.Hash{}, err
	}
	o := order
	return v.enqueue(&venueOrder{from: from, deposit: &o}), nil
}

func (v *Venue) SubmitWithdrawalOrder(ctx context.Context, from common.Address, order protocol.WithdrawalOrder) (common.Hash, error) {
	if order.Market != v.cfg.Market.MarketToken {
		return common.Hash{}, fmt.Errorf("%s: %w: %w", order.Market.Hex(), protocol.ErrOrderRejected, ErrUnknownMarket)
	}
	if fixed.OrZero(order.MarketTokenAmount).Sign() == 0 {
		return common.Hash{}, fmt.Errorf("empty withdrawal: %w", protocol.ErrOrderRejected)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	claims := map[common.Address]*big.Int{v.cfg.Market.MarketToken: order.MarketTokenAmount}
	if err := v.reserve(ctx, v.cfg.WithdrawalVault, claims); err != nil {
		return common.Hash{}, err
	}
	o := order
	return v.enqueue(&venueOrder{from: from, withdrawal: &o}), nil
}

// reserve earmarks vault balances for a queued order. Callers hold v.mu.
func (v *Venue) reserve(ctx context.Context, vault common.Address, claims map[common.Address]*big.Int) error {
	held := v.reserved[vault]
	if held == nil {
		held = make(map[common.Address]*big.Int)
		v.reserved[vault] = held
	}
	for token, amount := range claims {
		if amount.Sign() == 0 {
			continue
		}
		bal, err := v.ledger.BalanceOf(ctx, token, vault)
		if err != nil {
			return err
		}
		free := new(big.Int).Sub(bal, fixed.OrZero(held[token]))
		if free.Cmp(amount) < 0 {
			return fmt.Errorf("%s free %s, order needs %s: %w: %w", token.Hex(), free, amount, protocol.ErrOrderRejected, ErrVaultShortfall)
		}
	}
	for token, amount := range claims {
		held[token] = new(big.Int).Add(fixed.OrZero(held[token]), amount)
	}
	return nil
}

func (v *Venue) release(vault common.Address, claims map[common.Address]*big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for token, amount := range claims {
		if cur := v.reserved[vault][token]; cur != nil {
			cur.Sub(cur, amount)
		}
	}
}

func (v *Venue) enqueue(o *venueOrder) common.Hash {
	v.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v.nonce)
	o.key = crypto.Keccak256Hash(v.cfg.Market.MarketToken.Bytes(), buf[:])
	v.orders = append(v.orders, o)
	return o.key
}

func (v *Venue) PayExecutionFee(ctx context.Context, from, vault common.Address, amount *big.Int) error {
	if v.cfg.WrappedNative == (common.Address{}) {
		return errors.New("venue has no wrapped native token")
	}
	return v.ledger.Transfer(ctx, v.cfg.WrappedNative, from, vault, amount)
}

func (v *Venue) TransferTokensToVault(ctx context.Context, from, token, vault common.Address, amount *big.Int) error {
	if vault != v.cfg.DepositVault && vault != v.cfg.WithdrawalVault {
		return fmt.Errorf("%s is not a venue vault", vault.Hex())
	}
	return v.ledger.Transfer(ctx, token, from, vault, amount)
}

func (v *Venue) SimulateDeposit(ctx context.Context, market common.Address, longAmount, shortAmount *big.Int) (*big.Int, error) {
	if market != v.cfg.Market.MarketToken {
		return nil, fmt.Errorf("%s: %w", market.Hex(), ErrUnknownMarket)
	}
	return v.mintAmount(ctx, fixed.OrZero(longAmount), fixed.OrZero(shortAmount))
}

func (v *Venue) SimulateWithdrawal(ctx context.Context, market common.Address, marketTokens *big.Int) (protocol.WithdrawalResult, error) {
	if market != v.cfg.Market.MarketToken {
		return protocol.WithdrawalResult{}, fmt.Errorf("%s: %w", market.Hex(), ErrUnknownMarket)
	}
	return v.redeemAmounts(ctx, marketTokens)
}

func (v *Venue) OpenInterest(_ context.Context, market common.Address, query uint32) (*big.Int, error) {
	if market != v.cfg.Market.MarketToken {
		return nil, fmt.Errorf("%s: %w", market.Hex(), ErrUnknownMarket)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if oi, ok := v.oi[query]; ok {
		return new(big.Int).Set(oi), nil
	}
	return new(big.Int), nil
}

// poolValue returns the market's pool value and market token supply. Values
// use the 1e26 dollar scale of usdValue.
func (v *Venue) poolValue(ctx context.Context) (*big.Int, *big.Int, error) {
	m := v.cfg.Market
	total := new(big.Int)
	for _, token := range []common.Address{m.LongToken, m.ShortToken} {
		value, err := v.value(ctx, token, m.MarketToken)
		if err != nil {
			return nil, nil, err
		}
		total.Add(total, value)
	}
	supply, err := v.ledger.TotalSupply(ctx, m.MarketToken)
	if err != nil {
		return nil, nil, err
	}
	return total, supply, nil
}

func (v *Venue) value(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	bal, err := v.ledger.BalanceOf(ctx, token, holder)
	if err != nil {
		return nil, err
	}
	return v.valueOf(ctx, token, bal)
}

func (v *Venue) valueOf(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	info, err := v.ledger.Info(token)
	if err != nil {
		return nil, err
	}
	price, err := v.oracle.AssetPrice(ctx, token)
	if err != nil {
		return nil, err
	}
	return usdValue(amount, price, info.Decimals), nil
}

// mintAmount prices market tokens at pool value per token, or one dollar
// each while the pool is empty.
func (v *Venue) mintAmount(ctx context.Context, longAmount, shortAmount *big.Int) (*big.Int, error) {
	m := v.cfg.Market
	longValue, err := v.valueOf(ctx, m.LongToken, longAmount)
	if err != nil {
		return nil, err
	}
	shortValue, err := v.valueOf(ctx, m.ShortToken, shortAmount)
	if err != nil {
		return nil, err
	}
	value := fixed.SubBps(new(big.Int).Add(longValue, shortValue), v.cfg.FeeBps)
	poolValue, supply, err := v.poolValue(ctx)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 || poolValue.Sign() == 0 {
		return value.Div(value, fixed.Pow10(PriceDecimals)), nil
	}
	return fixed.MulDiv(value, supply, poolValue)
}

func (v *Venue) redeemAmounts(ctx context.Context, marketTokens *big.Int) (protocol.WithdrawalResult, error) {
	m := v.cfg.Market
	res := protocol.WithdrawalResult{Tokens: [2]common.Address{m.LongToken, m.ShortToken}}
	supply, err := v.ledger.TotalSupply(ctx, m.MarketToken)
	if err != nil {
		return res, err
	}
	for i, token := range res.Tokens {
		res.Amounts[i] = new(big.Int)
		if supply.Sign() == 0 {
			continue
		}
		bal, err := v.ledger.BalanceOf(ctx, token, m.MarketToken)
		if err != nil {
			return res, err
		}
		out, err := fixed.MulDiv(fixed.OrZero(marketTokens), bal, supply)
		if err != nil {
			return res, err
		}
		res.Amounts[i] = fixed.SubBps(out, v.cfg.FeeBps)
	}
	return res, nil
}

func (v *Venue) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// ExecutePending fills every queued order in submission order and returns
// how many were processed.
func (v *Venue) ExecutePending(ctx context.Context) (int, error) {
	v.mu.Lock()
	orders := v.orders
	v.orders = nil
	cb := v.callbacks
	v.mu.Unlock()
	if len(orders) > 0 && cb == nil {
		v.mu.Lock()
		v.orders = append(orders, v.orders...)
		v.mu.Unlock()
		return 0, ErrNoCallbacks
	}
	var errs []error
	for _, o := range orders {
		if err := v.execute(ctx, cb, o); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.key.Hex(), err))
		}
	}
	return len(orders), errors.Join(errs...)
}

// Cancel removes a queued order, refunds it and reports the cancellation.
func (v *Venue) Cancel(ctx context.Context, key common.Hash, reason string) error {
	v.mu.Lock()
	var found *venueOrder
	for i, o := range v.orders {
		if o.key == key {
			found = o
			v.orders = append(v.orders[:i], v.orders[i+1:]...)
			break
		}
	}
	cb := v.callbacks
	v.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%s: %w", key.Hex(), ErrUnknownOrder)
	}
	if cb == nil {
		return ErrNoCallbacks
	}
	return v.cancel(ctx, cb, found, reason)
}

func (v *Venue) execute(ctx context.Context, cb protocol.VenueCallbacks, o *venueOrder) error {
	if o.deposit != nil {
		return v.executeDeposit(ctx, cb, o)
	}
	return v.executeWithdrawal(ctx, cb, o)
}

func (v *Venue) executeDeposit(ctx context.Context, cb protocol.VenueCallbacks, o *venueOrder) error {
	d := o.deposit
	m := v.cfg.Market
	minted, err := v.mintAmount(ctx, fixed.OrZero(d.LongAmount), fixed.OrZero(d.ShortAmount))
	if err != nil {
		return v.cancel(ctx, cb, o, err.Error())
	}
	if minted.Cmp(fixed.OrZero(d.MinMarketTokens)) < 0 {
		return v.cancel(ctx, cb, o, fmt.Sprintf("min market tokens: got %s want %s", minted, d.MinMarketTokens))
	}
	v.release(v.cfg.DepositVault, v.depositClaims(d))
	for token, amount := range v.depositClaims(d) {
		if amount.Sign() == 0 {
			continue
		}
		if err := v.ledger.Transfer(ctx, token, v.cfg.DepositVault, m.MarketToken, amount); err != nil {
			return err
		}
	}
	if err := v.ledger.Mint(m.MarketToken, d.Receiver, minted); err != nil {
		return err
	}
	return cb.OnDepositFulfilled(ctx, v.cfg.Controller, o.key, protocol.DepositResult{MarketTokens: minted})
}

func (v *Venue) executeWithdrawal(ctx context.Context, cb protocol.VenueCallbacks, o *venueOrder) error {
	w := o.withdrawal
	m := v.cfg.Market
	res, err := v.redeemAmounts(ctx, w.MarketTokenAmount)
	if err != nil {
		return v.cancel(ctx, cb, o, err.Error())
	}
	if res.Amounts[0].Cmp(fixed.OrZero(w.MinLongAmount)) < 0 || res.Amounts[1].Cmp(fixed.OrZero(w.MinShortAmount)) < 0 {
		return v.cancel(ctx, cb, o, fmt.Sprintf("min output: got %s/%s", res.Amounts[0], res.Amounts[1]))
	}
	v.release(v.cfg.WithdrawalVault, map[common.Address]*big.Int{m.MarketToken: w.MarketTokenAmount})
	if err := v.ledger.Burn(m.MarketToken, v.cfg.WithdrawalVault, w.MarketTokenAmount); err != nil {
		return err
	}
	for i, token := range res.Tokens {
		if res.Amounts[i].Sign() == 0 {
			continue
		}
		if err := v.ledger.Transfer(ctx, token, m.MarketToken, w.Receiver, res.Amounts[i]); err != nil {
			return err
		}
	}
	return cb.OnWithdrawalFulfilled(ctx, v.cfg.Controller, o.key, res)
}

func (v *Venue) cancel(ctx context.Context, cb protocol.VenueCallbacks, o *venueOrder, reason string) error {
	if d := o.deposit; d != nil {
		claims := v.depositClaims(d)
		v.release(v.cfg.DepositVault, claims)
		for token, amount := range claims {
			if amount.Sign() == 0 {
				continue
			}
			if err := v.ledger.Transfer(ctx, token, v.cfg.DepositVault, o.from, amount); err != nil {
				return err
			}
		}
		return cb.OnDepositCancelled(ctx, v.cfg.Controller, o.key, reason)
	}
	w := o.withdrawal
	v.release(v.cfg.WithdrawalVault, map[common.Address]*big.Int{v.cfg.Market.MarketToken: w.MarketTokenAmount})
	if err := v.ledger.Transfer(ctx, v.cfg.Market.MarketToken, v.cfg.WithdrawalVault, o.from, w.MarketTokenAmount); err != nil {
		return err
	}
	return cb.OnWithdrawalCancelled(ctx, v.cfg.Controller, o.key, reason)
}

func (v *Venue) depositClaims(d *protocol.DepositOrder) map[common.Address]*big.Int {
	return map[common.Address]*big.Int{
		v.cfg.Market.LongToken:  fixed.OrZero(d.LongAmount),
		v.cfg.Market.ShortToken: fixed.OrZero(d.ShortAmount),
	}
}
