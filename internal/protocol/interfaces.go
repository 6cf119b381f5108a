package protocol

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrOrderRejected marks a venue error that will not succeed on retry.
var ErrOrderRejected = errors.New("order rejected by venue")

// Tokens is the token ledger the strategy holds balances in.
type Tokens interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// Venue is the external market that accepts deposit/withdrawal orders and
// fills them asynchronously.
type Venue interface {
	MarketInfo(ctx context.Context, market common.Address) (MarketInfo, error)
	SubmitDepositOrder(ctx context.Context, from common.Address, order DepositOrder) (common.Hash, error)
	SubmitWithdrawalOrder(ctx context.Context, from common.Address, order WithdrawalOrder) (common.Hash, error)
	PayExecutionFee(ctx context.Context, from, vault common.Address, amount *big.Int) error
	TransferTokensToVault(ctx context.Context, from, token, vault common.Address, amount *big.Int) error
	SimulateDeposit(ctx context.Context, market common.Address, longAmount, shortAmount *big.Int) (*big.Int, error)
	SimulateWithdrawal(ctx context.Context, market common.Address, marketTokens *big.Int) (WithdrawalResult, error)
	// OpenInterest returns USD open interest (1e30) for the packed selector
	// built by PackOpenInterestQuery.
	OpenInterest(ctx context.Context, market common.Address, query uint32) (*big.Int, error)
}

// VenueCallbacks are invoked by the venue's controller once an order settles.
type VenueCallbacks interface {
	OnDepositFulfilled(ctx context.Context, caller common.Address, key common.Hash, result DepositResult) error
	OnDepositCancelled(ctx context.Context, caller common.Address, key common.Hash, reason string) error
	OnWithdrawalFulfilled(ctx context.Context, caller common.Address, key common.Hash, result WithdrawalResult) error
	OnWithdrawalCancelled(ctx context.Context, caller common.Address, key common.Hash, reason string) error
}

// FlashLoanReceiver is called back by the lending pool while a flash loan is open.
type FlashLoanReceiver interface {
	OnFlashLoanReceived(ctx context.Context, caller, token common.Address, amount, premium *big.Int, initiator common.Address, data []byte) (bool, error)
}

// LendingPool is the collateralised lending market.
type LendingPool interface {
	Supply(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) error
	Withdraw(ctx context.Context, token common.Address, amount *big.Int, to common.Address) (*big.Int, error)
	Borrow(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) error
	Repay(ctx context.Context, token common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error)
	FlashLoanSimple(ctx context.Context, receiver FlashLoanReceiver, receiverAddress, token common.Address, amount *big.Int, data []byte) error
	HealthFactor(ctx context.Context, account common.Address) (*big.Int, error)
	LiquidationThresholdBps(ctx context.Context, token common.Address) (uint64, error)
	FlashPremiumBps(ctx context.Context) (uint64, error)
	ReserveTokens(ctx context.Context, token common.Address) (ReserveTokens, error)
}

// SwapRouter executes exact-input single-hop swaps.
type SwapRouter interface {
	SwapExactInputSingle(ctx context.Context, from common.Address, params SwapParams) (*big.Int, error)
}

// Oracle returns USD prices with 8 decimals.
type Oracle interface {
	AssetPrice(ctx context.Context, token common.Address) (*big.Int, error)
}

// Vault is the owning share vault that forwards user requests and is told the outcome.
type Vault interface {
	PendingTxParams(ctx context.Context) (TxParams, error)
	TotalShares(ctx context.Context) (*big.Int, error)
	AfterDeposit(ctx context.Context, params TxParams, success bool) error
	AfterWithdraw(ctx context.Context, params TxParams, assets *big.Int, success bool) error
	AfterRedeem(ctx context.Context, params TxParams, assets *big.Int, success bool) error
}

// PackOpenInterestQuery packs a collateral index and a side into the two 16-bit
// fields the venue keys open interest by.
func PackOpenInterestQuery(collateralIndex uint16, isLong bool) uint32 {
	side := uint32(0)
	if isLong {
		side = 1
	}
	return uint32(collateralIndex)<<16 | side
}

// UnpackOpenInterestQuery reverses PackOpenInterestQuery.
func UnpackOpenInterestQuery(query uint32) (collateralIndex uint16, isLong bool) {
	return uint16(query >> 16), query&0xffff == 1
}
