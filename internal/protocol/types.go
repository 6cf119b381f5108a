package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind identifies the request that started an allocation cycle.
type TxKind uint8

const (
	TxDeposit TxKind = iota + 1
	TxWithdraw
	TxRedeem
	TxHarvest
	TxRebalance
	TxEmergencyEnter
	TxEmergencyExit
)

func (k TxKind) String() string {
	switch k {
	case TxDeposit:
		return "deposit"
	case TxWithdraw:
		return "withdraw"
	case TxRedeem:
		return "redeem"
	case TxHarvest:
		return "harvest"
	case TxRebalance:
		return "rebalance"
	case TxEmergencyEnter:
		return "emergency_enter"
	case TxEmergencyExit:
		return "emergency_exit"
	default:
		return "unknown"
	}
}

// IsUserFlow reports whether the vault must be notified about the outcome.
func (k TxKind) IsUserFlow() bool {
	return k == TxDeposit || k == TxWithdraw || k == TxRedeem
}

// TxParams captures the caller-supplied parameters of one request.
type TxParams struct {
	Kind     TxKind         `json:"kind"`
	Assets   *big.Int       `json:"assets,omitempty"`
	Shares   *big.Int       `json:"shares,omitempty"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

// KeySource separates venue-issued order keys from locally synthesised ones.
type KeySource uint8

const (
	SourceVenue KeySource = iota + 1
	SourceLocal
)

var ErrInvalidOrderKey = errors.New("invalid order key")

// OrderKey identifies one asynchronous order. Venue keys carry the venue's
// bytes32 hash; local keys carry a counter and never share a string form with
// venue keys.
type OrderKey struct {
	Source KeySource
	Hash   common.Hash
	Seq    uint64
}

func VenueKey(hash common.Hash) OrderKey {
	return OrderKey{Source: SourceVenue, Hash: hash}
}

func LocalKey(seq uint64) OrderKey {
	return OrderKey{Source: SourceLocal, Seq: seq}
}

func (k OrderKey) IsZero() bool {
	return k.Source == 0
}

func (k OrderKey) String() string {
	switch k.Source {
	case SourceVenue:
		return "venue:" + k.Hash.Hex()
	case SourceLocal:
		return "local:" + strconv.FormatUint(k.Seq, 10)
	default:
		return ""
	}
}

func ParseOrderKey(s string) (OrderKey, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return OrderKey{}, fmt.Errorf("%w: %q", ErrInvalidOrderKey, s)
	}
	switch prefix {
	case "venue":
		if len(rest) != 2+2*common.HashLength || !strings.HasPrefix(rest, "0x") {
			return OrderKey{}, fmt.Errorf("%w: %q", ErrInvalidOrderKey, s)
		}
		return VenueKey(common.HexToHash(rest)), nil
	case "local":
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return OrderKey{}, fmt.Errorf("%w: %q", ErrInvalidOrderKey, s)
		}
		return LocalKey(seq), nil
	default:
		return OrderKey{}, fmt.Errorf("%w: %q", ErrInvalidOrderKey, s)
	}
}

func (k OrderKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OrderKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = OrderKey{}
		return nil
	}
	parsed, err := ParseOrderKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarketInfo describes the composition of a venue market.
type MarketInfo struct {
	MarketToken common.Address
	IndexToken  common.Address
	LongToken   common.Address
	ShortToken  common.Address
}

// DepositOrder asks the venue to mint market tokens from the supplied amounts.
type DepositOrder struct {
	Receiver        common.Address
	Market          common.Address
	InitialLong     common.Address
	InitialShort    common.Address
	LongAmount      *big.Int
	ShortAmount     *big.Int
	MinMarketTokens *big.Int
	ExecutionFee    *big.Int
}

// WithdrawalOrder asks the venue to burn market tokens for the underlying pair.
type WithdrawalOrder struct {
	Receiver          common.Address
	Market            common.Address
	MarketTokenAmount *big.Int
	MinLongAmount     *big.Int
	MinShortAmount    *big.Int
	ExecutionFee      *big.Int
}

// DepositResult is reported by the venue when a deposit order executes.
type DepositResult struct {
	MarketTokens *big.Int
}

// WithdrawalResult is reported by the venue when a withdrawal order executes.
type WithdrawalResult struct {
	Tokens  [2]common.Address
	Amounts [2]*big.Int
}

// AmountOf returns the amount reported for token, or zero.
func (r WithdrawalResult) AmountOf(token common.Address) *big.Int {
	for i, t := range r.Tokens {
		if t == token && r.Amounts[i] != nil {
			return new(big.Int).Set(r.Amounts[i])
		}
	}
	return new(big.Int)
}

// ReserveTokens lists the lending market's receipt and debt tokens for one asset.
type ReserveTokens struct {
	AToken       common.Address
	StableDebt   common.Address
	VariableDebt common.Address
}

// SwapParams is an exact-input single-hop swap.
type SwapParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}
