package fixed

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BPS is the basis-point denominator used by every fee and threshold.
const BPS = 10_000

// PrecisionDecimals is the number of decimals in Precision.
const PrecisionDecimals = 30

var (
	ErrOverflow       = errors.New("uint256 overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegative       = errors.New("negative operand")
)

var (
	// Precision is the fixed-point base of every rate (1e30).
	Precision = Pow10(PrecisionDecimals)

	bps    = big.NewInt(BPS)
	bpsSq  = big.NewInt(BPS * BPS)
	wadOne = Pow10(18)
)

func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// BPSInt returns a fresh copy of the basis-point denominator.
func BPSInt() *big.Int { return new(big.Int).Set(bps) }

// BPSSquared returns BPS*BPS, the base used when two bps factors are compounded.
func BPSSquared() *big.Int { return new(big.Int).Set(bpsSq) }

// Wad returns 1e18.
func Wad() *big.Int { return new(big.Int).Set(wadOne) }

// Scale converts amount from one decimal precision to another. Precision loss
// floors (big.Int Div is Euclidean, which is floor for a positive divisor).
func Scale(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	switch {
	case fromDecimals == toDecimals:
		return new(big.Int).Set(amount)
	case toDecimals > fromDecimals:
		return new(big.Int).Mul(amount, Pow10(toDecimals-fromDecimals))
	default:
		return new(big.Int).Div(amount, Pow10(fromDecimals-toDecimals))
	}
}

// ScaleSigned is Scale for signed values; precision loss truncates toward zero.
func ScaleSigned(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	switch {
	case fromDecimals == toDecimals:
		return new(big.Int).Set(amount)
	case toDecimals > fromDecimals:
		return new(big.Int).Mul(amount, Pow10(toDecimals-fromDecimals))
	default:
		return new(big.Int).Quo(amount, Pow10(fromDecimals-toDecimals))
	}
}

// MulDiv computes floor(x*y/d) with a 512-bit intermediate and fails when any
// operand or the result does not fit in 256 bits.
func MulDiv(x, y, d *big.Int) (*big.Int, error) {
	if d == nil || d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if x.Sign() < 0 || y.Sign() < 0 || d.Sign() < 0 {
		return nil, ErrNegative
	}
	ux, err := toUint256(x)
	if err != nil {
		return nil, err
	}
	uy, err := toUint256(y)
	if err != nil {
		return nil, err
	}
	ud, err := toUint256(d)
	if err != nil {
		return nil, err
	}
	z, overflow := new(uint256.Int).MulDivOverflow(ux, uy, ud)
	if overflow {
		return nil, ErrOverflow
	}
	return z.ToBig(), nil
}

// MulDivSigned computes x*y/d truncating toward zero.
func MulDivSigned(x, y, d *big.Int) (*big.Int, error) {
	if d == nil || d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(x, y)
	return out.Quo(out, d), nil
}

// AddBps returns value*(BPS+bps)/BPS, floored.
func AddBps(value *big.Int, feeBps uint64) *big.Int {
	factor := new(big.Int).Add(bps, new(big.Int).SetUint64(feeBps))
	out := new(big.Int).Mul(value, factor)
	return out.Div(out, bps)
}

// SubBps returns value*(BPS-bps)/BPS, floored. A factor at or above BPS yields zero.
func SubBps(value *big.Int, feeBps uint64) *big.Int {
	if feeBps >= BPS {
		return new(big.Int)
	}
	factor := new(big.Int).Sub(bps, new(big.Int).SetUint64(feeBps))
	out := new(big.Int).Mul(value, factor)
	return out.Div(out, bps)
}

// Max0 clamps negative values to zero.
func Max0(x *big.Int) *big.Int {
	if x == nil || x.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func Abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// OrZero returns x, or a zero value when x is nil.
func OrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// Format renders a raw token amount as a decimal string.
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// Amount wraps a raw amount so it can be logged lazily via zap.Stringer.
type Amount struct {
	Raw      *big.Int
	Decimals uint8
}

func (a Amount) String() string {
	return Format(a.Raw, a.Decimals)
}

// Parse reads a decimal string into raw units, truncating extra fractional digits.
func Parse(value string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

func toUint256(x *big.Int) (*uint256.Int, error) {
	u, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ErrOverflow
	}
	return u, nil
}
