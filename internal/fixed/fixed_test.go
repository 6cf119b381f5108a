package fixed

import (
	"errors"
	"math/big"
	"testing"
)

func TestScaleRoundTripWithoutLoss(t *testing.T) {
	values := []int64{0, 1, 7, 999_999, 1_000_000_000_123}
	pairs := [][2]uint8{{6, 18}, {6, 6}, {8, 30}, {0, 18}}
	for _, v := range values {
		for _, p := range pairs {
			x := big.NewInt(v)
			up := Scale(x, p[0], p[1])
			back := Scale(up, p[1], p[0])
			if back.Cmp(x) != 0 {
				t.Fatalf("scale(%d, %d->%d->%d) = %s", v, p[0], p[1], p[0], back)
			}
		}
	}
}

func TestScaleDownFloors(t *testing.T) {
	got := Scale(big.NewInt(1_999_999_999_999), 18, 6)
	if got.Int64() != 1 {
		t.Fatalf("expected floor 1, got %s", got)
	}
	got = Scale(big.NewInt(-1_500_000_000_000), 18, 6)
	if got.Int64() != -2 {
		t.Fatalf("expected unsigned path to floor to -2, got %s", got)
	}
}

func TestScaleSignedTruncatesTowardZero(t *testing.T) {
	got := ScaleSigned(big.NewInt(-1_500_000_000_000), 18, 6)
	if got.Int64() != -1 {
		t.Fatalf("expected -1, got %s", got)
	}
	got = ScaleSigned(big.NewInt(1_500_000_000_000), 18, 6)
	if got.Int64() != 1 {
		t.Fatalf("expected 1, got %s", got)
	}
}

func TestMulDiv(t *testing.T) {
	got, err := MulDiv(big.NewInt(10), big.NewInt(10), big.NewInt(3))
	if err != nil {
		t.Fatalf("mulDiv: %v", err)
	}
	if got.Int64() != 33 {
		t.Fatalf("expected 33, got %s", got)
	}

	// intermediate exceeds 256 bits but the result does not
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	got, err = MulDiv(huge, huge, huge)
	if err != nil {
		t.Fatalf("mulDiv wide: %v", err)
	}
	if got.Cmp(huge) != 0 {
		t.Fatalf("expected 2^200, got %s", got)
	}

	if _, err := MulDiv(huge, huge, big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	if _, err := MulDiv(big.NewInt(-1), big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected negative operand error, got %v", err)
	}
}

func TestMulDivSigned(t *testing.T) {
	got, err := MulDivSigned(big.NewInt(-7), big.NewInt(3), big.NewInt(2))
	if err != nil {
		t.Fatalf("mulDivSigned: %v", err)
	}
	if got.Int64() != -10 {
		t.Fatalf("expected -10, got %s", got)
	}
}

func TestBpsHelpers(t *testing.T) {
	if got := AddBps(big.NewInt(1_000_000), 30); got.Int64() != 1_003_000 {
		t.Fatalf("addBps: got %s", got)
	}
	if got := SubBps(big.NewInt(1_000_000), 30); got.Int64() != 997_000 {
		t.Fatalf("subBps: got %s", got)
	}
	if got := SubBps(big.NewInt(999), 1); got.Int64() != 998 {
		t.Fatalf("subBps floor: got %s", got)
	}
	if got := SubBps(big.NewInt(1_000), BPS); got.Sign() != 0 {
		t.Fatalf("subBps full: got %s", got)
	}
}

func TestFormatAndParse(t *testing.T) {
	if got := Format(big.NewInt(1_234_500), 6); got != "1.2345" {
		t.Fatalf("format: got %s", got)
	}
	raw, err := Parse("1.2345678", 6)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if raw.Int64() != 1_234_567 {
		t.Fatalf("parse: got %s", raw)
	}
	if _, err := Parse("abc", 6); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMax0(t *testing.T) {
	if Max0(big.NewInt(-5)).Sign() != 0 {
		t.Fatalf("expected clamp to zero")
	}
	if Max0(big.NewInt(5)).Int64() != 5 {
		t.Fatalf("expected passthrough")
	}
	if Max0(nil).Sign() != 0 {
		t.Fatalf("expected nil to clamp to zero")
	}
}
