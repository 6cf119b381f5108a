package protocol

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestOrderKeyNamespacesAreDisjoint(t *testing.T) {
	seen := make(map[string]OrderKey)
	for i := uint64(0); i < 64; i++ {
		local := LocalKey(i)
		venue := VenueKey(crypto.Keccak256Hash(big.NewInt(int64(i)).Bytes()))
		for _, k := range []OrderKey{local, venue} {
			s := k.String()
			if prev, ok := seen[s]; ok {
				t.Fatalf("key %s collides with %+v", s, prev)
			}
			seen[s] = k
		}
	}
	// a venue hash whose numeric value equals a local counter still differs
	venue := VenueKey(common.BigToHash(big.NewInt(7)))
	if venue.String() == LocalKey(7).String() {
		t.Fatalf("venue and local keys share a string form")
	}
}

func TestOrderKeyParseRoundTrip(t *testing.T) {
	keys := []OrderKey{
		LocalKey(0),
		LocalKey(42),
		VenueKey(crypto.Keccak256Hash([]byte("order"))),
	}
	for _, k := range keys {
		got, err := ParseOrderKey(k.String())
		if err != nil {
			t.Fatalf("parse %s: %v", k, err)
		}
		if got != k {
			t.Fatalf("expected %+v, got %+v", k, got)
		}
	}
}

func TestParseOrderKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "venue:", "local:x", "venue:0x12", "remote:1", "local"} {
		if _, err := ParseOrderKey(raw); !errors.Is(err, ErrInvalidOrderKey) {
			t.Fatalf("expected invalid key error for %q, got %v", raw, err)
		}
	}
}

func TestOrderKeyJSON(t *testing.T) {
	type wrapper struct {
		Key OrderKey `json:"key"`
	}
	in := wrapper{Key: LocalKey(9)}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"key":"local:9"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	var out wrapper
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Key != in.Key {
		t.Fatalf("expected %+v, got %+v", in.Key, out.Key)
	}
}

func TestOpenInterestQueryPacking(t *testing.T) {
	q := PackOpenInterestQuery(1, true)
	if q != 0x00010001 {
		t.Fatalf("unexpected packed query %#x", q)
	}
	idx, isLong := UnpackOpenInterestQuery(q)
	if idx != 1 || !isLong {
		t.Fatalf("unexpected unpack %d %t", idx, isLong)
	}
	idx, isLong = UnpackOpenInterestQuery(PackOpenInterestQuery(0, false))
	if idx != 0 || isLong {
		t.Fatalf("unexpected unpack %d %t", idx, isLong)
	}
}

func TestWithdrawalResultAmountOf(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	res := WithdrawalResult{Tokens: [2]common.Address{a, b}, Amounts: [2]*big.Int{big.NewInt(5), big.NewInt(9)}}
	if res.AmountOf(b).Int64() != 9 {
		t.Fatalf("expected 9")
	}
	if res.AmountOf(common.HexToAddress("0x03")).Sign() != 0 {
		t.Fatalf("expected zero for unknown token")
	}
}
