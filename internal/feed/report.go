package feed

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

type ReportKind string

const (
	DepositExecuted     ReportKind = "depositExecuted"
	DepositCancelled    ReportKind = "depositCancelled"
	WithdrawalExecuted  ReportKind = "withdrawalExecuted"
	WithdrawalCancelled ReportKind = "withdrawalCancelled"
)

var (
	ErrBadSignature = errors.New("bad report signature")
	ErrMalformed    = errors.New("malformed report")
)

// Report is one venue execution report. Amounts are decimal strings of raw
// token units.
type Report struct {
	Kind         ReportKind `msgpack:"kind"`
	Key          string     `msgpack:"key"`
	Nonce        uint64     `msgpack:"nonce"`
	MarketTokens string     `msgpack:"marketTokens,omitempty"`
	Tokens       [2]string  `msgpack:"tokens,omitempty"`
	Amounts      [2]string  `msgpack:"amounts,omitempty"`
	Reason       string     `msgpack:"reason,omitempty"`
}

// Envelope is the frame sent over the websocket.
type Envelope struct {
	Payload   []byte `msgpack:"p"`
	Signature []byte `msgpack:"s"`
}

func (r Report) OrderKey() (common.Hash, error) {
	if !strings.HasPrefix(r.Key, "0x") || len(r.Key) != 66 {
		return common.Hash{}, fmt.Errorf("order key %q: %w", r.Key, ErrMalformed)
	}
	return common.HexToHash(r.Key), nil
}

func (r Report) DepositResult() (protocol.DepositResult, error) {
	tokens, err := parseAmount(r.MarketTokens)
	if err != nil {
		return protocol.DepositResult{}, fmt.Errorf("market tokens: %w", err)
	}
	return protocol.DepositResult{MarketTokens: tokens}, nil
}

func (r Report) WithdrawalResult() (protocol.WithdrawalResult, error) {
	var out protocol.WithdrawalResult
	for i := range r.Tokens {
		if !common.IsHexAddress(r.Tokens[i]) {
			return protocol.WithdrawalResult{}, fmt.Errorf("token %q: %w", r.Tokens[i], ErrMalformed)
		}
		amount, err := parseAmount(r.Amounts[i])
		if err != nil {
			return protocol.WithdrawalResult{}, fmt.Errorf("amount %d: %w", i, err)
		}
		out.Tokens[i] = common.HexToAddress(r.Tokens[i])
		out.Amounts[i] = amount
	}
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q: %w", s, ErrMalformed)
	}
	return v, nil
}

func encodeReport(r Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reportHash binds the payload and its nonce, so a frame cannot be replayed
// under a different nonce.
func reportHash(payload []byte, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256(payload, n[:])
}

// Signer produces envelopes for the controller key. The venue side and tests
// use it; the daemon only verifies.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) Sign(r Report) ([]byte, error) {
	payload, err := encodeReport(r)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(reportHash(payload, r.Nonce), s.key)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Envelope{Payload: payload, Signature: sig})
}

// Open decodes a frame and recovers the address that signed it.
func Open(frame []byte) (Report, common.Address, error) {
	var env Envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return Report{}, common.Address{}, fmt.Errorf("envelope: %v: %w", err, ErrMalformed)
	}
	var r Report
	if err := msgpack.Unmarshal(env.Payload, &r); err != nil {
		return Report{}, common.Address{}, fmt.Errorf("payload: %v: %w", err, ErrMalformed)
	}
	if len(env.Signature) != crypto.SignatureLength {
		return Report{}, common.Address{}, ErrBadSignature
	}
	pub, err := crypto.SigToPub(reportHash(env.Payload, r.Nonce), env.Signature)
	if err != nil {
		return Report{}, common.Address{}, fmt.Errorf("%v: %w", err, ErrBadSignature)
	}
	return r, crypto.PubkeyToAddress(*pub), nil
}
