package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dn-yield-strategy/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrUnknownSigner = errors.New("report not signed by controller")
	ErrReplayed      = errors.New("report nonce already seen")
	ErrUnknownKind   = errors.New("unknown report kind")
)

// nonceWindow is how many accepted nonces are remembered above the floor.
const nonceWindow = 1024

// Dispatcher verifies reports and forwards them to the strategy callbacks with
// the recovered signer as caller.
type Dispatcher struct {
	controller common.Address
	callbacks  protocol.VenueCallbacks
	log        *zap.Logger

	mu     sync.Mutex
	window int
	floor  uint64
	seen   map[uint64]struct{}
}

func NewDispatcher(controller common.Address, callbacks protocol.VenueCallbacks, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		controller: controller,
		callbacks:  callbacks,
		log:        log,
		window:     nonceWindow,
		seen:       make(map[uint64]struct{}),
	}
}

// Handle is the Client.Run handler. Rejected frames are logged and dropped.
func (d *Dispatcher) Handle(ctx context.Context, frame []byte) {
	if err := d.Dispatch(ctx, frame); err != nil {
		d.log.Warn("feed report rejected", zap.Error(err))
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) error {
	report, signer, err := Open(frame)
	if err != nil {
		return err
	}
	if signer != d.controller {
		return fmt.Errorf("signer %s: %w", signer.Hex(), ErrUnknownSigner)
	}
	if err := d.advance(report.Nonce); err != nil {
		return err
	}
	key, err := report.OrderKey()
	if err != nil {
		return err
	}
	d.log.Info("feed report",
		zap.String("kind", string(report.Kind)),
		zap.String("order_key", key.Hex()),
		zap.Uint64("nonce", report.Nonce),
	)
	switch report.Kind {
	case DepositExecuted:
		result, err := report.DepositResult()
		if err != nil {
			return err
		}
		return d.callbacks.OnDepositFulfilled(ctx, signer, key, result)
	case DepositCancelled:
		return d.callbacks.OnDepositCancelled(ctx, signer, key, report.Reason)
	case WithdrawalExecuted:
		result, err := report.WithdrawalResult()
		if err != nil {
			return err
		}
		return d.callbacks.OnWithdrawalFulfilled(ctx, signer, key, result)
	case WithdrawalCancelled:
		return d.callbacks.OnWithdrawalCancelled(ctx, signer, key, report.Reason)
	default:
		return fmt.Errorf("%q: %w", report.Kind, ErrUnknownKind)
	}
}

// advance records nonce. Reports may arrive out of order; once more than
// window nonces are held the oldest is dropped and becomes the floor.
func (d *Dispatcher) advance(nonce uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nonce <= d.floor {
		return fmt.Errorf("nonce %d <= floor %d: %w", nonce, d.floor, ErrReplayed)
	}
	if _, ok := d.seen[nonce]; ok {
		return fmt.Errorf("nonce %d: %w", nonce, ErrReplayed)
	}
	d.seen[nonce] = struct{}{}
	for len(d.seen) > d.window {
		oldest := nonce
		for n := range d.seen {
			if n < oldest {
				oldest = n
			}
		}
		delete(d.seen, oldest)
		d.floor = oldest
	}
	return nil
}
