package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dn-yield-strategy/internal/metrics"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/state"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// CachePrefix namespaces idempotency entries in the state store.
const CachePrefix = "order:"

// Venue is the order-creating half of protocol.Venue.
type Venue interface {
	SubmitDepositOrder(ctx context.Context, from common.Address, order protocol.DepositOrder) (common.Hash, error)
	SubmitWithdrawalOrder(ctx context.Context, from common.Address, order protocol.WithdrawalOrder) (common.Hash, error)
}

// Submitter creates venue orders with retry. Submissions carrying an
// idempotency key return the previously issued order key instead of creating
// a second order.
type Submitter struct {
	venue   Venue
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	maxRetries uint64
	initial    time.Duration

	mu    sync.Mutex
	cache map[string]common.Hash
}

func New(venue Venue, store state.Store, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		venue:      venue,
		store:      store,
		log:        log,
		metrics:    metrics.NewNoop(),
		maxRetries: 4,
		initial:    200 * time.Millisecond,
		cache:      make(map[string]common.Hash),
	}
}

func (s *Submitter) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Submitter) SetRetryPolicy(maxRetries uint64, initial time.Duration) {
	s.maxRetries = maxRetries
	if initial > 0 {
		s.initial = initial
	}
}

func (s *Submitter) SubmitDeposit(ctx context.Context, idempotencyKey string, from common.Address, order protocol.DepositOrder) (common.Hash, error) {
	return s.submit(ctx, idempotencyKey, func() (common.Hash, error) {
		return s.venue.SubmitDepositOrder(ctx, from, order)
	})
}

func (s *Submitter) SubmitWithdrawal(ctx context.Context, idempotencyKey string, from common.Address, order protocol.WithdrawalOrder) (common.Hash, error) {
	return s.submit(ctx, idempotencyKey, func() (common.Hash, error) {
		return s.venue.SubmitWithdrawalOrder(ctx, from, order)
	})
}

// Forget drops the cached order key once the order has been settled.
func (s *Submitter) Forget(ctx context.Context, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}
	cacheKey := CachePrefix + idempotencyKey
	s.mu.Lock()
	delete(s.cache, cacheKey)
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Delete(ctx, cacheKey)
}

func (s *Submitter) submit(ctx context.Context, idempotencyKey string, fn func() (common.Hash, error)) (common.Hash, error) {
	if idempotencyKey == "" {
		return s.submitWithRetry(ctx, fn)
	}
	cacheKey := CachePrefix + idempotencyKey
	s.mu.Lock()
	if hash, ok := s.cache[cacheKey]; ok {
		s.mu.Unlock()
		return hash, nil
	}
	s.mu.Unlock()
	if s.store != nil {
		if raw, ok, err := s.store.Get(ctx, cacheKey); err != nil {
			return common.Hash{}, err
		} else if ok {
			hash := common.HexToHash(raw)
			s.mu.Lock()
			s.cache[cacheKey] = hash
			s.mu.Unlock()
			return hash, nil
		}
	}
	hash, err := s.submitWithRetry(ctx, fn)
	if err != nil {
		return common.Hash{}, err
	}
	if s.store != nil {
		if err := s.store.Set(ctx, cacheKey, hash.Hex()); err != nil {
			s.log.Warn("failed to persist order key", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
		}
	}
	s.mu.Lock()
	s.cache[cacheKey] = hash
	s.mu.Unlock()
	return hash, nil
}

func (s *Submitter) submitWithRetry(ctx context.Context, fn func() (common.Hash, error)) (common.Hash, error) {
	var (
		hash    common.Hash
		attempt int
	)
	op := func() error {
		attempt++
		if attempt > 1 {
			s.metrics.OrderRetries.Inc()
		}
		var err error
		hash, err = fn()
		if err != nil {
			if errors.Is(err, protocol.ErrOrderRejected) {
				return backoff.Permanent(err)
			}
			s.log.Warn("order submission failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if hash == (common.Hash{}) {
			return backoff.Permanent(errors.New("empty order key"))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initial
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)); err != nil {
		return common.Hash{}, fmt.Errorf("submit order: %w", err)
	}
	return hash, nil
}
