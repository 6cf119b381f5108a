package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/strategy"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PositionSnapshot is one keeper tick's view of the position. Amounts are raw
// token units.
type PositionSnapshot struct {
	Time            time.Time
	Emergency       bool
	Mode            string
	TotalAssets     *big.Int
	IdleDeposit     *big.Int
	Holdings        *big.Int
	Collateral      *big.Int
	Loan            *big.Int
	HealthFactorBps uint64
	ImbalanceBps    uint64
	PendingOrders   int
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	positions   chan PositionSnapshot
	allocations chan strategy.AllocationRecord
	started     atomic.Bool
	dropPos     atomic.Uint64
	dropAlloc   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		positions:   make(chan PositionSnapshot, queueSize),
		allocations: make(chan strategy.AllocationRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
		return
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale position queue full")
		}
	}
}

// RecordAllocation queues one solver decision. It never blocks the strategy;
// records are dropped when the queue is full.
func (w *Writer) RecordAllocation(_ context.Context, rec strategy.AllocationRecord) error {
	if w == nil {
		return nil
	}
	select {
	case w.allocations <- rec:
		return nil
	default:
		if w.dropAlloc.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale allocation queue full")
		}
		return nil
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case rec := <-w.allocations:
			w.writeAllocation(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		flow_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		branch TEXT NOT NULL,
		clamped BOOLEAN NOT NULL,
		net_flow NUMERIC NOT NULL,
		holdings NUMERIC NOT NULL,
		loan NUMERIC NOT NULL,
		collateral NUMERIC NOT NULL,
		target_long NUMERIC NOT NULL,
		target_loan NUMERIC NOT NULL,
		health_factor NUMERIC NOT NULL,
		PRIMARY KEY (ts, flow_id)
	)`, w.table("allocations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		emergency BOOLEAN NOT NULL,
		mode TEXT NOT NULL,
		total_assets NUMERIC NOT NULL,
		idle_deposit NUMERIC NOT NULL,
		holdings NUMERIC NOT NULL,
		collateral NUMERIC NOT NULL,
		loan NUMERIC NOT NULL,
		health_factor_bps BIGINT NOT NULL,
		imbalance_bps BIGINT NOT NULL,
		pending_orders INTEGER NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"allocations", "position_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, emergency, mode, total_assets, idle_deposit, holdings, collateral, loan,
		health_factor_bps, imbalance_bps, pending_orders
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Emergency,
		snap.Mode,
		numeric(snap.TotalAssets),
		numeric(snap.IdleDeposit),
		numeric(snap.Holdings),
		numeric(snap.Collateral),
		numeric(snap.Loan),
		int64(snap.HealthFactorBps),
		int64(snap.ImbalanceBps),
		snap.PendingOrders,
	); err != nil && w.log != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeAllocation(ctx context.Context, rec strategy.AllocationRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, flow_id, kind, branch, clamped, net_flow, holdings, loan, collateral,
		target_long, target_loan, health_factor
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)
	ON CONFLICT (ts, flow_id) DO NOTHING`, w.table("allocations"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.At,
		rec.FlowID,
		rec.Kind.String(),
		rec.Branch,
		rec.Clamped,
		numeric(rec.NetFlow),
		numeric(rec.Holdings),
		numeric(rec.Loan),
		numeric(rec.Collateral),
		numeric(rec.TargetLong),
		numeric(rec.TargetLoan),
		numeric(rec.HealthFactor),
	); err != nil && w.log != nil {
		w.log.Warn("timescale allocation insert failed", zap.String("flow_id", rec.FlowID), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

// numeric renders a raw amount for a NUMERIC column.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
