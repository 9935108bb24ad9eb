package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultEventLimit = 1_000

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Market and deal records are stored as JSONB; balances are NUMERIC so the
// full uint64 range survives.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		slog.Info("applied migration", "file", name)
	}
	return nil
}

// RunInTx commits when fn succeeds and rolls back otherwise. Rows touched
// through the Tx are locked with FOR UPDATE until the end of the
// transaction, so commands on the same market or deal serialize.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.Error("rollback failed after error", "err", rbErr, "original_err", err)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m model.Market
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	return getDeal(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListDeals(ctx context.Context, marketID string) ([]model.Deal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM deals WHERE market_id = $1 ORDER BY opened_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d model.Deal
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func (s *PostgresStore) Balance(ctx context.Context, account string) (uint64, error) {
	return getBalance(ctx, s.pool, account, false)
}

func (s *PostgresStore) Events(ctx context.Context, marketID string, afterSeq uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, kind, market_id, deal_id, at, data
		 FROM events WHERE market_id = $1 AND seq > $2
		 ORDER BY seq LIMIT $3`,
		marketID, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e    model.Event
			seq  int64
			kind string
			data []byte
		)
		if err := rows.Scan(&seq, &e.ID, &kind, &e.MarketID, &e.DealID, &e.At, &data); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Kind = model.EventKind(kind)
		e.Data = data
		events = append(events, e)
	}
	return events, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMarket(ctx context.Context, q querier, id string, lock bool) (*model.Market, error) {
	sql := `SELECT state FROM markets WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, sql, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	var m model.Market
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", id, err)
	}
	return &m, nil
}

func getDeal(ctx context.Context, q querier, id string, lock bool) (*model.Deal, error) {
	sql := `SELECT state FROM deals WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, sql, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deal %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	var d model.Deal
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode deal %s: %w", id, err)
	}
	return &d, nil
}

func getBalance(ctx context.Context, q querier, account string, lock bool) (uint64, error) {
	sql := `SELECT amount::TEXT FROM balances WHERE account = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var amount string
	if err := q.QueryRow(ctx, sql, account).Scan(&amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	v, err := fixedpoint.ParseDecimal(amount, 0)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", account, err)
	}
	return v, nil
}

// pgTx is the Tx of one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, true)
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO markets (id, state, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, raw, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrExists, m.ID)
	}
	return nil
}

func (t *pgTx) PutMarket(ctx context.Context, m *model.Market) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE markets SET state = $2 WHERE id = $1`, m.ID, raw)
	if err != nil {
		return fmt.Errorf("put market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, m.ID)
	}
	return nil
}

func (t *pgTx) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	return getDeal(ctx, t.tx, id, true)
}

func (t *pgTx) CreateDeal(ctx context.Context, d *model.Deal) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO deals (id, market_id, status, state, opened_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.MarketID, string(d.Status), raw, d.OpenedAt)
	if err != nil {
		return fmt.Errorf("create deal %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deal %s", ErrExists, d.ID)
	}
	return nil
}

func (t *pgTx) PutDeal(ctx context.Context, d *model.Deal) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE deals SET status = $2, state = $3 WHERE id = $1`,
		d.ID, string(d.Status), raw)
	if err != nil {
		return fmt.Errorf("put deal %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deal %s", model.ErrNotFound, d.ID)
	}
	return nil
}

// Balance creates a zero row for an unseen account before locking it, so two
// transactions crediting the same new account serialize on the row.
func (t *pgTx) Balance(ctx context.Context, account string) (uint64, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, 0) ON CONFLICT (account) DO NOTHING`,
		account)
	if err != nil {
		return 0, fmt.Errorf("ensure balance %s: %w", account, err)
	}
	return getBalance(ctx, t.tx, account, true)
}

func (t *pgTx) SetBalance(ctx context.Context, account string, amount uint64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
		account, strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("set balance %s: %w", account, err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.Event) error {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO events (id, kind, market_id, deal_id, at, data)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		e.ID, string(e.Kind), e.MarketID, e.DealID, e.At, []byte(e.Data)).Scan(&seq)
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Kind, err)
	}
	e.Seq = uint64(seq)
	return nil
}
