package snapshots

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

const (
	snapshotUpsertSQL = `
INSERT INTO account_snapshots (
    account,
    coins,
    updated_at
)
VALUES ($1, $2::jsonb, $3)
ON CONFLICT (account) DO UPDATE SET
    coins = EXCLUDED.coins,
    updated_at = EXCLUDED.updated_at;
`
	snapshotSelectSQL = `SELECT coins, updated_at FROM account_snapshots WHERE account = $1;`
)

var errNilPool = errors.New("snapshot store: nil pool")

// PostgresStore keeps snapshots in the account_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn, applies migrations and returns the ready store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return NewPostgresStore(pool), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Load(ctx context.Context, account string) (domain.Snapshot, error) {
	if s.pool == nil {
		return domain.Snapshot{}, &domain.PersistenceError{Account: account, Op: domain.PersistenceLoad, Err: errNilPool}
	}

	var (
		raw       []byte
		updatedAt time.Time
	)

	err := s.pool.QueryRow(ctx, snapshotSelectSQL, account).Scan(&raw, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, nil
		}

		return domain.Snapshot{}, &domain.PersistenceError{
			Account: account,
			Op:      domain.PersistenceLoad,
			Err:     errors.Wrap(err, "select snapshot"),
		}
	}

	var coins []domain.CoinBalance
	if err := json.Unmarshal(raw, &coins); err != nil {
		return domain.Snapshot{}, &domain.MalformedSnapshotError{Account: account, Err: errors.Wrap(err, "decode coins")}
	}

	snapshot := domain.NewSnapshot(coins)
	snapshot.UpdatedAt = updatedAt.UTC()

	return snapshot, nil
}

func (s *PostgresStore) Save(ctx context.Context, account string, snapshot domain.Snapshot) error {
	if s.pool == nil {
		return &domain.PersistenceError{Account: account, Op: domain.PersistenceSave, Err: errNilPool}
	}

	coins := snapshot.Coins
	if coins == nil {
		coins = []domain.CoinBalance{}
	}

	payload, err := json.Marshal(coins)
	if err != nil {
		return &domain.PersistenceError{Account: account, Op: domain.PersistenceSave, Err: errors.Wrap(err, "encode coins")}
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if _, err := s.pool.Exec(ctx, snapshotUpsertSQL, account, string(payload), updatedAt.UTC()); err != nil {
		return &domain.PersistenceError{Account: account, Op: domain.PersistenceSave, Err: errors.Wrap(err, "upsert snapshot")}
	}

	return nil
}
