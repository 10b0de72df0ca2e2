package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-offline/internal/model"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

// TestRepository handles published test data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// Create inserts a test. The code is the natural key; an existing code
// yields ErrDuplicate and leaves the stored test untouched.
func (r *TestRepository) Create(ctx context.Context, t *model.PublishedTest) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO tests (test_code, encrypted_test_data, duration_minutes, allow_corrections, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (test_code) DO NOTHING
		 RETURNING id, created_at`,
		t.TestCode, t.EncryptedTestData, t.DurationMinutes, t.AllowCorrections, t.ExpiresAt,
	).Scan(&t.ID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

// GetActiveByCode retrieves a test that has not yet expired.
// Returns pgx.ErrNoRows when the code is unknown or expired.
func (r *TestRepository) GetActiveByCode(ctx context.Context, code string) (*model.PublishedTest, error) {
	return r.get(ctx,
		`SELECT id, test_code, encrypted_test_data, duration_minutes, allow_corrections, expires_at, created_at
		 FROM tests WHERE test_code = $1 AND expires_at > NOW()`, code)
}

// GetByCode retrieves a test regardless of expiry, as long as it has not
// been flushed. Late offline submissions are matched against it.
func (r *TestRepository) GetByCode(ctx context.Context, code string) (*model.PublishedTest, error) {
	return r.get(ctx,
		`SELECT id, test_code, encrypted_test_data, duration_minutes, allow_corrections, expires_at, created_at
		 FROM tests WHERE test_code = $1`, code)
}

func (r *TestRepository) get(ctx context.Context, query, code string) (*model.PublishedTest, error) {
	t := &model.PublishedTest{}
	err := r.pool.QueryRow(ctx, query, code).Scan(
		&t.ID, &t.TestCode, &t.EncryptedTestData, &t.DurationMinutes,
		&t.AllowCorrections, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteExpired removes every test whose expiry has passed.
func (r *TestRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tests WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
