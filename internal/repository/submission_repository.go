package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-offline/internal/model"
)

// SubmissionRepository handles submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Create stores a submission once per (test_code, digest). When the same
// ciphertext was already stored, s is filled with the existing row's id and
// timestamp and ErrDuplicate is returned.
func (r *SubmissionRepository) Create(ctx context.Context, s *model.StoredSubmission) error {
	logs, err := json.Marshal(s.TimeLogs)
	if err != nil {
		return fmt.Errorf("marshal time logs: %w", err)
	}
	var integrity []byte
	if s.Integrity != nil {
		if integrity, err = json.Marshal(s.Integrity); err != nil {
			return fmt.Errorf("marshal integrity: %w", err)
		}
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO submissions (test_code, digest, encrypted_submission_data, time_logs,
		                          student_name, integrity, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (test_code, digest) DO NOTHING
		 RETURNING id, submitted_at`,
		s.TestCode, s.Digest, s.EncryptedSubmissionData, logs, s.StudentName, integrity, s.ExpiresAt,
	).Scan(&s.ID, &s.SubmittedAt)
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	// The conflicting row is never updated, so reading it back is stable.
	if err := r.pool.QueryRow(ctx,
		`SELECT id, submitted_at FROM submissions WHERE test_code = $1 AND digest = $2`,
		s.TestCode, s.Digest,
	).Scan(&s.ID, &s.SubmittedAt); err != nil {
		return err
	}
	return ErrDuplicate
}

// ListByTest retrieves all submissions of a test, oldest first.
func (r *SubmissionRepository) ListByTest(ctx context.Context, code string) ([]model.StoredSubmission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_code, digest, encrypted_submission_data, time_logs,
		        student_name, integrity, submitted_at, expires_at
		 FROM submissions WHERE test_code = $1
		 ORDER BY submitted_at ASC`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.StoredSubmission
	for rows.Next() {
		var (
			s         model.StoredSubmission
			logs      []byte
			integrity []byte
		)
		if err := rows.Scan(&s.ID, &s.TestCode, &s.Digest, &s.EncryptedSubmissionData, &logs,
			&s.StudentName, &integrity, &s.SubmittedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		if len(logs) > 0 {
			if err := json.Unmarshal(logs, &s.TimeLogs); err != nil {
				return nil, fmt.Errorf("decode time logs of %s: %w", s.ID, err)
			}
		}
		if len(integrity) > 0 {
			s.Integrity = &model.Integrity{}
			if err := json.Unmarshal(integrity, s.Integrity); err != nil {
				return nil, fmt.Errorf("decode integrity of %s: %w", s.ID, err)
			}
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// DeleteExpired removes every submission whose retention has passed.
func (r *SubmissionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM submissions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
