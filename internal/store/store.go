// Package store persists exam progress, undelivered submissions and the
// offline test cache. Writes are atomic per key and last-write-wins.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist (or, for the
	// cache, has expired).
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable wraps failures to open or write durable storage.
	ErrStorageUnavailable = errors.New("local storage unavailable")
)

// ProgressTable holds one autosaved snapshot per session.
type ProgressTable interface {
	Put(ctx context.Context, p *model.ExamProgress) error
	Get(ctx context.Context, sessionID string) (*model.ExamProgress, error)
	Delete(ctx context.Context, sessionID string) error
}

// PendingTable is the FIFO queue of submissions awaiting delivery.
// List returns records in enqueue order, abandoned ones included. Count
// only counts records still awaiting delivery.
type PendingTable interface {
	Enqueue(ctx context.Context, p *model.PendingSubmission) (int64, error)
	Update(ctx context.Context, p *model.PendingSubmission) error
	Get(ctx context.Context, id int64) (*model.PendingSubmission, error)
	List(ctx context.Context) ([]*model.PendingSubmission, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

// CacheTable keeps fetched tests for offline start. Get never returns an
// entry whose expiry is at or before now.
type CacheTable interface {
	Put(ctx context.Context, c *model.CachedExam) error
	Get(ctx context.Context, sessionID string, now time.Time) (*model.CachedExam, error)
	Delete(ctx context.Context, sessionID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Store groups the three tables behind one handle.
type Store interface {
	Progress() ProgressTable
	Pending() PendingTable
	Cache() CacheTable
	Close() error
}

// OpenOrDegrade opens the SQLite store at path. If that fails it returns an
// in-memory store together with a non-nil warning wrapping
// ErrStorageUnavailable; the caller must surface it, since nothing written
// to the fallback survives a restart.
func OpenOrDegrade(ctx context.Context, path string) (Store, error) {
	s, err := OpenSQLite(ctx, path)
	if err == nil {
		return s, nil
	}
	return NewMemory(), fmt.Errorf("durable storage disabled, running in memory: %w", err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
