package store

import (
	"context"
	"sync"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
)

// Memory is a process-local Store. It honours the same contract as the
// SQLite store but loses everything on exit.
type Memory struct {
	mu       sync.Mutex
	progress map[string]*model.ExamProgress
	pending  map[int64]*model.PendingSubmission
	order    []int64
	nextID   int64
	cache    map[string]*model.CachedExam
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		progress: make(map[string]*model.ExamProgress),
		pending:  make(map[int64]*model.PendingSubmission),
		cache:    make(map[string]*model.CachedExam),
	}
}

func (m *Memory) Progress() ProgressTable { return memProgress{m} }
func (m *Memory) Pending() PendingTable   { return memPending{m} }
func (m *Memory) Cache() CacheTable       { return memCache{m} }
func (m *Memory) Close() error            { return nil }

type memProgress struct{ m *Memory }

func (t memProgress) Put(_ context.Context, p *model.ExamProgress) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.progress[p.SessionID] = p.Clone()
	return nil
}

func (t memProgress) Get(_ context.Context, sessionID string) (*model.ExamProgress, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p, ok := t.m.progress[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (t memProgress) Delete(_ context.Context, sessionID string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	delete(t.m.progress, sessionID)
	return nil
}

type memPending struct{ m *Memory }

func clonePending(p *model.PendingSubmission) *model.PendingSubmission {
	out := *p
	out.TimeLogs = model.CloneTimeLogs(p.TimeLogs)
	if p.Integrity != nil {
		in := *p.Integrity
		out.Integrity = &in
	}
	return &out
}

func (t memPending) Enqueue(_ context.Context, p *model.PendingSubmission) (int64, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.nextID++
	rec := clonePending(p)
	rec.ID = t.m.nextID
	t.m.pending[rec.ID] = rec
	t.m.order = append(t.m.order, rec.ID)
	p.ID = rec.ID
	return rec.ID, nil
}

func (t memPending) Update(_ context.Context, p *model.PendingSubmission) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.pending[p.ID]; !ok {
		return ErrNotFound
	}
	t.m.pending[p.ID] = clonePending(p)
	return nil
}

func (t memPending) Get(_ context.Context, id int64) (*model.PendingSubmission, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p, ok := t.m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePending(p), nil
}

func (t memPending) List(_ context.Context) ([]*model.PendingSubmission, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	out := make([]*model.PendingSubmission, 0, len(t.m.order))
	for _, id := range t.m.order {
		out = append(out, clonePending(t.m.pending[id]))
	}
	return out, nil
}

func (t memPending) Delete(_ context.Context, id int64) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.pending[id]; !ok {
		return nil
	}
	delete(t.m.pending, id)
	for i, v := range t.m.order {
		if v == id {
			t.m.order = append(t.m.order[:i], t.m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t memPending) Count(_ context.Context) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	n := 0
	for _, id := range t.m.order {
		if !t.m.pending[id].Abandoned() {
			n++
		}
	}
	return n, nil
}

type memCache struct{ m *Memory }

func (t memCache) Put(_ context.Context, c *model.CachedExam) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cp := *c
	t.m.cache[c.SessionID] = &cp
	return nil
}

func (t memCache) Get(_ context.Context, sessionID string, now time.Time) (*model.CachedExam, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	c, ok := t.m.cache[sessionID]
	if !ok || c.Expired(now) {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t memCache) Delete(_ context.Context, sessionID string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	delete(t.m.cache, sessionID)
	return nil
}

func (t memCache) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	n := 0
	for id, c := range t.m.cache {
		if c.Expired(now) {
			delete(t.m.cache, id)
			n++
		}
	}
	return n, nil
}
