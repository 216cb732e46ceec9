package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
)

// MemoryStore keeps records in process. Used by tests and the "memory" driver.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.AttachmentRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.AttachmentRecord),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *models.AttachmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Advance(ctx context.Context, id string, change StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.ErrNotFound
	}
	if rec.IsDeleted || !models.CanTransition(rec.State, change.To) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, rec.State, change.To)
	}
	applyChange(rec, change, m.now())
	return nil
}

func (m *MemoryStore) ClaimNext(ctx context.Context, from, to models.ProcessingState) (*models.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *models.AttachmentRecord
	for _, rec := range m.records {
		if rec.IsDeleted || rec.State != from {
			continue
		}
		if next == nil || rec.CreatedAt.Before(next.CreatedAt) {
			next = rec
		}
	}
	if next == nil {
		return nil, nil
	}
	applyChange(next, StateChange{To: to}, m.now())
	return next.Clone(), nil
}

func (m *MemoryStore) MarkDeleted(ctx context.Context, id, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.ErrNotFound
	}
	if rec.IsDeleted {
		return nil
	}
	t := at
	rec.IsDeleted = true
	rec.State = models.StateDeleted
	rec.DeletedAt = &t
	rec.DeletionReason = reason
	rec.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.IsDeleted {
		return false, nil
	}
	t := at
	rec.ScheduledDeletionDate = &t
	rec.ScheduledDeletionReason = reason
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return m.list(ctx, limit, func(r *models.AttachmentRecord) bool {
		return r.CreatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return m.list(ctx, limit, func(r *models.AttachmentRecord) bool {
		return r.State == models.StateFailed && r.CreatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return m.list(ctx, limit, func(r *models.AttachmentRecord) bool {
		return r.ScheduledDeletionDate != nil && !r.ScheduledDeletionDate.After(now)
	})
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.AttachmentRecord, error) {
	return m.list(ctx, 0, func(r *models.AttachmentRecord) bool {
		return r.OwnerID == ownerID
	})
}

func (m *MemoryStore) CountCreatedBetween(ctx context.Context, from, to time.Time) (int, error) {
	recs, err := m.list(ctx, 0, func(r *models.AttachmentRecord) bool {
		return !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	})
	return len(recs), err
}

func (m *MemoryStore) Close() error { return nil }

// list returns non-deleted matches ordered by creation time.
func (m *MemoryStore) list(ctx context.Context, limit int, match func(*models.AttachmentRecord) bool) ([]*models.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.AttachmentRecord
	for _, rec := range m.records {
		if !rec.IsDeleted && match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func applyChange(rec *models.AttachmentRecord, change StateChange, now time.Time) {
	rec.State = change.To
	rec.UpdatedAt = now
	if change.ErrorMessage != "" {
		rec.ErrorMessage = change.ErrorMessage
	}
	if change.Extraction != nil {
		rec.ExtractedText = change.Extraction.Text
		rec.ExtractedData = nil
		if change.Extraction.Data != nil {
			rec.ExtractedData = make(map[string]any, len(change.Extraction.Data))
			for k, v := range change.Extraction.Data {
				rec.ExtractedData[k] = v
			}
		}
		rec.Category = change.Extraction.Category
	}
}
