package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/order-tracking/internal/models"
)

var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists the tracked order snapshot so a restarted client
// can resume without waiting for the next push.
type SnapshotStore interface {
	Save(ctx context.Context, s models.OrderSnapshot) error
	Load(ctx context.Context, orderID int64) (models.OrderSnapshot, error)
	Delete(ctx context.Context, orderID int64) error
}

type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[int64]models.OrderSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[int64]models.OrderSnapshot)}
}

func (m *MemoryStore) Save(_ context.Context, s models.OrderSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.OrderID] = s.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, orderID int64) (models.OrderSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[orderID]
	if !ok {
		return models.OrderSnapshot{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, orderID)
	return nil
}

// Tiered writes through to every store and reads from the first that has
// the snapshot, typically redis in front of postgres.
type Tiered []SnapshotStore

func (t Tiered) Save(ctx context.Context, s models.OrderSnapshot) error {
	var errs []error
	for _, st := range t {
		if err := st.Save(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tiered) Load(ctx context.Context, orderID int64) (models.OrderSnapshot, error) {
	var lastErr error = ErrNotFound
	for _, st := range t {
		s, err := st.Load(ctx, orderID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	return models.OrderSnapshot{}, lastErr
}

func (t Tiered) Delete(ctx context.Context, orderID int64) error {
	var errs []error
	for _, st := range t {
		if err := st.Delete(ctx, orderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
