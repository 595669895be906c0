package portfolio

import (
	"context"
	"sort"
	"sync"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
)

var (
	// ErrPositionNotFound 表示持仓不存在。
	ErrPositionNotFound = xerrors.New(xerrors.CodeNotFound, "持仓不存在")
	// ErrPositionConflict 表示持仓 ID 重复。
	ErrPositionConflict = xerrors.New(xerrors.CodeConflict, "持仓已存在")
)

// Store 持久化用户持仓。
type Store interface {
	Create(ctx context.Context, position domain.Position) error
	Update(ctx context.Context, position domain.Position) error
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Position, error)
	Close() error
}

// MemoryStore 以内存保存持仓，主要用于测试与单机运行。
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]domain.Position)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, position domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[position.ID]; ok {
		return ErrPositionConflict
	}
	m.positions[position.ID] = position.Clone()
	return nil
}

// Update 实现 Store。
func (m *MemoryStore) Update(_ context.Context, position domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[position.ID]; !ok {
		return ErrPositionNotFound
	}
	m.positions[position.ID] = position.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, id string) (domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	position, ok := m.positions[id]
	if !ok {
		return domain.Position{}, ErrPositionNotFound
	}
	return position.Clone(), nil
}

// ListByUser 实现 Store，按入场时间与 ID 排序。
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Position
	for _, position := range m.positions {
		if position.UserID == userID {
			out = append(out, position.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

func sortPositions(positions []domain.Position) {
	sort.SliceStable(positions, func(i, j int) bool {
		if !positions[i].EntryTimestamp.Equal(positions[j].EntryTimestamp) {
			return positions[i].EntryTimestamp.Before(positions[j].EntryTimestamp)
		}
		return positions[i].ID < positions[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
