package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"trading-venue/internal/apperr"
	"trading-venue/internal/models"
)

// Compile-time interface checks.
var _ Store = (*MemoryStore)(nil)
var _ QuoteStore = (*MemoryStore)(nil)

// MemoryStore 进程内实现，读写都做深拷贝，调用方拿到的对象与内部状态互不影响。
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]models.Order
	positions    map[string]models.Position
	accounts     map[string]models.Account
	transactions []models.Transaction
	quotes       map[string]models.QuoteSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]models.Order),
		positions: make(map[string]models.Position),
		accounts:  make(map[string]models.Account),
		quotes:    make(map[string]models.QuoteSnapshot),
	}
}

var errNil = errors.New("nil record")

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	c := o.Clone()
	return &c, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0)
	for _, o := range s.orders {
		if f.match(&o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	if o == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return apperr.InvalidState("order", o.ID, "exists", "create")
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *models.Order) error {
	if o == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return apperr.NotFound("order", o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, apperr.NotFound("position", id)
	}
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0)
	for _, p := range s.positions {
		if f.match(&p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *models.Position) error {
	if p == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return apperr.InvalidState("position", p.ID, "exists", "create")
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *models.Position) error {
	if p == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return apperr.NotFound("position", p.ID)
	}
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id)
	}
	return &a, nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, a *models.Account) error {
	if a == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return apperr.NotFound("account", a.ID)
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) SeedAccount(_ context.Context, a *models.Account) (bool, error) {
	if a == nil {
		return false, errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return false, nil
	}
	s.accounts[a.ID] = *a
	return true, nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	if tx == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Transaction, 0)
	for _, tx := range s.transactions {
		if accountID == "" || tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) SettleClose(_ context.Context, p *models.Position, tx *models.Transaction, a *models.Account) error {
	if p == nil || tx == nil || a == nil {
		return errNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return apperr.NotFound("position", p.ID)
	}
	if _, ok := s.accounts[a.ID]; !ok {
		return apperr.NotFound("account", a.ID)
	}
	s.positions[p.ID] = p.Clone()
	s.transactions = append(s.transactions, *tx)
	s.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) LoadQuote(_ context.Context, symbol string) (models.Quote, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.quotes[symbol]
	if !ok {
		return models.Quote{}, false, nil
	}
	return snap.Quote(), true, nil
}

// SaveQuote 只保留时间戳最新的一条。
func (s *MemoryStore) SaveQuote(_ context.Context, q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.quotes[q.Symbol]; ok && q.Timestamp.Before(old.Timestamp) {
		return nil
	}
	s.quotes[q.Symbol] = models.SnapshotOf(q)
	return nil
}
