package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/fifo"
	"segarstok/backend/internal/store"
	"segarstok/backend/internal/xid"
)

// Store is the in-memory backend for dev/demo mode and tests. Every method
// takes the full lock for mutations and returns clones, so callers can never
// alias internal state.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	batchesByID map[string]domain.InventoryBatch
	returnsByID map[string]domain.Return
}

func New() *Store {
	return &Store{
		products:    map[string]domain.Product{},
		batchesByID: map[string]domain.InventoryBatch{},
		returnsByID: map[string]domain.Return{},
	}
}

// NewSeeded builds a store pre-loaded with a small perishable catalog and a
// spread of batch ages, enough to exercise every age category from the UI.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-bayam-01", Name: "Bayam Segar Ikat", OriginalPriceCents: 6500, SalePriceCents: 5000, DefaultReturnPct: 20},
		{ID: "prod-roti-01", Name: "Roti Tawar Gandum", OriginalPriceCents: 19800, SalePriceCents: 16500, DefaultReturnPct: 20},
		{ID: "prod-susu-01", Name: "Susu Pasteurisasi 1L", OriginalPriceCents: 24500, SalePriceCents: 21000, DefaultReturnPct: 100},
		{ID: "prod-tahu-01", Name: "Tahu Putih Pak", OriginalPriceCents: 8900, SalePriceCents: 7500, DefaultReturnPct: 20},
		{ID: "prod-pisang-01", Name: "Pisang Cavendish kg", OriginalPriceCents: 23900, SalePriceCents: 19900, DefaultReturnPct: 20},
		{ID: "prod-yogurt-01", Name: "Yogurt Cup 80ml", OriginalPriceCents: 7800, SalePriceCents: 6600, DefaultReturnPct: 100},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	seedBatches := []struct {
		productID string
		quantity  float64
		ageDays   int
	}{
		{"prod-bayam-01", 12, 0},
		{"prod-bayam-01", 8, 2},
		{"prod-roti-01", 20, 1},
		{"prod-roti-01", 6, 4},
		{"prod-susu-01", 30, 0},
		{"prod-susu-01", 14, 6},
		{"prod-tahu-01", 25, 3},
		{"prod-pisang-01", 18.5, 5},
		{"prod-pisang-01", 9.25, 9},
		{"prod-yogurt-01", 40, 8},
	}
	for _, b := range seedBatches {
		createdAt := now.AddDate(0, 0, -b.ageDays)
		id := xid.New("batch")
		s.batchesByID[id] = domain.InventoryBatch{
			ID:        id,
			ProductID: b.productID,
			Quantity:  b.quantity,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}
	}
	return s
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := product
	return &clone, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return fmt.Errorf("product id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ID] = product
	return nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.Quantity <= fifo.Epsilon {
		return nil, store.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[batch.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	s.batchesByID[batch.ID] = batch
	clone := batch
	return &clone, nil
}

func (s *Store) GetBatchByID(_ context.Context, id string) (*domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batchesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := batch
	return &clone, nil
}

func (s *Store) ListBatchesByProduct(_ context.Context, productID string) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.InventoryBatch, 0)
	for _, batch := range s.batchesByID {
		if batch.ProductID == productID && batch.Quantity > fifo.Epsilon {
			batches = append(batches, batch)
		}
	}
	fifo.SortOldestFirst(batches)
	return batches, nil
}

func (s *Store) ListBatches(_ context.Context) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.InventoryBatch, 0, len(s.batchesByID))
	for _, batch := range s.batchesByID {
		if batch.Quantity > fifo.Epsilon {
			batches = append(batches, batch)
		}
	}
	fifo.SortOldestFirst(batches)
	return batches, nil
}

func (s *Store) AdjustBatchQuantity(_ context.Context, batchID string, delta float64) (*domain.InventoryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batchesByID[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := batch.Quantity + delta
	if next < -fifo.Epsilon {
		return nil, fmt.Errorf("%w: batch %s has %.3f, delta %.3f", store.ErrNegativeQuantity, batchID, batch.Quantity, delta)
	}
	if math.Abs(next) <= fifo.Epsilon {
		delete(s.batchesByID, batchID)
		batch.Quantity = 0
		batch.UpdatedAt = time.Now().UTC()
		clone := batch
		return &clone, nil
	}
	batch.Quantity = next
	batch.UpdatedAt = time.Now().UTC()
	s.batchesByID[batchID] = batch
	clone := batch
	return &clone, nil
}

func (s *Store) TouchBatchCreatedAt(_ context.Context, batchID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batchesByID[batchID]
	if !ok {
		return store.ErrNotFound
	}
	batch.CreatedAt = ts
	batch.UpdatedAt = time.Now().UTC()
	s.batchesByID[batchID] = batch
	return nil
}

func (s *Store) DeductFIFO(_ context.Context, productID string, amount float64, allowPartial bool) (domain.DeductResult, error) {
	if amount <= fifo.Epsilon {
		return domain.DeductResult{}, store.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return domain.DeductResult{}, store.ErrNotFound
	}
	batches := make([]domain.InventoryBatch, 0)
	for _, batch := range s.batchesByID {
		if batch.ProductID == productID && batch.Quantity > fifo.Epsilon {
			batches = append(batches, batch)
		}
	}
	consumed, shortfall := fifo.Plan(batches, amount)
	if shortfall > 0 && !allowPartial {
		return domain.DeductResult{}, fmt.Errorf("%w: product %s short %.3f of %.3f", store.ErrNegativeQuantity, productID, shortfall, amount)
	}

	now := time.Now().UTC()
	for _, c := range consumed {
		batch := s.batchesByID[c.BatchID]
		batch.Quantity -= c.Quantity
		batch.UpdatedAt = now
		if batch.Quantity <= fifo.Epsilon {
			delete(s.batchesByID, c.BatchID)
			continue
		}
		s.batchesByID[c.BatchID] = batch
	}
	return domain.DeductResult{
		ProductID: productID,
		Requested: amount,
		Deducted:  amount - shortfall,
		Shortfall: shortfall,
		Consumed:  consumed,
	}, nil
}

func (s *Store) CommitReturn(_ context.Context, commit store.ReturnCommit) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check the operator's view before touching anything; any drift since
	// the selection was built aborts the whole submission.
	for _, id := range commit.DeleteBatchIDs {
		batch, ok := s.batchesByID[id]
		if !ok {
			return nil, fmt.Errorf("%w: batch %s no longer exists", store.ErrStaleSelection, id)
		}
		if expected, ok := commit.ExpectedQuantities[id]; ok {
			if math.Abs(batch.Quantity-expected) > fifo.Epsilon {
				return nil, fmt.Errorf("%w: batch %s has %.3f, expected %.3f", store.ErrStaleSelection, id, batch.Quantity, expected)
			}
		}
	}

	ret := commit.Return
	ret.Items = append([]domain.ReturnItem(nil), commit.Items...)
	s.returnsByID[ret.ID] = ret
	for _, id := range commit.DeleteBatchIDs {
		delete(s.batchesByID, id)
	}
	return cloneReturn(ret), nil
}

func (s *Store) GetReturnByID(_ context.Context, id string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) ListReturns(_ context.Context, query domain.ReturnQuery, archiveCutoff time.Time) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nameFilter := strings.ToLower(strings.TrimSpace(query.ProductName))
	matches := make([]domain.Return, 0)
	for _, ret := range s.returnsByID {
		if !query.IncludeArchived && ret.ProcessedAt.Before(archiveCutoff) {
			continue
		}
		if query.From != "" && ret.ReturnDate < query.From {
			continue
		}
		if query.To != "" && ret.ReturnDate > query.To {
			continue
		}
		if query.MinValueCents > 0 && ret.TotalValueCents < query.MinValueCents {
			continue
		}
		if query.MaxValueCents > 0 && ret.TotalValueCents > query.MaxValueCents {
			continue
		}
		if nameFilter != "" {
			found := false
			for _, item := range ret.Items {
				if strings.Contains(strings.ToLower(item.ProductName), nameFilter) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		summary := ret
		summary.Items = nil
		matches = append(matches, summary)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ProcessedAt.Equal(matches[j].ProcessedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].ProcessedAt.After(matches[j].ProcessedAt)
	})
	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}
	return matches, nil
}

func (s *Store) MarkNotificationSent(_ context.Context, returnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return false, store.ErrNotFound
	}
	if ret.NotificationSent {
		return false, nil
	}
	ret.NotificationSent = true
	s.returnsByID[returnID] = ret
	return true, nil
}

func (s *Store) ListUnnotifiedReturnIDs(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.Return, 0)
	for _, ret := range s.returnsByID {
		if ret.NotificationSent || ret.Reversed {
			continue
		}
		if !ret.ProcessedAt.Before(before) {
			continue
		}
		pending = append(pending, ret)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ProcessedAt.Before(pending[j].ProcessedAt)
	})
	ids := make([]string, 0, len(pending))
	for _, ret := range pending {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, ret.ID)
	}
	return ids, nil
}

func (s *Store) UndoReturn(_ context.Context, returnID string, at time.Time) ([]domain.InventoryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Reversed {
		return nil, store.ErrAlreadyReversed
	}

	restored := make([]domain.InventoryBatch, 0, len(ret.Items))
	for _, item := range ret.Items {
		batch := domain.InventoryBatch{
			ID:        xid.New("batch"),
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			CreatedAt: item.BatchCreatedAt,
			UpdatedAt: at,
		}
		s.batchesByID[batch.ID] = batch
		restored = append(restored, batch)
	}
	ret.Reversed = true
	s.returnsByID[returnID] = ret
	return restored, nil
}

func cloneReturn(ret domain.Return) *domain.Return {
	clone := ret
	clone.Items = append([]domain.ReturnItem(nil), ret.Items...)
	return &clone
}
