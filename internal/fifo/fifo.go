// Package fifo holds the pure oldest-first ordering and allocation planning
// shared by every store backend, so postgres and memory deduct identically.
package fifo

import (
	"sort"

	"segarstok/backend/internal/domain"
)

// Epsilon below which a fractional quantity counts as zero. Batches are
// deleted when they drain to exactly zero; float arithmetic needs a floor.
const Epsilon = 1e-9

// SortOldestFirst orders batches ascending by created_at, ties broken by id.
// The sort is stable and deterministic: repeated calls on identical input
// produce identical output.
func SortOldestFirst(batches []domain.InventoryBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
}

// Plan walks the batches oldest-first, consuming up to each batch's remaining
// quantity until amount is met or the batches exhaust. The unmet remainder is
// returned as shortfall; the caller's policy decides what to do with it.
// Plan does not mutate its input.
func Plan(batches []domain.InventoryBatch, amount float64) ([]domain.BatchConsumption, float64) {
	ordered := make([]domain.InventoryBatch, len(batches))
	copy(ordered, batches)
	SortOldestFirst(ordered)

	remaining := amount
	consumed := make([]domain.BatchConsumption, 0, len(ordered))
	for _, batch := range ordered {
		if remaining <= Epsilon {
			remaining = 0
			break
		}
		if batch.Quantity <= Epsilon {
			continue
		}
		take := remaining
		if take > batch.Quantity {
			take = batch.Quantity
		}
		consumed = append(consumed, domain.BatchConsumption{
			BatchID:   batch.ID,
			ProductID: batch.ProductID,
			Quantity:  take,
			CreatedAt: batch.CreatedAt,
			Drained:   batch.Quantity-take <= Epsilon,
		})
		remaining -= take
	}
	if remaining <= Epsilon {
		remaining = 0
	}
	return consumed, remaining
}
