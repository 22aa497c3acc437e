package fifo

import (
	"testing"
	"time"

	"segarstok/backend/internal/domain"
)

func day(n int) time.Time {
	return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * 24 * time.Hour)
}

func TestSortOldestFirstIsStableTotalOrder(t *testing.T) {
	batches := []domain.InventoryBatch{
		{ID: "batch-c", ProductID: "p1", Quantity: 1, CreatedAt: day(3)},
		{ID: "batch-b", ProductID: "p1", Quantity: 1, CreatedAt: day(1)},
		{ID: "batch-a", ProductID: "p1", Quantity: 1, CreatedAt: day(1)},
		{ID: "batch-d", ProductID: "p1", Quantity: 1, CreatedAt: day(0)},
	}

	first := make([]domain.InventoryBatch, len(batches))
	copy(first, batches)
	SortOldestFirst(first)

	second := make([]domain.InventoryBatch, len(batches))
	copy(second, batches)
	SortOldestFirst(second)

	wantOrder := []string{"batch-d", "batch-a", "batch-b", "batch-c"}
	for i, want := range wantOrder {
		if first[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, first[i].ID)
		}
		if second[i].ID != first[i].ID {
			t.Fatalf("repeated sort diverged at position %d", i)
		}
	}
}

func TestPlanConsumesOldestFirst(t *testing.T) {
	batches := []domain.InventoryBatch{
		{ID: "batch-newer", ProductID: "p1", Quantity: 5, CreatedAt: day(5)},
		{ID: "batch-older", ProductID: "p1", Quantity: 5, CreatedAt: day(0)},
	}

	consumed, shortfall := Plan(batches, 7)
	if shortfall != 0 {
		t.Fatalf("expected no shortfall, got %f", shortfall)
	}
	if len(consumed) != 2 {
		t.Fatalf("expected 2 consumptions, got %d", len(consumed))
	}
	if consumed[0].BatchID != "batch-older" || consumed[0].Quantity != 5 || !consumed[0].Drained {
		t.Fatalf("expected day-0 batch drained fully first, got %+v", consumed[0])
	}
	if consumed[1].BatchID != "batch-newer" || consumed[1].Quantity != 2 || consumed[1].Drained {
		t.Fatalf("expected 2 units from day-5 batch, got %+v", consumed[1])
	}
}

func TestPlanReportsShortfall(t *testing.T) {
	batches := []domain.InventoryBatch{
		{ID: "batch-1", ProductID: "p1", Quantity: 3, CreatedAt: day(0)},
	}

	consumed, shortfall := Plan(batches, 10)
	if shortfall != 7 {
		t.Fatalf("expected shortfall 7, got %f", shortfall)
	}
	if len(consumed) != 1 || consumed[0].Quantity != 3 {
		t.Fatalf("expected the single batch fully consumed, got %+v", consumed)
	}
}

func TestPlanExactDrainLeavesNoResidue(t *testing.T) {
	batches := []domain.InventoryBatch{
		{ID: "batch-1", ProductID: "p1", Quantity: 2.5, CreatedAt: day(0)},
		{ID: "batch-2", ProductID: "p1", Quantity: 1.5, CreatedAt: day(1)},
	}

	consumed, shortfall := Plan(batches, 4)
	if shortfall != 0 {
		t.Fatalf("expected exact fit, shortfall %f", shortfall)
	}
	total := 0.0
	for _, c := range consumed {
		total += c.Quantity
		if !c.Drained {
			t.Fatalf("expected %s drained", c.BatchID)
		}
	}
	if total != 4 {
		t.Fatalf("expected total 4, got %f", total)
	}
}
