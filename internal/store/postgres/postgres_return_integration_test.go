package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/store"
)

func TestCommitAndUndoReturnRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("SEGARSTOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SEGARSTOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-return-it-%d", stamp)
	returnID := fmt.Sprintf("ret-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM return_items WHERE return_id = $1`, returnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE id = $1`, returnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if err := s.UpsertProduct(ctx, domain.Product{
		ID:                 productID,
		Name:               "Produk Retur IT",
		OriginalPriceCents: 12000,
		SalePriceCents:     10000,
		DefaultReturnPct:   20,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	now := time.Now().UTC()
	batchCreatedAt := now.AddDate(0, 0, -4)
	batch, err := s.CreateBatch(ctx, domain.InventoryBatch{
		ProductID: productID,
		Quantity:  6,
		CreatedAt: batchCreatedAt,
		UpdatedAt: batchCreatedAt,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	commit := store.ReturnCommit{
		Return: domain.Return{
			ID:              returnID,
			ReturnDate:      now.Format("2006-01-02"),
			ProcessedBy:     "it-tester",
			ProcessedAt:     now,
			TotalValueCents: 12000,
			TotalQuantity:   6,
			TotalBatches:    1,
		},
		Items: []domain.ReturnItem{{
			ID:                 fmt.Sprintf("ritem-it-%d", stamp),
			ReturnID:           returnID,
			ProductID:          productID,
			ProductName:        "Produk Retur IT",
			Quantity:           6,
			AgeDays:            4,
			BatchCreatedAt:     batchCreatedAt,
			OriginalPriceCents: 12000,
			SalePriceCents:     10000,
			ReturnPct:          20,
			UnitValueCents:     2000,
			LineValueCents:     12000,
		}},
		DeleteBatchIDs:     []string{batch.ID},
		ExpectedQuantities: map[string]float64{batch.ID: 6},
	}
	if _, err := s.CommitReturn(ctx, commit); err != nil {
		t.Fatalf("commit return: %v", err)
	}

	if _, err := s.GetBatchByID(ctx, batch.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected returned batch to be deleted, got err=%v", err)
	}

	ret, err := s.GetReturnByID(ctx, returnID)
	if err != nil {
		t.Fatalf("get return: %v", err)
	}
	if len(ret.Items) != 1 || ret.TotalValueCents != 12000 {
		t.Fatalf("unexpected return payload: items=%d total=%d", len(ret.Items), ret.TotalValueCents)
	}

	restored, err := s.UndoReturn(ctx, returnID, now)
	if err != nil {
		t.Fatalf("undo return: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected 1 restored batch, got %d", len(restored))
	}
	if !restored[0].CreatedAt.Truncate(time.Second).Equal(batchCreatedAt.Truncate(time.Second)) {
		t.Fatalf("restored batch lost its original created_at: got %v want %v", restored[0].CreatedAt, batchCreatedAt)
	}

	var reversed bool
	if err := s.db.QueryRowContext(ctx, `SELECT reversed FROM returns WHERE id = $1`, returnID).Scan(&reversed); err != nil {
		t.Fatalf("query reversed flag: %v", err)
	}
	if !reversed {
		t.Fatal("expected return to be flagged reversed")
	}

	if _, err := s.UndoReturn(ctx, returnID, now); !errors.Is(err, store.ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed on second undo, got %v", err)
	}
}

func TestTouchBatchCreatedAtRewritesAnchorOnly(t *testing.T) {
	databaseURL := os.Getenv("SEGARSTOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SEGARSTOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-touch-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if err := s.UpsertProduct(ctx, domain.Product{
		ID:               productID,
		Name:             "Produk Touch IT",
		SalePriceCents:   5000,
		DefaultReturnPct: 20,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	now := time.Now().UTC()
	batch, err := s.CreateBatch(ctx, domain.InventoryBatch{
		ProductID: productID,
		Quantity:  8,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	anchor := now.AddDate(0, 0, -6).Truncate(time.Second)
	if err := s.TouchBatchCreatedAt(ctx, batch.ID, anchor); err != nil {
		t.Fatalf("touch: %v", err)
	}

	live, err := s.GetBatchByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !live.CreatedAt.Truncate(time.Second).Equal(anchor) {
		t.Fatalf("expected created_at %v, got %v", anchor, live.CreatedAt)
	}
	if live.Quantity != 8 {
		t.Fatalf("touch must not change quantity, got %.3f", live.Quantity)
	}

	if err := s.TouchBatchCreatedAt(ctx, "batch-gone", anchor); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown batch, got %v", err)
	}
}

func TestUndoReturnWithVanishedProduct(t *testing.T) {
	databaseURL := os.Getenv("SEGARSTOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SEGARSTOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-vanish-it-%d", stamp)
	returnID := fmt.Sprintf("ret-vanish-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM return_items WHERE return_id = $1`, returnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE id = $1`, returnID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if err := s.UpsertProduct(ctx, domain.Product{
		ID:               productID,
		Name:             "Produk Hilang IT",
		SalePriceCents:   5000,
		DefaultReturnPct: 20,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.CommitReturn(ctx, store.ReturnCommit{
		Return: domain.Return{
			ID:          returnID,
			ReturnDate:  now.Format("2006-01-02"),
			ProcessedBy: "it-tester",
			ProcessedAt: now,
		},
		Items: []domain.ReturnItem{{
			ID:             fmt.Sprintf("ritem-vanish-it-%d", stamp),
			ReturnID:       returnID,
			ProductID:      productID,
			ProductName:    "Produk Hilang IT",
			Quantity:       3,
			BatchCreatedAt: now,
			ReturnPct:      20,
		}},
	}); err != nil {
		t.Fatalf("commit return: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID); err != nil {
		t.Fatalf("delete product: %v", err)
	}

	if _, err := s.UndoReturn(ctx, returnID, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound when the product is gone, got %v", err)
	}

	var reversed bool
	if err := s.db.QueryRowContext(ctx, `SELECT reversed FROM returns WHERE id = $1`, returnID).Scan(&reversed); err != nil {
		t.Fatalf("query reversed flag: %v", err)
	}
	if reversed {
		t.Fatal("failed undo must leave the return un-reversed")
	}
}

func TestCommitReturnRejectsStaleSelection(t *testing.T) {
	databaseURL := os.Getenv("SEGARSTOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SEGARSTOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-stale-it-%d", stamp)
	returnID := fmt.Sprintf("ret-stale-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if err := s.UpsertProduct(ctx, domain.Product{
		ID:               productID,
		Name:             "Produk Stale IT",
		SalePriceCents:   8000,
		DefaultReturnPct: 20,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	now := time.Now().UTC()
	batch, err := s.CreateBatch(ctx, domain.InventoryBatch{
		ProductID: productID,
		Quantity:  5,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	_, err = s.CommitReturn(ctx, store.ReturnCommit{
		Return: domain.Return{
			ID:          returnID,
			ReturnDate:  now.Format("2006-01-02"),
			ProcessedBy: "it-tester",
			ProcessedAt: now,
		},
		DeleteBatchIDs:     []string{batch.ID},
		ExpectedQuantities: map[string]float64{batch.ID: 3},
	})
	if !errors.Is(err, store.ErrStaleSelection) {
		t.Fatalf("expected ErrStaleSelection, got %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM returns WHERE id = $1`, returnID).Scan(&count); err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("count returns: %v", err)
	}
	if count != 0 {
		t.Fatalf("stale commit must write nothing, found %d return rows", count)
	}
}
