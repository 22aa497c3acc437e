package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/fifo"
	"segarstok/backend/internal/store"
	"segarstok/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, original_price_cents, sale_price_cents, default_return_pct
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.OriginalPriceCents, &product.SalePriceCents, &product.DefaultReturnPct)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, original_price_cents, sale_price_cents, default_return_pct
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.OriginalPriceCents, &p.SalePriceCents, &p.DefaultReturnPct); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.Name) == "" {
		return fmt.Errorf("product id and name are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, original_price_cents, sale_price_cents, default_return_pct, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    original_price_cents = EXCLUDED.original_price_cents,
		    sale_price_cents = EXCLUDED.sale_price_cents,
		    default_return_pct = EXCLUDED.default_return_pct,
		    updated_at = now()
	`, product.ID, product.Name, product.OriginalPriceCents, product.SalePriceCents, product.DefaultReturnPct)
	return err
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.Quantity <= fifo.Epsilon {
		return nil, store.ErrInvalidQuantity
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_batches (id, product_id, quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, batch.ID, batch.ProductID, batch.Quantity, batch.CreatedAt, batch.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) GetBatchByID(ctx context.Context, id string) (*domain.InventoryBatch, error) {
	var batch domain.InventoryBatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, created_at, updated_at
		FROM inventory_batches
		WHERE id = $1
	`, id).Scan(&batch.ID, &batch.ProductID, &batch.Quantity, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	return s.listBatches(ctx, `
		SELECT id, product_id, quantity, created_at, updated_at
		FROM inventory_batches
		WHERE product_id = $1 AND quantity > 0
		ORDER BY created_at ASC, id ASC
	`, productID)
}

func (s *Store) ListBatches(ctx context.Context) ([]domain.InventoryBatch, error) {
	return s.listBatches(ctx, `
		SELECT id, product_id, quantity, created_at, updated_at
		FROM inventory_batches
		WHERE quantity > 0
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *Store) listBatches(ctx context.Context, query string, args ...any) ([]domain.InventoryBatch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.InventoryBatch, 0, 32)
	for rows.Next() {
		var batch domain.InventoryBatch
		if err := rows.Scan(&batch.ID, &batch.ProductID, &batch.Quantity, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) AdjustBatchQuantity(ctx context.Context, batchID string, delta float64) (*domain.InventoryBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var batch domain.InventoryBatch
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, created_at, updated_at
		FROM inventory_batches
		WHERE id = $1
		FOR UPDATE
	`, batchID).Scan(&batch.ID, &batch.ProductID, &batch.Quantity, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	next := batch.Quantity + delta
	if next < -fifo.Epsilon {
		return nil, fmt.Errorf("%w: batch %s has %.3f, delta %.3f", store.ErrNegativeQuantity, batchID, batch.Quantity, delta)
	}
	if math.Abs(next) <= fifo.Epsilon {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_batches WHERE id = $1`, batchID); err != nil {
			return nil, err
		}
		batch.Quantity = 0
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET quantity = $2, updated_at = now()
			WHERE id = $1
		`, batchID, next); err != nil {
			return nil, err
		}
		batch.Quantity = next
	}
	if err := tx.Commit(); err != nil {
		return nil, commitError(err)
	}
	batch.UpdatedAt = time.Now().UTC()
	return &batch, nil
}

func (s *Store) TouchBatchCreatedAt(ctx context.Context, batchID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_batches
		SET created_at = $2, updated_at = now()
		WHERE id = $1
	`, batchID, ts)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeductFIFO(ctx context.Context, productID string, amount float64, allowPartial bool) (domain.DeductResult, error) {
	if amount <= fifo.Epsilon {
		return domain.DeductResult{}, store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.DeductResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return domain.DeductResult{}, err
	}
	if !exists {
		return domain.DeductResult{}, store.ErrNotFound
	}

	// Locking in oldest-first order keeps concurrent deducts of the same
	// product from deadlocking each other.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, quantity, created_at, updated_at
		FROM inventory_batches
		WHERE product_id = $1 AND quantity > 0
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return domain.DeductResult{}, err
	}
	batches := make([]domain.InventoryBatch, 0, 8)
	for rows.Next() {
		var batch domain.InventoryBatch
		if err := rows.Scan(&batch.ID, &batch.ProductID, &batch.Quantity, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
			_ = rows.Close()
			return domain.DeductResult{}, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return domain.DeductResult{}, err
	}
	_ = rows.Close()

	consumed, shortfall := fifo.Plan(batches, amount)
	if shortfall > 0 && !allowPartial {
		return domain.DeductResult{}, fmt.Errorf("%w: product %s short %.3f of %.3f", store.ErrNegativeQuantity, productID, shortfall, amount)
	}

	for _, c := range consumed {
		if c.Drained {
			if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_batches WHERE id = $1`, c.BatchID); err != nil {
				return domain.DeductResult{}, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET quantity = quantity - $2, updated_at = now()
			WHERE id = $1
		`, c.BatchID, c.Quantity); err != nil {
			return domain.DeductResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.DeductResult{}, commitError(err)
	}

	return domain.DeductResult{
		ProductID: productID,
		Requested: amount,
		Deducted:  amount - shortfall,
		Shortfall: shortfall,
		Consumed:  consumed,
	}, nil
}

func (s *Store) CommitReturn(ctx context.Context, commit store.ReturnCommit) (*domain.Return, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity
		FROM inventory_batches
		WHERE id = ANY($1)
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, commit.DeleteBatchIDs)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]float64, len(commit.DeleteBatchIDs))
	for rows.Next() {
		var id string
		var qty float64
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		locked[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range commit.DeleteBatchIDs {
		qty, ok := locked[id]
		if !ok {
			return nil, fmt.Errorf("%w: batch %s no longer exists", store.ErrStaleSelection, id)
		}
		if expected, ok := commit.ExpectedQuantities[id]; ok {
			if math.Abs(qty-expected) > fifo.Epsilon {
				return nil, fmt.Errorf("%w: batch %s has %.3f, expected %.3f", store.ErrStaleSelection, id, qty, expected)
			}
		}
	}

	ret := commit.Return
	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (id, return_date, processed_by, processed_at, total_value_cents, total_quantity, total_batches, notification_sent, reversed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,false)
	`, ret.ID, ret.ReturnDate, ret.ProcessedBy, ret.ProcessedAt, ret.TotalValueCents, ret.TotalQuantity, ret.TotalBatches)
	if err != nil {
		return nil, err
	}

	for _, item := range commit.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_items (id, return_id, product_id, product_name, quantity, age_days, batch_created_at, original_price_cents, sale_price_cents, return_pct, unit_value_cents, line_value_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, item.ID, item.ReturnID, item.ProductID, item.ProductName, item.Quantity, item.AgeDays,
			item.BatchCreatedAt, item.OriginalPriceCents, item.SalePriceCents, item.ReturnPct,
			item.UnitValueCents, item.LineValueCents)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_batches WHERE id = ANY($1)`, commit.DeleteBatchIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, commitError(err)
	}

	ret.Items = append([]domain.ReturnItem(nil), commit.Items...)
	return &ret, nil
}

func (s *Store) GetReturnByID(ctx context.Context, id string) (*domain.Return, error) {
	var ret domain.Return
	err := s.db.QueryRowContext(ctx, `
		SELECT id, return_date::text, processed_by, processed_at, total_value_cents, total_quantity, total_batches, notification_sent, reversed
		FROM returns
		WHERE id = $1
	`, id).Scan(&ret.ID, &ret.ReturnDate, &ret.ProcessedBy, &ret.ProcessedAt, &ret.TotalValueCents,
		&ret.TotalQuantity, &ret.TotalBatches, &ret.NotificationSent, &ret.Reversed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_id, product_id, product_name, quantity, age_days, batch_created_at, original_price_cents, sale_price_cents, return_pct, unit_value_cents, line_value_cents
		FROM return_items
		WHERE return_id = $1
		ORDER BY batch_created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.ReturnItem
		if err := rows.Scan(&item.ID, &item.ReturnID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.AgeDays, &item.BatchCreatedAt, &item.OriginalPriceCents, &item.SalePriceCents,
			&item.ReturnPct, &item.UnitValueCents, &item.LineValueCents); err != nil {
			return nil, err
		}
		ret.Items = append(ret.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, query domain.ReturnQuery, archiveCutoff time.Time) ([]domain.Return, error) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !query.IncludeArchived {
		conditions = append(conditions, "r.processed_at >= "+arg(archiveCutoff))
	}
	if query.From != "" {
		conditions = append(conditions, "r.return_date >= "+arg(query.From))
	}
	if query.To != "" {
		conditions = append(conditions, "r.return_date <= "+arg(query.To))
	}
	if query.MinValueCents > 0 {
		conditions = append(conditions, "r.total_value_cents >= "+arg(query.MinValueCents))
	}
	if query.MaxValueCents > 0 {
		conditions = append(conditions, "r.total_value_cents <= "+arg(query.MaxValueCents))
	}
	if name := strings.TrimSpace(query.ProductName); name != "" {
		conditions = append(conditions, `EXISTS (
			SELECT 1 FROM return_items ri
			WHERE ri.return_id = r.id AND ri.product_name ILIKE `+arg("%"+name+"%")+`
		)`)
	}

	sqlQuery := `
		SELECT r.id, r.return_date::text, r.processed_by, r.processed_at, r.total_value_cents, r.total_quantity, r.total_batches, r.notification_sent, r.reversed
		FROM returns r
	`
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += " ORDER BY r.processed_at DESC, r.id DESC"
	if query.Limit > 0 {
		sqlQuery += " LIMIT " + arg(query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 32)
	for rows.Next() {
		var ret domain.Return
		if err := rows.Scan(&ret.ID, &ret.ReturnDate, &ret.ProcessedBy, &ret.ProcessedAt, &ret.TotalValueCents,
			&ret.TotalQuantity, &ret.TotalBatches, &ret.NotificationSent, &ret.Reversed); err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, returnID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE returns
		SET notification_sent = true
		WHERE id = $1 AND notification_sent = false
	`, returnID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM returns WHERE id = $1)`, returnID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListUnnotifiedReturnIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	sqlQuery := `
		SELECT id
		FROM returns
		WHERE notification_sent = false AND reversed = false AND processed_at < $1
		ORDER BY processed_at ASC
	`
	args := []any{before}
	if limit > 0 {
		sqlQuery += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) UndoReturn(ctx context.Context, returnID string, at time.Time) ([]domain.InventoryBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var reversed bool
	err = tx.QueryRowContext(ctx, `
		SELECT reversed
		FROM returns
		WHERE id = $1
		FOR UPDATE
	`, returnID).Scan(&reversed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if reversed {
		return nil, store.ErrAlreadyReversed
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity, batch_created_at
		FROM return_items
		WHERE return_id = $1
		ORDER BY batch_created_at ASC, id ASC
	`, returnID)
	if err != nil {
		return nil, err
	}
	restored := make([]domain.InventoryBatch, 0, 8)
	for rows.Next() {
		var batch domain.InventoryBatch
		if err := rows.Scan(&batch.ProductID, &batch.Quantity, &batch.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		batch.ID = xid.New("batch")
		batch.UpdatedAt = at
		restored = append(restored, batch)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, batch := range restored {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_batches (id, product_id, quantity, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5)
		`, batch.ID, batch.ProductID, batch.Quantity, batch.CreatedAt, batch.UpdatedAt)
		if err != nil {
			// The product was removed from the catalog after the return was
			// processed; the batch cannot come back without it.
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: product %s is no longer in the catalog", store.ErrNotFound, batch.ProductID)
			}
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE returns SET reversed = true WHERE id = $1`, returnID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, commitError(err)
	}
	return restored, nil
}

// commitError wraps commit-time failures in the retryable sentinel: the whole
// transaction rolled back, so resubmitting the operation is always safe.
// Serialization and deadlock SQLSTATEs are the common case under load.
func commitError(err error) error {
	return fmt.Errorf("%w: %v", store.ErrTransactionAborted, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
