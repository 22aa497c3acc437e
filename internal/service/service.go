package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"segarstok/backend/internal/aging"
	"segarstok/backend/internal/cache"
	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/fifo"
	"segarstok/backend/internal/store"
	"segarstok/backend/internal/xid"
)

// Item snapshots never change after commit; only the latch and the reversed
// flag do, and both invalidate explicitly. A short TTL bounds staleness anyway.
const returnCacheTTL = 10 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Notifier delivers the supplier notification for one committed return.
type Notifier interface {
	Dispatch(ctx context.Context, returnID string) (domain.DispatchResult, error)
}

type Options struct {
	// AllowedPercentages is the set of return percentages operators may pick.
	// Zero-length falls back to the defaults.
	AllowedPercentages []float64
	// RetentionDays is the age past which history entries count as archived.
	RetentionDays int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Service struct {
	repo          store.Repository
	returnCache   cache.ReturnCache
	notifier      Notifier
	percentages   []float64
	retentionDays int
	now           func() time.Time
}

func New(repo store.Repository, returnCache cache.ReturnCache, notifier Notifier, opts Options) *Service {
	if len(opts.AllowedPercentages) == 0 {
		opts.AllowedPercentages = []float64{20, 100}
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if returnCache == nil {
		returnCache = cache.NewNoop()
	}

	return &Service{
		repo:          repo,
		returnCache:   returnCache,
		notifier:      notifier,
		percentages:   opts.AllowedPercentages,
		retentionDays: opts.RetentionDays,
		now:           opts.Now,
	}
}

func (s *Service) IntakeBatch(ctx context.Context, req domain.BatchCreateRequest) (domain.BatchView, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.BatchView{}, store.ErrNotFound
	}
	if req.Quantity <= fifo.Epsilon {
		return domain.BatchView{}, store.ErrInvalidQuantity
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.BatchView{}, err
	}

	now := s.now()
	createdAt := now
	if req.CreatedAt != "" {
		parsed, err := parseTimestamp(req.CreatedAt)
		if err != nil {
			return domain.BatchView{}, fmt.Errorf("invalid created_at %q: %w", req.CreatedAt, err)
		}
		createdAt = parsed
	}

	created, err := s.repo.CreateBatch(ctx, domain.InventoryBatch{
		ProductID: product.ID,
		Quantity:  req.Quantity,
		CreatedAt: createdAt,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.BatchView{}, err
	}

	return s.annotateBatch(*created, product.Name, now), nil
}

// ListBatches returns live batches annotated with their age at call time.
// With a product id the listing narrows to that product.
func (s *Service) ListBatches(ctx context.Context, productID string) (domain.BatchListResponse, error) {
	var batches []domain.InventoryBatch
	var err error
	if productID != "" {
		batches, err = s.repo.ListBatchesByProduct(ctx, productID)
	} else {
		batches, err = s.repo.ListBatches(ctx)
	}
	if err != nil {
		return domain.BatchListResponse{}, err
	}

	productIDs := make([]string, 0, len(batches))
	seen := map[string]bool{}
	for _, batch := range batches {
		if !seen[batch.ProductID] {
			seen[batch.ProductID] = true
			productIDs = append(productIDs, batch.ProductID)
		}
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return domain.BatchListResponse{}, err
	}

	now := s.now()
	views := make([]domain.BatchView, 0, len(batches))
	for _, batch := range batches {
		views = append(views, s.annotateBatch(batch, products[batch.ProductID].Name, now))
	}
	return domain.BatchListResponse{Batches: views}, nil
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.DeductResult{}, store.ErrNotFound
	}
	if req.Amount <= fifo.Epsilon {
		return domain.DeductResult{}, store.ErrInvalidQuantity
	}
	return s.repo.DeductFIFO(ctx, req.ProductID, req.Amount, req.AllowPartial)
}

// ProcessReturn validates the whole selection before touching anything, prices
// each returned batch, and commits the return atomically. Keep-tagged entries
// are validated like any other selection but change nothing. The supplier
// notification goes out after commit and never fails the return.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnProcessRequest) (domain.ReturnResponse, error) {
	now := s.now()

	returnDate := now.Format("2006-01-02")
	if req.ReturnDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ReturnDate)
		if err != nil {
			return domain.ReturnResponse{}, fmt.Errorf("invalid return_date %q: %w", req.ReturnDate, err)
		}
		returnDate = parsed.Format("2006-01-02")
	}

	selected := make([]domain.BatchSelection, 0, len(req.Selections))
	kept := make([]domain.BatchSelection, 0, len(req.Selections))
	seenBatch := map[string]bool{}
	for _, sel := range req.Selections {
		sel.BatchID = strings.TrimSpace(sel.BatchID)
		if sel.BatchID == "" {
			return domain.ReturnResponse{}, fmt.Errorf("selection batch_id is required")
		}
		if seenBatch[sel.BatchID] {
			return domain.ReturnResponse{}, fmt.Errorf("batch %s selected more than once", sel.BatchID)
		}
		seenBatch[sel.BatchID] = true

		switch sel.Action {
		case domain.SelectionKeep:
			kept = append(kept, sel)
		case domain.SelectionReturn:
			selected = append(selected, sel)
		default:
			return domain.ReturnResponse{}, fmt.Errorf("unknown selection action %q for batch %s", sel.Action, sel.BatchID)
		}
	}
	if len(selected) == 0 {
		return domain.ReturnResponse{}, store.ErrNoBatchesSelected
	}

	// Keep is an annotation only, but the operator still selected the batch:
	// a vanished id or drifted quantity means the screen is stale.
	for _, sel := range kept {
		batch, err := s.repo.GetBatchByID(ctx, sel.BatchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ReturnResponse{}, fmt.Errorf("%w: batch %s no longer exists", store.ErrStaleSelection, sel.BatchID)
			}
			return domain.ReturnResponse{}, err
		}
		if sel.Quantity > 0 && math.Abs(sel.Quantity-batch.Quantity) > fifo.Epsilon {
			return domain.ReturnResponse{}, fmt.Errorf("%w: batch %s has %.3f, selection saw %.3f", store.ErrStaleSelection, sel.BatchID, batch.Quantity, sel.Quantity)
		}
	}

	returnID := xid.New("ret")
	items := make([]domain.ReturnItem, 0, len(selected))
	deleteIDs := make([]string, 0, len(selected))
	expected := make(map[string]float64, len(selected))
	totalQuantity := 0.0
	totalValueCents := int64(0)

	for _, sel := range selected {
		batch, err := s.repo.GetBatchByID(ctx, sel.BatchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ReturnResponse{}, fmt.Errorf("%w: batch %s no longer exists", store.ErrStaleSelection, sel.BatchID)
			}
			return domain.ReturnResponse{}, err
		}
		if sel.Quantity > 0 && math.Abs(sel.Quantity-batch.Quantity) > fifo.Epsilon {
			return domain.ReturnResponse{}, fmt.Errorf("%w: batch %s has %.3f, selection saw %.3f", store.ErrStaleSelection, sel.BatchID, batch.Quantity, sel.Quantity)
		}

		product, err := s.repo.GetProductByID(ctx, batch.ProductID)
		if err != nil {
			return domain.ReturnResponse{}, err
		}

		pct := product.DefaultReturnPct
		if sel.Percentage != nil {
			pct = *sel.Percentage
		}
		if !s.percentageAllowed(pct) {
			return domain.ReturnResponse{}, fmt.Errorf("%w: %.1f%% for batch %s", store.ErrInvalidPercentage, pct, sel.BatchID)
		}

		ageDays := aging.AgeInDays(batch.CreatedAt, now)
		// One rounding per line, computed from the raw product. Unit value is
		// rounded separately for display and may not multiply back exactly.
		lineValueCents := int64(math.Round(float64(product.SalePriceCents) * pct / 100 * batch.Quantity))
		unitValueCents := int64(math.Round(float64(product.SalePriceCents) * pct / 100))

		items = append(items, domain.ReturnItem{
			ID:                 xid.New("ritem"),
			ReturnID:           returnID,
			ProductID:          product.ID,
			ProductName:        product.Name,
			Quantity:           batch.Quantity,
			AgeDays:            ageDays,
			BatchCreatedAt:     batch.CreatedAt,
			OriginalPriceCents: product.OriginalPriceCents,
			SalePriceCents:     product.SalePriceCents,
			ReturnPct:          pct,
			UnitValueCents:     unitValueCents,
			LineValueCents:     lineValueCents,
		})
		deleteIDs = append(deleteIDs, batch.ID)
		expected[batch.ID] = batch.Quantity
		totalQuantity += batch.Quantity
		totalValueCents += lineValueCents
	}

	processedBy := "system"
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		processedBy = actor.Username
	}

	committed, err := s.repo.CommitReturn(ctx, store.ReturnCommit{
		Return: domain.Return{
			ID:              returnID,
			ReturnDate:      returnDate,
			ProcessedBy:     processedBy,
			ProcessedAt:     now,
			TotalValueCents: totalValueCents,
			TotalQuantity:   totalQuantity,
			TotalBatches:    len(items),
		},
		Items:              items,
		DeleteBatchIDs:     deleteIDs,
		ExpectedQuantities: expected,
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	if err := s.returnCache.SetReturn(ctx, committed, returnCacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache return %s: %v", committed.ID, err)
	}

	if s.notifier != nil {
		go func(id string) {
			dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.notifier.Dispatch(dispatchCtx, id); err != nil {
				log.Printf("[service] WARN: notification for return %s undelivered: %v", id, err)
				return
			}
			if err := s.returnCache.InvalidateReturn(dispatchCtx, id); err != nil {
				log.Printf("[service] WARN: failed to invalidate cached return %s: %v", id, err)
			}
		}(committed.ID)
	}

	return domain.ReturnResponse{Return: *committed}, nil
}

func (s *Service) ListReturns(ctx context.Context, query domain.ReturnQuery) (domain.ReturnListResponse, error) {
	if query.From != "" {
		if _, err := time.Parse("2006-01-02", query.From); err != nil {
			return domain.ReturnListResponse{}, fmt.Errorf("invalid from date %q: %w", query.From, err)
		}
	}
	if query.To != "" {
		if _, err := time.Parse("2006-01-02", query.To); err != nil {
			return domain.ReturnListResponse{}, fmt.Errorf("invalid to date %q: %w", query.To, err)
		}
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	returns, err := s.repo.ListReturns(ctx, query, cutoff)
	if err != nil {
		return domain.ReturnListResponse{}, err
	}
	return domain.ReturnListResponse{Returns: returns}, nil
}

func (s *Service) GetReturnDetail(ctx context.Context, returnID string) (domain.ReturnResponse, error) {
	cached, ok, err := s.returnCache.GetReturn(ctx, returnID)
	if err != nil {
		log.Printf("[service] WARN: return cache read failed for %s: %v", returnID, err)
	}
	if ok {
		return domain.ReturnResponse{Return: *cached}, nil
	}
	ret, err := s.repo.GetReturnByID(ctx, returnID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if err := s.returnCache.SetReturn(ctx, ret, returnCacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache return %s: %v", returnID, err)
	}
	return domain.ReturnResponse{Return: *ret}, nil
}

// UndoReturn is compensating: it recreates one batch per returned item with
// the snapshot created_at (so ages keep aging correctly) and flags the history
// entry reversed. The entry itself is never deleted.
func (s *Service) UndoReturn(ctx context.Context, returnID string) (domain.UndoResponse, error) {
	now := s.now()
	restored, err := s.repo.UndoReturn(ctx, returnID, now)
	if err != nil {
		return domain.UndoResponse{}, err
	}
	if err := s.returnCache.InvalidateReturn(ctx, returnID); err != nil {
		log.Printf("[service] WARN: failed to invalidate cached return %s: %v", returnID, err)
	}

	actor := "system"
	if a, ok := ActorFromContext(ctx); ok && a.Username != "" {
		actor = a.Username
	}
	log.Printf("[service] return %s reversed by %s, %d batches restored", returnID, actor, len(restored))

	return domain.UndoResponse{
		ReturnID:        returnID,
		ReversedAt:      now.Format(time.RFC3339),
		RestoredBatches: restored,
	}, nil
}

// ResendNotification re-runs delivery for a committed return. The sent latch
// makes it a no-op when the supplier was already notified.
func (s *Service) ResendNotification(ctx context.Context, returnID string) (domain.DispatchResult, error) {
	if s.notifier == nil {
		return domain.DispatchResult{}, store.ErrNotificationUndeliverable
	}
	ret, err := s.repo.GetReturnByID(ctx, returnID)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	if ret.NotificationSent {
		return domain.DispatchResult{ReturnID: returnID, Sent: true}, nil
	}
	result, err := s.notifier.Dispatch(ctx, returnID)
	if err != nil {
		return result, err
	}
	if err := s.returnCache.InvalidateReturn(ctx, returnID); err != nil {
		log.Printf("[service] WARN: failed to invalidate cached return %s: %v", returnID, err)
	}
	return result, nil
}

func (s *Service) annotateBatch(batch domain.InventoryBatch, productName string, now time.Time) domain.BatchView {
	ageDays := aging.AgeInDays(batch.CreatedAt, now)
	return domain.BatchView{
		InventoryBatch: batch,
		ProductName:    productName,
		AgeDays:        ageDays,
		AgeCategory:    aging.Category(ageDays),
	}
}

func (s *Service) percentageAllowed(pct float64) bool {
	for _, allowed := range s.percentages {
		if math.Abs(allowed-pct) <= fifo.Epsilon {
			return true
		}
	}
	return false
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
