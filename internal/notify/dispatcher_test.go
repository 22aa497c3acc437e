package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/store"
	"segarstok/backend/internal/store/memory"
)

type flakyChannel struct {
	failures int
	calls    int
	sent     []string
}

func (c *flakyChannel) Send(_ context.Context, recipient string, _ string, _ string) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("smtp connection refused")
	}
	c.sent = append(c.sent, recipient)
	return nil
}

func seedReturn(t *testing.T, repo store.Repository) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.UpsertProduct(ctx, domain.Product{
		ID:               "prod-test",
		Name:             "Produk Uji",
		SalePriceCents:   10000,
		DefaultReturnPct: 20,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	batch, err := repo.CreateBatch(ctx, domain.InventoryBatch{
		ProductID: "prod-test",
		Quantity:  4,
		CreatedAt: now.AddDate(0, 0, -3),
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	committed, err := repo.CommitReturn(ctx, store.ReturnCommit{
		Return: domain.Return{
			ID:              "ret-test-1",
			ReturnDate:      now.Format("2006-01-02"),
			ProcessedBy:     "tester",
			ProcessedAt:     now,
			TotalValueCents: 8000,
			TotalQuantity:   4,
			TotalBatches:    1,
		},
		Items: []domain.ReturnItem{{
			ID:             "ritem-test-1",
			ReturnID:       "ret-test-1",
			ProductID:      "prod-test",
			ProductName:    "Produk Uji",
			Quantity:       4,
			AgeDays:        3,
			BatchCreatedAt: now.AddDate(0, 0, -3),
			SalePriceCents: 10000,
			ReturnPct:      20,
			UnitValueCents: 2000,
			LineValueCents: 8000,
		}},
		DeleteBatchIDs:     []string{batch.ID},
		ExpectedQuantities: map[string]float64{batch.ID: 4},
	})
	if err != nil {
		t.Fatalf("seed return: %v", err)
	}
	return committed.ID
}

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	repo := memory.New()
	returnID := seedReturn(t, repo)

	channel := &flakyChannel{failures: 2}
	var slept []time.Duration
	d := NewDispatcher(repo, channel, []string{"gudang@toko.test"}, Options{Sleep: noSleep(&slept)})

	result, err := d.Dispatch(context.Background(), returnID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Sent || result.Attempts != 3 {
		t.Fatalf("expected sent after 3 attempts, got sent=%t attempts=%d", result.Sent, result.Attempts)
	}

	if len(slept) != 2 || slept[0] != 1*time.Second || slept[1] != 2*time.Second {
		t.Fatalf("expected backoffs [1s 2s], got %v", slept)
	}

	ret, err := repo.GetReturnByID(context.Background(), returnID)
	if err != nil {
		t.Fatalf("get return: %v", err)
	}
	if !ret.NotificationSent {
		t.Fatal("expected notification_sent latch to be set")
	}
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	repo := memory.New()
	returnID := seedReturn(t, repo)

	channel := &flakyChannel{failures: 10}
	var slept []time.Duration
	d := NewDispatcher(repo, channel, []string{"gudang@toko.test"}, Options{Sleep: noSleep(&slept)})

	result, err := d.Dispatch(context.Background(), returnID)
	if !errors.Is(err, store.ErrNotificationUndeliverable) {
		t.Fatalf("expected ErrNotificationUndeliverable, got %v", err)
	}
	if result.Sent || result.Attempts != 3 {
		t.Fatalf("expected 3 failed attempts, got sent=%t attempts=%d", result.Sent, result.Attempts)
	}

	ret, err := repo.GetReturnByID(context.Background(), returnID)
	if err != nil {
		t.Fatalf("get return: %v", err)
	}
	if ret.NotificationSent {
		t.Fatal("latch must stay unset when delivery fails")
	}
}

func TestDispatchHonorsSentLatch(t *testing.T) {
	repo := memory.New()
	returnID := seedReturn(t, repo)

	channel := &flakyChannel{}
	d := NewDispatcher(repo, channel, []string{"gudang@toko.test"}, Options{})

	if _, err := d.Dispatch(context.Background(), returnID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	result, err := d.Dispatch(context.Background(), returnID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !result.Sent || result.Attempts != 0 {
		t.Fatalf("expected latched no-op, got sent=%t attempts=%d", result.Sent, result.Attempts)
	}
	if channel.calls != 1 {
		t.Fatalf("expected exactly one delivery, channel saw %d calls", channel.calls)
	}
}

func TestDispatchAllRecipientsMustSucceed(t *testing.T) {
	repo := memory.New()
	returnID := seedReturn(t, repo)

	// Second recipient fails once, so the whole first attempt fails and the
	// retry fans out to everyone again.
	channel := &flakyChannel{failures: 0}
	failing := &recipientGate{inner: channel, failOnce: "kepala@toko.test"}
	var slept []time.Duration
	d := NewDispatcher(repo, failing, []string{"gudang@toko.test", "kepala@toko.test"}, Options{Sleep: noSleep(&slept)})

	result, err := d.Dispatch(context.Background(), returnID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Sent || result.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got sent=%t attempts=%d", result.Sent, result.Attempts)
	}
}

type recipientGate struct {
	inner    *flakyChannel
	failOnce string
	failed   bool
}

func (g *recipientGate) Send(ctx context.Context, recipient string, subject string, body string) error {
	if recipient == g.failOnce && !g.failed {
		g.failed = true
		return errors.New("mailbox busy")
	}
	return g.inner.Send(ctx, recipient, subject, body)
}
