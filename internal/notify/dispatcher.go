// Package notify delivers supplier notifications for committed returns.
// Delivery is best-effort and never blocks or fails the return itself; the
// notification_sent latch on the return record is the only state it owns.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"segarstok/backend/internal/domain"
	"segarstok/backend/internal/store"
)

type Options struct {
	// MaxAttempts caps delivery tries per dispatch. Zero falls back to 3.
	MaxAttempts int
	// Backoff holds the waits between attempts, indexed by the attempt that
	// just failed. Shorter than MaxAttempts-1 repeats the last entry.
	Backoff []time.Duration
	// Sleep overrides the inter-attempt wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	repo        store.Repository
	channel     Channel
	recipients  []string
	maxAttempts int
	backoff     []time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(repo store.Repository, channel Channel, recipients []string, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{1 * time.Second, 2 * time.Second}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Dispatcher{
		repo:        repo,
		channel:     channel,
		recipients:  recipients,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		sleep:       opts.Sleep,
	}
}

// Dispatch delivers the notification for one committed return. The sent latch
// is checked first and flipped only after a fully successful attempt, so a
// return is never announced twice. Exhausting all attempts reports
// ErrNotificationUndeliverable and leaves the latch unset for a later resend.
func (d *Dispatcher) Dispatch(ctx context.Context, returnID string) (domain.DispatchResult, error) {
	result := domain.DispatchResult{ReturnID: returnID}

	ret, err := d.repo.GetReturnByID(ctx, returnID)
	if err != nil {
		return result, err
	}
	if ret.NotificationSent {
		result.Sent = true
		return result, nil
	}
	if ret.Reversed {
		// Nothing to announce for a reversed return.
		return result, nil
	}
	if len(d.recipients) == 0 {
		return result, fmt.Errorf("%w: no recipients configured", store.ErrNotificationUndeliverable)
	}

	subject, body := render(ret)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		result.Attempts = attempt
		lastErr = d.sendAll(ctx, subject, body)
		if lastErr == nil {
			break
		}
		log.Printf("[notify] WARN: attempt %d/%d for return %s failed: %v", attempt, d.maxAttempts, returnID, lastErr)
		if attempt < d.maxAttempts {
			if err := d.sleep(ctx, d.backoffFor(attempt)); err != nil {
				return result, err
			}
		}
	}
	if lastErr != nil {
		return result, fmt.Errorf("%w: %d attempts: %v", store.ErrNotificationUndeliverable, result.Attempts, lastErr)
	}

	if _, err := d.repo.MarkNotificationSent(ctx, returnID); err != nil {
		return result, err
	}
	result.Sent = true
	return result, nil
}

// sendAll counts an attempt as successful only when every recipient got the
// message; a partial failure retries the whole fan-out. Channels deliver
// idempotent content, so a duplicate to an already-served recipient is
// harmless.
func (d *Dispatcher) sendAll(ctx context.Context, subject string, body string) error {
	for _, recipient := range d.recipients {
		if err := d.channel.Send(ctx, recipient, subject, body); err != nil {
			return fmt.Errorf("send to %s: %w", recipient, err)
		}
	}
	return nil
}

func (d *Dispatcher) backoffFor(failedAttempt int) time.Duration {
	idx := failedAttempt - 1
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	return d.backoff[idx]
}

func render(ret *domain.Return) (string, string) {
	subject := fmt.Sprintf("Retur barang %s: %d batch, nilai %s", ret.ReturnDate, ret.TotalBatches, formatCents(ret.TotalValueCents))

	var b strings.Builder
	fmt.Fprintf(&b, "Retur %s diproses oleh %s pada %s.\n\n", ret.ID, ret.ProcessedBy, ret.ProcessedAt.Format(time.RFC3339))
	for _, item := range ret.Items {
		fmt.Fprintf(&b, "- %s: %.2f unit, umur %d hari, %.0f%%, nilai %s\n",
			item.ProductName, item.Quantity, item.AgeDays, item.ReturnPct, formatCents(item.LineValueCents))
	}
	fmt.Fprintf(&b, "\nTotal: %.2f unit dalam %d batch, nilai %s\n", ret.TotalQuantity, ret.TotalBatches, formatCents(ret.TotalValueCents))
	return subject, b.String()
}

func formatCents(cents int64) string {
	return fmt.Sprintf("Rp%d.%02d", cents/100, cents%100)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
