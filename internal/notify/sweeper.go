package notify

import (
	"context"
	"log"
	"time"

	"segarstok/backend/internal/store"
)

// Sweeper periodically re-dispatches returns whose notification never went
// out, so a dead SMTP server only delays delivery instead of losing it.
type Sweeper struct {
	repo       store.Repository
	dispatcher *Dispatcher
	interval   time.Duration
	// grace keeps the sweeper away from returns whose first async dispatch
	// may still be in flight.
	grace time.Duration
}

func NewSweeper(repo store.Repository, dispatcher *Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		repo:       repo,
		dispatcher: dispatcher,
		interval:   interval,
		grace:      time.Minute,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	before := time.Now().UTC().Add(-s.grace)
	ids, err := s.repo.ListUnnotifiedReturnIDs(ctx, before, 50)
	if err != nil {
		log.Printf("[notify] WARN: sweep listing failed: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := s.dispatcher.Dispatch(ctx, id); err != nil {
			log.Printf("[notify] WARN: sweep dispatch for return %s failed: %v", id, err)
		}
	}
}
