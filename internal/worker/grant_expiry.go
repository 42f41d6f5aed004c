// Package worker holds the periodic sweeps run by cmd/worker.
package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/ehr-access/pkg/logger"
)

// GrantExpirer deactivates grants whose window has closed.
type GrantExpirer interface {
	ExpireGrants(ctx context.Context, limit int) (int, error)
}

// GrantExpiryWorker keeps the ledger tidy. Authorization already ignores
// expired grants, so a late sweep only delays notifications.
type GrantExpiryWorker struct {
	grants   GrantExpirer
	batch    int
	interval time.Duration
	log      *logger.Logger
}

func NewGrantExpiryWorker(grants GrantExpirer, batch int, interval time.Duration, log *logger.Logger) *GrantExpiryWorker {
	if batch <= 0 {
		batch = 100
	}
	return &GrantExpiryWorker{grants: grants, batch: batch, interval: interval, log: log}
}

func (w *GrantExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error(err, "grant expiry sweep failed")
			}
		}
	}
}

// Sweep expires grants in batches until none are left.
func (w *GrantExpiryWorker) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.grants.ExpireGrants(ctx, w.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		w.log.Info("expired grants", "count", total)
	}
	return total, nil
}
