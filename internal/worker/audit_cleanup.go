package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/ehr-access/pkg/logger"
)

// AuditPruner deletes audit rows older than a cutoff.
type AuditPruner interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

type AuditCleanupWorker struct {
	audit           AuditPruner
	retention       time.Duration
	cleanupInterval time.Duration
	log             *logger.Logger
	now             func() time.Time
}

func NewAuditCleanupWorker(audit AuditPruner, retention, cleanupInterval time.Duration, log *logger.Logger) *AuditCleanupWorker {
	return &AuditCleanupWorker{
		audit:           audit,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		log:             log,
		now:             time.Now,
	}
}

func (w *AuditCleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				w.log.Error(err, "audit cleanup failed")
			}
		}
	}
}

func (w *AuditCleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)

	rows, err := w.audit.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	if rows > 0 {
		w.log.Info("cleaned up audit logs", "count", rows, "before", cutoff)
	}
	return rows, nil
}
