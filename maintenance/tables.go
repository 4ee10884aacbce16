package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
)

// ExpireDroppedTables forgets soft-deleted tables whose expiration has passed,
// deleting the files of those dropped with purge.
func (e *Engine) ExpireDroppedTables(ctx context.Context) ([]iceberg.DroppedTable, error) {
	expired, err := e.catalog.PurgeExpiredTables(ctx)
	metrics.DroppedTablesExpired.Add(float64(len(expired)))
	if len(expired) > 0 {
		e.logger.Info("expired dropped tables", zap.Int("tables", len(expired)))
	}
	return expired, err
}

// RunDroppedTableExpiry calls ExpireDroppedTables every interval until ctx is
// done. Failures are logged and retried on the next tick.
func (e *Engine) RunDroppedTableExpiry(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("dropped table expiry started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.ExpireDroppedTables(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("failed to expire dropped tables", zap.Error(err))
			}
		}
	}
}
