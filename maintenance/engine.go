// Package maintenance runs table upkeep procedures on top of the catalog
// commit path: compaction, manifest rewrite, snapshot expiration, orphan
// file removal and extended statistics invalidation.
package maintenance

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"arctic-lake/iceberg"
)

const (
	DefaultMinRetention      = 7 * 24 * time.Hour
	DefaultFileSizeThreshold = 100 * humanize.MByte
)

// Procedure names as accepted by ALTER TABLE ... EXECUTE.
const (
	ProcOptimize          = "optimize"
	ProcOptimizeManifests = "optimize_manifests"
	ProcExpireSnapshots   = "expire_snapshots"
	ProcRemoveOrphanFiles = "remove_orphan_files"
	ProcDropExtendedStats = "drop_extended_stats"
)

type Engine struct {
	catalog           *iceberg.Catalog
	minRetention      time.Duration
	fileSizeThreshold int64
	logger            *zap.Logger
}

type Option func(*Engine)

// WithMinRetention sets the floor for expire_snapshots and remove_orphan_files.
func WithMinRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.minRetention = d
	}
}

func WithFileSizeThreshold(n int64) Option {
	return func(e *Engine) {
		e.fileSizeThreshold = n
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(catalog *iceberg.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:           catalog,
		minRetention:      DefaultMinRetention,
		fileSizeThreshold: DefaultFileSizeThreshold,
		logger:            catalog.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) MinRetention() time.Duration { return e.minRetention }

func (e *Engine) checkRetention(retention time.Duration) error {
	if retention < e.minRetention {
		return fmt.Errorf("%w: retention %s is shorter than the minimum %s",
			iceberg.ErrRetentionTooLow, retention, e.minRetention)
	}
	return nil
}
