package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/chronicle/internal/bulk"
	"github.com/smallbiznis/chronicle/internal/clock"
	"github.com/smallbiznis/chronicle/internal/hierarchy"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/recorder"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/snapshot"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/smallbiznis/chronicle/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine is the application-facing surface of the versioning system. Every
// mutation runs inside one transaction covering the live write and its
// history bookkeeping, so the pair commits or rolls back together.
type Engine struct {
	db      *gorm.DB
	reg     *registry.Registry
	store   *temporal.Store
	rec     *recorder.Recorder
	bulk    *bulk.Reconciler
	snap    *snapshot.Engine
	mirror  *hierarchy.Mirror
	clock   clock.Clock
	node    *snowflake.Node
	metrics *observability.Metrics
	tracer  trace.Tracer
	log     *zap.Logger
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Reg     *registry.Registry
	Store   *temporal.Store
	Rec     *recorder.Recorder
	Bulk    *bulk.Reconciler
	Snap    *snapshot.Engine
	Mirror  *hierarchy.Mirror
	Clock   clock.Clock
	Node    *snowflake.Node
	Metrics *observability.Metrics
	Log     *zap.Logger
}

func New(p Param) *Engine {
	return &Engine{
		db:      p.DB,
		reg:     p.Reg,
		store:   p.Store,
		rec:     p.Rec,
		bulk:    p.Bulk,
		snap:    p.Snap,
		mirror:  p.Mirror,
		clock:   p.Clock,
		node:    p.Node,
		metrics: p.Metrics,
		tracer:  otel.Tracer("chronicle/engine"),
		log:     p.Log,
	}
}

// Create persists a new live record and opens its first history interval.
func (e *Engine) Create(ctx context.Context, record any, actor *int64) (*temporal.Row, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}

	if _, ok := meta.PrimaryKeyOf(record); !ok {
		if err := meta.SetPrimaryKey(record, e.node.Generate()); err != nil {
			return nil, err
		}
	}

	// the live row carries the discriminator of its concrete subtype
	if meta.Info.Discriminator != "" {
		if kind := meta.KindOf(record); kind != "" {
			if err := meta.ApplyChanges(record, map[string]any{meta.Info.Discriminator: kind}); err != nil {
				return nil, err
			}
		}
	}

	var row *temporal.Row
	err := e.transact(ctx, "create", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("create %s: %w", meta.Info.LiveTable, err)
		}
		var err error
		row, err = e.rec.Record(ctx, tx, record, actor, nil, now)
		return err
	})
	return row, err
}

// Update applies column changes to one record and appends a history row for
// them. Changes that alter nothing observable are dropped without touching
// the database: a no-op update never grows the timeline.
func (e *Engine) Update(ctx context.Context, record any, changes map[string]any, actor *int64) (*temporal.Row, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	id, ok := meta.PrimaryKeyOf(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, record)
	}

	attrs, _, err := meta.Snapshot(record)
	if err != nil {
		return nil, err
	}
	if !temporal.AttrsChanged(attrs, changes) {
		return nil, nil
	}

	var row *temporal.Row
	err = e.transact(ctx, "update", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		if err := tx.WithContext(ctx).Table(meta.Info.LiveTable).
			Where(meta.PKColumn+" = ?", int64(id)).
			Updates(changes).Error; err != nil {
			return fmt.Errorf("update %s %d: %w", meta.Info.LiveTable, id, err)
		}
		if err := meta.ApplyChanges(record, changes); err != nil {
			return err
		}
		var err error
		row, err = e.rec.Record(ctx, tx, record, actor, nil, now)
		return err
	})
	return row, err
}

// Touch re-records the record's current state without changing the live row.
// Used after out-of-band mutations that bypassed Update.
func (e *Engine) Touch(ctx context.Context, record any, actor *int64) (*temporal.Row, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}

	var row *temporal.Row
	err := e.transact(ctx, "touch", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		var err error
		row, err = e.rec.Record(ctx, tx, record, actor, nil, now)
		return err
	})
	return row, err
}

// Delete removes the record. Soft-delete-enabled types are marked deleted and
// the marked state lands on a new history row; plain types lose the live row
// and have the open interval closed with no terminal row.
func (e *Engine) Delete(ctx context.Context, record any, actor *int64) error {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	return e.transact(ctx, "delete", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		_, err := e.bulk.Delete(ctx, tx, []any{record}, actor, now)
		return err
	})
}

// UpdateWithoutHistory applies changes to the live row only. Reserved for
// migrations and backfills.
func (e *Engine) UpdateWithoutHistory(ctx context.Context, record any, changes map[string]any) error {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	return e.transact(ctx, "update_without_history", meta.Info.LiveTable, func(tx *gorm.DB, _ time.Time) error {
		return e.bulk.UpdateWithoutHistory(ctx, tx, []any{record}, changes)
	})
}

// DeleteWithoutHistory removes the live row and leaves the timeline untouched.
func (e *Engine) DeleteWithoutHistory(ctx context.Context, record any) error {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	return e.transact(ctx, "delete_without_history", meta.Info.LiveTable, func(tx *gorm.DB, _ time.Time) error {
		return e.bulk.DeleteWithoutHistory(ctx, tx, []any{record})
	})
}

// BulkUpdate applies one change set to many records of one type, recording
// history only for those whose attributes actually change.
func (e *Engine) BulkUpdate(ctx context.Context, records []any, changes map[string]any, actor *int64) ([]*temporal.Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	meta, ok := e.reg.Lookup(records[0])
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, records[0])
	}

	var rows []*temporal.Row
	err := e.transact(ctx, "bulk_update", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		var err error
		rows, err = e.bulk.Update(ctx, tx, records, changes, actor, now)
		return err
	})
	return rows, err
}

// BulkDelete removes many records of one type in one pass.
func (e *Engine) BulkDelete(ctx context.Context, records []any, actor *int64) error {
	if len(records) == 0 {
		return nil
	}
	meta, ok := e.reg.Lookup(records[0])
	if !ok {
		return fmt.Errorf("%w: %T", temporal.ErrNotVersioned, records[0])
	}
	return e.transact(ctx, "bulk_delete", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		_, err := e.bulk.Delete(ctx, tx, records, actor, now)
		return err
	})
}

// Snapshot captures the record and every versioned record reachable through
// its associations under one shared snapshot id.
func (e *Engine) Snapshot(ctx context.Context, record any, actor *int64) (*temporal.Row, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		if _, isHistory := record.(*temporal.Row); isHistory {
			return nil, temporal.ErrCannotSnapshotHistory
		}
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}

	var row *temporal.Row
	err := e.transact(ctx, "snapshot", meta.Info.LiveTable, func(tx *gorm.DB, now time.Time) error {
		var err error
		row, err = e.snap.Take(ctx, tx, record, actor, now)
		return err
	})
	return row, err
}

// LatestSnapshot returns the record's most recent snapshot row, or nil.
func (e *Engine) LatestSnapshot(ctx context.Context, record any) (*temporal.Row, error) {
	return e.snap.Latest(ctx, e.db, record)
}

// Current returns every open history row of the prototype's type.
func (e *Engine) Current(ctx context.Context, prototype any) ([]*temporal.Row, error) {
	meta, ok := e.reg.Lookup(prototype)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, prototype)
	}
	return e.store.Current(ctx, e.db, meta.Info)
}

// Timeline returns the record's history newest-first, cursor-paginated.
func (e *Engine) Timeline(ctx context.Context, record any, p pagination.Pagination) ([]*temporal.Row, *pagination.PageInfo, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	id, ok := meta.PrimaryKeyOf(record)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, record)
	}
	return e.TimelineByID(ctx, meta, id, p)
}

// TimelineByID is Timeline for callers that hold only the identity, such as
// the HTTP surface.
func (e *Engine) TimelineByID(ctx context.Context, meta *registry.Meta, id snowflake.ID, p pagination.Pagination) ([]*temporal.Row, *pagination.PageInfo, error) {
	limit := p.PageSize
	if limit <= 0 {
		limit = 50
	}

	var cursor *pagination.Cursor
	if p.PageToken != "" {
		decoded, err := pagination.DecodeCursor(p.PageToken)
		if err != nil {
			return nil, nil, fmt.Errorf("decode page token: %w", err)
		}
		cursor = decoded
	}

	rows, err := e.store.Timeline(ctx, e.db, meta.Info, id, limit, cursor)
	if err != nil {
		return nil, nil, err
	}

	info, rows := pagination.BuildCursorPageInfo(rows, limit, func(r *temporal.Row) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        fmt.Sprintf("%d", int64(r.ID)),
			StartedAt: r.StartedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	return rows, info, nil
}

// Materialize builds a transient live-subtype instance from a history row.
func (e *Engine) Materialize(ctx context.Context, row *temporal.Row) (any, error) {
	meta, ok := e.metaForHistoryTable(row.Table)
	if !ok {
		return nil, fmt.Errorf("no versioned type backs history table %q", row.Table)
	}
	return e.mirror.Materialize(meta, row)
}

// Registry exposes type metadata to surfaces that route on table names.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

func (e *Engine) metaForHistoryTable(historyTable string) (*registry.Meta, bool) {
	for _, table := range e.reg.Tables() {
		if meta, ok := e.reg.LookupTable(table); ok && meta.Info.HistoryTable == historyTable {
			return meta, true
		}
	}
	return nil, false
}

func (e *Engine) transact(ctx context.Context, op, table string, fn func(tx *gorm.DB, now time.Time) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("chronicle.table", table),
	))
	defer span.End()

	timer := prometheus.NewTimer(e.metrics.OperationSeconds.WithLabelValues(op))
	defer timer.ObserveDuration()

	now := e.clock.Now()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, now)
	})
	if err != nil {
		span.RecordError(err)
		e.log.Error("engine operation failed",
			zap.String("op", op),
			zap.String("table", table),
			zap.Error(err),
		)
	}
	return err
}
