package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/recorder"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconciler applies one update or delete to a set of live records while
// keeping every record's individual history timeline correct: one set-level
// statement against the live table, one batched close and one batched append
// against the history table, covering exactly the records whose attributes
// actually changed.
type Reconciler struct {
	reg     *registry.Registry
	store   *temporal.Store
	rec     *recorder.Recorder
	metrics *observability.Metrics
	log     *zap.Logger
}

func New(reg *registry.Registry, store *temporal.Store, rec *recorder.Recorder, metrics *observability.Metrics, log *zap.Logger) *Reconciler {
	return &Reconciler{reg: reg, store: store, rec: rec, metrics: metrics, log: log}
}

// Update applies column changes to all records in one statement and records
// history for the subset whose observable attributes changed. All records
// must be of one versioned type. Returns the new history rows.
func (r *Reconciler) Update(ctx context.Context, tx *gorm.DB, records []any, changes map[string]any, actor *int64, now time.Time) ([]*temporal.Row, error) {
	if len(records) == 0 || len(changes) == 0 {
		return nil, nil
	}

	meta, err := r.sharedMeta(records)
	if err != nil {
		return nil, err
	}

	mode := r.rec.EffectiveMode(meta)
	recording := mode != config.ModeSnapshotOnly

	if recording && actor == nil {
		switch r.rec.EffectiveActorPolicy(meta) {
		case config.ActorWarn:
			r.log.Warn("bulk update without an acting user", zap.String("table", meta.Info.LiveTable))
		case config.ActorSilent:
		default:
			// fail before any write: bulk operations apply fully or not at all
			return nil, fmt.Errorf("%w: bulk update on %s", temporal.ErrMissingActor, meta.Info.LiveTable)
		}
	}

	ids, changed, err := r.partition(meta, records, changes)
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Table(meta.Info.LiveTable).
		Where(meta.PKColumn+" IN ?", ids).
		Updates(changes).Error; err != nil {
		return nil, fmt.Errorf("bulk update %s: %w", meta.Info.LiveTable, err)
	}

	if !recording || len(changed) == 0 {
		return nil, nil
	}

	changedIDs := make([]snowflake.ID, 0, len(changed))
	rows := make([]*temporal.Row, 0, len(changed))
	for _, rec := range changed {
		// derive the post-update attribute snapshot from the updated struct
		if err := meta.ApplyChanges(rec.record, changes); err != nil {
			return nil, err
		}
		attrs, kind, err := meta.Snapshot(rec.record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &temporal.Row{
			ForeignID: rec.id,
			StartedAt: now,
			UserID:    actor,
			Kind:      kind,
			Attrs:     attrs,
		})
		changedIDs = append(changedIDs, rec.id)
	}

	if err := r.store.CloseAllOpen(ctx, tx, meta.Info, changedIDs, now); err != nil {
		return nil, fmt.Errorf("close open history rows: %w", err)
	}
	if err := r.store.InsertBatch(ctx, tx, meta.Info, rows); err != nil {
		return nil, &temporal.InsertionError{Table: meta.Info.HistoryTable, Err: err}
	}
	r.metrics.HistoryRows.WithLabelValues(meta.Info.HistoryTable, "bulk").Add(float64(len(rows)))
	return rows, nil
}

// UpdateWithoutHistory performs only the raw set-level update. Intended for
// migrations and backfills, never for normal application mutation.
func (r *Reconciler) UpdateWithoutHistory(ctx context.Context, tx *gorm.DB, records []any, changes map[string]any) error {
	if len(records) == 0 || len(changes) == 0 {
		return nil
	}
	meta, err := r.sharedMeta(records)
	if err != nil {
		return err
	}
	ids, _, err := r.partition(meta, records, changes)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Table(meta.Info.LiveTable).
		Where(meta.PKColumn+" IN ?", ids).
		Updates(changes).Error
}

// Delete removes a set of records. Soft-delete-enabled types are marked and
// reconciled through the update path, so the deleted state lands on the new
// history row. Plain types lose their live rows and have their open history
// rows closed; no terminal row is appended.
func (r *Reconciler) Delete(ctx context.Context, tx *gorm.DB, records []any, actor *int64, now time.Time) ([]*temporal.Row, error) {
	if len(records) == 0 {
		return nil, nil
	}

	meta, err := r.sharedMeta(records)
	if err != nil {
		return nil, err
	}

	if meta.SoftDeleteColumn != "" {
		return r.Update(ctx, tx, records, map[string]any{meta.SoftDeleteColumn: now}, actor, now)
	}

	ids := make([]int64, 0, len(records))
	foreignIDs := make([]snowflake.ID, 0, len(records))
	for _, rec := range records {
		id, ok := meta.PrimaryKeyOf(rec)
		if !ok {
			return nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, rec)
		}
		ids = append(ids, int64(id))
		foreignIDs = append(foreignIDs, id)
	}

	if err := tx.WithContext(ctx).
		Exec(fmt.Sprintf("DELETE FROM %s WHERE %s IN ?", meta.Info.LiveTable, meta.PKColumn), ids).Error; err != nil {
		return nil, fmt.Errorf("bulk delete %s: %w", meta.Info.LiveTable, err)
	}

	if err := r.store.CloseAllOpen(ctx, tx, meta.Info, foreignIDs, now); err != nil {
		return nil, fmt.Errorf("close open history rows: %w", err)
	}
	return nil, nil
}

// DeleteWithoutHistory removes live rows and touches nothing else.
func (r *Reconciler) DeleteWithoutHistory(ctx context.Context, tx *gorm.DB, records []any) error {
	if len(records) == 0 {
		return nil
	}
	meta, err := r.sharedMeta(records)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		id, ok := meta.PrimaryKeyOf(rec)
		if !ok {
			return fmt.Errorf("%w: %T", temporal.ErrNoIdentity, rec)
		}
		ids = append(ids, int64(id))
	}
	return tx.WithContext(ctx).
		Exec(fmt.Sprintf("DELETE FROM %s WHERE %s IN ?", meta.Info.LiveTable, meta.PKColumn), ids).Error
}

type changedRecord struct {
	record any
	id     snowflake.ID
}

// partition returns all record ids plus the subset whose attributes the
// changes actually alter. No-op changes must not create spurious history.
func (r *Reconciler) partition(meta *registry.Meta, records []any, changes map[string]any) ([]int64, []changedRecord, error) {
	ids := make([]int64, 0, len(records))
	changed := make([]changedRecord, 0, len(records))

	for _, rec := range records {
		id, ok := meta.PrimaryKeyOf(rec)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, rec)
		}
		ids = append(ids, int64(id))

		attrs, _, err := meta.Snapshot(rec)
		if err != nil {
			return nil, nil, err
		}
		if temporal.AttrsChanged(attrs, changes) {
			changed = append(changed, changedRecord{record: rec, id: id})
		}
	}
	return ids, changed, nil
}

func (r *Reconciler) sharedMeta(records []any) (*registry.Meta, error) {
	meta, ok := r.reg.Lookup(records[0])
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, records[0])
	}
	for _, rec := range records[1:] {
		m, ok := r.reg.Lookup(rec)
		if !ok || m != meta {
			return nil, fmt.Errorf("bulk operation spans multiple types: %T and %T", records[0], rec)
		}
	}
	return meta, nil
}
