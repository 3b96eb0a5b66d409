package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/smallbiznis/chronicle/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recorder appends one history row for a just-mutated live record and closes
// its predecessor, atomically within the caller's transaction.
type Recorder struct {
	reg     *registry.Registry
	store   *temporal.Store
	modes   *config.ModeConfigHolder
	metrics *observability.Metrics
	log     *zap.Logger
}

func New(reg *registry.Registry, store *temporal.Store, modes *config.ModeConfigHolder, metrics *observability.Metrics, log *zap.Logger) *Recorder {
	return &Recorder{reg: reg, store: store, modes: modes, metrics: metrics, log: log}
}

// EffectiveMode resolves the operating mode for a type: registration-time
// override first, then the (hot-reloadable) mode configuration.
func (r *Recorder) EffectiveMode(meta *registry.Meta) string {
	if meta.Mode != "" {
		return meta.Mode
	}
	return r.modes.Get().ModeFor(meta.Info.LiveTable)
}

// EffectiveActorPolicy resolves the actor-presence policy for a type.
func (r *Recorder) EffectiveActorPolicy(meta *registry.Meta) string {
	if meta.ActorPolicy != "" {
		return meta.ActorPolicy
	}
	return r.modes.Get().ActorPolicyFor(meta.Info.LiveTable)
}

// Record captures the record's post-mutation state as a new history row and
// closes the previously-current one. snapshotID is nil for ordinary timeline
// recording. Returns (nil, nil) when the effective mode suppresses recording.
//
// Concurrent writers racing on the same (foreign id, started at) pair are
// resolved through the history table's unique constraint: the loser adopts
// the winner's row instead of erroring.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, record any, actor *int64, snapshotID *snowflake.ID, now time.Time) (*temporal.Row, error) {
	meta, ok := r.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}

	foreignID, ok := meta.PrimaryKeyOf(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, record)
	}

	mode := r.EffectiveMode(meta)
	if snapshotID == nil && mode == config.ModeSnapshotOnly {
		return nil, nil
	}

	if snapshotID == nil && actor == nil {
		switch r.EffectiveActorPolicy(meta) {
		case config.ActorWarn:
			r.log.Warn("recording history without an acting user",
				zap.String("table", meta.Info.LiveTable),
				zap.Int64("foreign_id", int64(foreignID)),
			)
		case config.ActorSilent:
		default:
			return nil, fmt.Errorf("%w: %s %d", temporal.ErrMissingActor, meta.Info.LiveTable, foreignID)
		}
	}

	attrs, kind, err := meta.Snapshot(record)
	if err != nil {
		return nil, fmt.Errorf("snapshot attributes of %s: %w", meta.Info.LiveTable, err)
	}

	row := &temporal.Row{
		ForeignID:  foreignID,
		StartedAt:  now,
		UserID:     actor,
		SnapshotID: snapshotID,
		Kind:       kind,
		Attrs:      attrs,
	}

	prior, err := r.store.FindOpen(ctx, tx, meta.Info, foreignID)
	if err != nil {
		return nil, fmt.Errorf("find open history row: %w", err)
	}

	if err := r.store.Insert(ctx, tx, meta.Info, row); err != nil {
		adopted, adoptErr := r.adoptRaceWinner(ctx, tx, meta, foreignID, now, err)
		if adoptErr != nil {
			return nil, adoptErr
		}
		row = adopted
	} else {
		r.metrics.HistoryRows.WithLabelValues(meta.Info.HistoryTable, "record").Inc()
	}

	if prior != nil && prior.ID != row.ID {
		if err := r.store.Close(ctx, tx, meta.Info, prior, now); err != nil {
			return nil, fmt.Errorf("close prior history row: %w", err)
		}
	}

	return row, nil
}

// adoptRaceWinner handles a failed insert: when a concurrent writer already
// inserted a row for the same validity start, that row becomes this
// operation's result. Anything else surfaces as an InsertionError.
func (r *Recorder) adoptRaceWinner(ctx context.Context, tx *gorm.DB, meta *registry.Meta, foreignID snowflake.ID, startedAt time.Time, insertErr error) (*temporal.Row, error) {
	if !db.IsDuplicateKeyErr(insertErr) && !errors.Is(insertErr, temporal.ErrNoRowsAffected) {
		return nil, &temporal.InsertionError{Table: meta.Info.HistoryTable, Err: insertErr}
	}

	existing, err := r.store.FindByStart(ctx, tx, meta.Info, foreignID, startedAt)
	if err != nil {
		return nil, &temporal.InsertionError{Table: meta.Info.HistoryTable, Err: err}
	}
	if existing == nil {
		return nil, &temporal.InsertionError{Table: meta.Info.HistoryTable, Err: insertErr}
	}

	r.metrics.InsertRaces.WithLabelValues(meta.Info.HistoryTable).Inc()
	r.log.Debug("adopted concurrent history row",
		zap.String("table", meta.Info.HistoryTable),
		zap.Int64("foreign_id", int64(foreignID)),
		zap.Time("history_started_at", startedAt),
	)
	return existing, nil
}
