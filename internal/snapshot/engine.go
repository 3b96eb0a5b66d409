package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/assoc"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/recorder"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine produces graph-consistent captures: one snapshot id shared by the
// root record and every versioned record reachable through its associations.
// Cyclic graphs terminate because each (history table, id) pair is visited at
// most once per traversal.
type Engine struct {
	reg     *registry.Registry
	store   *temporal.Store
	graph   *assoc.Graph
	rec     *recorder.Recorder
	node    *snowflake.Node
	metrics *observability.Metrics
	log     *zap.Logger
}

func New(reg *registry.Registry, store *temporal.Store, graph *assoc.Graph, rec *recorder.Recorder, node *snowflake.Node, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{reg: reg, store: store, graph: graph, rec: rec, node: node, metrics: metrics, log: log}
}

// Take captures the record and its reachable versioned associations under a
// freshly minted snapshot id and returns the root's history row.
func (e *Engine) Take(ctx context.Context, tx *gorm.DB, record any, actor *int64, now time.Time) (*temporal.Row, error) {
	if _, isHistory := record.(*temporal.Row); isHistory {
		return nil, temporal.ErrCannotSnapshotHistory
	}

	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}

	snapshotID := e.node.Generate()
	visited := make(map[assoc.Key]struct{})
	row, err := e.take(ctx, tx, meta, record, actor, snapshotID, visited, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Snapshots.Inc()
	e.metrics.SnapshotRecords.Add(float64(len(visited)))
	e.log.Info("snapshot captured",
		zap.Int64("snapshot_id", int64(snapshotID)),
		zap.String("root_table", meta.Info.LiveTable),
		zap.Int("records", len(visited)),
	)
	return row, nil
}

// Latest returns the record's most recent snapshot row, or nil when the
// record was never part of a snapshot.
func (e *Engine) Latest(ctx context.Context, tx *gorm.DB, record any) (*temporal.Row, error) {
	meta, ok := e.reg.Lookup(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNotVersioned, record)
	}
	id, ok := meta.PrimaryKeyOf(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, record)
	}
	return e.store.LatestSnapshot(ctx, tx, meta.Info, id)
}

func (e *Engine) take(ctx context.Context, tx *gorm.DB, meta *registry.Meta, record any, actor *int64, snapshotID snowflake.ID, visited map[assoc.Key]struct{}, now time.Time) (*temporal.Row, error) {
	id, ok := meta.PrimaryKeyOf(record)
	if !ok {
		return nil, fmt.Errorf("%w: %T", temporal.ErrNoIdentity, record)
	}
	visited[assoc.Key{Table: meta.Info.HistoryTable, ID: id}] = struct{}{}

	row, err := e.capture(ctx, tx, meta, record, id, actor, snapshotID, now)
	if err != nil {
		return nil, err
	}

	related, err := e.graph.Versioned(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("enumerate associations of %s %d: %w", meta.Info.LiveTable, id, err)
	}
	for _, rel := range related {
		key := assoc.Key{Table: rel.Meta.Info.HistoryTable, ID: rel.ID}
		if _, seen := visited[key]; seen {
			continue
		}
		if _, err := e.take(ctx, tx, rel.Meta, rel.Record, actor, snapshotID, visited, now); err != nil {
			return nil, err
		}
	}

	return row, nil
}

// capture ensures the record has exactly one history row under snapshotID:
// reuse an existing one (idempotent re-entry), promote the open null-snapshot
// row in place, or append a fresh row through the recorder.
func (e *Engine) capture(ctx context.Context, tx *gorm.DB, meta *registry.Meta, record any, id snowflake.ID, actor *int64, snapshotID snowflake.ID, now time.Time) (*temporal.Row, error) {
	existing, err := e.store.FindBySnapshot(ctx, tx, meta.Info, id, snapshotID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	promotable, err := e.store.FindNullSnapshot(ctx, tx, meta.Info, id)
	if err != nil {
		return nil, err
	}
	if promotable != nil {
		promoted, err := e.store.Promote(ctx, tx, meta.Info, promotable, snapshotID)
		if err != nil {
			return nil, err
		}
		if promoted {
			return promotable, nil
		}
		// lost a promotion race; the row now belongs to another snapshot,
		// fall through and append a fresh row for this one
	}

	row, err := e.rec.Record(ctx, tx, record, actor, &snapshotID, now)
	if err != nil {
		return nil, err
	}
	return row, nil
}
