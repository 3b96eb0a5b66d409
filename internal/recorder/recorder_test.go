package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/archive/archivetest"
	"github.com/smallbiznis/chronicle/internal/archive/domain"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRecorder(t *testing.T, modes config.ModeConfig) (*Recorder, *registry.Registry, *temporal.Store, *gorm.DB) {
	t.Helper()

	conn := archivetest.OpenDB(t)
	reg := archivetest.NewRegistry(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	store := temporal.NewStore(node, zap.NewNop())
	holder := config.NewStaticModeConfigHolder(modes)
	rec := New(reg, store, holder, archivetest.NewMetrics(), zap.NewNop())
	return rec, reg, store, conn
}

func actor(id int64) *int64 { return &id }

func countRows(t *testing.T, conn *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Table(table).Count(&n).Error)
	return n
}

func TestRecordOpensFirstInterval(t *testing.T) {
	rec, _, store, conn := newTestRecorder(t, config.ModeConfig{})
	ctx := context.Background()

	author := &domain.Author{ID: 1, Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, conn.Create(author).Error)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row, err := rec.Record(ctx, conn, author, actor(9), nil, now)
	require.NoError(t, err)
	require.NotNil(t, row)

	assert.True(t, row.Open())
	assert.Equal(t, snowflake.ID(1), row.ForeignID)
	require.NotNil(t, row.UserID)
	assert.Equal(t, int64(9), *row.UserID)
	assert.Equal(t, "Ada", row.Attrs["name"])

	meta, _ := rec.reg.Lookup(author)
	open, err := store.FindOpen(ctx, conn, meta.Info, 1)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, row.ID, open.ID)

	assert.EqualValues(t, 1, countRows(t, conn, "author_histories"))
}

func TestRecordClosesThePriorInterval(t *testing.T) {
	rec, reg, store, conn := newTestRecorder(t, config.ModeConfig{})
	ctx := context.Background()

	author := &domain.Author{ID: 1, Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, conn.Create(author).Error)
	meta, _ := reg.Lookup(author)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := rec.Record(ctx, conn, author, actor(9), nil, t0)
	require.NoError(t, err)

	author.Name = "Grace"
	t1 := t0.Add(time.Minute)
	second, err := rec.Record(ctx, conn, author, actor(9), nil, t1)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 2, countRows(t, conn, "author_histories"))

	closed, err := store.FindByStart(ctx, conn, meta.Info, 1, t0)
	require.NoError(t, err)
	require.NotNil(t, closed.EndedAt)
	assert.True(t, closed.EndedAt.Equal(t1), "predecessor closes at the successor's start")

	open, err := store.FindOpen(ctx, conn, meta.Info, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, open.ID)
	assert.Equal(t, "Grace", open.Attrs["name"])
}

func TestRecordActorPolicies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("required rejects a missing actor", func(t *testing.T) {
		rec, _, _, conn := newTestRecorder(t, config.ModeConfig{DefaultActorPolicy: config.ActorRequired})
		author := &domain.Author{ID: 1, Name: "Ada"}
		require.NoError(t, conn.Create(author).Error)

		_, err := rec.Record(context.Background(), conn, author, nil, nil, now)
		assert.ErrorIs(t, err, temporal.ErrMissingActor)
		assert.EqualValues(t, 0, countRows(t, conn, "author_histories"))
	})

	t.Run("warn records anyway", func(t *testing.T) {
		rec, _, _, conn := newTestRecorder(t, config.ModeConfig{DefaultActorPolicy: config.ActorWarn})
		author := &domain.Author{ID: 1, Name: "Ada"}
		require.NoError(t, conn.Create(author).Error)

		row, err := rec.Record(context.Background(), conn, author, nil, nil, now)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Nil(t, row.UserID)
	})

	t.Run("silent records anyway", func(t *testing.T) {
		rec, _, _, conn := newTestRecorder(t, config.ModeConfig{DefaultActorPolicy: config.ActorSilent})
		author := &domain.Author{ID: 1, Name: "Ada"}
		require.NoError(t, conn.Create(author).Error)

		row, err := rec.Record(context.Background(), conn, author, nil, nil, now)
		require.NoError(t, err)
		require.NotNil(t, row)
	})
}

func TestSnapshotOnlyModeSuppressesTimeline(t *testing.T) {
	rec, _, _, conn := newTestRecorder(t, config.ModeConfig{DefaultMode: config.ModeSnapshotOnly})
	ctx := context.Background()

	author := &domain.Author{ID: 1, Name: "Ada"}
	require.NoError(t, conn.Create(author).Error)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row, err := rec.Record(ctx, conn, author, actor(9), nil, now)
	require.NoError(t, err)
	assert.Nil(t, row, "timeline recording is off in snapshot_only mode")
	assert.EqualValues(t, 0, countRows(t, conn, "author_histories"))

	// snapshot capture still writes
	snapID := snowflake.ID(777)
	row, err = rec.Record(ctx, conn, author, actor(9), &snapID, now)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.SnapshotID)
	assert.Equal(t, snapID, *row.SnapshotID)
}

func TestRecordAdoptsTheRaceWinner(t *testing.T) {
	rec, reg, store, conn := newTestRecorder(t, config.ModeConfig{})
	ctx := context.Background()

	author := &domain.Author{ID: 1, Name: "Ada"}
	require.NoError(t, conn.Create(author).Error)
	meta, _ := reg.Lookup(author)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	winner := &temporal.Row{ForeignID: 1, StartedAt: now, Attrs: map[string]any{"name": "Ada"}}
	require.NoError(t, store.Insert(ctx, conn, meta.Info, winner))

	row, err := rec.Record(ctx, conn, author, actor(9), nil, now)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, row.ID, "the loser adopts the winner's row")
	assert.EqualValues(t, 1, countRows(t, conn, "author_histories"))
}

func TestRecordRejectsUnversionedAndUnidentified(t *testing.T) {
	rec, _, _, conn := newTestRecorder(t, config.ModeConfig{})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := rec.Record(ctx, conn, &domain.Summary{PostID: 1}, actor(9), nil, now)
	assert.ErrorIs(t, err, temporal.ErrNotVersioned)

	_, err = rec.Record(ctx, conn, &domain.Author{}, actor(9), nil, now)
	assert.ErrorIs(t, err, temporal.ErrNoIdentity)
}

func TestPerTypeModeOverrideAtRegistration(t *testing.T) {
	conn := archivetest.OpenDB(t)
	reg := registry.New()
	_, err := reg.Register(&domain.Author{}, registry.WithMode(config.ModeSnapshotOnly))
	require.NoError(t, err)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	store := temporal.NewStore(node, zap.NewNop())
	holder := config.NewStaticModeConfigHolder(config.ModeConfig{})
	rec := New(reg, store, holder, archivetest.NewMetrics(), zap.NewNop())

	author := &domain.Author{ID: 1, Name: "Ada"}
	require.NoError(t, conn.Create(author).Error)

	row, err := rec.Record(context.Background(), conn, author, actor(9), nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, row, "registration override wins over the holder default")
}
