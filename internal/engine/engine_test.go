package engine

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/archive/archivetest"
	"github.com/smallbiznis/chronicle/internal/archive/domain"
	"github.com/smallbiznis/chronicle/internal/assoc"
	"github.com/smallbiznis/chronicle/internal/bulk"
	"github.com/smallbiznis/chronicle/internal/clock"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/hierarchy"
	"github.com/smallbiznis/chronicle/internal/recorder"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/snapshot"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/smallbiznis/chronicle/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (*Engine, *clock.FakeClock, *gorm.DB, *registry.Registry) {
	t.Helper()

	conn := archivetest.OpenDB(t)
	reg := archivetest.NewRegistry(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	log := zap.NewNop()
	store := temporal.NewStore(node, log)
	holder := config.NewStaticModeConfigHolder(config.ModeConfig{})
	metrics := archivetest.NewMetrics()
	rec := recorder.New(reg, store, holder, metrics, log)
	graph := assoc.NewGraph(reg)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	eng := New(Param{
		DB:      conn,
		Reg:     reg,
		Store:   store,
		Rec:     rec,
		Bulk:    bulk.New(reg, store, rec, metrics, log),
		Snap:    snapshot.New(reg, store, graph, rec, node, metrics, log),
		Mirror:  hierarchy.NewMirror(reg),
		Clock:   fake,
		Node:    node,
		Metrics: metrics,
		Log:     log,
	})
	return eng, fake, conn, reg
}

func actor(id int64) *int64 { return &id }

func historyCount(t *testing.T, conn *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Table(table).Count(&n).Error)
	return n
}

func TestCreateMintsIdentityAndOpensTimeline(t *testing.T) {
	eng, _, conn, _ := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada", Email: "ada@example.com"}
	row, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	assert.NotZero(t, author.ID, "a missing identity is minted")
	require.NotNil(t, row)
	assert.True(t, row.Open())
	assert.Equal(t, author.ID, row.ForeignID)

	var liveCount int64
	require.NoError(t, conn.Table("authors").Count(&liveCount).Error)
	assert.EqualValues(t, 1, liveCount)
	assert.EqualValues(t, 1, historyCount(t, conn, "author_histories"))
}

func TestUpdateAppendsAndNoOpDoesNot(t *testing.T) {
	eng, fake, conn, _ := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada", Email: "ada@example.com"}
	_, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	fake.Advance(time.Minute)
	row, err := eng.Update(ctx, author, map[string]any{"bio": "pioneer"}, actor(9))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "pioneer", author.Bio)
	assert.EqualValues(t, 2, historyCount(t, conn, "author_histories"))

	fake.Advance(time.Minute)
	row, err = eng.Update(ctx, author, map[string]any{"bio": "pioneer"}, actor(9))
	require.NoError(t, err)
	assert.Nil(t, row, "a change that alters nothing leaves the timeline alone")
	assert.EqualValues(t, 2, historyCount(t, conn, "author_histories"))
}

func TestDeleteHonorsSoftDeleteConfiguration(t *testing.T) {
	eng, fake, conn, reg := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada"}
	_, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	post := &domain.Post{AuthorID: author.ID, Title: "hello"}
	_, err = eng.Create(ctx, post, actor(9))
	require.NoError(t, err)

	// soft delete: the live row stays, marked
	fake.Advance(time.Minute)
	require.NoError(t, eng.Delete(ctx, post, actor(9)))

	var reloaded domain.Post
	require.NoError(t, conn.First(&reloaded, "id = ?", int64(post.ID)).Error)
	require.NotNil(t, reloaded.DeletedAt)
	assert.EqualValues(t, 2, historyCount(t, conn, "post_histories"))

	// hard delete: the live row goes, the open interval closes, no new row
	fake.Advance(time.Minute)
	require.NoError(t, eng.Delete(ctx, author, actor(9)))

	var liveCount int64
	require.NoError(t, conn.Table("authors").Count(&liveCount).Error)
	assert.EqualValues(t, 0, liveCount)
	assert.EqualValues(t, 1, historyCount(t, conn, "author_histories"))

	meta, _ := reg.Lookup(author)
	open, err := eng.store.FindOpen(ctx, conn, meta.Info, author.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestTimelinePaginatesNewestFirst(t *testing.T) {
	eng, fake, _, _ := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada"}
	_, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	for _, bio := range []string{"v2", "v3", "v4", "v5"} {
		fake.Advance(time.Minute)
		_, err := eng.Update(ctx, author, map[string]any{"bio": bio}, actor(9))
		require.NoError(t, err)
	}

	rows, info, err := eng.Timeline(ctx, author, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v5", rows[0].Attrs["bio"])
	assert.Equal(t, "v4", rows[1].Attrs["bio"])
	require.True(t, info.HasMore)

	rows, info, err = eng.Timeline(ctx, author, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v3", rows[0].Attrs["bio"])
	assert.Equal(t, "v2", rows[1].Attrs["bio"])
	require.True(t, info.HasMore)

	rows, info, err = eng.Timeline(ctx, author, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rows, 1, "the create row remains")
	assert.False(t, info.HasMore)
}

func TestSnapshotAndLatestThroughTheFacade(t *testing.T) {
	eng, fake, _, _ := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada"}
	_, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	fake.Advance(time.Minute)
	first, err := eng.Snapshot(ctx, author, actor(9))
	require.NoError(t, err)
	require.NotNil(t, first.SnapshotID)

	fake.Advance(time.Minute)
	second, err := eng.Snapshot(ctx, author, actor(9))
	require.NoError(t, err)

	latest, err := eng.LatestSnapshot(ctx, author)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, *second.SnapshotID, *latest.SnapshotID)
}

func TestSnapshotRejectsHistoryRows(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.Snapshot(context.Background(), &temporal.Row{ID: 1}, actor(9))
	assert.ErrorIs(t, err, temporal.ErrCannotSnapshotHistory)
}

func TestTouchRecordsWithoutALiveWrite(t *testing.T) {
	eng, fake, conn, _ := newTestEngine(t)
	ctx := context.Background()

	author := &domain.Author{Name: "Ada"}
	_, err := eng.Create(ctx, author, actor(9))
	require.NoError(t, err)

	fake.Advance(time.Minute)
	row, err := eng.Touch(ctx, author, actor(9))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 2, historyCount(t, conn, "author_histories"))
}

func TestMaterializePolymorphicTimeline(t *testing.T) {
	eng, fake, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.db.Create(&domain.Author{ID: 900, Name: "Ada"}).Error)
	note := &domain.Note{Document: domain.Document{AuthorID: 900, Title: "todo"}, Pinned: true}
	_, err := eng.Create(ctx, note, actor(9))
	require.NoError(t, err)

	fake.Advance(time.Minute)
	_, err = eng.Update(ctx, note, map[string]any{"title": "todo v2"}, actor(9))
	require.NoError(t, err)

	rows, _, err := eng.Timeline(ctx, note, pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Note", rows[0].Kind)

	inst, err := eng.Materialize(ctx, rows[1])
	require.NoError(t, err)
	materialized, ok := inst.(*domain.Note)
	require.True(t, ok)
	assert.Equal(t, "todo", materialized.Title, "the older interval materializes its state")
	assert.Equal(t, note.ID, materialized.ID)
}

func TestCurrentListsOpenRowsOfTheType(t *testing.T) {
	eng, fake, _, _ := newTestEngine(t)
	ctx := context.Background()

	a := &domain.Author{Name: "Ada"}
	_, err := eng.Create(ctx, a, actor(9))
	require.NoError(t, err)

	fake.Advance(time.Minute)
	b := &domain.Author{Name: "Grace"}
	_, err = eng.Create(ctx, b, actor(9))
	require.NoError(t, err)

	current, err := eng.Current(ctx, &domain.Author{})
	require.NoError(t, err)
	assert.Len(t, current, 2)
}
