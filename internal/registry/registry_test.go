package registry

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/archive/domain"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New()

	_, err := reg.Register(&domain.Author{})
	require.NoError(t, err)
	_, err = reg.Register(&domain.Post{}, WithSoftDelete("deleted_at"))
	require.NoError(t, err)
	_, err = reg.Register(&domain.Comment{})
	require.NoError(t, err)
	_, err = reg.Register(&domain.Document{}, WithDiscriminator("kind"))
	require.NoError(t, err)
	_, err = reg.Register(&domain.Note{}, AsSubtypeOf(&domain.Document{}))
	require.NoError(t, err)
	_, err = reg.Register(&domain.Report{}, AsSubtypeOf(&domain.Document{}))
	require.NoError(t, err)

	return reg
}

func TestRegisterDerivesNaming(t *testing.T) {
	reg := newTestRegistry(t)

	meta, ok := reg.Lookup(&domain.Author{})
	require.True(t, ok)
	assert.Equal(t, "authors", meta.Info.LiveTable)
	assert.Equal(t, "author_histories", meta.Info.HistoryTable)
	assert.Equal(t, "author_id", meta.Info.ForeignKey)
	assert.Equal(t, "id", meta.PKColumn)
	assert.Empty(t, meta.SoftDeleteColumn)

	post, ok := reg.Lookup(&domain.Post{})
	require.True(t, ok)
	assert.Equal(t, "deleted_at", post.SoftDeleteColumn)
}

func TestRegisterRejectsTypesWithoutPrimaryKey(t *testing.T) {
	reg := New()
	_, err := reg.Register(&domain.Summary{})
	require.Error(t, err)
}

func TestRegisterWithModeOverride(t *testing.T) {
	reg := New()
	meta, err := reg.Register(&domain.Author{}, WithMode(config.ModeSnapshotOnly), WithActorPolicy(config.ActorSilent))
	require.NoError(t, err)
	assert.Equal(t, config.ModeSnapshotOnly, meta.Mode)
	assert.Equal(t, config.ActorSilent, meta.ActorPolicy)
}

func TestSubtypesShareTheBase(t *testing.T) {
	reg := newTestRegistry(t)

	base, ok := reg.Lookup(&domain.Document{})
	require.True(t, ok)
	note, ok := reg.Lookup(&domain.Note{})
	require.True(t, ok)
	assert.Same(t, base, note, "subtypes resolve to the hierarchy base")

	assert.Equal(t, "documents", base.Info.LiveTable)
	assert.Equal(t, "document_histories", base.Info.HistoryTable)
	assert.Equal(t, "kind", base.Info.Discriminator)

	sub, ok := base.SubtypeFor("Report")
	require.True(t, ok)
	assert.Equal(t, "Report", sub.Name())

	_, ok = base.SubtypeFor("Unknown")
	assert.False(t, ok)
}

func TestKindOfUsesConcreteType(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Document{})

	assert.Equal(t, "Note", meta.KindOf(&domain.Note{}))
	assert.Equal(t, "Document", meta.KindOf(&domain.Document{}))

	author, _ := reg.Lookup(&domain.Author{})
	assert.Empty(t, author.KindOf(&domain.Author{}), "non-polymorphic types carry no kind")
}

func TestSnapshotExcludesIdentityAndRelations(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Author{})

	author := &domain.Author{ID: 42, Name: "Ada", Email: "ada@example.com"}
	attrs, kind, err := meta.Snapshot(author)
	require.NoError(t, err)
	assert.Empty(t, kind)

	assert.NotContains(t, attrs, "id", "primary key becomes the history foreign id")
	assert.Equal(t, "Ada", attrs["name"])
	assert.Equal(t, "ada@example.com", attrs["email"])
	assert.NotContains(t, attrs, "posts")
}

func TestSnapshotStampsDiscriminator(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Document{})

	note := &domain.Note{Document: domain.Document{ID: 7, Title: "todo"}, Pinned: true}
	attrs, kind, err := meta.Snapshot(note)
	require.NoError(t, err)
	assert.Equal(t, "Note", kind)
	assert.Equal(t, "Note", attrs["kind"])
	assert.Equal(t, true, attrs["pinned"])
}

func TestPrimaryKeyRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Author{})

	author := &domain.Author{}
	_, ok := meta.PrimaryKeyOf(author)
	assert.False(t, ok, "zero identity is no identity")

	require.NoError(t, meta.SetPrimaryKey(author, 42))
	id, ok := meta.PrimaryKeyOf(author)
	require.True(t, ok)
	assert.Equal(t, snowflake.ID(42), id)
}

func TestApplyChangesIsStrict(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Author{})

	author := &domain.Author{ID: 42, Name: "Ada"}
	require.NoError(t, meta.ApplyChanges(author, map[string]any{"name": "Grace"}))
	assert.Equal(t, "Grace", author.Name)

	err := meta.ApplyChanges(author, map[string]any{"no_such_column": 1})
	require.Error(t, err)
}

func TestPopulateSkipsUnknownColumns(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Document{})

	doc := &domain.Document{}
	row := map[string]any{
		"id":     int64(7),
		"title":  "report draft",
		"pinned": true, // subtype column, absent on the base
	}
	require.NoError(t, meta.Populate(doc, row))
	assert.Equal(t, snowflake.ID(7), doc.ID)
	assert.Equal(t, "report draft", doc.Title)
}

func TestNewInstanceResolvesSubtype(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Document{})

	inst := meta.NewInstance("Report")
	_, isReport := inst.(*domain.Report)
	assert.True(t, isReport)

	inst = meta.NewInstance("")
	_, isBase := inst.(*domain.Document)
	assert.True(t, isBase)

	inst = meta.NewInstance("Unknown")
	_, isBase = inst.(*domain.Document)
	assert.True(t, isBase, "unknown kinds fall back to the base type")
}

func TestUpdatedAtChangesSurviveSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	meta, _ := reg.Lookup(&domain.Author{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	author := &domain.Author{ID: 1, Name: "Ada", UpdatedAt: now}
	attrs, _, err := meta.Snapshot(author)
	require.NoError(t, err)
	assert.Equal(t, now, attrs["updated_at"])
}
