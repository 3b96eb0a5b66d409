package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRowRejectsMutation(t *testing.T) {
	row := &Row{ID: 1, ForeignID: 42, StartedAt: time.Now().UTC()}

	assert.False(t, row.Update(map[string]any{"label": "changed"}))
	assert.ErrorIs(t, row.Err(), ErrImmutableHistory)

	assert.False(t, row.Destroy())
	assert.ErrorIs(t, row.Err(), ErrImmutableHistory)
}

func TestRowOpen(t *testing.T) {
	row := &Row{StartedAt: time.Now().UTC()}
	assert.True(t, row.Open())

	ended := row.StartedAt.Add(time.Minute)
	row.EndedAt = &ended
	assert.False(t, row.Open())
}

func TestRowAttr(t *testing.T) {
	row := &Row{Attrs: map[string]any{"label": "v1"}}

	v, ok := row.Attr("label")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok = row.Attr("missing")
	assert.False(t, ok)
}
