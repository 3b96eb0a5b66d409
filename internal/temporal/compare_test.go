package temporal

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestValueEqualToleratesTypeDrift(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := now.In(time.FixedZone("UTC+7", 7*3600))

	assert.True(t, ValueEqual(now, local), "same instant in different zones")
	assert.True(t, ValueEqual(int64(7), 7))
	assert.True(t, ValueEqual(snowflake.ID(7), int64(7)))
	assert.True(t, ValueEqual("a", "a"))

	assert.False(t, ValueEqual(now, now.Add(time.Nanosecond)))
	assert.False(t, ValueEqual(int64(7), "7"))
	assert.False(t, ValueEqual(now, int64(7)))
}

func TestAttrsChanged(t *testing.T) {
	attrs := map[string]any{"title": "hello", "count": int64(3)}

	assert.False(t, AttrsChanged(attrs, map[string]any{"title": "hello"}))
	assert.False(t, AttrsChanged(attrs, map[string]any{"count": 3}))
	assert.True(t, AttrsChanged(attrs, map[string]any{"title": "changed"}))
	assert.True(t, AttrsChanged(attrs, map[string]any{"brand_new": 1}))
}

func TestAttrsEqual(t *testing.T) {
	a := map[string]any{"title": "hello", "count": int64(3)}
	b := map[string]any{"title": "hello", "count": 3}

	assert.True(t, AttrsEqual(a, b))

	b["title"] = "other"
	assert.False(t, AttrsEqual(a, b))

	delete(b, "title")
	assert.False(t, AttrsEqual(a, b))
}
