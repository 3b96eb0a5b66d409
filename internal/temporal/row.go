package temporal

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Column names every history table carries in addition to the live table's
// business columns.
const (
	ColID         = "id"
	ColStartedAt  = "history_started_at"
	ColEndedAt    = "history_ended_at"
	ColUserID     = "history_user_id"
	ColSnapshotID = "snapshot_id"
)

// TableInfo describes where and how a versioned type's history is stored.
// The foreign key and discriminator are derived from the hierarchy base, so
// all subtypes share one history table.
type TableInfo struct {
	LiveTable     string
	HistoryTable  string
	ForeignKey    string
	Discriminator string
}

// Row is one validity interval of a live record's state. Rows are append
// only: after creation the sanctioned transitions are closing the interval
// (EndedAt) and, exactly once, promotion into a named snapshot (SnapshotID).
type Row struct {
	ID         snowflake.ID
	ForeignID  snowflake.ID
	StartedAt  time.Time
	EndedAt    *time.Time
	UserID     *int64
	SnapshotID *snowflake.ID
	Kind       string // discriminator value, empty for non-polymorphic types
	Attrs      map[string]any
	Table      string // history table this row came from

	lastErr error
}

// Open reports whether this row is the record's current interval.
func (r *Row) Open() bool {
	return r.EndedAt == nil
}

// Update rejects mutation of a history row. Business columns are immutable
// after creation; the sanctioned transitions go through Store.Close and
// Store.Promote. Returns false instead of an error so generic code that
// saves records uniformly fails safely.
func (r *Row) Update(changes map[string]any) bool {
	r.lastErr = ErrImmutableHistory
	return false
}

// Destroy rejects deletion of a history row, always. Returns false rather
// than an error for the same reason as Update.
func (r *Row) Destroy() bool {
	r.lastErr = ErrImmutableHistory
	return false
}

// Err returns the reason the last Update or Destroy was rejected.
func (r *Row) Err() error {
	return r.lastErr
}

// Attr returns a business column value from the row.
func (r *Row) Attr(column string) (any, bool) {
	v, ok := r.Attrs[column]
	return v, ok
}
