package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoRowsAffected is returned by Insert when the statement reports zero
// affected rows without a driver error. Callers treat it like a duplicate.
var ErrNoRowsAffected = errors.New("insert affected no rows")

// Store is the SQL access layer for history rows. All methods operate inside
// the caller's transaction; the store itself never opens one.
type Store struct {
	node *snowflake.Node
	log  *zap.Logger
}

func NewStore(node *snowflake.Node, log *zap.Logger) *Store {
	return &Store{node: node, log: log}
}

// Insert appends row to the history table, minting a synthetic id when the
// row has none. The caller owns duplicate-key handling.
func (s *Store) Insert(ctx context.Context, tx *gorm.DB, info TableInfo, row *Row) error {
	if row.ID == 0 {
		row.ID = s.node.Generate()
	}
	row.Table = info.HistoryTable

	values := make(map[string]any, len(row.Attrs)+6)
	for col, v := range row.Attrs {
		values[col] = v
	}
	values[ColID] = int64(row.ID)
	values[info.ForeignKey] = int64(row.ForeignID)
	values[ColStartedAt] = row.StartedAt
	values[ColEndedAt] = row.EndedAt
	values[ColUserID] = row.UserID
	if row.SnapshotID != nil {
		values[ColSnapshotID] = int64(*row.SnapshotID)
	} else {
		values[ColSnapshotID] = nil
	}
	if info.Discriminator != "" && row.Kind != "" {
		values[info.Discriminator] = row.Kind
	}

	res := tx.WithContext(ctx).Table(info.HistoryTable).Create(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// InsertBatch appends many rows in one statement, minting ids as needed.
func (s *Store) InsertBatch(ctx context.Context, tx *gorm.DB, info TableInfo, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.ID == 0 {
			row.ID = s.node.Generate()
		}
		row.Table = info.HistoryTable

		v := make(map[string]any, len(row.Attrs)+6)
		for col, av := range row.Attrs {
			v[col] = av
		}
		v[ColID] = int64(row.ID)
		v[info.ForeignKey] = int64(row.ForeignID)
		v[ColStartedAt] = row.StartedAt
		v[ColEndedAt] = row.EndedAt
		v[ColUserID] = row.UserID
		if row.SnapshotID != nil {
			v[ColSnapshotID] = int64(*row.SnapshotID)
		} else {
			v[ColSnapshotID] = nil
		}
		if info.Discriminator != "" && row.Kind != "" {
			v[info.Discriminator] = row.Kind
		}
		values = append(values, v)
	}

	return tx.WithContext(ctx).Table(info.HistoryTable).Create(values).Error
}

// FindOpen returns the record's current interval, or nil when none is open.
// Duplicate open rows are a data-quality condition: the highest synthetic id
// wins and a warning is logged.
func (s *Store) FindOpen(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID snowflake.ID) (*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s IS NULL", info.ForeignKey, ColEndedAt), int64(foreignID)).
		Order(fmt.Sprintf("%s DESC, %s DESC", ColStartedAt, ColID)).
		Limit(2).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > 1 {
		s.log.Warn("multiple open history rows for one record, using highest id",
			zap.String("table", info.HistoryTable),
			zap.Int64("foreign_id", int64(foreignID)),
		)
	}
	return s.decode(info, raw[0])
}

// FindByStart returns the row matching (foreign id, started at), used to
// adopt the winner of a concurrent insert race. Ties resolve to the highest
// synthetic id.
func (s *Store) FindByStart(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID snowflake.ID, startedAt time.Time) (*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s = ?", info.ForeignKey, ColStartedAt), int64(foreignID), startedAt).
		Order(ColID + " DESC").
		Limit(2).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > 1 {
		s.log.Warn("duplicate history_started_at outside the insert race path",
			zap.String("table", info.HistoryTable),
			zap.Int64("foreign_id", int64(foreignID)),
			zap.Time("history_started_at", startedAt),
		)
	}
	return s.decode(info, raw[0])
}

// FindBySnapshot returns the record's row within a named snapshot, if any.
func (s *Store) FindBySnapshot(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID, snapshotID snowflake.ID) (*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s = ?", info.ForeignKey, ColSnapshotID), int64(foreignID), int64(snapshotID)).
		Limit(1).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return s.decode(info, raw[0])
}

// FindNullSnapshot returns the record's open row that is not yet part of any
// snapshot, eligible for promotion.
func (s *Store) FindNullSnapshot(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID snowflake.ID) (*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s IS NULL AND %s IS NULL", info.ForeignKey, ColEndedAt, ColSnapshotID), int64(foreignID)).
		Order(ColID + " DESC").
		Limit(1).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return s.decode(info, raw[0])
}

// Close ends the row's validity interval. Idempotent: a row that is already
// closed stays closed with its original end.
func (s *Store) Close(ctx context.Context, tx *gorm.DB, info TableInfo, row *Row, now time.Time) error {
	res := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s IS NULL", ColID, ColEndedAt), int64(row.ID)).
		Update(ColEndedAt, now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		row.EndedAt = &now
	}
	return nil
}

// CloseAllOpen ends the open interval of every listed record in one statement.
func (s *Store) CloseAllOpen(ctx context.Context, tx *gorm.DB, info TableInfo, foreignIDs []snowflake.ID, now time.Time) error {
	if len(foreignIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(foreignIDs))
	for i, id := range foreignIDs {
		ids[i] = int64(id)
	}
	return tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s IN ? AND %s IS NULL", info.ForeignKey, ColEndedAt), ids).
		Update(ColEndedAt, now).Error
}

// Promote stamps a snapshot id onto an existing null-snapshot row. Once-only:
// returns false when the row already belongs to a snapshot.
func (s *Store) Promote(ctx context.Context, tx *gorm.DB, info TableInfo, row *Row, snapshotID snowflake.ID) (bool, error) {
	res := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s IS NULL", ColID, ColSnapshotID), int64(row.ID)).
		Update(ColSnapshotID, int64(snapshotID))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	row.SnapshotID = &snapshotID
	return true, nil
}

// Current returns every open history row of the type.
func (s *Store) Current(ctx context.Context, tx *gorm.DB, info TableInfo) ([]*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(ColEndedAt + " IS NULL").
		Order(fmt.Sprintf("%s ASC, %s ASC", info.ForeignKey, ColID)).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	return s.decodeAll(info, raw)
}

// Timeline returns the record's history newest-first, cursor-paginated.
func (s *Store) Timeline(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID snowflake.ID, limit int, cursor *pagination.Cursor) ([]*Row, error) {
	stmt := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(info.ForeignKey+" = ?", int64(foreignID))

	if cursor != nil && cursor.StartedAt != "" && cursor.ID != "" {
		startedAt, ok := parseTime(cursor.StartedAt)
		if !ok {
			return nil, fmt.Errorf("invalid cursor %s %q", ColStartedAt, cursor.StartedAt)
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor id %q: %w", cursor.ID, err)
		}
		stmt = stmt.Where(
			fmt.Sprintf("(%s < ?) OR (%s = ? AND %s < ?)", ColStartedAt, ColStartedAt, ColID),
			startedAt, startedAt, int64(id),
		)
	}

	var raw []map[string]any
	err := stmt.
		Order(fmt.Sprintf("%s DESC, %s DESC", ColStartedAt, ColID)).
		Limit(limit + 1).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	return s.decodeAll(info, raw)
}

// LatestSnapshot returns the record's most recent snapshot row: highest
// snapshot id wins (snapshot ids are time-ordered), ties break to the
// highest synthetic id.
func (s *Store) LatestSnapshot(ctx context.Context, tx *gorm.DB, info TableInfo, foreignID snowflake.ID) (*Row, error) {
	var raw []map[string]any
	err := tx.WithContext(ctx).Table(info.HistoryTable).
		Where(fmt.Sprintf("%s = ? AND %s IS NOT NULL", info.ForeignKey, ColSnapshotID), int64(foreignID)).
		Order(fmt.Sprintf("%s DESC, %s DESC", ColSnapshotID, ColID)).
		Limit(1).
		Find(&raw).Error
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return s.decode(info, raw[0])
}

func (s *Store) decodeAll(info TableInfo, raw []map[string]any) ([]*Row, error) {
	rows := make([]*Row, 0, len(raw))
	for _, r := range raw {
		row, err := s.decode(info, r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) decode(info TableInfo, raw map[string]any) (*Row, error) {
	row := &Row{
		Table: info.HistoryTable,
		Attrs: make(map[string]any, len(raw)),
	}

	for col, v := range raw {
		switch col {
		case ColID:
			id, ok := asID(v)
			if !ok {
				return nil, fmt.Errorf("history row in %s has invalid id %v", info.HistoryTable, v)
			}
			row.ID = id
		case info.ForeignKey:
			id, ok := asID(v)
			if !ok {
				return nil, fmt.Errorf("history row in %s has invalid %s %v", info.HistoryTable, info.ForeignKey, v)
			}
			row.ForeignID = id
		case ColStartedAt:
			t, ok := asTime(v)
			if !ok {
				return nil, fmt.Errorf("history row in %s has invalid %s %v", info.HistoryTable, ColStartedAt, v)
			}
			row.StartedAt = t
		case ColEndedAt:
			if v == nil {
				break
			}
			t, ok := asTime(v)
			if !ok {
				return nil, fmt.Errorf("history row in %s has invalid %s %v", info.HistoryTable, ColEndedAt, v)
			}
			row.EndedAt = &t
		case ColUserID:
			if v == nil {
				break
			}
			if id, ok := asID(v); ok {
				actor := int64(id)
				row.UserID = &actor
			}
		case ColSnapshotID:
			if v == nil {
				break
			}
			id, ok := asID(v)
			if !ok {
				return nil, fmt.Errorf("history row in %s has invalid %s %v", info.HistoryTable, ColSnapshotID, v)
			}
			row.SnapshotID = &id
		default:
			if col == info.Discriminator && info.Discriminator != "" {
				if kind, ok := v.(string); ok {
					row.Kind = kind
				}
			}
			row.Attrs[col] = v
		}
	}

	return row, nil
}

func asID(v any) (snowflake.ID, bool) {
	switch n := v.(type) {
	case snowflake.ID:
		return n, true
	case int64:
		return snowflake.ID(n), true
	case int:
		return snowflake.ID(n), true
	case uint64:
		return snowflake.ID(n), true
	case int32:
		return snowflake.ID(n), true
	case float64:
		return snowflake.ID(int64(n)), true
	case string:
		id, err := snowflake.ParseString(n)
		if err != nil {
			return 0, false
		}
		return id, true
	case []byte:
		return asID(string(n))
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, false
	}
}

func parseTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
