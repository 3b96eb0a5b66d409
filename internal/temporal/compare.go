package temporal

import (
	"reflect"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ValueEqual compares two attribute values loosely enough to survive the
// type drift between struct fields, SQL scans and caller-supplied changes
// (int widths, snowflake ids, time precision).
func ValueEqual(a, b any) bool {
	if at, ok := compareTime(a); ok {
		bt, ok := compareTime(b)
		return ok && at.Equal(bt)
	}
	if ai, ok := compareInt(a); ok {
		if bi, ok := compareInt(b); ok {
			return ai == bi
		}
	}
	return reflect.DeepEqual(a, b)
}

// AttrsEqual reports whether two attribute snapshots are observably equal.
func AttrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for col, av := range a {
		bv, ok := b[col]
		if !ok || !ValueEqual(av, bv) {
			return false
		}
	}
	return true
}

// AttrsChanged reports whether applying changes to a record with the given
// attributes would alter anything observable.
func AttrsChanged(attrs, changes map[string]any) bool {
	for col, next := range changes {
		current, ok := attrs[col]
		if !ok {
			return true
		}
		if !ValueEqual(current, next) {
			return true
		}
	}
	return false
}

func compareTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}

func compareInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case snowflake.ID:
		return int64(n), true
	default:
		return 0, false
	}
}
