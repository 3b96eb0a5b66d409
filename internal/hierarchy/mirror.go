package hierarchy

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/temporal"
)

// Mirror keeps polymorphic history rows correctly typed. Retrieval resolves
// the discriminator value to the concrete live subtype, and Materialize
// builds a transient, never-persisted instance of that subtype from a
// history row so behavior defined only on the live subtype stays reachable.
//
// Resolution is lazy: a subtype may be registered after history rows for it
// already exist. Resolved types are cached until Reset.
type Mirror struct {
	reg *registry.Registry

	mu       sync.RWMutex
	resolved map[string]reflect.Type
}

func NewMirror(reg *registry.Registry) *Mirror {
	return &Mirror{
		reg:      reg,
		resolved: make(map[string]reflect.Type),
	}
}

// Materialize returns a transient live-subtype instance populated from the
// row's business columns. The instance carries the live record's identity
// but is not tracked by any session: saving it is the caller's mistake, and
// recording history for it never happens implicitly.
func (m *Mirror) Materialize(meta *registry.Meta, row *temporal.Row) (any, error) {
	t, err := m.resolve(meta, row.Kind)
	if err != nil {
		return nil, err
	}

	inst := reflect.New(t).Interface()
	if err := meta.Populate(inst, row.Attrs); err != nil {
		return nil, fmt.Errorf("materialize %s row %d: %w", meta.Info.HistoryTable, row.ID, err)
	}

	// restore the live identity so the instance behaves like its record
	if err := meta.SetPrimaryKey(inst, row.ForeignID); err != nil {
		return nil, fmt.Errorf("materialize %s row %d: set identity: %w", meta.Info.HistoryTable, row.ID, err)
	}
	return inst, nil
}

// Reset invalidates the resolved-type cache. Needed only when the set of
// registered subtypes changes at runtime.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = make(map[string]reflect.Type)
}

func (m *Mirror) resolve(meta *registry.Meta, kind string) (reflect.Type, error) {
	if kind == "" {
		return meta.Type, nil
	}

	key := meta.Info.LiveTable + "/" + kind

	m.mu.RLock()
	t, ok := m.resolved[key]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, ok = meta.SubtypeFor(kind)
	if !ok {
		return nil, fmt.Errorf("no registered subtype for discriminator %q on %s", kind, meta.Info.LiveTable)
	}

	m.mu.Lock()
	m.resolved[key] = t
	m.mu.Unlock()
	return t, nil
}
