package assoc

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/registry"
	"gorm.io/gorm"
)

// Key identifies a node in a snapshot traversal: the shared history table of
// the record's hierarchy plus its identity.
type Key struct {
	Table string
	ID    snowflake.ID
}

// Related is one reachable associated live record.
type Related struct {
	Record any
	Meta   *registry.Meta
	ID     snowflake.ID
}

// Graph enumerates a live record's versioned associations. Targets without a
// history counterpart or without a stable identity (view-backed aggregates)
// are silently skipped.
type Graph struct {
	reg *registry.Registry
}

func NewGraph(reg *registry.Registry) *Graph {
	return &Graph{reg: reg}
}

// Versioned loads the record's associated live records across all relation
// kinds, in relation-name order, each relation's records sorted by ascending
// identity.
func (g *Graph) Versioned(ctx context.Context, tx *gorm.DB, record any) ([]Related, error) {
	sch, err := g.reg.SchemaOf(record)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sch.Relationships.Relations))
	for name := range sch.Relationships.Relations {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Related
	for _, name := range names {
		rel := sch.Relationships.Relations[name]
		if rel.FieldSchema == nil {
			continue
		}

		targetMeta, ok := g.reg.LookupType(rel.FieldSchema.ModelType)
		if !ok {
			// no history counterpart, cannot be snapshotted
			continue
		}
		if rel.FieldSchema.PrioritizedPrimaryField == nil {
			// view-backed or computed aggregate, no stable identity
			continue
		}

		slicePtr := reflect.New(reflect.SliceOf(reflect.PointerTo(rel.FieldSchema.ModelType)))
		if err := tx.WithContext(ctx).Model(record).Association(name).Find(slicePtr.Interface()); err != nil {
			return nil, fmt.Errorf("load association %s: %w", name, err)
		}

		loaded := slicePtr.Elem()
		related := make([]Related, 0, loaded.Len())
		for i := 0; i < loaded.Len(); i++ {
			rec := loaded.Index(i).Interface()
			id, ok := targetMeta.PrimaryKeyOf(rec)
			if !ok {
				continue
			}
			related = append(related, Related{Record: rec, Meta: targetMeta, ID: id})
		}
		sort.Slice(related, func(i, j int) bool { return related[i].ID < related[j].ID })
		out = append(out, related...)
	}

	return out, nil
}
