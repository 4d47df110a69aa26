package loader

import (
	"github.com/vitebski/survey-loader/pkg/models"
)

// registry collects the primary keys generated while loading one instance.
// Ids are also indexed by the normalized record that produced them so rows
// nested under a record pick their own parent.
type registry struct {
	ids      map[string][]any
	byRecord map[string]map[string]any
}

func newRegistry() *registry {
	return &registry{
		ids:      make(map[string][]any),
		byRecord: make(map[string]map[string]any),
	}
}

func (r *registry) add(table, recordID string, id any) {
	r.ids[table] = append(r.ids[table], id)
	if recordID == "" {
		return
	}
	if r.byRecord[table] == nil {
		r.byRecord[table] = make(map[string]any)
	}
	r.byRecord[table][recordID] = id
}

// resolve returns the id generated for table, walking lineage (own record
// first, top record last) before falling back to the single id of the table
func (r *registry) resolve(table string, lineage []string) (any, error) {
	for _, rec := range lineage {
		if id, ok := r.byRecord[table][rec]; ok {
			return id, nil
		}
	}
	switch n := len(r.ids[table]); n {
	case 0:
		return nil, models.NewLoadError(models.MissingForeignKey, table, "no row was written to %s for this instance", table)
	case 1:
		return r.ids[table][0], nil
	default:
		return nil, models.NewLoadError(models.AmbiguousForeignKey, table, "%d rows were written to %s and none belongs to this record", n, table)
	}
}
