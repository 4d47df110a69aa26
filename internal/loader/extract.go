package loader

import (
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/pkg/models"
)

// row is the flat data one destination row is built from
type row struct {
	values map[string]string
	// lineage lists the normalized record ids from the row's own record up
	// to the top record
	lineage []string
}

func (r row) record() string {
	if len(r.lineage) == 0 {
		return ""
	}
	return r.lineage[0]
}

// extractRows collects the rows of a table. Every sheet holding one of the
// wanted fields, and not an ancestor of another such sheet, fans out to one
// row per record, merged with the fields of every ancestor record. Sibling
// repeated groups each contribute their own rows.
func extractRows(res *normalizer.Result, wanted []string) []row {
	want := make(map[string]bool, len(wanted))
	for _, f := range wanted {
		want[f] = true
	}

	byID := make(map[string]*models.NormalizedRecord)
	sheetOf := make(map[string]string)
	holding := make(map[string]bool)
	for _, name := range res.SheetOrder {
		for _, rec := range res.Sheets[name] {
			byID[rec.UniqueID] = rec
			sheetOf[rec.UniqueID] = name
			if holdsAny(rec, want) {
				holding[name] = true
			}
		}
	}
	if len(holding) == 0 {
		return nil
	}

	// a holding sheet above another one only feeds its descendants
	ancestor := make(map[string]bool)
	for _, name := range res.SheetOrder {
		if !holding[name] {
			continue
		}
		for _, rec := range res.Sheets[name] {
			for cur := parentOf(rec, byID); cur != nil; cur = parentOf(cur, byID) {
				ancestor[sheetOf[cur.UniqueID]] = true
			}
		}
	}

	var rows []row
	for _, name := range res.SheetOrder {
		if !holding[name] || ancestor[name] {
			continue
		}
		for _, rec := range res.Sheets[name] {
			rows = append(rows, rowOf(rec, byID))
		}
	}
	return rows
}

func rowOf(rec *models.NormalizedRecord, byID map[string]*models.NormalizedRecord) row {
	var chain []*models.NormalizedRecord
	for cur := rec; cur != nil; cur = parentOf(cur, byID) {
		chain = append(chain, cur)
	}
	r := row{values: make(map[string]string)}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, key := range chain[i].Fields.Keys() {
			v, _ := chain[i].Fields.Get(key)
			r.values[key] = v
		}
	}
	for _, c := range chain {
		r.lineage = append(r.lineage, c.UniqueID)
	}
	r.values[normalizer.FieldUniqueID] = rec.UniqueID
	r.values[normalizer.FieldTopID] = rec.TopID
	r.values[normalizer.FieldParentID] = rec.ParentID
	return r
}

func holdsAny(rec *models.NormalizedRecord, want map[string]bool) bool {
	for _, key := range rec.Fields.Keys() {
		if want[key] {
			return true
		}
	}
	return false
}

func parentOf(rec *models.NormalizedRecord, byID map[string]*models.NormalizedRecord) *models.NormalizedRecord {
	if rec.ParentID == "" || rec.ParentID == rec.UniqueID {
		return nil
	}
	return byID[rec.ParentID]
}
