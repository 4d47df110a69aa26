package models

import (
	"fmt"
	"strings"
	"time"
)

// Fields is an insertion-ordered set of normalized field values
type Fields struct {
	keys   []string
	values map[string]string
}

// NewFields returns an empty field set
func NewFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

// Set stores a value, keeping the first insertion position of the key
func (f *Fields) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Get returns the value for key and whether it was set
func (f *Fields) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Keys returns field names in insertion order
func (f *Fields) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Len returns the number of fields
func (f *Fields) Len() int {
	return len(f.keys)
}

// NormalizedRecord is one row of one sheet. Children holds the records of
// repeated groups nested beneath this row, keyed by sheet name.
type NormalizedRecord struct {
	Sheet      string
	UniqueID   string
	TopID      string
	ParentID   string
	Fields     *Fields
	Children   map[string][]*NormalizedRecord
	ChildOrder []string
}

// NewRecord creates an empty record for a sheet
func NewRecord(sheet, uniqueID string) *NormalizedRecord {
	return &NormalizedRecord{
		Sheet:    sheet,
		UniqueID: uniqueID,
		Fields:   NewFields(),
		Children: make(map[string][]*NormalizedRecord),
	}
}

// AddChildren attaches child records of a repeated group
func (r *NormalizedRecord) AddChildren(sheet string, children []*NormalizedRecord) {
	if _, ok := r.Children[sheet]; !ok {
		r.ChildOrder = append(r.ChildOrder, sheet)
	}
	r.Children[sheet] = append(r.Children[sheet], children...)
}

// HasData reports whether the record or any descendant carries field values
func (r *NormalizedRecord) HasData() bool {
	if r.Fields.Len() > 0 {
		return true
	}
	for _, sheet := range r.ChildOrder {
		for _, child := range r.Children[sheet] {
			if child.HasData() {
				return true
			}
		}
	}
	return false
}

// SubmissionDocument is one raw nested survey response
type SubmissionDocument struct {
	FormID      int64
	InstanceID  string
	SubmittedAt time.Time
	Raw         []byte
	Root        Value
}

var instanceIDKeys = []string{"instanceID", "meta/instanceID", "_uuid"}

// ParseSubmission decodes a raw submission and extracts its instance identifier
func ParseSubmission(formID int64, raw []byte) (SubmissionDocument, error) {
	root, err := ParseValue(raw)
	if err != nil {
		return SubmissionDocument{}, err
	}
	if root.Kind != KindObject {
		return SubmissionDocument{}, &StructureError{Path: "$", Expected: KindObject, Found: root.Kind}
	}

	doc := SubmissionDocument{FormID: formID, Raw: raw, Root: root}
	for _, key := range instanceIDKeys {
		if v, ok := root.Object.Get(key); ok && v.Kind == KindScalar {
			doc.InstanceID = v.Text
			break
		}
	}
	if doc.InstanceID == "" {
		if meta, ok := root.Object.Get("meta"); ok && meta.Kind == KindObject {
			if v, ok := meta.Object.Get("instanceID"); ok && v.Kind == KindScalar {
				doc.InstanceID = v.Text
			}
		}
	}
	if doc.InstanceID == "" {
		return SubmissionDocument{}, fmt.Errorf("submission has no instance identifier")
	}
	return doc, nil
}

// CleanInstanceID strips the uuid: prefix collection servers put on instance ids
func CleanInstanceID(id string) string {
	return strings.TrimPrefix(id, "uuid:")
}
