// Package sink writes normalized sheets as CSV to a directory or an S3 bucket.
package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"

	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/pkg/models"
)

// Missing is written for fields a record does not carry
const Missing = "-"

var leading = []string{normalizer.FieldUniqueID, normalizer.FieldTopID, normalizer.FieldParentID}

// Sink stores one encoded sheet
type Sink interface {
	Put(ctx context.Context, sheet string, body []byte) error
}

// Book accumulates the records of many submissions, sheet by sheet
type Book struct {
	order  []string
	rows   map[string][]*models.NormalizedRecord
	fields map[string][]string
}

// NewBook returns an empty Book
func NewBook() *Book {
	return &Book{rows: make(map[string][]*models.NormalizedRecord), fields: make(map[string][]string)}
}

// Add appends the sheets of one normalized submission
func (b *Book) Add(res *normalizer.Result) {
	for _, sheet := range res.SheetOrder {
		if _, ok := b.rows[sheet]; !ok {
			b.order = append(b.order, sheet)
		}
		b.rows[sheet] = append(b.rows[sheet], res.Sheets[sheet]...)
	}
}

// SetDraft installs the field names discovered by a normalization pass
func (b *Book) SetDraft(fields map[string][]string) {
	for sheet, names := range fields {
		b.fields[sheet] = append([]string(nil), names...)
	}
}

// Sheets returns sheet names in discovery order
func (b *Book) Sheets() []string {
	return append([]string(nil), b.order...)
}

// Header returns the column order of a sheet: identifiers first, then the
// remaining fields sorted
func (b *Book) Header(sheet string) []string {
	names := make(map[string]bool)
	for _, n := range b.fields[sheet] {
		names[n] = true
	}
	for _, rec := range b.rows[sheet] {
		for _, k := range rec.Fields.Keys() {
			names[k] = true
		}
		for _, child := range rec.ChildOrder {
			names[child] = true
		}
	}
	for _, id := range leading {
		delete(names, id)
	}
	rest := make([]string, 0, len(names))
	for n := range names {
		rest = append(rest, n)
	}
	sort.Strings(rest)
	return append(append([]string(nil), leading...), rest...)
}

// Encode renders one sheet as CSV
func (b *Book) Encode(sheet string) ([]byte, error) {
	header := b.Header(sheet)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, rec := range b.rows[sheet] {
		row := make([]string, len(header))
		for i, field := range header {
			row[i] = cell(rec, field)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode sheet %s: %w", sheet, err)
	}
	return buf.Bytes(), nil
}

func cell(rec *models.NormalizedRecord, field string) string {
	var v string
	switch field {
	case normalizer.FieldUniqueID:
		v = rec.UniqueID
	case normalizer.FieldTopID:
		v = rec.TopID
	case normalizer.FieldParentID:
		v = rec.ParentID
	default:
		if _, ok := rec.Children[field]; ok {
			return "Check " + field
		}
		v, _ = rec.Fields.Get(field)
	}
	if v == "" {
		return Missing
	}
	return v
}

// Write encodes every sheet of the book and hands it to s. It returns the
// sheets written.
func Write(ctx context.Context, b *Book, s Sink) ([]string, error) {
	var written []string
	for _, sheet := range b.order {
		body, err := b.Encode(sheet)
		if err != nil {
			return written, err
		}
		if err := s.Put(ctx, sheet, body); err != nil {
			return written, fmt.Errorf("write sheet %s: %w", sheet, err)
		}
		written = append(written, sheet)
	}
	return written, nil
}
