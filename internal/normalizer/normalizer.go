// Package normalizer flattens nested survey submissions into per-sheet
// record sets linked by synthetic identifiers.
package normalizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jinzhu/inflection"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/pkg/models"
)

// Identifier columns every sheet starts with
const (
	FieldUniqueID = "unique_id"
	FieldTopID    = "top_id"
	FieldParentID = "parent_id"
)

var idColumns = []string{FieldUniqueID, FieldTopID, FieldParentID}

// Cleaner rewrites a field value when Pattern matches it
type Cleaner struct {
	Pattern *regexp.Regexp
	Replace string
}

// NewCleaner compiles a case-insensitive cleaner
func NewCleaner(pattern, replace string) (Cleaner, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Cleaner{}, fmt.Errorf("compile cleaner %q: %w", pattern, err)
	}
	return Cleaner{Pattern: re, Replace: replace}, nil
}

// Options configure a Normalizer
type Options struct {
	TopSheet  string
	TopPrefix string
	ZeroValue string
	NAValue   string
	AddTopID  bool
	Cleaners  map[string][]Cleaner
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		TopSheet:  "main",
		TopPrefix: "hh_",
		ZeroValue: "0",
		NAValue:   "N/A",
		AddTopID:  true,
	}
}

// Normalizer creates normalization passes
type Normalizer struct {
	opts   Options
	logger *logrus.Logger
}

// New creates a Normalizer
func New(opts Options, logger *logrus.Logger) *Normalizer {
	def := DefaultOptions()
	if opts.TopSheet == "" {
		opts.TopSheet = def.TopSheet
	}
	if opts.TopPrefix == "" {
		opts.TopPrefix = def.TopPrefix
	}
	if opts.ZeroValue == "" {
		opts.ZeroValue = def.ZeroValue
	}
	if opts.NAValue == "" {
		opts.NAValue = def.NAValue
	}
	return &Normalizer{opts: opts, logger: logger}
}

// Filter is the set of field names of interest. A nil Filter keeps everything.
type Filter map[string]bool

// NewFilter builds a filter from field names
func NewFilter(fields ...string) Filter {
	f := make(Filter, len(fields))
	for _, name := range fields {
		f[CleanKey(name)] = true
	}
	return f
}

func (f Filter) keeps(key string) bool {
	return f == nil || f[key]
}

// Result holds the sheets produced from one submission
type Result struct {
	Top        *models.NormalizedRecord
	Sheets     map[string][]*models.NormalizedRecord
	SheetOrder []string
}

// Records returns the records of one sheet
func (r *Result) Records(sheet string) []*models.NormalizedRecord {
	return r.Sheets[sheet]
}

func (r *Result) add(rec *models.NormalizedRecord) {
	if _, ok := r.Sheets[rec.Sheet]; !ok {
		r.SheetOrder = append(r.SheetOrder, rec.Sheet)
	}
	r.Sheets[rec.Sheet] = append(r.Sheets[rec.Sheet], rec)
}

func (r *Result) drop(sheet string) {
	delete(r.Sheets, sheet)
	for i, s := range r.SheetOrder {
		if s == sheet {
			r.SheetOrder = append(r.SheetOrder[:i], r.SheetOrder[i+1:]...)
			return
		}
	}
}

// Pass holds the identifier counters and schema draft of one normalization
// pass. A Pass is not safe for concurrent use.
type Pass struct {
	n        *Normalizer
	counters map[string]int
	draft    map[string][]string
	order    []string
}

// NewPass starts a normalization pass with fresh counters
func (n *Normalizer) NewPass() *Pass {
	return &Pass{
		n:        n,
		counters: make(map[string]int),
		draft:    make(map[string][]string),
	}
}

// Draft returns sheet names in discovery order and the ordered field names
// seen for each sheet
func (p *Pass) Draft() ([]string, map[string][]string) {
	out := make(map[string][]string, len(p.draft))
	for k, v := range p.draft {
		out[k] = append([]string(nil), v...)
	}
	return append([]string(nil), p.order...), out
}

func (p *Pass) introduce(sheet string) bool {
	if _, ok := p.draft[sheet]; ok {
		return false
	}
	p.draft[sheet] = append([]string(nil), idColumns...)
	p.order = append(p.order, sheet)
	return true
}

func (p *Pass) discard(sheet string) {
	delete(p.draft, sheet)
	for i, s := range p.order {
		if s == sheet {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

func (p *Pass) note(sheet, field string) {
	for _, f := range p.draft[sheet] {
		if f == field {
			return
		}
	}
	p.draft[sheet] = append(p.draft[sheet], field)
}

func (p *Pass) nextID(sheet string) string {
	p.counters[sheet]++
	prefix := p.n.opts.TopPrefix
	if sheet != p.n.opts.TopSheet {
		prefix = inflection.Singular(sheet) + "_"
	}
	return fmt.Sprintf("%s%d", prefix, p.counters[sheet])
}

// Normalize flattens one submission document. The document root must be an object.
func (p *Pass) Normalize(doc models.Value, filter Filter) (*Result, error) {
	if doc.Kind != models.KindObject {
		return nil, &models.StructureError{Path: "$", Expected: models.KindObject, Found: doc.Kind}
	}

	top := p.n.opts.TopSheet
	p.introduce(top)

	res := &Result{Sheets: make(map[string][]*models.NormalizedRecord)}
	rec := models.NewRecord(top, p.nextID(top))
	if p.n.opts.AddTopID {
		rec.TopID = rec.UniqueID
	}
	res.Top = rec
	res.add(rec)

	if err := p.walk(doc.Object, rec, res, filter, "$"); err != nil {
		return nil, err
	}

	// sheets are listed in discovery order, parents before children
	order := res.SheetOrder[:0]
	for _, sheet := range p.order {
		if _, ok := res.Sheets[sheet]; ok {
			order = append(order, sheet)
		}
	}
	res.SheetOrder = order
	return res, nil
}

// walk merges the fields of obj into rec, descending into lists
func (p *Pass) walk(obj *models.Object, rec *models.NormalizedRecord, res *Result, filter Filter, path string) error {
	for _, key := range obj.Keys {
		clean := CleanKey(key)
		if clean == "_geolocation" {
			continue
		}
		value := obj.Fields[key]
		here := path + "." + clean

		switch value.Kind {
		case models.KindObject:
			if err := p.walk(value.Object, rec, res, filter, here); err != nil {
				return err
			}
		case models.KindList:
			if err := p.walkList(clean, value.List, rec, res, filter, here); err != nil {
				return err
			}
		default:
			if !filter.keeps(clean) {
				continue
			}
			rec.Fields.Set(clean, p.scalar(clean, value))
			p.note(rec.Sheet, clean)
		}
	}
	return nil
}

func (p *Pass) walkList(sheet string, items []models.Value, parent *models.NormalizedRecord, res *Result, filter Filter, path string) error {
	introduced := p.introduce(sheet)

	children, err := p.collect(sheet, items, parent, res, filter, path)
	if err != nil {
		return err
	}

	kept := children[:0]
	for _, child := range children {
		if child.HasData() {
			kept = append(kept, child)
		}
	}
	if len(kept) == 0 {
		if introduced {
			p.n.logger.Debugf("Discarding sheet %s: nothing of interest", sheet)
			p.discard(sheet)
			res.drop(sheet)
		}
		return nil
	}

	for _, child := range kept {
		res.add(child)
	}
	parent.AddChildren(sheet, kept)
	p.note(parent.Sheet, sheet)
	return nil
}

// collect builds one record per object element; nested lists flatten into
// the same sheet
func (p *Pass) collect(sheet string, items []models.Value, parent *models.NormalizedRecord, res *Result, filter Filter, path string) ([]*models.NormalizedRecord, error) {
	var out []*models.NormalizedRecord
	for i, item := range items {
		here := fmt.Sprintf("%s[%d]", path, i)
		switch item.Kind {
		case models.KindObject:
			child := models.NewRecord(sheet, p.nextID(sheet))
			child.ParentID = parent.UniqueID
			if p.n.opts.AddTopID {
				child.TopID = parent.TopID
			}
			if err := p.walk(item.Object, child, res, filter, here); err != nil {
				return nil, err
			}
			out = append(out, child)
		case models.KindList:
			nested, err := p.collect(sheet, item.List, parent, res, filter, here)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		default:
			return nil, &models.StructureError{Path: here, Expected: models.KindObject, Found: item.Kind}
		}
	}
	return out, nil
}

func (p *Pass) scalar(key string, v models.Value) string {
	switch v.Kind {
	case models.KindNull:
		return p.n.opts.NAValue
	case models.KindZero:
		return p.n.opts.ZeroValue
	}
	for _, c := range p.n.opts.Cleaners[key] {
		if c.Pattern.MatchString(v.Text) {
			return c.Replace
		}
	}
	return v.Text
}

// CleanKey keeps the last path segment of a submission key
func CleanKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
