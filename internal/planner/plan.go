// Package planner turns a form group's mapping definitions into ordered,
// parameterized per-table query plans.
package planner

import (
	"regexp"

	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

// BindingKind tells the loader where a column value comes from
type BindingKind int

const (
	// BindData takes the value from one or more submission fields
	BindData BindingKind = iota
	// BindForeignKey takes the id generated for a referenced table of the
	// same plan
	BindForeignKey
	// BindLookup resolves the value with a keyed select against a
	// dictionary or lookup table
	BindLookup
	// BindLinkage resolves the value against a table outside the plan
	// through that table's unique columns
	BindLinkage
)

func (k BindingKind) String() string {
	switch k {
	case BindData:
		return "data"
	case BindForeignKey:
		return "foreign_key"
	case BindLookup:
		return "lookup"
	case BindLinkage:
		return "linkage"
	}
	return "unknown"
}

// LookupBinding is one keyed select feeding a lookup column
type LookupBinding struct {
	SourceField  string
	QuestionType string
	IsSelect     bool
	Table        string
	Column       string
	KeyColumns   []string
	Dictionary   bool
	Query        sqlbuilder.Statement
	// CompanionColumn receives the raw source value on the row this lookup
	// fans out to
	CompanionColumn string
}

// Linkage is a keyed select against a table outside the plan
type Linkage struct {
	Table      string
	Column     string
	KeyColumns []string
	Query      sqlbuilder.Statement
}

// ColumnBinding is the load-time recipe for one destination column
type ColumnBinding struct {
	Column           string
	Kind             BindingKind
	Sources          []string
	Patterns         map[string]*regexp.Regexp
	Nullable         bool
	DeclaredNullable bool
	RecordIdentifier bool
	RefTable         string
	RefColumn        string
	Lookups          []*LookupBinding
	Linkage          *Linkage
	// Companion columns are filled by a lookup fan-out instead of their sources
	Companion  bool
	MappingIDs []int64
}

// MultiSource reports whether the column concatenates several fields
func (b *ColumnBinding) MultiSource() bool {
	return b.Kind == BindData && len(b.Sources) > 1
}

// QueryPlan is everything needed to load one destination table
type QueryPlan struct {
	Table        string
	PrimaryKey   string
	Insert       sqlbuilder.Statement
	DedupProbe   sqlbuilder.Statement
	Columns      []*ColumnBinding
	DedupColumns []string
	SourceFields []string
	DependsOn    []string
	// DataNodes maps plain data source fields to the column they fill
	DataNodes map[string]string
}

// Column returns the binding of a column, or nil when it is not bound
func (q *QueryPlan) Column(name string) *ColumnBinding {
	for _, b := range q.Columns {
		if b.Column == name {
			return b
		}
	}
	return nil
}

// Plan is the resolved load plan of one form group
type Plan struct {
	FormGroup string
	Order     []string
	Tables    map[string]*QueryPlan
	Failed    map[string]error
}

// SourceFields returns every submission field any planned table reads, in
// plan order without repeats
func (p *Plan) SourceFields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, table := range p.Order {
		for _, f := range p.Tables[table].SourceFields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// OK reports whether every mapped table was planned
func (p *Plan) OK() bool {
	return len(p.Failed) == 0
}

// Block moves a planned table and every table depending on it from the load
// order to Failed. It returns the blocked tables in their former order.
func (p *Plan) Block(table string, err error) []string {
	if _, ok := p.Tables[table]; !ok {
		return nil
	}
	if p.Failed == nil {
		p.Failed = make(map[string]error)
	}
	blocked := map[string]bool{table: true}
	var removed []string
	order := p.Order[:0]
	for _, t := range p.Order {
		var cause string
		for _, dep := range p.Tables[t].DependsOn {
			if blocked[dep] {
				cause = dep
				break
			}
		}
		switch {
		case t == table:
			p.Failed[t] = err
		case cause != "":
			p.Failed[t] = &models.PlanError{
				Kind:    models.KindOf(err),
				Table:   t,
				Message: "depends on " + cause + ": " + p.Failed[cause].Error(),
				Err:     err,
			}
		default:
			order = append(order, t)
			continue
		}
		blocked[t] = true
		removed = append(removed, t)
	}
	for _, t := range removed {
		delete(p.Tables, t)
	}
	p.Order = order
	return removed
}
