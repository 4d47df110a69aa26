package planner

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/yourbasic/graph"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

// MappingStore supplies the mapping definitions of a form group
type MappingStore interface {
	MappingsFor(ctx context.Context, formGroup string) ([]models.MappingDefinition, error)
}

// Introspector describes destination tables
type Introspector interface {
	Describe(ctx context.Context, table string) ([]models.Column, error)
	ForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error)
	UniqueColumns(ctx context.Context, table string) ([]string, error)
}

// Options configure lookup resolution
type Options struct {
	DictionaryTable  string
	SelectKeyColumns []string
	PlainKeyColumns  []string
}

// DefaultOptions returns the dictionary layout used when none is configured
func DefaultOptions() Options {
	return Options{
		DictionaryTable:  "dictionary_items",
		SelectKeyColumns: []string{"form_group", "parent_node", "t_key"},
		PlainKeyColumns:  []string{"form_group", "t_key"},
	}
}

// Resolver builds query plans from mapping definitions and the destination schema
type Resolver struct {
	mappings MappingStore
	schema   Introspector
	dialect  sqlbuilder.Dialect
	opts     Options
	logger   *logrus.Logger
}

// NewResolver creates a Resolver
func NewResolver(mappings MappingStore, schema Introspector, dialect sqlbuilder.Dialect, opts Options, logger *logrus.Logger) *Resolver {
	def := DefaultOptions()
	if len(opts.SelectKeyColumns) == 0 {
		opts.SelectKeyColumns = def.SelectKeyColumns
	}
	if len(opts.PlainKeyColumns) == 0 {
		opts.PlainKeyColumns = def.PlainKeyColumns
	}
	return &Resolver{mappings: mappings, schema: schema, dialect: dialect, opts: opts, logger: logger}
}

// BuildPlan plans every table the form group maps. Tables that cannot be
// planned, and the tables depending on them, are reported in Plan.Failed.
func (r *Resolver) BuildPlan(ctx context.Context, formGroup string) (*Plan, error) {
	defs, err := r.mappings.MappingsFor(ctx, formGroup)
	if err != nil {
		return nil, fmt.Errorf("load mappings of %s: %w", formGroup, err)
	}

	p := &planPass{
		r:        r,
		ctx:      ctx,
		group:    formGroup,
		byTable:  make(map[string][]models.MappingDefinition),
		plans:    make(map[string]*QueryPlan),
		failed:   make(map[string]error),
		visiting: make(map[string]bool),
		log:      r.logger.WithField("form_group", formGroup),
	}
	for _, m := range defs {
		if _, ok := p.byTable[m.DestTable]; !ok {
			p.tables = append(p.tables, m.DestTable)
		}
		p.byTable[m.DestTable] = append(p.byTable[m.DestTable], m)
	}

	for _, table := range p.tables {
		_ = p.plan(table)
	}

	plan := &Plan{FormGroup: formGroup, Tables: p.plans, Failed: p.failed}
	plan.Order = p.order()
	p.log.Debugf("Planned %d tables, %d failed: %v", len(plan.Order), len(plan.Failed), plan.Order)
	return plan, nil
}

// planPass is the state of one BuildPlan call
type planPass struct {
	r        *Resolver
	ctx      context.Context
	group    string
	tables   []string
	byTable  map[string][]models.MappingDefinition
	plans    map[string]*QueryPlan
	planned  []string
	failed   map[string]error
	visiting map[string]bool
	log      *logrus.Entry
}

func (p *planPass) inGroup(table string) bool {
	_, ok := p.byTable[table]
	return ok
}

// plan builds the plan of table after the tables it depends on
func (p *planPass) plan(table string) error {
	if _, ok := p.plans[table]; ok {
		return nil
	}
	if err, ok := p.failed[table]; ok {
		return err
	}
	if p.visiting[table] {
		return &models.PlanError{
			Kind:    models.DependencyCycle,
			Table:   table,
			Message: "table is part of a reference cycle",
			Err:     models.ErrDependencyCycle,
		}
	}
	p.visiting[table] = true
	defer delete(p.visiting, table)

	qp, err := p.build(table)
	if err != nil {
		p.log.WithField("table", table).Errorf("Cannot plan table: %v", err)
		p.failed[table] = err
		return err
	}
	p.plans[table] = qp
	p.planned = append(p.planned, table)
	return nil
}

func planError(kind models.ErrorKind, table string, err error, format string, args ...any) error {
	return &models.PlanError{Kind: kind, Table: table, Message: fmt.Sprintf(format, args...), Err: err}
}

func dependencyFailed(table, dep string, err error) error {
	return planError(models.KindOf(err), table, err, "depends on %s: %v", dep, err)
}

func (p *planPass) build(table string) (*QueryPlan, error) {
	log := p.log.WithField("table", table)
	cols, err := p.r.schema.Describe(p.ctx, table)
	if err != nil {
		return nil, planError(models.InvalidMapping, table, err, "cannot describe table: %v", err)
	}
	pk := analyzer.PrimaryKey(cols)
	if pk == "" {
		return nil, planError(models.NoPrimaryKey, table, models.ErrNoPrimaryKey, "no single-column primary key")
	}
	defs := p.byTable[table]
	if len(defs) == 0 {
		return nil, planError(models.NoSourceMapping, table, models.ErrNoSourceMapping, "table is referenced but has no mapped source fields")
	}

	qp := &QueryPlan{Table: table, PrimaryKey: pk, DataNodes: make(map[string]string)}
	deps := newOrderedSet()

	// mappings bound to the same column are resolved together
	var colOrder []string
	colDefs := make(map[string][]models.MappingDefinition)
	for _, m := range defs {
		if _, ok := analyzer.FindColumn(cols, m.DestColumn); !ok {
			return nil, planError(models.InvalidMapping, table, models.ErrInvalidMapping, "column %s does not exist", m.DestColumn)
		}
		if _, ok := colDefs[m.DestColumn]; !ok {
			colOrder = append(colOrder, m.DestColumn)
		}
		colDefs[m.DestColumn] = append(colDefs[m.DestColumn], m)
	}

	for _, name := range colOrder {
		col, _ := analyzer.FindColumn(cols, name)
		b, err := p.bindColumn(qp, col, colDefs[name], deps)
		if err != nil {
			return nil, err
		}
		qp.Columns = append(qp.Columns, b)
	}

	if err := p.bindForeignKeys(qp, deps); err != nil {
		return nil, err
	}
	if err := p.finishTargets(qp); err != nil {
		return nil, err
	}

	for _, b := range qp.Columns {
		if b.Kind != BindLookup {
			continue
		}
		for _, lk := range b.Lookups {
			if target, ok := qp.DataNodes[lk.SourceField]; ok {
				if companion := qp.Column(target); companion != nil && companion.Kind == BindData {
					lk.CompanionColumn = target
					companion.Companion = true
				}
			}
		}
	}

	names := make([]string, 0, len(qp.Columns))
	for _, b := range qp.Columns {
		names = append(names, b.Column)
		if b.RecordIdentifier {
			qp.DedupColumns = append(qp.DedupColumns, b.Column)
		}
	}
	if len(qp.DedupColumns) == 0 {
		return nil, planError(models.NoUniqueConstraint, table, models.ErrNoRecordIdentifier, "no record identifier column declared")
	}

	qp.Insert = sqlbuilder.Insert(p.r.dialect, table, names, pk)
	qp.DedupProbe = sqlbuilder.SelectMatching(p.r.dialect, table, pk, qp.DedupColumns)
	qp.DependsOn = deps.items
	log.Debugf("Insert: %s", qp.Insert)
	log.Debugf("Dedup probe: %s", qp.DedupProbe)
	return qp, nil
}

func (p *planPass) bindColumn(qp *QueryPlan, col models.Column, defs []models.MappingDefinition, deps *orderedSet) (*ColumnBinding, error) {
	b := &ColumnBinding{Column: col.Name, Kind: BindData, Nullable: col.IsNullable}
	lookup := false
	for _, m := range defs {
		src := normalizer.CleanKey(m.SourceField)
		addUnique(&qp.SourceFields, src)
		addUnique(&b.Sources, src)
		b.MappingIDs = append(b.MappingIDs, m.ID)
		if m.Nullable != nil && *m.Nullable {
			b.DeclaredNullable = true
			b.Nullable = true
		}
		if m.IsRecordIdentifier {
			b.RecordIdentifier = true
		}
		if m.ValidationRegex != "" {
			re, err := regexp.Compile(m.ValidationRegex)
			if err != nil {
				return nil, planError(models.InvalidMapping, qp.Table, models.ErrInvalidMapping, "bad validation pattern on %s: %v", col.Name, err)
			}
			if b.Patterns == nil {
				b.Patterns = make(map[string]*regexp.Regexp)
			}
			b.Patterns[src] = re
		}
		if m.IsLookup {
			lookup = true
		}
	}

	if lookup {
		// lookup semantics win over concatenation
		b.Kind = BindLookup
		for _, m := range defs {
			b.Lookups = append(b.Lookups, &LookupBinding{
				SourceField:  normalizer.CleanKey(m.SourceField),
				QuestionType: m.QuestionType,
				IsSelect:     m.IsSelect(),
				Table:        m.RefTable,
				Column:       m.RefColumn,
			})
		}
		return b, nil
	}

	for _, m := range defs {
		if m.RefTable == "" {
			qp.DataNodes[normalizer.CleanKey(m.SourceField)] = col.Name
		}
	}

	if len(defs) == 1 && defs[0].RefTable != "" && defs[0].RefTable != qp.Table {
		ref := defs[0].RefTable
		b.RefTable = ref
		b.RefColumn = defs[0].RefColumn
		if p.inGroup(ref) {
			if err := p.plan(ref); err != nil {
				return nil, dependencyFailed(qp.Table, ref, err)
			}
			b.Kind = BindForeignKey
			if b.RefColumn == "" {
				b.RefColumn = p.plans[ref].PrimaryKey
			}
			deps.add(ref)
		}
	}
	return b, nil
}

// bindForeignKeys applies the introspected foreign keys of the table
func (p *planPass) bindForeignKeys(qp *QueryPlan, deps *orderedSet) error {
	fks, err := p.r.schema.ForeignKeys(p.ctx, qp.Table)
	if err != nil {
		return planError(models.UnknownDatabaseError, qp.Table, err, "cannot read foreign keys: %v", err)
	}

	var fkOrder []string
	byCol := make(map[string][]models.ForeignKey)
	for _, fk := range fks {
		if fk.ReferencedTable == qp.Table {
			continue
		}
		if _, ok := byCol[fk.Column]; !ok {
			fkOrder = append(fkOrder, fk.Column)
		}
		byCol[fk.Column] = append(byCol[fk.Column], fk)
	}

	for _, column := range fkOrder {
		b := qp.Column(column)
		fk, ok := pickForeignKey(byCol[column], b)
		if !ok {
			return planError(models.AmbiguousForeignKey, qp.Table, models.ErrAmbiguousForeignKey,
				"column %s references %d tables and the mapping names none of them", column, len(byCol[column]))
		}
		ref := fk.ReferencedTable

		if b != nil && b.Kind == BindForeignKey {
			continue
		}
		if b != nil && b.Kind == BindLookup {
			for _, lk := range b.Lookups {
				if lk.Table == "" {
					lk.Table = ref
					lk.Column = fk.ReferencedColumn
				}
			}
			continue
		}

		if _, planned := p.plans[ref]; planned || p.inGroup(ref) {
			if err := p.plan(ref); err != nil {
				return dependencyFailed(qp.Table, ref, err)
			}
			deps.add(ref)
			if b == nil {
				b = &ColumnBinding{Column: column, Nullable: fk.IsNullable}
				qp.Columns = append(qp.Columns, b)
			} else {
				p.log.WithField("table", qp.Table).Debugf("Column %s carries the id generated for %s", column, ref)
			}
			b.Kind = BindForeignKey
			b.RefTable = ref
			b.RefColumn = fk.ReferencedColumn
			continue
		}

		if b == nil {
			continue
		}
		link, err := p.linkage(qp.Table, ref, fk.ReferencedColumn)
		if err != nil {
			return err
		}
		b.Kind = BindLinkage
		b.RefTable = ref
		b.RefColumn = link.Column
		b.Linkage = link
	}
	return nil
}

// pickForeignKey chooses the foreign key of a column, preferring the table
// the mapping names when the column has several
func pickForeignKey(fks []models.ForeignKey, b *ColumnBinding) (models.ForeignKey, bool) {
	if len(fks) == 1 {
		return fks[0], true
	}
	if b == nil {
		return models.ForeignKey{}, false
	}
	targets := []string{b.RefTable}
	for _, lk := range b.Lookups {
		targets = append(targets, lk.Table)
	}
	for _, fk := range fks {
		for _, t := range targets {
			if t != "" && fk.ReferencedTable == t {
				return fk, true
			}
		}
	}
	return models.ForeignKey{}, false
}

// finishTargets completes lookups and declared references outside the plan
func (p *planPass) finishTargets(qp *QueryPlan) error {
	for _, b := range qp.Columns {
		switch b.Kind {
		case BindLookup:
			for _, lk := range b.Lookups {
				if err := p.finishLookup(qp.Table, b.Column, lk); err != nil {
					return err
				}
			}
		case BindData:
			if b.RefTable == "" || b.Linkage != nil {
				continue
			}
			link, err := p.linkage(qp.Table, b.RefTable, b.RefColumn)
			if err != nil {
				return err
			}
			b.Kind = BindLinkage
			b.RefColumn = link.Column
			b.Linkage = link
		}
	}
	return nil
}

func (p *planPass) finishLookup(table, column string, lk *LookupBinding) error {
	if lk.Table == "" {
		return planError(models.InvalidMapping, table, models.ErrInvalidMapping, "lookup column %s has no target table", column)
	}
	if lk.Column == "" {
		pk, err := p.primaryKeyOf(lk.Table)
		if err != nil {
			return planError(models.KindOf(err), table, err, "lookup target %s: %v", lk.Table, err)
		}
		lk.Column = pk
	}

	if lk.Table == p.r.opts.DictionaryTable {
		lk.Dictionary = true
		if lk.IsSelect {
			lk.KeyColumns = p.r.opts.SelectKeyColumns
		} else {
			lk.KeyColumns = p.r.opts.PlainKeyColumns
		}
	} else {
		uniq, err := p.uniqueColumns(table, lk.Table)
		if err != nil {
			return err
		}
		lk.KeyColumns = uniq
	}
	lk.Query = sqlbuilder.SelectWhere(p.r.dialect, lk.Table, lk.Column, lk.KeyColumns)
	return nil
}

func (p *planPass) linkage(table, ref, refColumn string) (*Linkage, error) {
	if refColumn == "" {
		pk, err := p.primaryKeyOf(ref)
		if err != nil {
			return nil, planError(models.KindOf(err), table, err, "linked table %s: %v", ref, err)
		}
		refColumn = pk
	}
	uniq, err := p.uniqueColumns(table, ref)
	if err != nil {
		return nil, err
	}
	return &Linkage{
		Table:      ref,
		Column:     refColumn,
		KeyColumns: uniq,
		Query:      sqlbuilder.SelectWhere(p.r.dialect, ref, refColumn, uniq),
	}, nil
}

func (p *planPass) uniqueColumns(table, ref string) ([]string, error) {
	uniq, err := p.r.schema.UniqueColumns(p.ctx, ref)
	if err != nil {
		return nil, planError(models.UnknownDatabaseError, table, err, "cannot read unique keys of %s: %v", ref, err)
	}
	if len(uniq) == 0 {
		return nil, planError(models.NoUniqueConstraint, table, models.ErrNoUniqueConstraint, "linked table %s has no unique columns", ref)
	}
	return uniq, nil
}

func (p *planPass) primaryKeyOf(table string) (string, error) {
	cols, err := p.r.schema.Describe(p.ctx, table)
	if err != nil {
		return "", planError(models.InvalidMapping, table, err, "cannot describe table: %v", err)
	}
	pk := analyzer.PrimaryKey(cols)
	if pk == "" {
		return "", planError(models.NoPrimaryKey, table, models.ErrNoPrimaryKey, "no single-column primary key")
	}
	return pk, nil
}

// order sorts the planned tables so every table follows its dependencies
func (p *planPass) order() []string {
	index := make(map[string]int, len(p.planned))
	for i, table := range p.planned {
		index[table] = i
	}
	g := graph.New(len(p.planned))
	for _, table := range p.planned {
		for _, dep := range p.plans[table].DependsOn {
			g.Add(index[dep], index[table])
		}
	}

	sorted, ok := graph.TopSort(graph.Sort(g))
	if !ok {
		for _, table := range p.planned {
			p.failed[table] = planError(models.DependencyCycle, table, models.ErrDependencyCycle, "table is part of a reference cycle")
			delete(p.plans, table)
		}
		return nil
	}
	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		order = append(order, p.planned[v])
	}
	return order
}

type orderedSet struct {
	items []string
	seen  map[string]bool
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(item string) {
	if !s.seen[item] {
		s.seen[item] = true
		s.items = append(s.items, item)
	}
}

func addUnique(list *[]string, item string) {
	for _, v := range *list {
		if v == item {
			return
		}
	}
	*list = append(*list, item)
}

// IsCycle reports whether err stems from a reference cycle
func IsCycle(err error) bool {
	return errors.Is(err, models.ErrDependencyCycle)
}
