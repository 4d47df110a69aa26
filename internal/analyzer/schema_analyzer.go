package analyzer

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/yourbasic/graph"

	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

// Source is the query surface the analyzer needs from a connector
type Source interface {
	ExecuteQuery(ctx context.Context, query string, params ...any) ([]map[string]any, error)
	SQLDialect() sqlbuilder.Dialect
	DatabaseName() string
}

// SchemaAnalyzer introspects the destination schema. Per-table metadata is
// cached for the lifetime of the analyzer.
type SchemaAnalyzer struct {
	DB               Source
	Tables           []string
	TableColumns     map[string][]models.Column
	TableForeignKeys map[string][]models.ForeignKey
	TableUniqueKeys  map[string][][]string
	DependencyGraph  *graph.Mutable
	TableIndexMap    map[string]int
	IndexTableMap    map[int]string
	CircularGroups   [][]string
	Logger           *logrus.Logger
}

// NewSchemaAnalyzer creates a new schema analyzer
func NewSchemaAnalyzer(db Source, logger *logrus.Logger) *SchemaAnalyzer {
	return &SchemaAnalyzer{
		DB:               db,
		TableColumns:     make(map[string][]models.Column),
		TableForeignKeys: make(map[string][]models.ForeignKey),
		TableUniqueKeys:  make(map[string][][]string),
		TableIndexMap:    make(map[string]int),
		IndexTableMap:    make(map[int]string),
		Logger:           logger,
	}
}

// Describe returns the columns of table in ordinal order
func (sa *SchemaAnalyzer) Describe(ctx context.Context, table string) ([]models.Column, error) {
	if cols, ok := sa.TableColumns[table]; ok {
		return cols, nil
	}
	cols, err := sa.queryColumns(ctx, table)
	if err != nil {
		sa.Logger.Errorf("Failed to retrieve columns for table %s: %v", table, err)
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("describe %s: table not found", table)
	}
	sa.TableColumns[table] = cols
	return cols, nil
}

// ForeignKeys returns the foreign keys declared on table
func (sa *SchemaAnalyzer) ForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	if fks, ok := sa.TableForeignKeys[table]; ok {
		return fks, nil
	}
	fks, err := sa.queryForeignKeys(ctx, table)
	if err != nil {
		sa.Logger.Errorf("Failed to retrieve foreign keys for table %s: %v", table, err)
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	sa.TableForeignKeys[table] = fks
	return fks, nil
}

// UniqueKeys returns the unique constraints of table, excluding the primary key
func (sa *SchemaAnalyzer) UniqueKeys(ctx context.Context, table string) ([][]string, error) {
	if keys, ok := sa.TableUniqueKeys[table]; ok {
		return keys, nil
	}
	keys, err := sa.queryUniqueKeys(ctx, table)
	if err != nil {
		sa.Logger.Errorf("Failed to retrieve unique keys for table %s: %v", table, err)
		return nil, fmt.Errorf("unique keys of %s: %w", table, err)
	}
	sa.TableUniqueKeys[table] = keys
	return keys, nil
}

// UniqueColumns returns the columns of the first unique constraint of table
func (sa *SchemaAnalyzer) UniqueColumns(ctx context.Context, table string) ([]string, error) {
	keys, err := sa.UniqueKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys[0], nil
}

// PrimaryKey returns the name of the single primary key column, or "" when
// there is none or it is composite
func PrimaryKey(columns []models.Column) string {
	pk := ""
	for _, col := range columns {
		if col.IsPrimaryKey() {
			if pk != "" {
				return ""
			}
			pk = col.Name
		}
	}
	return pk
}

// FindColumn returns the named column
func FindColumn(columns []models.Column, name string) (models.Column, bool) {
	for _, col := range columns {
		if col.Name == name {
			return col, true
		}
	}
	return models.Column{}, false
}

// AnalyzeSchema loads every table with its columns and foreign keys and
// builds the dependency graph
func (sa *SchemaAnalyzer) AnalyzeSchema(ctx context.Context) error {
	tables, err := sa.listTables(ctx)
	if err != nil {
		sa.Logger.Errorf("Error getting tables: %v", err)
		return err
	}
	sa.Tables = tables

	for i, table := range sa.Tables {
		sa.TableIndexMap[table] = i
		sa.IndexTableMap[i] = table
	}
	sa.DependencyGraph = graph.New(len(sa.Tables))

	for _, table := range sa.Tables {
		if _, err := sa.Describe(ctx, table); err != nil {
			sa.Logger.Warningf("Skipping table %s: %v", table, err)
			continue
		}
		fks, err := sa.ForeignKeys(ctx, table)
		if err != nil {
			return err
		}
		for _, fk := range fks {
			if fk.ReferencedTable == table {
				continue
			}
			// weight 1 for mandatory references, 2 for optional ones
			weight := int64(2)
			if !fk.IsNullable {
				weight = 1
			}
			if srcIdx, ok := sa.TableIndexMap[fk.ReferencedTable]; ok {
				sa.DependencyGraph.AddCost(srcIdx, sa.TableIndexMap[table], weight)
			}
		}
	}

	sa.CircularGroups = nil
	for _, comp := range graph.StrongComponents(sa.DependencyGraph) {
		if len(comp) < 2 {
			continue
		}
		group := make([]string, 0, len(comp))
		for _, idx := range comp {
			group = append(group, sa.IndexTableMap[idx])
		}
		sort.Strings(group)
		sa.CircularGroups = append(sa.CircularGroups, group)
	}
	return nil
}

// GetCircularTables returns tables involved in circular dependencies
func (sa *SchemaAnalyzer) GetCircularTables() map[string]bool {
	circular := make(map[string]bool)
	for _, group := range sa.CircularGroups {
		for _, table := range group {
			circular[table] = true
		}
	}
	return circular
}

// GetTableInsertionOrder returns tables with every table after the tables it
// references. Tables in cycles are appended last, sorted by name.
func (sa *SchemaAnalyzer) GetTableInsertionOrder() ([]string, map[string]bool) {
	circular := sa.GetCircularTables()
	if sa.DependencyGraph == nil {
		return append([]string(nil), sa.Tables...), circular
	}

	acyclic := graph.New(len(sa.Tables))
	for v := 0; v < sa.DependencyGraph.Order(); v++ {
		if circular[sa.IndexTableMap[v]] {
			continue
		}
		sa.DependencyGraph.Visit(v, func(w int, c int64) bool {
			if !circular[sa.IndexTableMap[w]] {
				acyclic.AddCost(v, w, c)
			}
			return false
		})
	}

	order, ok := graph.TopSort(acyclic)
	if !ok {
		sa.Logger.Warning("Dependency graph still cyclic after removing circular tables")
		order = make([]int, len(sa.Tables))
		for i := range order {
			order[i] = i
		}
	}

	var ordered []string
	for _, idx := range order {
		table := sa.IndexTableMap[idx]
		if !circular[table] {
			ordered = append(ordered, table)
		}
	}
	var rest []string
	for table := range circular {
		rest = append(rest, table)
	}
	sort.Strings(rest)
	return append(ordered, rest...), circular
}
