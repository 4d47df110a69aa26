package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

func (sa *SchemaAnalyzer) listTables(ctx context.Context) ([]string, error) {
	var query string
	var params []any
	switch sa.DB.SQLDialect() {
	case sqlbuilder.Postgres:
		query = `
			SELECT table_name AS table_name
			FROM information_schema.tables
			WHERE table_schema = current_schema()
			AND table_type = 'BASE TABLE'
			ORDER BY table_name
		`
	case sqlbuilder.SQLite:
		query = `
			SELECT name AS table_name
			FROM sqlite_master
			WHERE type = 'table'
			AND name NOT LIKE 'sqlite_%'
			ORDER BY name
		`
	default:
		query = `
			SELECT table_name AS table_name
			FROM information_schema.tables
			WHERE table_schema = ?
			AND table_type = 'BASE TABLE'
			ORDER BY table_name
		`
		params = append(params, sa.DB.DatabaseName())
	}

	rows, err := sa.DB.ExecuteQuery(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, connector.ToString(row["table_name"]))
	}
	return tables, nil
}

func (sa *SchemaAnalyzer) queryColumns(ctx context.Context, table string) ([]models.Column, error) {
	switch sa.DB.SQLDialect() {
	case sqlbuilder.Postgres:
		return sa.postgresColumns(ctx, table)
	case sqlbuilder.SQLite:
		return sa.sqliteColumns(ctx, table)
	}
	return sa.mysqlColumns(ctx, table)
}

func (sa *SchemaAnalyzer) mysqlColumns(ctx context.Context, table string) ([]models.Column, error) {
	query := `
		SELECT
			column_name AS column_name,
			data_type AS data_type,
			column_type AS column_type,
			character_maximum_length AS character_maximum_length,
			is_nullable AS is_nullable,
			column_key AS column_key,
			column_default AS column_default,
			extra AS extra,
			column_comment AS column_comment
		FROM information_schema.columns
		WHERE table_schema = ?
		AND table_name = ?
		ORDER BY ordinal_position
	`
	rows, err := sa.DB.ExecuteQuery(ctx, query, sa.DB.DatabaseName(), table)
	if err != nil {
		return nil, err
	}

	columns := make([]models.Column, 0, len(rows))
	for _, row := range rows {
		columns = append(columns, models.Column{
			Name:          connector.ToString(row["column_name"]),
			DataType:      connector.ToString(row["data_type"]),
			ColumnType:    connector.ToString(row["column_type"]),
			CharMaxLength: optionalInt(row["character_maximum_length"]),
			IsNullable:    connector.ToString(row["is_nullable"]) == "YES",
			ColumnKey:     connector.ToString(row["column_key"]),
			Default:       optionalString(row["column_default"]),
			Extra:         connector.ToString(row["extra"]),
			ColumnComment: connector.ToString(row["column_comment"]),
		})
	}
	return columns, nil
}

func (sa *SchemaAnalyzer) postgresColumns(ctx context.Context, table string) ([]models.Column, error) {
	query := `
		SELECT
			column_name AS column_name,
			data_type AS data_type,
			udt_name AS column_type,
			character_maximum_length AS character_maximum_length,
			is_nullable AS is_nullable,
			column_default AS column_default,
			is_identity AS is_identity
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND table_name = $1
		ORDER BY ordinal_position
	`
	rows, err := sa.DB.ExecuteQuery(ctx, query, table)
	if err != nil {
		return nil, err
	}

	keyQuery := `
		SELECT kcu.column_name AS column_name, tc.constraint_type AS constraint_type
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = current_schema()
		AND tc.table_name = $1
		AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
	`
	keyRows, err := sa.DB.ExecuteQuery(ctx, keyQuery, table)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string)
	for _, row := range keyRows {
		col := connector.ToString(row["column_name"])
		switch connector.ToString(row["constraint_type"]) {
		case "PRIMARY KEY":
			keys[col] = models.KeyPrimary
		case "UNIQUE":
			if keys[col] != models.KeyPrimary {
				keys[col] = models.KeyUnique
			}
		default:
			if keys[col] == "" {
				keys[col] = models.KeyMultiple
			}
		}
	}

	columns := make([]models.Column, 0, len(rows))
	for _, row := range rows {
		name := connector.ToString(row["column_name"])
		def := optionalString(row["column_default"])
		extra := ""
		if connector.ToString(row["is_identity"]) == "YES" || (def != nil && strings.HasPrefix(*def, "nextval(")) {
			extra = "auto_increment"
		}
		columns = append(columns, models.Column{
			Name:          name,
			DataType:      connector.ToString(row["data_type"]),
			ColumnType:    connector.ToString(row["column_type"]),
			CharMaxLength: optionalInt(row["character_maximum_length"]),
			IsNullable:    connector.ToString(row["is_nullable"]) == "YES",
			ColumnKey:     keys[name],
			Default:       def,
			Extra:         extra,
		})
	}
	return columns, nil
}

func (sa *SchemaAnalyzer) sqliteColumns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := sa.DB.ExecuteQuery(ctx, `SELECT name, type, "notnull" AS not_null, dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}

	unique, err := sa.sqliteUniqueIndexes(ctx, table)
	if err != nil {
		return nil, err
	}
	singleUnique := make(map[string]bool)
	for _, cols := range unique {
		if len(cols) == 1 {
			singleUnique[cols[0]] = true
		}
	}

	fkRows, err := sa.DB.ExecuteQuery(ctx, `SELECT "from" AS column_name FROM pragma_foreign_key_list(?)`, table)
	if err != nil {
		return nil, err
	}
	fkCols := make(map[string]bool)
	for _, row := range fkRows {
		fkCols[connector.ToString(row["column_name"])] = true
	}

	pkCount := 0
	for _, row := range rows {
		if n, _ := connector.ToInt64(row["pk"]); n > 0 {
			pkCount++
		}
	}

	columns := make([]models.Column, 0, len(rows))
	for _, row := range rows {
		name := connector.ToString(row["name"])
		colType := connector.ToString(row["type"])
		notNull, _ := connector.ToInt64(row["not_null"])
		pk, _ := connector.ToInt64(row["pk"])

		col := models.Column{
			Name:       name,
			DataType:   strings.ToLower(colType),
			ColumnType: colType,
			IsNullable: notNull == 0,
			Default:    optionalString(row["dflt_value"]),
		}
		switch {
		case pk > 0:
			col.ColumnKey = models.KeyPrimary
			col.IsNullable = false
			if pkCount == 1 && strings.EqualFold(colType, "INTEGER") {
				col.Extra = "auto_increment"
			}
		case singleUnique[name]:
			col.ColumnKey = models.KeyUnique
		case fkCols[name]:
			col.ColumnKey = models.KeyMultiple
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// sqliteUniqueIndexes returns unique, non primary key indexes by name
func (sa *SchemaAnalyzer) sqliteUniqueIndexes(ctx context.Context, table string) (map[string][]string, error) {
	idxRows, err := sa.DB.ExecuteQuery(ctx, `SELECT name, "unique" AS is_unique, origin FROM pragma_index_list(?)`, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, row := range idxRows {
		isUnique, _ := connector.ToInt64(row["is_unique"])
		if isUnique == 0 || connector.ToString(row["origin"]) == "pk" {
			continue
		}
		name := connector.ToString(row["name"])
		colRows, err := sa.DB.ExecuteQuery(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, name)
		if err != nil {
			return nil, err
		}
		for _, c := range colRows {
			out[name] = append(out[name], connector.ToString(c["name"]))
		}
	}
	return out, nil
}

func (sa *SchemaAnalyzer) queryForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	var query string
	var params []any
	switch sa.DB.SQLDialect() {
	case sqlbuilder.Postgres:
		query = `
			SELECT
				kcu.column_name AS column_name,
				ccu.table_name AS referenced_table_name,
				ccu.column_name AS referenced_column_name,
				tc.constraint_name AS constraint_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
			WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = current_schema()
			AND tc.table_name = $1
			ORDER BY kcu.column_name
		`
		params = []any{table}
	case sqlbuilder.SQLite:
		query = `
			SELECT
				"from" AS column_name,
				"table" AS referenced_table_name,
				"to" AS referenced_column_name,
				id AS constraint_name
			FROM pragma_foreign_key_list(?)
			ORDER BY "from"
		`
		params = []any{table}
	default:
		query = `
			SELECT
				column_name AS column_name,
				referenced_table_name AS referenced_table_name,
				referenced_column_name AS referenced_column_name,
				constraint_name AS constraint_name
			FROM information_schema.key_column_usage
			WHERE table_schema = ?
			AND table_name = ?
			AND referenced_table_name IS NOT NULL
			ORDER BY column_name
		`
		params = []any{sa.DB.DatabaseName(), table}
	}

	rows, err := sa.DB.ExecuteQuery(ctx, query, params...)
	if err != nil {
		return nil, err
	}

	columns, err := sa.Describe(ctx, table)
	if err != nil {
		return nil, err
	}

	fks := make([]models.ForeignKey, 0, len(rows))
	for _, row := range rows {
		fk := models.ForeignKey{
			Table:            table,
			Column:           connector.ToString(row["column_name"]),
			ReferencedTable:  connector.ToString(row["referenced_table_name"]),
			ReferencedColumn: connector.ToString(row["referenced_column_name"]),
			ConstraintName:   connector.ToString(row["constraint_name"]),
		}
		// sqlite leaves "to" empty when the reference targets the primary key
		if fk.ReferencedColumn == "" {
			refCols, err := sa.Describe(ctx, fk.ReferencedTable)
			if err != nil {
				return nil, err
			}
			fk.ReferencedColumn = PrimaryKey(refCols)
		}
		for _, col := range columns {
			if col.Name == fk.Column {
				fk.IsNullable = col.IsNullable
				break
			}
		}
		fks = append(fks, fk)
	}
	return fks, nil
}

func (sa *SchemaAnalyzer) queryUniqueKeys(ctx context.Context, table string) ([][]string, error) {
	var query string
	var params []any
	switch sa.DB.SQLDialect() {
	case sqlbuilder.SQLite:
		idx, err := sa.sqliteUniqueIndexes(ctx, table)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(idx))
		for name := range idx {
			names = append(names, name)
		}
		sort.Strings(names)
		keys := make([][]string, 0, len(names))
		for _, name := range names {
			keys = append(keys, idx[name])
		}
		return keys, nil
	case sqlbuilder.Postgres:
		query = `
			SELECT tc.constraint_name AS index_name, kcu.column_name AS column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'UNIQUE'
			AND tc.table_schema = current_schema()
			AND tc.table_name = $1
			ORDER BY tc.constraint_name, kcu.ordinal_position
		`
		params = []any{table}
	default:
		query = `
			SELECT index_name AS index_name, column_name AS column_name
			FROM information_schema.statistics
			WHERE table_schema = ?
			AND table_name = ?
			AND non_unique = 0
			AND index_name <> 'PRIMARY'
			ORDER BY index_name, seq_in_index
		`
		params = []any{sa.DB.DatabaseName(), table}
	}

	rows, err := sa.DB.ExecuteQuery(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	var keys [][]string
	current := ""
	for _, row := range rows {
		name := connector.ToString(row["index_name"])
		if name != current || len(keys) == 0 {
			keys = append(keys, nil)
			current = name
		}
		keys[len(keys)-1] = append(keys[len(keys)-1], connector.ToString(row["column_name"]))
	}
	return keys, nil
}

func optionalString(v any) *string {
	if v == nil {
		return nil
	}
	s := connector.ToString(v)
	return &s
}

func optionalInt(v any) *int64 {
	if v == nil {
		return nil
	}
	n, err := strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
