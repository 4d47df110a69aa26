package sqlbuilder

import (
	"fmt"
	"strings"
)

// Dialect identifies the destination SQL flavour
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to its dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql", "":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// Placeholder returns the bind marker for the n-th (1-based) parameter
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Quote quotes an identifier
func (d Dialect) Quote(ident string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// UsesReturning reports whether generated keys are read with RETURNING
// instead of LastInsertId
func (d Dialect) UsesReturning() bool {
	return d == Postgres
}

// Statement is a parameterized SQL template with the ordered names of the
// values it expects
type Statement struct {
	SQL    string
	Params []string
}

func (s Statement) String() string {
	return s.SQL
}

// Insert builds an INSERT for the given columns. When returning is not empty
// and the dialect supports it, the generated key is returned by the statement.
func Insert(d Dialect, table string, columns []string, returning string) Statement {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
		marks[i] = d.Placeholder(i + 1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", d.Quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if returning != "" && d.UsesReturning() {
		fmt.Fprintf(&b, " RETURNING %s", d.Quote(returning))
	}
	return Statement{SQL: b.String(), Params: append([]string(nil), columns...)}
}

// NullSafeEqual returns the comparison operator under which NULL matches NULL
func (d Dialect) NullSafeEqual() string {
	switch d {
	case MySQL:
		return "<=>"
	case Postgres:
		return "IS NOT DISTINCT FROM"
	}
	return "IS"
}

// SelectWhere builds a SELECT of one column filtered by equality on every
// column of where
func SelectWhere(d Dialect, table, column string, where []string) Statement {
	return selectWhere(d, table, column, where, "=")
}

// SelectMatching is SelectWhere with null-safe equality, so a NULL parameter
// matches a NULL column
func SelectMatching(d Dialect, table, column string, where []string) Statement {
	return selectWhere(d, table, column, where, d.NullSafeEqual())
}

func selectWhere(d Dialect, table, column string, where []string, op string) Statement {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", d.Quote(column), d.Quote(table))
	for i, w := range where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s %s", d.Quote(w), op, d.Placeholder(i+1))
	}
	return Statement{SQL: b.String(), Params: append([]string(nil), where...)}
}

// DeleteAll builds an unconditional DELETE
func DeleteAll(d Dialect, table string) Statement {
	return Statement{SQL: fmt.Sprintf("DELETE FROM %s", d.Quote(table))}
}

// CountRows builds a SELECT COUNT(*) for a table
func CountRows(d Dialect, table string) Statement {
	return Statement{SQL: fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", d.Quote(table))}
}

// Bind orders values by the statement's parameter names. Missing names bind NULL.
func (s Statement) Bind(values map[string]any) []any {
	args := make([]any, len(s.Params))
	for i, p := range s.Params {
		args[i] = values[p]
	}
	return args
}
