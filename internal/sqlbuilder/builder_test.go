package sqlbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"":           MySQL,
		"mysql":      MySQL,
		"postgresql": Postgres,
		"pgx":        Postgres,
		"SQLite":     SQLite,
	}
	for in, want := range cases {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestInsert(t *testing.T) {
	stmt := Insert(MySQL, "household", []string{"hh_id", "name"}, "id")
	assert.Equal(t, "INSERT INTO `household` (`hh_id`, `name`) VALUES (?, ?)", stmt.SQL)
	assert.Equal(t, []string{"hh_id", "name"}, stmt.Params)

	stmt = Insert(Postgres, "household", []string{"hh_id", "name"}, "id")
	assert.Equal(t, `INSERT INTO "household" ("hh_id", "name") VALUES ($1, $2) RETURNING "id"`, stmt.SQL)

	stmt = Insert(SQLite, "household", []string{"hh_id"}, "id")
	assert.Equal(t, `INSERT INTO "household" ("hh_id") VALUES (?)`, stmt.SQL)
}

func TestSelectWhere(t *testing.T) {
	stmt := SelectWhere(Postgres, "villages", "id", []string{"form_group", "t_key"})
	assert.Equal(t, `SELECT "id" FROM "villages" WHERE "form_group" = $1 AND "t_key" = $2`, stmt.SQL)

	stmt = SelectWhere(MySQL, "villages", "id", nil)
	assert.Equal(t, "SELECT `id` FROM `villages`", stmt.SQL)
}

func TestSelectMatchingIsNullSafe(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{MySQL, "SELECT `id` FROM `household` WHERE `hh_code` <=> ? AND `village` <=> ?"},
		{Postgres, `SELECT "id" FROM "household" WHERE "hh_code" IS NOT DISTINCT FROM $1 AND "village" IS NOT DISTINCT FROM $2`},
		{SQLite, `SELECT "id" FROM "household" WHERE "hh_code" IS ? AND "village" IS ?`},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			stmt := SelectMatching(tt.dialect, "household", "id", []string{"hh_code", "village"})
			assert.Equal(t, tt.want, stmt.SQL)
			assert.Equal(t, []string{"hh_code", "village"}, stmt.Params)
		})
	}
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, "`we``ird`", MySQL.Quote("we`ird"))
	assert.Equal(t, `"we""ird"`, SQLite.Quote(`we"ird`))
}

func TestBind(t *testing.T) {
	stmt := Insert(SQLite, "t", []string{"a", "b", "c"}, "")
	args := stmt.Bind(map[string]any{"a": 1, "c": "x"})
	assert.Equal(t, []any{1, nil, "x"}, args)
}
