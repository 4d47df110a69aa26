package planner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress log output during tests
	return logger
}

type fakeMappings struct {
	defs  []models.MappingDefinition
	calls int
}

func (f *fakeMappings) MappingsFor(_ context.Context, group string) ([]models.MappingDefinition, error) {
	f.calls++
	var out []models.MappingDefinition
	for _, m := range f.defs {
		if m.FormGroup == group {
			out = append(out, m)
		}
	}
	return out, nil
}

func openSchema(t *testing.T, schema ...string) *analyzer.SchemaAnalyzer {
	t.Helper()
	ctx := context.Background()
	dc, err := connector.NewDatabaseConnector(connector.Config{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "dest.db"),
	}, testLogger())
	require.NoError(t, err)
	require.NoError(t, dc.Connect(ctx))
	t.Cleanup(dc.Disconnect)
	for _, stmt := range schema {
		_, err := dc.ExecuteStatement(ctx, stmt)
		require.NoError(t, err)
	}
	return analyzer.NewSchemaAnalyzer(dc, testLogger())
}

var householdSchema = []string{
	`CREATE TABLE villages (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE dictionary_items (
		id INTEGER PRIMARY KEY,
		form_group TEXT NOT NULL,
		parent_node TEXT,
		t_key TEXT NOT NULL,
		t_value TEXT,
		UNIQUE (form_group, parent_node, t_key)
	)`,
	`CREATE TABLE household (
		id INTEGER PRIMARY KEY,
		hh_code TEXT NOT NULL UNIQUE,
		full_address TEXT,
		village_id INTEGER REFERENCES villages(id),
		religion_id INTEGER REFERENCES dictionary_items(id),
		religion TEXT
	)`,
	`CREATE TABLE member (
		id INTEGER PRIMARY KEY,
		household_id INTEGER NOT NULL REFERENCES household(id),
		name TEXT NOT NULL
	)`,
}

func householdMappings() []models.MappingDefinition {
	return []models.MappingDefinition{
		{ID: 1, FormGroup: "hh", SourceField: "members/name", DestTable: "member", DestColumn: "name", IsRecordIdentifier: true},
		{ID: 2, FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code", IsRecordIdentifier: true},
		{ID: 3, FormGroup: "hh", SourceField: "street", DestTable: "household", DestColumn: "full_address"},
		{ID: 4, FormGroup: "hh", SourceField: "city", DestTable: "household", DestColumn: "full_address"},
		{ID: 5, FormGroup: "hh", SourceField: "village", DestTable: "household", DestColumn: "village_id"},
		{ID: 6, FormGroup: "hh", SourceField: "religion", DestTable: "household", DestColumn: "religion_id", IsLookup: true, QuestionType: "select one"},
		{ID: 7, FormGroup: "hh", SourceField: "religion", DestTable: "household", DestColumn: "religion"},
	}
}

func buildPlan(t *testing.T, schema *analyzer.SchemaAnalyzer, defs []models.MappingDefinition, group string) *Plan {
	t.Helper()
	r := NewResolver(&fakeMappings{defs: defs}, schema, sqlbuilder.SQLite, DefaultOptions(), testLogger())
	plan, err := r.BuildPlan(context.Background(), group)
	require.NoError(t, err)
	return plan
}

func TestBuildPlanDependencyOrder(t *testing.T) {
	plan := buildPlan(t, openSchema(t, householdSchema...), householdMappings(), "hh")

	require.Empty(t, plan.Failed)
	assert.Equal(t, []string{"household", "member"}, plan.Order)

	member := plan.Tables["member"]
	assert.Equal(t, []string{"household"}, member.DependsOn)
	link := member.Column("household_id")
	require.NotNil(t, link)
	assert.Equal(t, BindForeignKey, link.Kind)
	assert.Equal(t, "household", link.RefTable)
	assert.Equal(t, []string{"name"}, member.SourceFields)
	assert.Equal(t, `INSERT INTO "member" ("name", "household_id") VALUES (?, ?)`, member.Insert.SQL)

	hh := plan.Tables["household"]
	assert.Equal(t, "id", hh.PrimaryKey)
	assert.Equal(t, []string{"hh_code"}, hh.DedupColumns)
	assert.Equal(t, `SELECT "id" FROM "household" WHERE "hh_code" IS ?`, hh.DedupProbe.SQL)
	assert.Equal(t, []string{"hh_id", "street", "city", "village", "religion"}, hh.SourceFields)
	assert.Equal(t, []string{"hh_id", "street", "city", "village", "religion", "name"}, plan.SourceFields())
}

func TestBuildPlanMultiSource(t *testing.T) {
	plan := buildPlan(t, openSchema(t, householdSchema...), householdMappings(), "hh")

	b := plan.Tables["household"].Column("full_address")
	require.NotNil(t, b)
	assert.True(t, b.MultiSource())
	assert.Equal(t, []string{"street", "city"}, b.Sources)
	assert.Equal(t, []int64{3, 4}, b.MappingIDs)
	assert.True(t, b.Nullable)
}

func TestBuildPlanDictionaryLookup(t *testing.T) {
	plan := buildPlan(t, openSchema(t, householdSchema...), householdMappings(), "hh")
	hh := plan.Tables["household"]

	b := hh.Column("religion_id")
	require.NotNil(t, b)
	assert.Equal(t, BindLookup, b.Kind)
	require.Len(t, b.Lookups, 1)
	lk := b.Lookups[0]
	assert.True(t, lk.Dictionary)
	assert.True(t, lk.IsSelect)
	assert.Equal(t, []string{"form_group", "parent_node", "t_key"}, lk.KeyColumns)
	assert.Equal(t, `SELECT "id" FROM "dictionary_items" WHERE "form_group" = ? AND "parent_node" = ? AND "t_key" = ?`, lk.Query.SQL)
	assert.Equal(t, "religion", lk.CompanionColumn)
	assert.True(t, hh.Column("religion").Companion)
}

func TestBuildPlanPlainLookupUsesNonSelectKeys(t *testing.T) {
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code", IsRecordIdentifier: true},
		{FormGroup: "hh", SourceField: "religion", DestTable: "household", DestColumn: "religion_id", IsLookup: true, QuestionType: "text"},
	}
	plan := buildPlan(t, openSchema(t, householdSchema...), defs, "hh")
	lk := plan.Tables["household"].Column("religion_id").Lookups[0]
	assert.False(t, lk.IsSelect)
	assert.Equal(t, []string{"form_group", "t_key"}, lk.KeyColumns)
	assert.Empty(t, lk.CompanionColumn)
}

func TestBuildPlanLookupIntoDestinationTable(t *testing.T) {
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code", IsRecordIdentifier: true},
		{FormGroup: "hh", SourceField: "village", DestTable: "household", DestColumn: "village_id", IsLookup: true},
	}
	plan := buildPlan(t, openSchema(t, householdSchema...), defs, "hh")
	lk := plan.Tables["household"].Column("village_id").Lookups[0]
	assert.False(t, lk.Dictionary)
	assert.Equal(t, "villages", lk.Table)
	assert.Equal(t, []string{"name"}, lk.KeyColumns)
	assert.Equal(t, `SELECT "id" FROM "villages" WHERE "name" = ?`, lk.Query.SQL)
}

func TestBuildPlanLinkage(t *testing.T) {
	plan := buildPlan(t, openSchema(t, householdSchema...), householdMappings(), "hh")

	b := plan.Tables["household"].Column("village_id")
	require.NotNil(t, b)
	assert.Equal(t, BindLinkage, b.Kind)
	require.NotNil(t, b.Linkage)
	assert.Equal(t, "villages", b.Linkage.Table)
	assert.Equal(t, "id", b.Linkage.Column)
	assert.Equal(t, []string{"name"}, b.Linkage.KeyColumns)
	assert.NotContains(t, plan.Tables["household"].DependsOn, "villages")
}

func TestBuildPlanCycle(t *testing.T) {
	schema := openSchema(t,
		`CREATE TABLE a (id INTEGER PRIMARY KEY, code TEXT UNIQUE, b_id INTEGER REFERENCES b(id))`,
		`CREATE TABLE b (id INTEGER PRIMARY KEY, code TEXT UNIQUE, a_id INTEGER REFERENCES a(id))`,
	)
	defs := []models.MappingDefinition{
		{FormGroup: "g", SourceField: "x", DestTable: "a", DestColumn: "code", IsRecordIdentifier: true},
		{FormGroup: "g", SourceField: "y", DestTable: "b", DestColumn: "code", IsRecordIdentifier: true},
	}
	plan := buildPlan(t, schema, defs, "g")

	assert.Empty(t, plan.Order)
	require.Len(t, plan.Failed, 2)
	for _, err := range plan.Failed {
		assert.True(t, IsCycle(err))
		assert.Equal(t, models.DependencyCycle, models.KindOf(err))
	}
}

func TestBuildPlanNoRecordIdentifierBlocksDependents(t *testing.T) {
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code"},
		{FormGroup: "hh", SourceField: "name", DestTable: "member", DestColumn: "name", IsRecordIdentifier: true},
	}
	plan := buildPlan(t, openSchema(t, householdSchema...), defs, "hh")

	assert.Empty(t, plan.Order)
	require.Contains(t, plan.Failed, "household")
	assert.True(t, errors.Is(plan.Failed["household"], models.ErrNoRecordIdentifier))
	assert.Equal(t, models.NoUniqueConstraint, models.KindOf(plan.Failed["household"]))

	require.Contains(t, plan.Failed, "member")
	var pe *models.PlanError
	require.True(t, errors.As(plan.Failed["member"], &pe))
	assert.Equal(t, "member", pe.Table)
	assert.Contains(t, pe.Message, "depends on household")
}

func TestBuildPlanNoPrimaryKey(t *testing.T) {
	schema := openSchema(t, `CREATE TABLE notes (body TEXT NOT NULL)`)
	defs := []models.MappingDefinition{
		{FormGroup: "g", SourceField: "body", DestTable: "notes", DestColumn: "body", IsRecordIdentifier: true},
	}
	plan := buildPlan(t, schema, defs, "g")
	require.Contains(t, plan.Failed, "notes")
	assert.True(t, errors.Is(plan.Failed["notes"], models.ErrNoPrimaryKey))
}

func TestBuildPlanUnknownColumn(t *testing.T) {
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "nope", IsRecordIdentifier: true},
	}
	plan := buildPlan(t, openSchema(t, householdSchema...), defs, "hh")
	assert.Equal(t, models.InvalidMapping, models.KindOf(plan.Failed["household"]))
}

func TestBuildPlanBadPattern(t *testing.T) {
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code", IsRecordIdentifier: true, ValidationRegex: "("},
	}
	plan := buildPlan(t, openSchema(t, householdSchema...), defs, "hh")
	assert.True(t, errors.Is(plan.Failed["household"], models.ErrInvalidMapping))
}

// stubSchema serves fixed metadata
type stubSchema struct {
	columns map[string][]models.Column
	fks     map[string][]models.ForeignKey
	unique  map[string][]string
}

func (s *stubSchema) Describe(_ context.Context, table string) ([]models.Column, error) {
	cols, ok := s.columns[table]
	if !ok {
		return nil, errors.New("table not found")
	}
	return cols, nil
}

func (s *stubSchema) ForeignKeys(_ context.Context, table string) ([]models.ForeignKey, error) {
	return s.fks[table], nil
}

func (s *stubSchema) UniqueColumns(_ context.Context, table string) ([]string, error) {
	return s.unique[table], nil
}

func TestBuildPlanAmbiguousForeignKey(t *testing.T) {
	schema := &stubSchema{
		columns: map[string][]models.Column{
			"visit": {
				{Name: "id", ColumnKey: models.KeyPrimary, Extra: "auto_increment"},
				{Name: "code", ColumnKey: models.KeyUnique},
				{Name: "place_id", IsNullable: true},
			},
		},
		fks: map[string][]models.ForeignKey{
			"visit": {
				{Table: "visit", Column: "place_id", ReferencedTable: "clinic", ReferencedColumn: "id"},
				{Table: "visit", Column: "place_id", ReferencedTable: "school", ReferencedColumn: "id"},
			},
		},
	}
	defs := []models.MappingDefinition{
		{FormGroup: "g", SourceField: "code", DestTable: "visit", DestColumn: "code", IsRecordIdentifier: true},
		{FormGroup: "g", SourceField: "place", DestTable: "visit", DestColumn: "place_id"},
	}
	r := NewResolver(&fakeMappings{defs: defs}, schema, sqlbuilder.MySQL, DefaultOptions(), testLogger())
	plan, err := r.BuildPlan(context.Background(), "g")
	require.NoError(t, err)
	assert.True(t, errors.Is(plan.Failed["visit"], models.ErrAmbiguousForeignKey))

	// naming the target resolves it
	defs[1].RefTable = "school"
	schema.unique = map[string][]string{"school": {"name"}}
	schema.columns["school"] = []models.Column{{Name: "id", ColumnKey: models.KeyPrimary}}
	r = NewResolver(&fakeMappings{defs: defs}, schema, sqlbuilder.MySQL, DefaultOptions(), testLogger())
	plan, err = r.BuildPlan(context.Background(), "g")
	require.NoError(t, err)
	require.Empty(t, plan.Failed)
	b := plan.Tables["visit"].Column("place_id")
	assert.Equal(t, BindLinkage, b.Kind)
	assert.Equal(t, "school", b.Linkage.Table)
	assert.Equal(t, "SELECT `id` FROM `school` WHERE `name` = ?", b.Linkage.Query.SQL)
}

func TestBuildPlanPostgresReturning(t *testing.T) {
	schema := &stubSchema{
		columns: map[string][]models.Column{
			"household": {
				{Name: "id", ColumnKey: models.KeyPrimary, Extra: "auto_increment"},
				{Name: "hh_code", ColumnKey: models.KeyUnique},
			},
		},
	}
	defs := []models.MappingDefinition{
		{FormGroup: "hh", SourceField: "hh_id", DestTable: "household", DestColumn: "hh_code", IsRecordIdentifier: true},
	}
	r := NewResolver(&fakeMappings{defs: defs}, schema, sqlbuilder.Postgres, DefaultOptions(), testLogger())
	plan, err := r.BuildPlan(context.Background(), "hh")
	require.NoError(t, err)
	qp := plan.Tables["household"]
	assert.Equal(t, `INSERT INTO "household" ("hh_code") VALUES ($1) RETURNING "id"`, qp.Insert.SQL)
	assert.Equal(t, `SELECT "id" FROM "household" WHERE "hh_code" IS NOT DISTINCT FROM $1`, qp.DedupProbe.SQL)
}

func TestCacheMemoizesPerGroup(t *testing.T) {
	store := &fakeMappings{defs: householdMappings()}
	r := NewResolver(store, openSchema(t, householdSchema...), sqlbuilder.SQLite, DefaultOptions(), testLogger())
	cache := NewCache(r)

	first, err := cache.Plan(context.Background(), "hh")
	require.NoError(t, err)
	second, err := cache.Plan(context.Background(), "hh")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, store.calls)
}

func TestPlanBlockRemovesDependents(t *testing.T) {
	plan := &Plan{
		FormGroup: "hh",
		Order:     []string{"household", "villages", "member", "visit"},
		Tables: map[string]*QueryPlan{
			"household": {Table: "household"},
			"villages":  {Table: "villages"},
			"member":    {Table: "member", DependsOn: []string{"household"}},
			"visit":     {Table: "visit", DependsOn: []string{"member", "villages"}},
		},
	}
	cause := &models.PlanError{Kind: models.MissingMandatoryColumn, Table: "household", Message: "mandatory columns not mapped: head"}

	blocked := plan.Block("household", cause)
	assert.Equal(t, []string{"household", "member", "visit"}, blocked)
	assert.Equal(t, []string{"villages"}, plan.Order)
	assert.Len(t, plan.Tables, 1)
	assert.Equal(t, models.MissingMandatoryColumn, models.KindOf(plan.Failed["visit"]))
	assert.Contains(t, plan.Failed["visit"].Error(), "depends on member")
	assert.False(t, plan.OK())

	// already blocked tables are left alone
	assert.Empty(t, plan.Block("member", cause))
}
