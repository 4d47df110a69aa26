package analyzer

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/yourbasic/graph"

	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress log output during tests
	return logger
}

func openSQLite(t *testing.T, schema ...string) *connector.DatabaseConnector {
	t.Helper()
	ctx := context.Background()
	dc, err := connector.NewDatabaseConnector(connector.Config{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "dest.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create connector: %v", err)
	}
	if err := dc.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(dc.Disconnect)
	for _, stmt := range schema {
		if _, err := dc.ExecuteStatement(ctx, stmt); err != nil {
			t.Fatalf("Failed to create schema: %v", err)
		}
	}
	return dc
}

var surveySchema = []string{
	`CREATE TABLE villages (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE household (
		id INTEGER PRIMARY KEY,
		hh_code TEXT NOT NULL,
		village_id INTEGER NOT NULL REFERENCES villages(id),
		created TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		note TEXT,
		UNIQUE (hh_code)
	)`,
	`CREATE TABLE member (
		id INTEGER PRIMARY KEY,
		household_id INTEGER NOT NULL REFERENCES household,
		name TEXT NOT NULL,
		UNIQUE (household_id, name)
	)`,
}

func TestNewSchemaAnalyzer(t *testing.T) {
	// Create a new schema analyzer
	sa := NewSchemaAnalyzer(nil, testLogger())

	// Check that the analyzer was created correctly
	if sa == nil {
		t.Fatal("Expected analyzer to be created, got nil")
	}
	if sa.TableColumns == nil {
		t.Error("Expected analyzer.TableColumns to be initialized")
	}
	if sa.TableForeignKeys == nil {
		t.Error("Expected analyzer.TableForeignKeys to be initialized")
	}
	if sa.TableUniqueKeys == nil {
		t.Error("Expected analyzer.TableUniqueKeys to be initialized")
	}
	if sa.TableIndexMap == nil {
		t.Error("Expected analyzer.TableIndexMap to be initialized")
	}
	if sa.IndexTableMap == nil {
		t.Error("Expected analyzer.IndexTableMap to be initialized")
	}
}

func TestDescribeSQLite(t *testing.T) {
	ctx := context.Background()
	sa := NewSchemaAnalyzer(openSQLite(t, surveySchema...), testLogger())

	cols, err := sa.Describe(ctx, "household")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(cols) != 5 {
		t.Fatalf("Expected 5 columns, got %d", len(cols))
	}

	// Check the primary key
	if pk := PrimaryKey(cols); pk != "id" {
		t.Errorf("Expected primary key id, got %q", pk)
	}
	id, _ := FindColumn(cols, "id")
	if !id.IsAutoIncrement() {
		t.Error("Expected id to be auto increment")
	}
	if id.IsNullable {
		t.Error("Expected id to be NOT NULL")
	}

	// Check key flags
	code, _ := FindColumn(cols, "hh_code")
	if code.ColumnKey != models.KeyUnique {
		t.Errorf("Expected hh_code key %q, got %q", models.KeyUnique, code.ColumnKey)
	}
	if code.IsNullable {
		t.Error("Expected hh_code to be NOT NULL")
	}
	village, _ := FindColumn(cols, "village_id")
	if village.ColumnKey != models.KeyMultiple {
		t.Errorf("Expected village_id key %q, got %q", models.KeyMultiple, village.ColumnKey)
	}

	// Check defaults and nullability
	created, _ := FindColumn(cols, "created")
	if !created.HasDefault() {
		t.Error("Expected created to have a default")
	}
	note, _ := FindColumn(cols, "note")
	if !note.IsNullable {
		t.Error("Expected note to be nullable")
	}
	if note.HasDefault() {
		t.Error("Expected note to have no default")
	}

	// Unknown tables fail
	if _, err := sa.Describe(ctx, "missing_table"); err == nil {
		t.Error("Expected an error for a missing table")
	}
}

func TestForeignKeysSQLite(t *testing.T) {
	sa := NewSchemaAnalyzer(openSQLite(t, surveySchema...), testLogger())

	fks, err := sa.ForeignKeys(context.Background(), "member")
	if err != nil {
		t.Fatalf("ForeignKeys failed: %v", err)
	}
	if len(fks) != 1 {
		t.Fatalf("Expected 1 foreign key, got %d", len(fks))
	}
	if fks[0].Column != "household_id" || fks[0].ReferencedTable != "household" {
		t.Errorf("Expected household_id -> household, got %s -> %s", fks[0].Column, fks[0].ReferencedTable)
	}
	// implicit reference resolves to the primary key
	if fks[0].ReferencedColumn != "id" {
		t.Errorf("Expected referenced column id, got %q", fks[0].ReferencedColumn)
	}
	if fks[0].IsNullable {
		t.Error("Expected household_id to be NOT NULL")
	}
}

func TestUniqueKeysSQLite(t *testing.T) {
	ctx := context.Background()
	sa := NewSchemaAnalyzer(openSQLite(t, surveySchema...), testLogger())

	cols, err := sa.UniqueColumns(ctx, "member")
	if err != nil {
		t.Fatalf("UniqueColumns failed: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"household_id", "name"}) {
		t.Errorf("Expected [household_id name], got %v", cols)
	}

	cols, err = sa.UniqueColumns(ctx, "villages")
	if err != nil {
		t.Fatalf("UniqueColumns failed: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"name"}) {
		t.Errorf("Expected [name], got %v", cols)
	}
}

func TestAnalyzeSchemaSQLite(t *testing.T) {
	sa := NewSchemaAnalyzer(openSQLite(t, surveySchema...), testLogger())
	if err := sa.AnalyzeSchema(context.Background()); err != nil {
		t.Fatalf("AnalyzeSchema failed: %v", err)
	}

	if !reflect.DeepEqual(sa.Tables, []string{"household", "member", "villages"}) {
		t.Errorf("Expected tables [household member villages], got %v", sa.Tables)
	}
	order, circular := sa.GetTableInsertionOrder()
	if len(circular) != 0 {
		t.Errorf("Expected no circular tables, got %v", circular)
	}
	if !reflect.DeepEqual(order, []string{"villages", "household", "member"}) {
		t.Errorf("Expected order [villages household member], got %v", order)
	}
}

func TestDescribeMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("survey", "household").
		WillReturnRows(sqlmock.NewRows([]string{
			"column_name", "data_type", "column_type", "character_maximum_length",
			"is_nullable", "column_key", "column_default", "extra", "column_comment",
		}).
			AddRow("id", "int", "int(11)", nil, "NO", "PRI", nil, "auto_increment", "").
			AddRow("hh_code", "varchar", "varchar(50)", "50", "NO", "UNI", nil, "", "").
			AddRow("status", "varchar", "varchar(10)", "10", "NO", "", "new", "", ""))

	sa := NewSchemaAnalyzer(connector.NewFromDB(db, sqlbuilder.MySQL, "survey", testLogger()), testLogger())
	cols, err := sa.Describe(context.Background(), "household")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("Expected 3 columns, got %d", len(cols))
	}
	if pk := PrimaryKey(cols); pk != "id" {
		t.Errorf("Expected primary key id, got %q", pk)
	}
	if !cols[0].IsAutoIncrement() {
		t.Error("Expected id to be auto increment")
	}
	if cols[1].CharMaxLength == nil || *cols[1].CharMaxLength != 50 {
		t.Errorf("Expected hh_code length 50, got %v", cols[1].CharMaxLength)
	}
	if cols[2].Default == nil || *cols[2].Default != "new" {
		t.Errorf("Expected status default new, got %v", cols[2].Default)
	}

	// Cached: no second query
	if _, err := sa.Describe(context.Background(), "household"); err != nil {
		t.Errorf("Cached describe failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestUniqueKeysMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.statistics").
		WithArgs("survey", "member").
		WillReturnRows(sqlmock.NewRows([]string{"index_name", "column_name"}).
			AddRow("uq_member", "household_id").
			AddRow("uq_member", "name").
			AddRow("uq_other", "code"))

	sa := NewSchemaAnalyzer(connector.NewFromDB(db, sqlbuilder.MySQL, "survey", testLogger()), testLogger())
	keys, err := sa.UniqueKeys(context.Background(), "member")
	if err != nil {
		t.Fatalf("UniqueKeys failed: %v", err)
	}
	if !reflect.DeepEqual(keys, [][]string{{"household_id", "name"}, {"code"}}) {
		t.Errorf("Expected [[household_id name] [code]], got %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPrimaryKeyComposite(t *testing.T) {
	cols := []models.Column{
		{Name: "a", ColumnKey: models.KeyPrimary},
		{Name: "b", ColumnKey: models.KeyPrimary},
	}
	if pk := PrimaryKey(cols); pk != "" {
		t.Errorf("Expected no single primary key for a composite key, got %q", pk)
	}
	if pk := PrimaryKey(nil); pk != "" {
		t.Errorf("Expected no primary key for no columns, got %q", pk)
	}
}

func TestGetCircularTables(t *testing.T) {
	sa := NewSchemaAnalyzer(nil, testLogger())
	sa.Tables = []string{"employees", "departments"}
	sa.IndexTableMap = map[int]string{0: "employees", 1: "departments"}
	sa.CircularGroups = [][]string{{"departments", "employees"}}

	// Get circular tables
	circular := sa.GetCircularTables()

	// Check that the circular tables were detected correctly
	if !circular["employees"] {
		t.Error("Expected employees to be detected as a circular table")
	}
	if !circular["departments"] {
		t.Error("Expected departments to be detected as a circular table")
	}
}

func TestGetTableInsertionOrder(t *testing.T) {
	sa := NewSchemaAnalyzer(nil, testLogger())
	sa.Tables = []string{"comments", "posts", "users", "user_posts", "a", "b"}
	for i, table := range sa.Tables {
		sa.TableIndexMap[table] = i
		sa.IndexTableMap[i] = table
	}

	// edges point from the referenced table to the referencing one
	sa.DependencyGraph = graph.New(len(sa.Tables))
	sa.DependencyGraph.AddCost(2, 1, 1) // posts -> users
	sa.DependencyGraph.AddCost(1, 0, 1) // comments -> posts
	sa.DependencyGraph.AddCost(2, 3, 1) // user_posts -> users
	sa.DependencyGraph.AddCost(1, 3, 1) // user_posts -> posts
	sa.DependencyGraph.AddCost(4, 5, 1) // a <-> b
	sa.DependencyGraph.AddCost(5, 4, 1)
	sa.CircularGroups = [][]string{{"a", "b"}}

	// Get table insertion order
	order, circular := sa.GetTableInsertionOrder()

	// Check that the order is correct
	if len(order) != 6 {
		t.Fatalf("Expected 6 tables in order, got %d", len(order))
	}
	if len(circular) != 2 {
		t.Errorf("Expected 2 circular tables, got %d", len(circular))
	}

	pos := make(map[string]int)
	for i, table := range order {
		pos[table] = i
	}
	if pos["users"] > pos["posts"] {
		t.Error("Expected users to come before posts")
	}
	if pos["posts"] > pos["comments"] {
		t.Error("Expected posts to come before comments")
	}
	if pos["posts"] > pos["user_posts"] {
		t.Error("Expected posts to come before user_posts")
	}
	if !reflect.DeepEqual(order[4:], []string{"a", "b"}) {
		t.Errorf("Expected circular tables [a b] last, got %v", order[4:])
	}
}
