package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vitebski/survey-loader/internal/connector"
)

// startMySQL runs a throwaway MySQL server and connects to it
func startMySQL(t *testing.T) *connector.DatabaseConnector {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "test_password",
				"MYSQL_DATABASE":      "survey",
			},
			// the init server logs this once before the real server starts
			WaitingFor: wait.ForLog("ready for connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	dc, err := connector.NewDatabaseConnector(connector.Config{
		Driver:   "mysql",
		Host:     host,
		Port:     port.Port(),
		User:     "root",
		Password: "test_password",
		Database: "survey",
	}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		if err = dc.Connect(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(dc.Disconnect)
	return dc
}

var mysqlFamilySchema = []string{
	`CREATE TABLE household (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		hh_code VARCHAR(32) NOT NULL UNIQUE,
		full_address VARCHAR(255)
	)`,
	`CREATE TABLE member (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		household_id BIGINT NOT NULL,
		name VARCHAR(64) NOT NULL,
		UNIQUE KEY uq_member (household_id, name),
		CONSTRAINT fk_member_household FOREIGN KEY (household_id) REFERENCES household(id)
	)`,
	`CREATE TABLE visit (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		member_id BIGINT NOT NULL,
		day VARCHAR(16) NOT NULL,
		UNIQUE KEY uq_visit (member_id, day),
		CONSTRAINT fk_visit_member FOREIGN KEY (member_id) REFERENCES member(id)
	)`,
}

func TestMySQLProcessFamily(t *testing.T) {
	dc := startMySQL(t)
	e := newEnv(t, dc, mysqlFamilySchema, familyMappings...)
	assert.Equal(t, []string{"household", "member", "visit"}, e.plan.Order)

	e.submit(familyDoc)
	p := e.processor(0)
	results, err := p.ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError, results[0].Comments)
	assert.Equal(t, 1, results[0].Committed)
	assert.Equal(t, int64(1), e.count("household"))
	assert.Equal(t, int64(2), e.count("member"))
	assert.Equal(t, int64(3), e.count("visit"))

	assert.Equal(t, []string{"1", "2", "3"}, e.column(`
		SELECT v.day FROM visit v
		JOIN member m ON m.id = v.member_id
		JOIN household h ON h.id = m.household_id
		WHERE h.hh_code = 'A1'
		ORDER BY v.day`))

	// a second load of the same instance finds every row already present
	require.NoError(t, e.store.ResetProcessed(context.Background()))
	results, err = p.ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, results[0].IsError, results[0].Comments)
	assert.Equal(t, int64(3), e.count("visit"))

	cleared, err := p.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"visit", "member", "household"}, cleared)
	assert.Equal(t, int64(0), e.count("household"))
}
