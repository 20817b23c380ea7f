package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunCreatesEventTable(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewRunner(db, zerolog.Nop()).Run(context.Background()))

	for _, table := range []string{"anomaly_events", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))

	cur, pending, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 0, pending)
}

func TestStatusBeforeRun(t *testing.T) {
	db := openTestDB(t)
	cur, pending, err := NewRunner(db, zerolog.Nop()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, cur)
	assert.Equal(t, 1, pending)
}
