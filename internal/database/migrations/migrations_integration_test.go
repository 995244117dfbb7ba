package migrations_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticket-reservation/internal/database/migrations"
	"ticket-reservation/internal/inventory"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func startPostgres(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ticketing",
				"POSTGRES_PASSWORD": "ticketing",
				"POSTGRES_DB":       "ticketing",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker unavailable, skipping Postgres integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://ticketing:ticketing@%s:%s/ticketing?sslmode=disable", host, port.Port())
	sqldb, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, sqldb.PingContext(ctx))

	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAndInventoryOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}

	db := startPostgres(t)
	ctx := context.Background()
	log := logger.NewWithWriter(io.Discard)

	opts := migrations.DefaultOptions()
	opts.MigrationsDir = "../../../migrations"
	runner := migrations.NewRunner(db, opts, log)
	defer runner.Close()

	require.NoError(t, runner.RunMigrations())
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, migrations.SchemaVersion, version)
	assert.False(t, dirty)

	seeded := migrations.NewRunner(db, migrations.MigrateOptions{MigrationsDir: opts.MigrationsDir, SeedData: true}, log)
	defer seeded.Close()
	require.NoError(t, seeded.RunMigrations())
	version, _, err = seeded.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	// Concurrent reservations on the real database never oversell.
	store := inventory.NewStore()
	var wg sync.WaitGroup
	var reserved atomic.Int32
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.TryReserve(ctx, db, "tt-jazz-vip", 1); err == nil {
				reserved.Add(1)
			} else {
				assert.ErrorIs(t, err, models.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(40), reserved.Load())

	tt, err := store.Get(ctx, db, "tt-jazz-vip")
	require.NoError(t, err)
	assert.Equal(t, 0, tt.Available)

	// The CHECK constraint rejects a counter above total.
	_, err = db.NewUpdate().Model((*models.TicketType)(nil)).
		Set("available = total + 1").
		Where("id = ?", "tt-jazz-regular").
		Exec(ctx)
	assert.Error(t, err)

	require.NoError(t, seeded.MigrateDown())
	version, _, err = seeded.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}
