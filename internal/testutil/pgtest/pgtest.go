// Package pgtest provides a migrated PostgreSQL database for integration
// tests. PG_DSN points at an existing server; otherwise a container is
// started. Tests are skipped under -short.
package pgtest

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"medliq-cloud/migrations"
)

var tables = []string{
	"deduction_applications",
	"deduction_balances",
	"deduction_charges",
	"doctor_assignments",
	"specialties",
	"deduction_definitions",
	"settlement_details",
	"adjustments",
	"settlements",
	"settlement_version_counters",
	"settlement_summaries",
	"billed_service_records",
	"audit_logs",
	"event_outbox",
}

// Open returns a migrated, emptied database. The connection and any
// container are released when the test ends.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		dsn = startContainer(t, ctx)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("ping db: %v", err)
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("medliq"),
		postgres.WithUsername("medliq"),
		postgres.WithPassword("medliq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}
