// Package dbtest boots an embedded Postgres for repository tests. The
// database is only started when CLAIMRISK_PG_TESTS=1; otherwise Open skips.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimrisk/internal/platform/db"
)

const (
	testPort     = 15433
	testDB       = "claimrisk_test"
	testUser     = "postgres"
	testPassword = "postgres"
)

var (
	started bool
	seq     atomic.Int64
	dsn     = fmt.Sprintf("postgresql://%s:%s@localhost:%d/%s?sslmode=disable",
		testUser, testPassword, testPort, testDB)
)

// Enabled reports whether Postgres-backed tests were requested.
func Enabled() bool {
	return os.Getenv("CLAIMRISK_PG_TESTS") == "1"
}

// Main wraps a package's TestMain, starting and stopping the embedded
// database around m.Run when enabled.
func Main(m *testing.M) {
	if !Enabled() {
		os.Exit(m.Run())
	}

	pg := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(uint32(testPort)).
			Database(testDB).
			Username(testUser).
			Password(testPassword).
			Version(embeddedpostgres.V16).
			StartTimeout(30 * time.Second),
	)
	if err := pg.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start embedded postgres: %v\n", err)
		os.Exit(1)
	}
	started = true

	code := m.Run()

	if err := pg.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop embedded postgres: %v\n", err)
	}
	os.Exit(code)
}

// Open returns a pool bound to a freshly migrated schema private to t.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if !Enabled() || !started {
		t.Skip("set CLAIMRISK_PG_TESTS=1 to run Postgres-backed tests")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("t_%s_%d", sanitize(t.Name()), seq.Add(1))

	admin, err := db.NewPool(ctx, dsn, "", 2, 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer admin.Close()
	if _, err := db.NewMigrator(admin, db.Migrations()).Up(ctx, schema); err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, dsn, schema, 4, 0)
	if err != nil {
		t.Fatalf("connect to %s: %v", schema, err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
