package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"

	"gencore/pkg/domain"
)

func TestNewStoreWrapsOpenError(t *testing.T) {
	boom := errors.New("dial refused")
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Errorf("driver = %q, want pgx", driverName)
		}
		if dsn != defaultDSN {
			t.Errorf("dsn = %q, want default", dsn)
		}
		return nil, boom
	})
	defer restore()

	_, err := NewStore("")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("error lacks context: %v", err)
	}
}

// Round-trips against a real server when GENCORE_POSTGRES_TEST_DSN is set.
func TestPostgresStorePersistAndReload(t *testing.T) {
	dsn := os.Getenv("GENCORE_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("GENCORE_POSTGRES_TEST_DSN not set")
	}
	store, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(ctx, `DROP TABLE IF EXISTS state`)
		_ = store.DB().Close()
	})
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		region, err := tx.EnsureRegion("GRCh38", "2", "gnomad")
		if err != nil {
			return err
		}
		_, err = tx.EnsureVariant(region.ID, 42, "C", "G")
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reloaded, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.DB().Close() })
	if _, ok := reloaded.FindRegion("GRCh38", "2"); !ok {
		t.Fatalf("region not hydrated from snapshot")
	}
	if got := len(reloaded.ListVariants()); got != 1 {
		t.Fatalf("expected 1 variant, got %d", got)
	}
}
