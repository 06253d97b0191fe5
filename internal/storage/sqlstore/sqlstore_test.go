package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "nested", "hub.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path})
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		versions, err := db.AppliedVersions(ctx)
		if err != nil {
			t.Fatalf("applied versions: %v", err)
		}
		if len(versions) != 2 || versions[0] != "0001" || versions[1] != "0002" {
			t.Fatalf("unexpected versions: %v", versions)
		}
		db.Close()
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverSQLite}); err == nil {
		t.Fatalf("expected empty dsn error")
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := Rebind(DriverPostgres, q); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("unexpected postgres rebind: %s", got)
	}
	if got := Rebind(DriverMySQL, q); got != q {
		t.Fatalf("mysql query should be unchanged: %s", got)
	}
}

func TestInTxRollsBackAndDetectsUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insert := `INSERT INTO plugin_events (plugin_name, event_type, direction) VALUES (?, ?, ?)`

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert, "logger", "note.created", "subscribe"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugin_events`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("rollback expected, count=%d err=%v", n, err)
	}

	if _, err := db.ExecContext(ctx, insert, "logger", "note.created", "subscribe"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.ExecContext(ctx, insert, "logger", "note.created", "subscribe")
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(boom) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE INDEX i ON a (id);")},
		"README.md":  {Data: []byte("ignored")},
		"0003_e.sql": {Data: []byte("  ")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || len(files[0].statements) != 2 || files[1].name != "0002_b.sql" {
		t.Fatalf("unexpected files: %+v", files)
	}
}
