package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/config"
)

// newTestSQLiteStore opens a private in-memory database so tests in the
// same process do not share state.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLiteStore(t))
}

func TestSQLiteMigrationIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteSharedMemoryDSN(t *testing.T) {
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.UpsertChain(ctx, &Chain{ID: "memcheck", Name: "Mem"}); err != nil {
		t.Fatal(err)
	}
	// A second pooled connection must see the row.
	s.db.SetMaxOpenConns(2)
	c, err := s.GetChain(ctx, "memcheck")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("chain not visible across connections")
	}
}

func TestSQLiteForeignKeysOnEveryConnection(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "fk.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	// Pin the pool's first connection so the insert below runs on another one.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tx.Rollback() }()

	err = s.UpsertToken(ctx, &Token{ChainID: "nochain", Address: "0x01", Symbol: "ORPH", Name: "Orphan"})
	if err == nil {
		t.Fatal("token with an unknown chain was accepted")
	}
	tok, err := s.GetToken(ctx, TokenID("nochain", "0x01"))
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil {
		t.Fatal("orphan token row was written")
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tradeboard.db", "tradeboard.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{":memory:", "file::memory:?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{"file:x?mode=memory&cache=shared", "file:x?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRebindPlaceholders(t *testing.T) {
	pg := &sqlStore{dollarPH: true}
	got := pg.q("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("q: got %q, want %q", got, want)
	}

	lite := &sqlStore{}
	if q := lite.q("a = ?"); q != "a = ?" {
		t.Errorf("sqlite q rewrote placeholders: %q", q)
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := New(config.StorageConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}

	s, err := New(config.StorageConfig{Driver: "sqlite", DSN: "file:" + uuid.New().String() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
}

func TestGetChainErrorReturnsNil(t *testing.T) {
	s, err := NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	c, err := s.GetChain(context.Background(), "ethereum")
	if err == nil {
		t.Fatal("expected an error from a closed store")
	}
	if c != nil {
		t.Errorf("GetChain() = %+v, want nil alongside the error", c)
	}
}
