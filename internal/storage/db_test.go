package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestOpenPostgresUsesPgxDriver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing listens on port 1, so the ping has to fail after the driver loaded.
	s, err := Open(ctx, "postgres", "postgres://u:p@127.0.0.1:1/x?connect_timeout=1", false, "")
	if err == nil {
		_ = s.Close()
		t.Fatalf("expected connect failure")
	}
	if strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("postgres driver not registered: %v", err)
	}
	if !strings.Contains(err.Error(), "ping db") {
		t.Fatalf("expected ping failure, got %v", err)
	}
}

func TestDriverNames(t *testing.T) {
	cases := map[string]string{
		"postgres": "pgx",
		"PGX":      "pgx",
		"sqlite3":  "sqlite",
		"sqlite":   "sqlite",
	}
	for in, want := range cases {
		if got := sqlDriverName(normalizeDriver(in)); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &Store{driver: "postgres", sql: statementBuilder("postgres")}
	sqlStr, args, err := s.listTurnsQuery("u1", "s1").ToSql()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if !strings.Contains(sqlStr, "$1") || !strings.Contains(sqlStr, "$2") || strings.Contains(sqlStr, "?") {
		t.Fatalf("expected dollar placeholders, got %s", sqlStr)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}

	lite := &Store{driver: "sqlite", sql: statementBuilder("sqlite")}
	sqlStr, _, _ = lite.listTurnsQuery("u1", "s1").ToSql()
	if strings.Contains(sqlStr, "$1") || !strings.Contains(sqlStr, "?") {
		t.Fatalf("expected question placeholders, got %s", sqlStr)
	}
}
