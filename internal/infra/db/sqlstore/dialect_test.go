package sqlstore

import (
	"strings"
	"testing"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a=? AND b IN (?,?)"
	if got := MySQL.Rebind(q); got != q {
		t.Fatalf("mysql rebind changed query: %q", got)
	}
	want := "SELECT * FROM t WHERE a=$1 AND b IN ($2,$3)"
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}

func TestEscapeLikePattern(t *testing.T) {
	tests := map[string]string{
		"bolt":   "bolt",
		"100%":   "100!%",
		"a_b":    "a!_b",
		"wow!":   "wow!!",
		"!%_mix": "!!!%!_mix",
	}
	for in, want := range tests {
		if got := escapeLikePattern(in); got != want {
			t.Errorf("escapeLikePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlaceholdersAndPages(t *testing.T) {
	if got := placeholders(3); got != "?,?,?" {
		t.Fatalf("placeholders(3) = %q", got)
	}
	page, size, offset := normalizePage(0, 0)
	if page != 1 || size != 20 || offset != 0 {
		t.Fatalf("normalizePage(0,0) = %d,%d,%d", page, size, offset)
	}
	if _, _, offset := normalizePage(3, 10); offset != 20 {
		t.Fatalf("offset = %d, want 20", offset)
	}
	if got := totalPages(21, 10); got != 3 {
		t.Fatalf("totalPages = %d, want 3", got)
	}
}

func TestSplitStatements(t *testing.T) {
	schema := `
-- sessions
CREATE TABLE a (
    id INT
);

CREATE INDEX i ON a (id);
CREATE TABLE b (id INT)`
	stmts := splitStatements(schema)
	if len(stmts) != 3 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a") || !strings.HasSuffix(stmts[0], ");") {
		t.Fatalf("first statement = %q", stmts[0])
	}
	if stmts[2] != "CREATE TABLE b (id INT)" {
		t.Fatalf("trailing statement = %q", stmts[2])
	}
}
