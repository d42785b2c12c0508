package harmonydb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Migrations are applied in name order and recorded by date prefix, so two files with
// one prefix would make the second invisible.
func TestNoDuplicateMigrationDatePrefixes(t *testing.T) {
	entries, err := upgradeFS.ReadDir("sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	seen := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "-")
		require.True(t, ok, name)
		require.Len(t, prefix, 8, name)

		prev, exists := seen[prefix]
		require.False(t, exists, "duplicate date prefix %q: %s and %s", prefix, prev, name)
		seen[prefix] = name
	}
}

func TestParseSQLStatements(t *testing.T) {
	stmts := parseSQLStatements(`
-- comment
CREATE TABLE a (
    x INT
);

CREATE OR REPLACE FUNCTION f() RETURNS TRIGGER AS $$
BEGIN
    UPDATE a SET x = 1;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
CREATE INDEX ON a (x);
SELECT 1`)

	require.Len(t, stmts, 4)
	require.Contains(t, stmts[0], "CREATE TABLE a")
	require.Contains(t, stmts[1], "UPDATE a SET x = 1;")
	require.Contains(t, stmts[1], "$$ LANGUAGE plpgsql;")
	require.Equal(t, "CREATE INDEX ON a (x);\n", stmts[2])
	require.Equal(t, "SELECT 1\n", stmts[3])
}

func TestMerkleMigrationParses(t *testing.T) {
	file, err := upgradeFS.ReadFile("sql/20250101-merkle.sql")
	require.NoError(t, err)
	stmts := parseSQLStatements(string(file))
	require.Len(t, stmts, 5)
	for _, s := range stmts {
		require.True(t, strings.HasPrefix(s, "CREATE "), s)
	}
}

func TestSchemaName(t *testing.T) {
	for _, ok := range []string{"merkle", "cmt_4xWc", "_x"} {
		require.True(t, schemaRE.MatchString(ok), ok)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a;DROP", strings.Repeat("a", 64)} {
		require.False(t, schemaRE.MatchString(bad), bad)
	}
}
