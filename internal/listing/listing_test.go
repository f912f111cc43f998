package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dyluth/herald/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T, packages ...ledger.Package) ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.OpenSQLite(ctx, filepath.Join(t.TempDir(), "herald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	require.NoError(t, l.UpsertUser(ctx, ledger.User{ID: 1, Name: "alice"}))
	require.NoError(t, l.UpsertUser(ctx, ledger.User{ID: 2, Name: "bob"}))
	for _, p := range packages {
		require.NoError(t, l.InsertPackage(ctx, p))
	}
	return l
}

func TestLatest(t *testing.T) {
	packages := []ledger.Package{
		{Group: "ucb", Name: "lib", Version: "1.9.0"},
		{Group: "acme", Name: "tool", Version: "0.1.0"},
		{Group: "ucb", Name: "lib", Version: "1.10.0"},
		{Group: "ucb", Name: "app", Version: "2.0.0-rc.1"},
		{Group: "ucb", Name: "app", Version: "2.0.0"},
	}

	latest := Latest(packages)

	require.Len(t, latest, 3)
	assert.Equal(t, ledger.Package{Group: "acme", Name: "tool", Version: "0.1.0"}, latest[0])
	assert.Equal(t, ledger.Package{Group: "ucb", Name: "app", Version: "2.0.0"}, latest[1])
	assert.Equal(t, ledger.Package{Group: "ucb", Name: "lib", Version: "1.10.0"}, latest[2])

	// Input order is preserved.
	assert.Equal(t, "1.9.0", packages[0].Version)
}

func TestReadme(t *testing.T) {
	l := setupTestLedger(t,
		ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", UserID: 1},
		ledger.Package{Group: "ucb", Name: "lib", Version: "1.2.0", Description: "The library", UserID: 1},
		ledger.Package{Group: "acme", Name: "tool", Version: "0.3.0", UserID: 2},
	)

	got, err := Readme(context.Background(), l, "")
	require.NoError(t, err)

	want := "- `acme/tool 0.3.0` *no description* @[bob](https://github.com/bob)\n" +
		"- `ucb/lib 1.2.0` *The library* @[alice](https://github.com/alice)\n"
	assert.Equal(t, want, got)
}

func TestReadme_Empty(t *testing.T) {
	got, err := Readme(context.Background(), setupTestLedger(t), "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFormatTable(t *testing.T) {
	l := setupTestLedger(t,
		ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", Description: strings.Repeat("d", 60), UserID: 1},
		ledger.Package{Group: "acme", Name: "tool", Version: "0.3.0", UserID: 2},
	)
	ctx := context.Background()

	packages, err := l.QueryPackages(ctx, "")
	require.NoError(t, err)
	rows, err := Rows(ctx, l, packages)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := FormatTable(&buf, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "PACKAGE")
	assert.Contains(t, out, "acme/tool")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, strings.Repeat("d", 37)+"...")
	assert.Contains(t, out, "2 packages found")
}

func TestFormatTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	n, err := FormatTable(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "No packages found\n", buf.String())
}

func TestFormatJSONL(t *testing.T) {
	rows := []Row{
		{Package: ledger.Package{Group: "ucb", Name: "lib", Version: "1.0.0", UserID: 1}, Owner: "alice"},
		{Package: ledger.Package{Group: "ucb", Name: "lib", Version: "1.1.0", UserID: 1}, Owner: "alice"},
	}

	var buf bytes.Buffer
	require.NoError(t, FormatJSONL(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, "1.1.0", decoded["version"])
	assert.Equal(t, "alice", decoded["owner"])
	assert.Equal(t, "ucb", decoded["group"])
}
