package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDatabase(t *testing.T, path string) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file:"+path+"?mode=rwc")
	require.NoError(t, err)
	defer db.Close()
	db.MustExec(`CREATE TABLE agents (id INTEGER PRIMARY KEY, name TEXT, config BLOB)`)
	db.MustExec(`CREATE TABLE "odd ""name""" (v INTEGER)`)
	for i, name := range []string{"assistant", "user", "critic"} {
		db.MustExec(`INSERT INTO agents (id, name, config) VALUES (?, ?, ?)`, i+1, name, []byte("{}"))
	}
}

func TestSQLiteBrowser(t *testing.T) {
	svc := newService(t)
	seedDatabase(t, filepath.Join(svc.Root(), "runs.db"))
	ctx := context.Background()

	tables, err := svc.Tables(ctx, "runs.db")
	require.NoError(t, err)
	assert.Equal(t, []string{"agents", `odd "name"`}, tables)

	page, err := svc.Rows(ctx, "runs.db", "agents", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "config"}, page.Columns)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "user", page.Rows[0][1])
	assert.Equal(t, "{}", page.Rows[0][2], "blobs are returned as text")

	page, err = svc.Rows(ctx, "runs.db", `odd "name"`, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, DefaultRowLimit, page.Limit)
	assert.Equal(t, 0, page.Offset)
	assert.Empty(t, page.Rows)

	_, err = svc.Rows(ctx, "runs.db", "agents; DROP TABLE agents", 10, 0)
	assert.EqualError(t, err, "Error: Table not found")

	_, err = svc.Tables(ctx, "missing.db")
	assert.EqualError(t, err, "Error: File not found")
}

func TestSQLiteBrowserRejectsOtherFiles(t *testing.T) {
	svc := newService(t)
	_, err := svc.Create("", KindFile)
	require.NoError(t, err)
	_, err = svc.Tables(context.Background(), "Untitled.waldiez")
	assert.EqualError(t, err, "Error: Invalid file type")
}
