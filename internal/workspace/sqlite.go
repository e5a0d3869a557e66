package workspace

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite browsing limits.
const (
	DefaultRowLimit = 100
	MaxRowLimit     = 1000

	sqliteBusyTimeout = 5 * time.Second
)

var sqliteExtensions = map[string]bool{".sqlite": true, ".sqlite3": true, ".db": true}

// openSQLiteReader opens path read-only; nothing in the browser can write.
func openSQLiteReader(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", path, int(sqliteBusyTimeout/time.Millisecond))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Service) sqlitePath(path string) (string, error) {
	target, err := CheckPath(s.root, path, Check{MustExist: true, MustBeFile: true})
	if err != nil {
		return "", err
	}
	if !sqliteExtensions[strings.ToLower(filepath.Ext(target))] {
		return "", badRequest("Error: Invalid file type", nil)
	}
	return target, nil
}

// Tables lists the user tables of a SQLite file.
func (s *Service) Tables(ctx context.Context, path string) ([]string, error) {
	target, err := s.sqlitePath(path)
	if err != nil {
		return nil, err
	}
	db, err := openSQLiteReader(target)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return listTables(ctx, db)
}

func listTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var tables []string
	err := db.SelectContext(ctx, &tables,
		`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, &PathError{Status: http.StatusBadRequest, Detail: "Error: Not a SQLite database", Err: err}
	}
	return tables, nil
}

// Rows returns one page of table. Only tables that exist in the file are
// accepted, so the quoted name cannot smuggle SQL.
func (s *Service) Rows(ctx context.Context, path, table string, limit, offset int) (TableRows, error) {
	target, err := s.sqlitePath(path)
	if err != nil {
		return TableRows{}, err
	}
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	limit = min(limit, MaxRowLimit)
	offset = max(offset, 0)

	db, err := openSQLiteReader(target)
	if err != nil {
		return TableRows{}, err
	}
	defer db.Close()

	tables, err := listTables(ctx, db)
	if err != nil {
		return TableRows{}, err
	}
	found := false
	for _, t := range tables {
		if t == table {
			found = true
			break
		}
	}
	if !found {
		return TableRows{}, notFound("Error: Table not found")
	}
	quoted := `"` + strings.ReplaceAll(table, `"`, `""`) + `"`

	out := TableRows{Table: table, Limit: limit, Offset: offset, Rows: [][]any{}}
	if err := db.GetContext(ctx, &out.Total, "SELECT COUNT(*) FROM "+quoted); err != nil {
		return TableRows{}, fmt.Errorf("count rows: %w", err)
	}
	rows, err := db.QueryxContext(ctx, "SELECT * FROM "+quoted+" LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return TableRows{}, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	if out.Columns, err = rows.Columns(); err != nil {
		return TableRows{}, err
	}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return TableRows{}, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rows.Err()
}
