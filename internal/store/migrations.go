package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Each dialect directory holds files named NNN_description.sql, applied in
// version order. Applied versions are recorded in schema_version.
//
//go:embed migrations
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	script  string
}

func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations %s: %w", dir, err)
	}
	var out []migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		v, err := strconv.Atoi(num)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", e.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", v, prev, e.Name())
		}
		seen[v] = e.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: name, script: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// runMigrations applies the dialect's pending migrations, each in its own
// transaction together with its schema_version row.
func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	pending, err := loadMigrations(migrationFS, path.Join("migrations", d.migrations))
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, d, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, d dialect, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %03d: begin: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range splitStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_version (version, name) VALUES (?, ?)`), m.version, m.name); err != nil {
		return fmt.Errorf("migration %03d: record version: %w", m.version, err)
	}
	return tx.Commit()
}

// splitStatements cuts a script on semicolons and drops fragments that hold
// only comments or whitespace. Scripts must not put ';' inside literals.
func splitStatements(script string) []string {
	var stmts []string
	for _, frag := range strings.Split(script, ";") {
		frag = strings.TrimSpace(frag)
		if frag != "" && hasCode(frag) {
			stmts = append(stmts, frag)
		}
	}
	return stmts
}

func hasCode(frag string) bool {
	for line := range strings.Lines(frag) {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
