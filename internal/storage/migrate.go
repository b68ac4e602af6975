package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migrator applies embedded SQL migration files in name order. Each file
// runs in its own transaction and is recorded in schema_migrations, so a
// failed file stops the run without partial state and reruns skip
// everything already applied.
type Migrator struct {
	db  *sql.DB
	src fs.FS
}

func NewMigrator(db *sql.DB, src fs.FS) *Migrator {
	return &Migrator{db: db, src: src}
}

func (m *Migrator) Up(ctx context.Context) error {
	if m.db == nil {
		return errors.New("db is required")
	}

	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := m.apply(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

// pending returns unapplied migration files in apply order.
func (m *Migrator) pending(ctx context.Context) ([]string, error) {
	files, err := fs.Glob(m.src, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	out := files[:0]
	for _, file := range files {
		if !applied[path.Base(file)] {
			out = append(out, file)
		}
	}
	return out, nil
}

func (m *Migrator) apply(ctx context.Context, file string) error {
	id := path.Base(file)

	content, err := fs.ReadFile(m.src, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", id, err)
	}

	stmts := stripLineComments(string(content))
	if strings.TrimSpace(stmts) == "" {
		// Nothing to execute; record it so reruns stay quiet.
		return m.mark(ctx, m.db, id)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, stmts); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", id, err)
	}
	if err := m.mark(ctx, tx, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Migrator) mark(ctx context.Context, on execer, id string) error {
	if _, err := on.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	return nil
}

func stripLineComments(sqlText string) string {
	var b strings.Builder
	for _, line := range strings.Split(sqlText, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
