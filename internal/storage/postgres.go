package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresFilesTable       = "autosave_files"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores files as rows of a single table. The table is created
// lazily on first use.
type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresFilesTable,
		openDB:    sql.Open,
	}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				path TEXT PRIMARY KEY,
				data BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Read(ctx context.Context, name string) ([]byte, error) {
	c, err := Clean(name)
	if err != nil {
		return nil, err
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT data FROM %s WHERE path = $1", quoteIdentifier(p.tableName))
	var data []byte
	err = p.db.QueryRowContext(ctx, query, c).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p *Postgres) Write(ctx context.Context, name string, data []byte) error {
	c, err := Clean(name)
	if err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.upsertQuery(), c, data)
	return err
}

func (p *Postgres) upsertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (path, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (path)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, quoteIdentifier(p.tableName))
}

func (p *Postgres) Rename(ctx context.Context, src, dst string) error {
	cs, err := Clean(src)
	if err != nil {
		return err
	}
	cd, err := Clean(dst)
	if err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf("DELETE FROM %s WHERE path = $1 RETURNING data", quoteIdentifier(p.tableName))
	var data []byte
	err = tx.QueryRowContext(ctx, del, cs).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, p.upsertQuery(), cd, data); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	c, err := Clean(name)
	if err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE path = $1", quoteIdentifier(p.tableName))
	res, err := p.db.ExecContext(ctx, query, c)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, dir string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	prefix := ""
	if dir != "" && dir != "." {
		c, err := Clean(dir)
		if err != nil {
			return nil, err
		}
		prefix = c + "/"
	}
	query := fmt.Sprintf("SELECT path FROM %s WHERE left(path, $1) = $2", quoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return childNames(keys, dir), nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
