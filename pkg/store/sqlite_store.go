package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"logogen/pkg/domain"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const generationColumns = `id, prompt, style, status, image_url, error_message, version, created_at, updated_at`

// NewSQLiteStore opens (or creates) the database at path.
// Pass ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection avoids "database is locked" and keeps :memory: shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS generations (
  id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  style TEXT NOT NULL,
  status TEXT NOT NULL,
  image_url TEXT,
  error_message TEXT,
  version INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS generations_created_at ON generations (created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, gen domain.Generation) (domain.Generation, error) {
	gen = prepareCreate(gen)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (`+generationColumns+`) VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?)`,
		gen.ID,
		gen.Prompt,
		string(gen.Style),
		string(gen.Status),
		gen.Version,
		gen.CreatedAt.UnixMilli(),
		gen.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("insert generation: %w", err)
	}
	// Round-trip timestamps to the stored precision.
	gen.CreatedAt = time.UnixMilli(gen.CreatedAt.UnixMilli()).UTC()
	gen.UpdatedAt = gen.CreatedAt
	return gen, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	gen, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, err
	}
	return gen, true, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (domain.Generation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Generation{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	current, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, domain.ErrNotFound
		}
		return domain.Generation{}, err
	}
	if patch.IfStatus != nil && current.Status != *patch.IfStatus {
		return domain.Generation{}, domain.ErrConflict
	}
	next := apply(current, patch, time.UnixMilli(time.Now().UnixMilli()).UTC())
	if _, err := tx.ExecContext(ctx,
		`UPDATE generations
         SET status = ?, image_url = ?, error_message = ?, version = ?, updated_at = ?
         WHERE id = ? AND version = ?`,
		string(next.Status),
		nullableString(next.ImageURL),
		nullableString(next.Error),
		next.Version,
		next.UpdatedAt.UnixMilli(),
		id,
		current.Version,
	); err != nil {
		return domain.Generation{}, fmt.Errorf("update generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Generation{}, err
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]domain.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gen)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListProcessing(ctx context.Context) ([]domain.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(domain.StatusProcessing),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gen)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (domain.Generation, error) {
	var (
		id, prompt, style, status string
		imageURL, errMsg          sql.NullString
		version                   int64
		createdMs, updatedMs      int64
	)
	if err := row.Scan(&id, &prompt, &style, &status, &imageURL, &errMsg, &version, &createdMs, &updatedMs); err != nil {
		return domain.Generation{}, err
	}
	gen := domain.Generation{
		ID:        id,
		Prompt:    prompt,
		Style:     domain.Style(style),
		Status:    domain.Status(status),
		Version:   version,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if imageURL.Valid {
		gen.ImageURL = imageURL.String
	}
	if errMsg.Valid {
		gen.Error = errMsg.String
	}
	return gen, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
