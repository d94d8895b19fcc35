// Package store persists upload sessions in SQLite so they survive process
// restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tempohq/tempo/internal/upload"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a SQLite-backed upload.SessionStore.
type Store struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens (creating if necessary) the session database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("dbPath must not be empty")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *Store) Create(ctx context.Context, sess *upload.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions(id, owner_id, target_ref, total_size, offset, checksum_algorithm, metadata, storage_key, storage_handle, completed, final_ref, expires_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		sess.ID, sess.Owner, sess.TargetRef, sess.TotalSize, sess.Offset,
		sess.ChecksumAlgorithm, string(metadata), sess.StorageKey, sess.StorageHandle,
		sess.ExpiresAt.UTC(), sess.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*upload.Session, error) {
	var (
		sess      upload.Session
		metadata  string
		completed int
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, target_ref, total_size, offset, checksum_algorithm, metadata, storage_key, storage_handle, completed, final_ref, expires_at, created_at
		 FROM upload_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Owner, &sess.TargetRef, &sess.TotalSize, &sess.Offset,
		&sess.ChecksumAlgorithm, &metadata, &sess.StorageKey, &sess.StorageHandle,
		&completed, &sess.FinalRef, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, upload.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	sess.Completed = completed != 0
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT part_index, size, storage_id FROM upload_parts WHERE session_id = ? ORDER BY part_index`, id)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p upload.Part
		if err := rows.Scan(&p.Index, &p.Size, &p.StorageID); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		sess.Parts = append(sess.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}

	return &sess, nil
}

func (s *Store) AppendPart(ctx context.Context, id string, part upload.Part, newOffset int64, expiresAt time.Time) error {
	return WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO upload_parts(session_id, part_index, size, storage_id) VALUES(?, ?, ?, ?)`,
			id, part.Index, part.Size, part.StorageID,
		); err != nil {
			return fmt.Errorf("insert part: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE upload_sessions SET offset = ?, expires_at = ? WHERE id = ?`,
			newOffset, expiresAt.UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("advance offset: %w", err)
		}
		if rows, err := res.RowsAffected(); err == nil && rows == 0 {
			return upload.ErrNotFound
		}
		return nil
	})
}

func (s *Store) MarkCompleted(ctx context.Context, id string, finalRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET completed = 1, final_ref = ? WHERE id = ?`,
		finalRef, id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return upload.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_parts WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete parts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]upload.ExpiredSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id FROM upload_sessions WHERE completed = 0 AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var expired []upload.ExpiredSession
	for rows.Next() {
		var e upload.ExpiredSession
		if err := rows.Scan(&e.ID, &e.Owner); err != nil {
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}
