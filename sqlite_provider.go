package quipodb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteProvider stores all collections in one SQLite database file.
//
// Tables:
//
//	collections(name, primary_key)              PRIMARY KEY (name)
//	documents(seq, collection, key, data)       UNIQUE (collection, key)
//
// key is the JSON encoding of the primary key value; seq keeps insertion
// order. Every collection needs a primary key.
type SQLiteProvider struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteProvider opens or creates the database at path.
func NewSQLiteProvider(ctx context.Context, path string) (*SQLiteProvider, error) {
	if path == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "path",
			"reason": "sqlite provider requires a database path",
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			primary_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE (collection, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize sqlite schema: %w", err)
		}
	}
	return &SQLiteProvider{db: db}, nil
}

func (s *SQLiteProvider) Name() string { return "sqlite" }

// RequiresPrimaryKey reports true: documents are keyed by their primary key.
func (s *SQLiteProvider) RequiresPrimaryKey() bool { return true }

func (s *SQLiteProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	if spec.PrimaryKey == "" {
		return WithContext(ErrMissingPrimaryKey, map[string]interface{}{
			"provider":   s.Name(),
			"collection": spec.Name,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, primary_key) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET primary_key = excluded.primary_key`,
		spec.Name, spec.PrimaryKey,
	)
	return err
}

func (s *SQLiteProvider) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE collection = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteProvider) Collections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.primaryKey(ctx, name); err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx, name)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs, nil
}

func (s *SQLiteProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, err := s.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	key, err := encodeKey(pk, doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data`,
		collection, key, string(data),
	)
	return err
}

func (s *SQLiteProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.find(ctx, collection, match)
	if err != nil {
		return nil, err
	}
	return r.doc, nil
}

func (s *SQLiteProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, err := s.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	r, err := s.find(ctx, collection, keyMatch(pk, ref))
	if err != nil {
		return err
	}
	key, err := encodeKey(pk, doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE documents SET key = ?, data = ? WHERE seq = ?",
		key, string(data), r.seq,
	)
	return err
}

func (s *SQLiteProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.find(ctx, collection, match)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM documents WHERE seq = ?", r.seq)
	return err
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteRow struct {
	seq int64
	doc Document
}

func (s *SQLiteProvider) primaryKey(ctx context.Context, collection string) (string, error) {
	var pk string
	err := s.db.QueryRowContext(ctx, "SELECT primary_key FROM collections WHERE name = ?", collection).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return "", collectionNotFound(s.Name(), collection)
	}
	return pk, err
}

// find returns the first row matching match. A match carrying the primary
// key is answered by an index lookup.
func (s *SQLiteProvider) find(ctx context.Context, collection string, match Document) (sqliteRow, error) {
	pk, err := s.primaryKey(ctx, collection)
	if err != nil {
		return sqliteRow{}, err
	}

	if _, ok := match[pk]; ok {
		key, err := encodeKey(pk, match)
		if err != nil {
			return sqliteRow{}, err
		}
		var (
			r   sqliteRow
			raw string
		)
		err = s.db.QueryRowContext(ctx,
			"SELECT seq, data FROM documents WHERE collection = ? AND key = ?",
			collection, key,
		).Scan(&r.seq, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return sqliteRow{}, ErrNotFound
		}
		if err != nil {
			return sqliteRow{}, err
		}
		if r.doc, err = decodeDocument([]byte(raw)); err != nil {
			return sqliteRow{}, err
		}
		if !r.doc.Contains(match) {
			return sqliteRow{}, ErrNotFound
		}
		return r, nil
	}

	rows, err := s.scan(ctx, collection)
	if err != nil {
		return sqliteRow{}, err
	}
	for _, r := range rows {
		if r.doc.Contains(match) {
			return r, nil
		}
	}
	return sqliteRow{}, ErrNotFound
}

func (s *SQLiteProvider) scan(ctx context.Context, collection string) ([]sqliteRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, data FROM documents WHERE collection = ? ORDER BY seq",
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sqliteRow
	for rows.Next() {
		var (
			r   sqliteRow
			raw string
		)
		if err := rows.Scan(&r.seq, &raw); err != nil {
			return nil, err
		}
		if r.doc, err = decodeDocument([]byte(raw)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// encodeKey returns the JSON encoding of the primary key value of doc.
func encodeKey(pk string, doc Document) (string, error) {
	v, ok := doc[pk]
	if !ok || v == nil {
		return "", WithContext(ErrMissingPrimaryKey, map[string]interface{}{
			"field": pk,
		})
	}
	if n, ok := toNumber(v); ok {
		v = n
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return string(b), nil
}
