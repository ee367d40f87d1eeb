package quipodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider stores documents as JSONB rows in PostgreSQL.
//
// All collections share one documents table. Matching uses JSONB
// containment to narrow candidates, then exact partial matching in order
// of insertion.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS quipodb_collections (
	name        TEXT PRIMARY KEY,
	primary_key TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS quipodb_documents (
	seq        BIGSERIAL PRIMARY KEY,
	collection TEXT NOT NULL REFERENCES quipodb_collections (name) ON DELETE CASCADE,
	doc_key    TEXT,
	data       JSONB NOT NULL,
	UNIQUE (collection, doc_key)
);
CREATE INDEX IF NOT EXISTS quipodb_documents_data_idx ON quipodb_documents USING GIN (data jsonb_path_ops);
`

// NewPostgresProvider connects to the database at dsn and creates the
// schema when missing.
func NewPostgresProvider(ctx context.Context, dsn string) (*PostgresProvider, error) {
	if dsn == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "dsn",
			"reason": "postgres provider requires a connection string",
		})
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "dsn",
			"error": err.Error(),
		})
	}
	p := &PostgresProvider{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}
	return p, nil
}

// NewPostgresProviderWithPool uses an existing pool. The schema must exist;
// call Migrate to create it.
func NewPostgresProviderWithPool(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// Migrate creates the tables used by the provider.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *PostgresProvider) Name() string { return "postgres" }

// Ping checks the connection.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"provider": p.Name(),
			"error":    err.Error(),
		})
	}
	return nil
}

func (p *PostgresProvider) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO quipodb_collections (name, primary_key) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET primary_key = EXCLUDED.primary_key`,
		spec.Name, spec.PrimaryKey,
	)
	return err
}

func (p *PostgresProvider) DeleteCollection(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM quipodb_collections WHERE name = $1", name)
	return err
}

func (p *PostgresProvider) Collections(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT name FROM quipodb_collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (p *PostgresProvider) primaryKey(ctx context.Context, collection string) (string, error) {
	var pk string
	err := p.pool.QueryRow(ctx, "SELECT primary_key FROM quipodb_collections WHERE name = $1", collection).Scan(&pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", collectionNotFound(p.Name(), collection)
	}
	return pk, err
}

func (p *PostgresProvider) GetCollection(ctx context.Context, name string) ([]Document, error) {
	if _, err := p.primaryKey(ctx, name); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		"SELECT seq, data FROM quipodb_documents WHERE collection = $1 ORDER BY seq", name)
	if err != nil {
		return nil, err
	}
	found, err := collectPostgresRows(rows)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(found))
	for i, r := range found {
		docs[i] = r.doc
	}
	return docs, nil
}

func (p *PostgresProvider) CreateDoc(ctx context.Context, collection string, doc Document) error {
	pk, err := p.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	key, err := postgresDocKey(pk, doc)
	if err != nil {
		return err
	}
	data, err := doc.marshal()
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO quipodb_documents (collection, doc_key, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, doc_key) DO UPDATE SET data = EXCLUDED.data`,
		collection, key, string(data),
	)
	return err
}

func (p *PostgresProvider) GetDoc(ctx context.Context, collection string, match Document) (Document, error) {
	r, err := p.find(ctx, collection, match)
	if err != nil {
		return nil, err
	}
	return r.doc, nil
}

func (p *PostgresProvider) UpdateDoc(ctx context.Context, collection string, ref, doc Document) error {
	pk, err := p.primaryKey(ctx, collection)
	if err != nil {
		return err
	}
	r, err := p.find(ctx, collection, keyMatch(pk, ref))
	if err != nil {
		return err
	}
	key, err := postgresDocKey(pk, doc)
	if err != nil {
		return err
	}
	data, err := doc.marshal()
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		"UPDATE quipodb_documents SET doc_key = $1, data = $2::jsonb WHERE seq = $3",
		key, string(data), r.seq,
	)
	return err
}

func (p *PostgresProvider) DeleteDoc(ctx context.Context, collection string, match Document) error {
	r, err := p.find(ctx, collection, match)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, "DELETE FROM quipodb_documents WHERE seq = $1", r.seq)
	return err
}

func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}

type postgresRow struct {
	seq int64
	doc Document
}

func (p *PostgresProvider) find(ctx context.Context, collection string, match Document) (postgresRow, error) {
	if _, err := p.primaryKey(ctx, collection); err != nil {
		return postgresRow{}, err
	}
	filter, err := match.marshal()
	if err != nil {
		return postgresRow{}, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT seq, data FROM quipodb_documents
		 WHERE collection = $1 AND data @> $2::jsonb ORDER BY seq`,
		collection, string(filter),
	)
	if err != nil {
		return postgresRow{}, err
	}
	found, err := collectPostgresRows(rows)
	if err != nil {
		return postgresRow{}, err
	}
	for _, r := range found {
		if r.doc.Contains(match) {
			return r, nil
		}
	}
	return postgresRow{}, ErrNotFound
}

func collectPostgresRows(rows pgx.Rows) ([]postgresRow, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (postgresRow, error) {
		var (
			r   postgresRow
			raw []byte
		)
		if err := row.Scan(&r.seq, &raw); err != nil {
			return r, err
		}
		doc, err := decodeDocument(raw)
		r.doc = doc
		return r, err
	})
}

// postgresDocKey returns the unique key column value: the encoded primary
// key, or nil for collections without one.
func postgresDocKey(pk string, doc Document) (*string, error) {
	if pk == "" {
		return nil, nil
	}
	key, err := encodeKey(pk, doc)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
