package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds connection parameters for the document store.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// Postgres stores documents as JSONB rows in a single table keyed by
// collection name.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres connects, tunes the pool and runs migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &Postgres{
		pool: pool,
		log:  logger.With().Str("component", "Datastore").Logger(),
	}
	if err := p.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p.log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL document store")
	return p, nil
}

func (p *Postgres) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			collection VARCHAR(64) NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_doc ON documents USING GIN (doc jsonb_path_ops)`,
	}

	for i, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Query returns matching documents. Filters use JSONB containment, so
// an empty filter matches the whole collection.
func (p *Postgres) Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]json.RawMessage, error) {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT doc FROM documents WHERE collection = $1 AND doc @> $2`)
	args := []any{collection, filterJSON}

	if opts.Sort != nil {
		// jsonb comparison sorts numbers numerically and strings
		// lexicographically, which is what callers expect.
		args = append(args, opts.Sort.Field)
		sb.WriteString(fmt.Sprintf(` ORDER BY doc -> $%d`, len(args)))
		if opts.Sort.Desc {
			sb.WriteString(` DESC`)
		}
	} else {
		sb.WriteString(` ORDER BY id`)
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		sb.WriteString(fmt.Sprintf(` LIMIT $%d`, len(args)))
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc json.RawMessage
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (p *Postgres) InsertOne(ctx context.Context, collection string, doc any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", collection, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (collection, doc) VALUES ($1, $2)`,
		collection, docJSON)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (p *Postgres) UpdateOne(ctx context.Context, collection string, filter Filter, doc any) (bool, error) {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return false, err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s document: %w", collection, err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET doc = $3, updated_at = NOW()
		 WHERE id = (SELECT id FROM documents WHERE collection = $1 AND doc @> $2 ORDER BY id LIMIT 1)`,
		collection, filterJSON, docJSON)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", collection, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) UpsertOne(ctx context.Context, collection string, filter Filter, doc any) error {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", collection, err)
	}

	// Update-then-insert inside one transaction so concurrent upserts
	// for the same key cannot both insert.
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin upsert %s: %w", collection, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE documents SET doc = $3, updated_at = NOW()
		 WHERE id = (SELECT id FROM documents WHERE collection = $1 AND doc @> $2 ORDER BY id LIMIT 1 FOR UPDATE)`,
		collection, filterJSON, docJSON)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (collection, doc) VALUES ($1, $2)`,
			collection, docJSON); err != nil {
			return fmt.Errorf("upsert insert %s: %w", collection, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM documents
		 WHERE id = (SELECT id FROM documents WHERE collection = $1 AND doc @> $2 ORDER BY id LIMIT 1)`,
		collection, filterJSON)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", collection, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.log.Info().Msg("Document store connection closed")
	}
}

func marshalFilter(filter Filter) ([]byte, error) {
	if filter == nil {
		filter = Filter{}
	}
	b, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	return b, nil
}
