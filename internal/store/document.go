package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDocumentNotFound is returned when no document matches the query.
var ErrDocumentNotFound = errors.New("document not found")

// ErrVersionMismatch is returned when a collection's stored schema version
// does not match the expected version and no migration was supplied.
var ErrVersionMismatch = errors.New("collection schema version mismatch")

// Migration converts one document from an older schema version. Returning an
// error routes the document to the failed_migrations bucket without data loss.
type Migration func(fromVersion int, doc json.RawMessage) (json.RawMessage, error)

// CollectionOptions configures opening a collection.
type CollectionOptions struct {
	// Version is the expected schema version. A collection whose stored
	// version differs refuses to open unless Migrate is set.
	Version int

	// Migrate, when set, opts into converting documents from the stored
	// version to the expected one.
	Migrate Migration
}

// DocumentDB is a SQLite-backed document database. Each collection stores
// opaque JSON documents keyed by an opaque string id, plus a versioning
// record; unconvertible documents are preserved in failed_migrations.
type DocumentDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDocumentDB opens (creating if needed) a document database at path.
// Use ":memory:" for an ephemeral database.
func OpenDocumentDB(path string, logger *slog.Logger) (*DocumentDB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open document db: %w", err)
	}
	// SQLite handles one writer at a time; keep a single connection to avoid
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	d := &DocumentDB{db: db, logger: logger}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DocumentDB) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE TABLE IF NOT EXISTS collection_metadata (
			collection TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS failed_migrations (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			from_version INTEGER NOT NULL,
			doc TEXT NOT NULL,
			reason TEXT NOT NULL,
			failed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("init document db schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DocumentDB) Close() error {
	return d.db.Close()
}

// Collection opens a named collection, enforcing the schema-version contract.
func (d *DocumentDB) Collection(ctx context.Context, name string, opts CollectionOptions) (*Collection, error) {
	var stored int
	err := d.db.QueryRowContext(ctx, `
		SELECT version FROM collection_metadata WHERE collection = ?
	`, name).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := d.db.ExecContext(ctx, `
			INSERT INTO collection_metadata (collection, version) VALUES (?, ?)
		`, name, opts.Version); err != nil {
			return nil, fmt.Errorf("record collection version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read collection version: %w", err)
	case stored != opts.Version:
		if opts.Migrate == nil {
			return nil, fmt.Errorf("%w: collection %q stored=%d expected=%d", ErrVersionMismatch, name, stored, opts.Version)
		}
		if err := d.migrate(ctx, name, stored, opts); err != nil {
			return nil, err
		}
	}

	return &Collection{db: d.db, name: name}, nil
}

func (d *DocumentDB) migrate(ctx context.Context, name string, from int, opts CollectionOptions) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, doc FROM documents WHERE collection = ?
	`, name)
	if err != nil {
		return fmt.Errorf("load documents for migration: %w", err)
	}
	type entry struct {
		id  string
		doc json.RawMessage
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var doc string
		if err := rows.Scan(&e.id, &doc); err != nil {
			rows.Close()
			return err
		}
		e.doc = json.RawMessage(doc)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	migrated, failed := 0, 0
	for _, e := range entries {
		converted, convErr := opts.Migrate(from, e.doc)
		if convErr != nil {
			failed++
			if _, err := d.db.ExecContext(ctx, `
				INSERT INTO failed_migrations (collection, id, from_version, doc, reason, failed_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (collection, id) DO NOTHING
			`, name, e.id, from, string(e.doc), convErr.Error(), time.Now().UTC()); err != nil {
				return fmt.Errorf("record failed migration: %w", err)
			}
			if _, err := d.db.ExecContext(ctx, `
				DELETE FROM documents WHERE collection = ? AND id = ?
			`, name, e.id); err != nil {
				return err
			}
			continue
		}
		migrated++
		if _, err := d.db.ExecContext(ctx, `
			UPDATE documents SET doc = ?, updated_at = ? WHERE collection = ? AND id = ?
		`, string(converted), time.Now().UTC(), name, e.id); err != nil {
			return err
		}
	}

	if _, err := d.db.ExecContext(ctx, `
		UPDATE collection_metadata SET version = ? WHERE collection = ?
	`, opts.Version, name); err != nil {
		return fmt.Errorf("bump collection version: %w", err)
	}

	d.logger.Info("collection migrated",
		"collection", name,
		"from_version", from,
		"to_version", opts.Version,
		"migrated", migrated,
		"failed", failed)
	return nil
}

// FailedMigrations returns the ids parked in the failed_migrations bucket for
// a collection.
func (d *DocumentDB) FailedMigrations(ctx context.Context, collection string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM failed_migrations WHERE collection = ? ORDER BY id
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Collection is one named bucket of JSON documents keyed by id.
type Collection struct {
	db   *sql.DB
	name string
}

// InsertOne stores a new document under id. Existing ids are rejected.
func (c *Collection) InsertOne(ctx context.Context, id string, doc json.RawMessage) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO NOTHING
	`, c.name, id, string(doc), time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("document %q already exists in %q", id, c.name)
	}
	return nil
}

// UpdateOne replaces the document under id. With upsert, a missing id is
// inserted instead of failing.
func (c *Collection) UpdateOne(ctx context.Context, id string, doc json.RawMessage, upsert bool) error {
	if upsert {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO documents (collection, id, doc, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
		`, c.name, id, string(doc), time.Now().UTC())
		return err
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET doc = ?, updated_at = ? WHERE collection = ? AND id = ?
	`, string(doc), time.Now().UTC(), c.name, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// FindOne loads the document stored under id.
func (c *Collection) FindOne(ctx context.Context, id string) (json.RawMessage, error) {
	var doc string
	err := c.db.QueryRowContext(ctx, `
		SELECT doc FROM documents WHERE collection = ? AND id = ?
	`, c.name, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc), nil
}

// Find returns all documents in the collection in id order. The filter, when
// set, is applied per document.
func (c *Collection) Find(ctx context.Context, filter func(json.RawMessage) bool) ([]json.RawMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT doc FROM documents WHERE collection = ? ORDER BY id
	`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		raw := json.RawMessage(doc)
		if filter != nil && !filter(raw) {
			continue
		}
		docs = append(docs, raw)
	}
	return docs, rows.Err()
}

// DeleteOne removes the document under id.
func (c *Collection) DeleteOne(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = ? AND id = ?
	`, c.name, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
