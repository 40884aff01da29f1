package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DocumentDB {
	t.Helper()
	db, err := OpenDocumentDB(":memory:", nil)
	if err != nil {
		t.Fatalf("OpenDocumentDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollectionCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	col, err := db.Collection(ctx, "agents", CollectionOptions{Version: 1})
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}

	doc := json.RawMessage(`{"name":"otto"}`)
	if err := col.InsertOne(ctx, "a1", doc); err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}
	if err := col.InsertOne(ctx, "a1", doc); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}

	loaded, err := col.FindOne(ctx, "a1")
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if string(loaded) != string(doc) {
		t.Fatalf("expected %s, got %s", doc, loaded)
	}

	if err := col.UpdateOne(ctx, "a1", json.RawMessage(`{"name":"ada"}`), false); err != nil {
		t.Fatalf("UpdateOne() error = %v", err)
	}
	if err := col.UpdateOne(ctx, "missing", doc, false); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := col.UpdateOne(ctx, "a2", doc, true); err != nil {
		t.Fatalf("UpdateOne(upsert) error = %v", err)
	}

	docs, err := col.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}

	if err := col.DeleteOne(ctx, "a1"); err != nil {
		t.Fatalf("DeleteOne() error = %v", err)
	}
	if _, err := col.FindOne(ctx, "a1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound after delete, got %v", err)
	}
}

func TestCollectionVersionMismatchRefusesOpen(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Collection(ctx, "sessions", CollectionOptions{Version: 1}); err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	_, err := db.Collection(ctx, "sessions", CollectionOptions{Version: 2})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestCollectionMigrationRoutesFailuresWithoutDataLoss(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	col, err := db.Collection(ctx, "guidelines", CollectionOptions{Version: 1})
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if err := col.InsertOne(ctx, "good", json.RawMessage(`{"condition":"x"}`)); err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}
	if err := col.InsertOne(ctx, "bad", json.RawMessage(`{"legacy":true}`)); err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}

	migrate := func(from int, doc json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, err
		}
		if _, ok := m["condition"]; !ok {
			return nil, errors.New("missing condition")
		}
		m["action"] = "migrated"
		return json.Marshal(m)
	}

	col, err = db.Collection(ctx, "guidelines", CollectionOptions{Version: 2, Migrate: migrate})
	if err != nil {
		t.Fatalf("Collection(migrate) error = %v", err)
	}

	if _, err := col.FindOne(ctx, "good"); err != nil {
		t.Fatalf("expected migrated document to survive, got %v", err)
	}
	if _, err := col.FindOne(ctx, "bad"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected unconvertible document removed from collection, got %v", err)
	}

	failed, err := db.FailedMigrations(ctx, "guidelines")
	if err != nil {
		t.Fatalf("FailedMigrations() error = %v", err)
	}
	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("expected [bad] in failed_migrations, got %v", failed)
	}

	// Reopening at the new version succeeds without a migration.
	if _, err := db.Collection(ctx, "guidelines", CollectionOptions{Version: 2}); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
}
