package quipodb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestJSONProviderCompliance(t *testing.T) {
	p, err := NewJSONProvider(context.Background(), filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("NewJSONProvider failed: %v", err)
	}
	defer p.Close()
	testProviderCompliance(t, p)
}

func TestJSONProviderFlushAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")

	p, err := NewJSONProvider(ctx, path, WithCompression("zstd"))
	if err != nil {
		t.Fatalf("NewJSONProvider failed: %v", err)
	}
	if err := p.CreateCollection(ctx, CollectionSpec{Name: "users", PrimaryKey: "id"}); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateDoc(ctx, "users", Document{"id": "u1", "balance": 10.0}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written before Flush, stat err = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewJSONProvider(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	doc, err := reopened.GetDoc(ctx, "users", Document{"id": "u1"})
	if err != nil {
		t.Fatalf("GetDoc after reload failed: %v", err)
	}
	if doc["balance"] != 10.0 {
		t.Errorf("balance = %v, want 10", doc["balance"])
	}

	// The primary key survives the reload.
	if err := reopened.UpdateDoc(ctx, "users", Document{"id": "u1", "balance": 99.0}, Document{"id": "u1", "balance": 11.0}); err != nil {
		t.Errorf("UpdateDoc by primary key failed: %v", err)
	}
}

func TestJSONProviderAutosave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")

	p, err := NewJSONProvider(ctx, path, WithAutosave())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CreateCollection(ctx, CollectionSpec{Name: "notes"}); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateDoc(ctx, "notes", Document{"text": "hi"}); err != nil {
		t.Fatal(err)
	}

	other, err := NewJSONProvider(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := other.GetCollection(ctx, "notes")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("expected 1 autosaved doc, got %d", len(docs))
	}
}

func TestJSONProviderInvalidConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewJSONProvider(ctx, ""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for empty path, got %v", err)
	}
	if _, err := NewJSONProvider(ctx, filepath.Join(t.TempDir(), "db.json"), WithCompression("brotli")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown compression, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONProvider(ctx, path); !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData for corrupt file, got %v", err)
	}
}
