package quipodb

import (
	"context"
)

// CollectionSpec describes a collection to a provider.
type CollectionSpec struct {
	Name string
	// PrimaryKey names the document field that identifies a document.
	// Empty when the collection has no primary key.
	PrimaryKey string
}

// Provider stores collections of documents in one backend.
//
// Providers match documents by partial equality: a document matches when
// every field of the match document is present with an equal value. When
// several documents match, the first in collection order is used.
//
// CreateCollection must be idempotent so that reopening a store over
// existing data does not fail. Operations on a collection that was never
// created return ErrCollectionNotFound.
type Provider interface {
	// Name identifies the provider in logs, metrics and errors.
	Name() string

	CreateCollection(ctx context.Context, spec CollectionSpec) error
	DeleteCollection(ctx context.Context, name string) error
	Collections(ctx context.Context) ([]string, error)
	GetCollection(ctx context.Context, name string) ([]Document, error)

	CreateDoc(ctx context.Context, collection string, doc Document) error
	// GetDoc returns ErrNotFound when no document matches.
	GetDoc(ctx context.Context, collection string, match Document) (Document, error)
	// UpdateDoc replaces the document matching ref with doc.
	UpdateDoc(ctx context.Context, collection string, ref, doc Document) error
	// DeleteDoc removes the first matching document. Deleting a document
	// that does not exist is not an error.
	DeleteDoc(ctx context.Context, collection string, match Document) error

	Close() error
}

// Flusher is implemented by providers that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PrimaryKeyRequirer is implemented by providers that can only store
// collections with a primary key.
type PrimaryKeyRequirer interface {
	RequiresPrimaryKey() bool
}

// Pinger is implemented by providers that can check backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// findIndex returns the position of the first document matching match, or -1.
func findIndex(docs []Document, match Document) int {
	for i, d := range docs {
		if d.Contains(match) {
			return i
		}
	}
	return -1
}

// keyMatch narrows match to the primary key when it carries one.
func keyMatch(pk string, match Document) Document {
	if pk == "" {
		return match
	}
	if v, ok := match[pk]; ok && v != nil {
		return Document{pk: v}
	}
	return match
}

func collectionNotFound(provider, name string) error {
	return WithContext(ErrCollectionNotFound, map[string]interface{}{
		"provider":   provider,
		"collection": name,
	})
}
