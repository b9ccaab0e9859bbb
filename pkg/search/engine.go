package search

import (
	"context"
	"errors"
)

var (
	// ErrDocumentMissing is returned by updates and deletes that target an absent document.
	ErrDocumentMissing = errors.New("search document missing")
	ErrIndexNotFound   = errors.New("search index not found")
)

// Document is a search document body keyed by field name.
type Document map[string]any

// Engine is the subset of search engine operations the sync pipeline needs.
// Every name argument may be an index or an alias.
type Engine interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, settings map[string]any, mapping Mapping) error
	PutAlias(ctx context.Context, index, alias string) error
	GetMapping(ctx context.Context, index string) (Mapping, error)
	PutMapping(ctx context.Context, index string, fields Mapping) error

	IndexDocument(ctx context.Context, index, id string, doc Document) error
	UpdateDocument(ctx context.Context, index, id string, fields Document) error
	DeleteDocument(ctx context.Context, index, id string) error
	GetDocument(ctx context.Context, index, id string) (Document, error)

	// CountMissing counts documents where field is absent or null.
	CountMissing(ctx context.Context, index, field string) (int64, error)
	// FindMissing returns up to size ids of documents missing field, skipping exclude.
	FindMissing(ctx context.Context, index, field string, exclude []string, size int) ([]string, error)
	// BulkUpdate applies partial updates and returns the ids that failed.
	BulkUpdate(ctx context.Context, index string, updates map[string]Document) ([]string, error)

	Search(ctx context.Context, index string, q Query) (*Result, error)
	Close() error
}
