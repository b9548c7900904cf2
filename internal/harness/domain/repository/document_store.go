package repository

import (
	"context"

	"firestore-harness/internal/harness/domain/model"
)

// DocumentStore reads and writes single documents addressed by path
// ("collection/doc[/sub/doc...]"). Returned documents are owned by the caller.
type DocumentStore interface {
	GetDocument(ctx context.Context, path string) (*model.Document, error)
	// CreateDocument fails with a conflict error when the document exists.
	CreateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error)
	// SetDocument replaces the document, creating it when missing.
	SetDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error)
	// UpdateDocument merges dotted field paths into an existing document.
	UpdateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error)
	// DeleteDocument succeeds when the document does not exist.
	DeleteDocument(ctx context.Context, path string) error
}
