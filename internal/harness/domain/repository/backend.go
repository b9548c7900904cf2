package repository

import "context"

// Backend is everything the harness needs from a document database.
type Backend interface {
	DocumentStore
	QueryEngine
	PipelineEngine
	Watcher

	Name() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
