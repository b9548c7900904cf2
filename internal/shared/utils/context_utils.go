package utils

import (
	"context"
	"errors"

	"firestore-harness/internal/shared/contextkeys"
)

var (
	ErrRunIDNotFound      = errors.New("runID not found in context")
	ErrRunIDNotString     = errors.New("runID in context is not a string")
	ErrRequestIDNotFound  = errors.New("requestID not found in context")
	ErrRequestIDNotString = errors.New("requestID in context is not a string")
)

// WithRunID returns a child context tagged with the run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextkeys.RunIDKey, runID)
}

// WithOperation returns a child context tagged with the operation name.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, contextkeys.OperationKey, op)
}

// GetRunIDFromContext retrieves the run identifier placed by WithRunID.
func GetRunIDFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.RunIDKey, ErrRunIDNotFound, ErrRunIDNotString)
}

// GetRequestIDFromContext retrieves the request identifier set by the fixture server.
func GetRequestIDFromContext(ctx context.Context) (string, error) {
	return stringValue(ctx, contextkeys.RequestIDKey, ErrRequestIDNotFound, ErrRequestIDNotString)
}

func stringValue(ctx context.Context, key interface{}, notFound, notString error) (string, error) {
	val := ctx.Value(key)
	if val == nil {
		return "", notFound
	}
	s, ok := val.(string)
	if !ok {
		return "", notString
	}
	return s, nil
}
