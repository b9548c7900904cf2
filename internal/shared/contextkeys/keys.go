package contextkeys

// contextKey is an unexported type so keys never collide with other packages.
type contextKey string

func (c contextKey) String() string {
	return "firestore-harness context key " + string(c)
}

const (
	// RunIDKey carries the test run identifier of the helper issuing a call.
	RunIDKey = contextKey("runID")
	// RequestIDKey carries the fixture server request identifier.
	RequestIDKey = contextKey("requestID")
	// ComponentKey names the harness component doing the work.
	ComponentKey = contextKey("component")
	// OperationKey names the backend operation (query, pipeline, listen...).
	OperationKey = contextKey("operation")
	// CollectionKey carries the collection path an operation targets.
	CollectionKey = contextKey("collection")
	// SubjectKey carries the authenticated token subject.
	SubjectKey = contextKey("subject")
)
