package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestore-harness/internal/harness/adapter/persistence/memory"
	"firestore-harness/internal/harness/domain/model"
)

type mockQueryEngine struct {
	mock.Mock
}

func (m *mockQueryEngine) RunQuery(ctx context.Context, q model.Query) ([]*model.Document, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Document), args.Error(1)
}

type mockPipelineEngine struct {
	mock.Mock
}

func (m *mockPipelineEngine) ExecutePipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Document), args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, stream string, snap *model.Snapshot) error {
	return m.Called(ctx, stream, snap).Error(0)
}

func (m *mockRecorder) Replay(ctx context.Context, stream string) ([]*model.Snapshot, error) {
	args := m.Called(ctx, stream)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Snapshot), args.Error(1)
}

func (m *mockRecorder) Delete(ctx context.Context, stream string) error {
	return m.Called(ctx, stream).Error(0)
}

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()
	b, err := memory.NewBackend(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func doc(path string, data map[string]interface{}) *model.Document {
	return model.NewDocument(path, model.MustFields(data))
}

func docIDs(docs []*model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}
