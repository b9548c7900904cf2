package usecase_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/usecase"
	"firestore-harness/internal/shared/errors"
)

func TestPaginationWalker_PageCount(t *testing.T) {
	tests := []struct {
		docs, pageSize, wantPages int
	}{
		{0, 3, 0},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
		{10, 3, 4},
		{10, 1, 10},
		{7, 10, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d docs by %d", tt.docs, tt.pageSize), func(t *testing.T) {
			ctx := context.Background()
			h := usecase.NewTestHelper(newBackend(t), "pages", usecase.HelperOptions{})
			for i := 0; i < tt.docs; i++ {
				// Equal sort keys in pairs exercise the name tie-break.
				_, err := h.Set(ctx, fmt.Sprintf("k%02d", i), map[string]interface{}{"group": i / 2})
				require.NoError(t, err)
			}

			q := h.Query().OrderBy("group", model.Asc)
			all, err := h.Run(ctx, q)
			require.NoError(t, err)

			res, err := h.Walk(ctx, q.Limit(tt.pageSize))
			require.NoError(t, err)
			assert.Equal(t, tt.wantPages, res.Pages)
			assert.Equal(t, (tt.docs+tt.pageSize-1)/tt.pageSize, res.Pages)
			assert.Equal(t, docIDs(all), docIDs(res.Documents))
			for i, n := range res.PageSizes {
				if i < len(res.PageSizes)-1 {
					assert.Equal(t, tt.pageSize, n)
				}
			}
		})
	}
}

func TestPaginationWalker_DescendingOrder(t *testing.T) {
	ctx := context.Background()
	h := usecase.NewTestHelper(newBackend(t), "pages", usecase.HelperOptions{})
	for i := 0; i < 5; i++ {
		_, err := h.Set(ctx, fmt.Sprintf("k%d", i), map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	res, err := h.Walk(ctx, h.Query().OrderBy("n", model.Desc).Limit(2))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	var keys []string
	for _, d := range res.Documents {
		keys = append(keys, h.Tagger().Key(d.ID()))
	}
	assert.Equal(t, []string{"k4", "k3", "k2", "k1", "k0"}, keys)
}

func TestPaginationWalker_RejectsUnpageableQueries(t *testing.T) {
	w := usecase.NewPaginationWalker(&mockQueryEngine{}, nil)
	ctx := context.Background()

	for name, q := range map[string]model.Query{
		"no limit":      model.NewQuery("c").OrderBy("n", model.Asc),
		"limit to last": model.NewQuery("c").OrderBy("n", model.Asc).LimitToLast(2),
		"invalid":       model.NewQuery(""),
		"find nearest": model.NewQuery("c").FindNearest(model.VectorQuery{
			Field: "v", Vector: []float64{1}, Limit: 1, Measure: model.DistanceEuclidean,
		}),
	} {
		_, err := w.Walk(ctx, q)
		assert.True(t, errors.IsValidation(err), name)
	}
}

func TestPaginationWalker_PropagatesPageErrors(t *testing.T) {
	engine := &mockQueryEngine{}
	boom := fmt.Errorf("backend down")
	first := []*model.Document{doc("c/1", map[string]interface{}{"n": 1})}
	engine.On("RunQuery", mock.Anything, mock.Anything).Return(first, nil).Once()
	engine.On("RunQuery", mock.Anything, mock.Anything).Return(nil, boom).Once()

	w := usecase.NewPaginationWalker(engine, nil)
	res, err := w.Walk(context.Background(), model.NewQuery("c").OrderBy("n", model.Asc).Limit(1))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "page 2")
	assert.Equal(t, 1, res.Pages)
	engine.AssertExpectations(t)
}

func TestPaginationWalker_OversizedPageIsMismatch(t *testing.T) {
	engine := &mockQueryEngine{}
	engine.On("RunQuery", mock.Anything, mock.Anything).Return([]*model.Document{
		doc("c/1", map[string]interface{}{"n": 1}),
		doc("c/2", map[string]interface{}{"n": 2}),
	}, nil)

	w := usecase.NewPaginationWalker(engine, nil)
	_, err := w.Walk(context.Background(), model.NewQuery("c").OrderBy("n", model.Asc).Limit(1))
	assert.True(t, errors.IsMismatch(err))
}

func TestPaginationWalker_MaxPages(t *testing.T) {
	ctx := context.Background()
	h := usecase.NewTestHelper(newBackend(t), "pages", usecase.HelperOptions{MaxPages: 2})
	for i := 0; i < 4; i++ {
		_, err := h.Set(ctx, fmt.Sprintf("k%d", i), map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	res, err := h.Walk(ctx, h.Query().OrderBy("n", model.Asc).Limit(2))
	require.NoError(t, err, "exactly max pages is allowed")
	assert.Equal(t, 2, res.Pages)

	_, err = h.Walk(ctx, h.Query().OrderBy("n", model.Asc).Limit(1))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "exceeded 2 pages")
}
