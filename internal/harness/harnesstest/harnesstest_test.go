package harnesstest

import (
	"context"
	"fmt"
	"testing"

	"firestore-harness/internal/harness/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useMemory(t *testing.T) {
	t.Setenv("HARNESS_BACKEND", "memory")
	t.Setenv("FIRESTORE_EMULATOR_HOST", "")
	t.Setenv("HARNESS_RECORD_SNAPSHOTS", "false")
	t.Setenv("RUN_ENTERPRISE_TESTS", "true")
	t.Setenv("LOG_LEVEL", "error")
}

func TestNewBackend_DefaultsToMemory(t *testing.T) {
	useMemory(t)
	b := NewBackend(t)
	assert.Equal(t, "memory", b.Name())
	require.NoError(t, b.Ping(context.Background()))
}

func TestSkipUnlessEnterprise(t *testing.T) {
	useMemory(t)
	t.Setenv("RUN_ENTERPRISE_TESTS", "false")

	skipped := true
	t.Run("gated", func(t *testing.T) {
		SkipUnlessEnterprise(t)
		skipped = false
	})
	assert.True(t, skipped)
}

func TestRequireEquivalent_EqualityFilter(t *testing.T) {
	useMemory(t)
	SkipUnlessEnterprise(t)
	h := NewHelper(t, "widgets")
	ctx := context.Background()

	_, err := h.Set(ctx, "bar", map[string]interface{}{"foo": "bar"})
	require.NoError(t, err)
	_, err = h.Set(ctx, "baz", map[string]interface{}{"foo": "baz"})
	require.NoError(t, err)

	records := RequireEquivalent(t, h, h.Query(model.FieldFilter("foo", model.OpEqual, model.String("bar"))))
	require.Len(t, records, 1)
	assert.Equal(t, "bar", records[0].Fields["foo"].StringValue())
}

func TestRequireEquivalent_OrderedLimit(t *testing.T) {
	useMemory(t)
	SkipUnlessEnterprise(t)
	h := NewHelper(t, "letters")
	ctx := context.Background()
	for _, foo := range []string{"a", "b"} {
		_, err := h.Set(ctx, foo, map[string]interface{}{"foo": foo})
		require.NoError(t, err)
	}

	asc := RequireEquivalent(t, h, h.Query().OrderBy("foo", model.Asc).Limit(1))
	require.Len(t, asc, 1)
	assert.Equal(t, "a", asc[0].Fields["foo"].StringValue())

	desc := RequireEquivalent(t, h, h.Query().OrderBy("foo", model.Desc).Limit(1))
	require.Len(t, desc, 1)
	assert.Equal(t, "b", desc[0].Fields["foo"].StringValue())
}

func TestNewHelper_RunsAreIsolated(t *testing.T) {
	useMemory(t)
	c := NewContainer(t)
	ctx := context.Background()

	first := c.NewHelper("shared", "run-one")
	second := c.NewHelper("shared", "run-two")
	_, err := first.Set(ctx, "doc", map[string]interface{}{"owner": "one"})
	require.NoError(t, err)
	_, err = second.Set(ctx, "doc", map[string]interface{}{"owner": "two"})
	require.NoError(t, err)

	docs, err := first.Run(ctx, first.Query())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	owner, _ := docs[0].Get("owner")
	assert.Equal(t, "one", owner.StringValue())

	require.NoError(t, first.Cleanup(ctx))
	docs, err = second.Run(ctx, second.Query())
	require.NoError(t, err)
	assert.Len(t, docs, 1, "cleanup of one run leaves the other alone")
}

func TestRequirePages(t *testing.T) {
	useMemory(t)
	h := NewHelper(t, "pages")
	ctx := context.Background()

	var keys []string
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("k%02d", i)
		keys = append(keys, key)
		_, err := h.Set(ctx, key, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	res := RequirePages(t, h, h.Query().OrderBy("n", model.Asc).Limit(3), 3, keys...)
	assert.Equal(t, []int{3, 3, 1}, res.PageSizes)
}

func TestRequireSnapshot_InsertIntoEmptyCollection(t *testing.T) {
	useMemory(t)
	h := NewHelper(t, "rooms")
	ctx := context.Background()

	q := h.Query()
	s, err := h.Listen(ctx, q)
	require.NoError(t, err)
	v := h.Validator(q)

	first := RequireSnapshot(t, s, v)
	assert.Empty(t, first.Documents)

	_, err = h.Set(ctx, "r1", map[string]interface{}{"open": true})
	require.NoError(t, err)
	v.Add(h.Expect("r1", map[string]interface{}{"open": true}))

	second := RequireSnapshot(t, s, v)
	require.Len(t, second.Documents, 1)
	require.Len(t, second.Changes, 1)
	assert.Equal(t, model.ChangeAdded, second.Changes[0].Type)
}
