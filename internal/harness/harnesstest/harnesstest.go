// Package harnesstest adapts the harness to Go tests: backends come from the
// environment, helpers clean up after themselves and divergences become
// require failures.
package harnesstest

import (
	"context"
	"strings"
	"testing"
	"time"

	"firestore-harness/internal/di"
	"firestore-harness/internal/harness/config"
	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/usecase"
	"firestore-harness/internal/shared/logger"

	"github.com/stretchr/testify/require"
)

// SnapshotTimeout bounds how long RequireSnapshot waits for an event.
var SnapshotTimeout = 10 * time.Second

// NewContainer initializes a container from the environment and closes it
// when the test ends. Unreachable external backends skip the test instead
// of failing it.
func NewContainer(t testing.TB) *di.Container {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err, "harness configuration")

	c := di.NewContainer(cfg)
	c.Logger = logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  logger.FormatText,
		Backend: cfg.Log.Backend,
	}).WithFields(map[string]interface{}{"test": t.Name()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		if cfg.EffectiveBackend() == config.BackendMemory {
			require.NoError(t, err, "memory backend")
		}
		t.Skipf("%s backend unavailable: %v", cfg.EffectiveBackend(), err)
	}
	if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close(ctx)
		t.Skipf("%s backend unhealthy: %v", cfg.EffectiveBackend(), err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Logf("closing harness container: %v", err)
		}
	})
	return c
}

// NewBackend returns the backend selected by HARNESS_BACKEND and
// FIRESTORE_EMULATOR_HOST.
func NewBackend(t testing.TB) repository.Backend {
	t.Helper()
	return NewContainer(t).Backend
}

// NewHelper returns a test helper on collection with a fresh run ID. Every
// document the run wrote is deleted when the test ends.
func NewHelper(t testing.TB, collection string) *usecase.TestHelper {
	t.Helper()
	h := NewContainer(t).NewHelper(collection, usecase.NewRunID())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.Cleanup(ctx); err != nil {
			t.Errorf("harness cleanup of run %s: %v", h.RunID(), err)
		}
	})
	return h
}

// SkipUnlessEnterprise skips tests of the pipeline surface unless
// RUN_ENTERPRISE_TESTS is set.
func SkipUnlessEnterprise(t testing.TB) {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err, "harness configuration")
	if !cfg.ShouldRunEnterprise() {
		t.Skip("set RUN_ENTERPRISE_TESTS=true to run pipeline tests")
	}
}

// RequireEquivalent runs q on both surfaces and fails the test on any
// divergence. The agreed records are returned.
func RequireEquivalent(t testing.TB, h *usecase.TestHelper, q model.Query) []usecase.Record {
	t.Helper()
	cmp, err := h.Compare(context.Background(), q)
	require.NoError(t, err, "comparing %s", q)
	if !cmp.Equivalent() {
		lines := make([]string, 0, len(cmp.Mismatches))
		for _, m := range cmp.Mismatches {
			lines = append(lines, "  "+m.String())
		}
		require.FailNow(t, "query and pipeline results differ",
			"query: %s\ndirect: %v\npipeline: %v\n%s", q, usecase.IDs(cmp.Direct), usecase.IDs(cmp.Piped), strings.Join(lines, "\n"))
	}
	return cmp.Direct
}

// RequireSnapshot waits for the next snapshot of s and fails the test when
// v rejects it.
func RequireSnapshot(t testing.TB, s *usecase.WatchSession, v *usecase.SnapshotDiffValidator) *model.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), SnapshotTimeout)
	defer cancel()

	snap, err := s.Next(ctx)
	require.NoError(t, err, "waiting for snapshot %d", s.Received()+1)
	require.NoError(t, v.Validate(snap))
	return snap
}

// RequirePages walks q and fails unless it yields exactly wantPages
// non-empty pages. When wantIDs are given the concatenated document IDs
// must match them in order.
func RequirePages(t testing.TB, h *usecase.TestHelper, q model.Query, wantPages int, wantIDs ...string) *usecase.PageResult {
	t.Helper()
	res, err := h.Walk(context.Background(), q)
	require.NoError(t, err, "walking %s", q)
	require.Equal(t, wantPages, res.Pages, "page sizes %v", res.PageSizes)
	if len(wantIDs) > 0 {
		got := make([]string, len(res.Documents))
		for i, d := range res.Documents {
			got[i] = d.ID()
		}
		want := make([]string, len(wantIDs))
		for i, key := range wantIDs {
			want[i] = idOf(h, key)
		}
		require.Equal(t, want, got, "walked documents")
	}
	return res
}

func idOf(h *usecase.TestHelper, key string) string {
	path := h.Path(key)
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
