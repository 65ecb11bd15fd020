package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same behavioral checks against both backends.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "autodevd.db"))
		require.NoError(t, err)
		return s
	default:
		t.Fatalf("unknown backend %q", name)
		return nil
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			defer s.Close()
			ctx := context.Background()

			created := time.Now().UTC().Truncate(time.Second)
			run := &RunRecord{
				ID:        "run_1a2b3c4d",
				Goal:      "add retry logic",
				Status:    "running",
				CreatedAt: created,
			}
			require.NoError(t, s.SaveRun(ctx, run))

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "running", got.Status)
			assert.Nil(t, got.FinishedAt)

			// Saving again with the same id updates in place.
			finished := created.Add(time.Minute)
			run.Status = "succeeded"
			run.FinishedAt = &finished
			run.Cost = 1.25
			run.Calls = 7
			run.Summary = "all steps passed"
			run.SummaryVersion = 3
			require.NoError(t, s.SaveRun(ctx, run))

			got, err = s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "succeeded", got.Status)
			require.NotNil(t, got.FinishedAt)
			assert.InDelta(t, 1.25, got.Cost, 0.001)
			assert.Equal(t, 3, got.SummaryVersion)
		})
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			defer s.Close()

			_, err := s.GetRun(context.Background(), "run_missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			defer s.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Second)
			for i, id := range []string{"run_a", "run_b", "run_c"} {
				require.NoError(t, s.SaveRun(ctx, &RunRecord{
					ID:        id,
					Goal:      "goal",
					Status:    "succeeded",
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			runs, err := s.ListRuns(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run_c", runs[0].ID)
			assert.Equal(t, "run_b", runs[1].ID)
		})
	}
}

func TestStore_InvocationsAppendOrder(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.SaveRun(ctx, &RunRecord{
				ID: "run_a", Goal: "g", Status: "running", CreatedAt: time.Now().UTC(),
			}))

			started := time.Now().UTC().Truncate(time.Second)
			for i, id := range []string{"inv_1", "inv_2", "inv_3"} {
				require.NoError(t, s.AppendInvocation(ctx, &InvocationRecord{
					ID:          id,
					RunID:       "run_a",
					Role:        "coder",
					ModelID:     "anthropic/claude-2",
					RouteReason: "primary",
					Attempt:     i + 1,
					Status:      "succeeded",
					InputDigest: "abc123",
					Latency:     1500 * time.Millisecond,
					Cost:        0.01,
					StartedAt:   started,
				}))
			}

			invs, err := s.ListInvocations(ctx, "run_a")
			require.NoError(t, err)
			require.Len(t, invs, 3)
			assert.Equal(t, "inv_1", invs[0].ID)
			assert.Equal(t, "inv_3", invs[2].ID)
			assert.Equal(t, 1500*time.Millisecond, invs[0].Latency)
			assert.Equal(t, "primary", invs[0].RouteReason)

			other, err := s.ListInvocations(ctx, "run_other")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}
