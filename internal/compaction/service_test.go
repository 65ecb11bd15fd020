package compaction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodevd/internal/model"
)

func fixedSummarizer(text string) Summarize {
	return func(context.Context, string, []model.Message) (string, error) {
		return text, nil
	}
}

func countingSummarizer(text string, calls *int) Summarize {
	return func(context.Context, string, []model.Message) (string, error) {
		*calls++
		return text, nil
	}
}

func entries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{Role: "coder", Content: "did a thing", At: time.Now()}
	}
	return out
}

func TestCompact_ProducesArtifactUnderCap(t *testing.T) {
	svc, err := NewService(8192)
	require.NoError(t, err)

	art, err := svc.Compact(context.Background(), "run_a", nil, entries(3), fixedSummarizer("short summary"))
	require.NoError(t, err)

	assert.Equal(t, "short summary", art.Text)
	assert.Equal(t, 1, art.Version)
	assert.Equal(t, 3, art.CoversThrough)
	assert.LessOrEqual(t, art.Size(), svc.Cap())
}

func TestCompact_CapEnforcedAfterEveryPass(t *testing.T) {
	huge := strings.Repeat("line of summary text\n", 1000)
	svc, err := NewService(8192)
	require.NoError(t, err)

	art, err := svc.Compact(context.Background(), "run_a", nil, entries(1), fixedSummarizer(huge))
	require.NoError(t, err)
	assert.LessOrEqual(t, art.Size(), 8192)
}

func TestCompact_IdempotentWithNoNewEntries(t *testing.T) {
	calls := 0
	svc, err := NewService(8192)
	require.NoError(t, err)

	summarize := countingSummarizer("summary v1", &calls)
	ts := entries(5)
	first, err := svc.Compact(context.Background(), "run_a", nil, ts, summarize)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Same transcript, up-to-date artifact: same bytes, same version,
	// and no model call.
	second, err := svc.Compact(context.Background(), "run_a", first, ts, summarize)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "no-op must not invoke the summarizer")
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Text, second.Text)
}

func TestCompact_NewEntriesBumpVersion(t *testing.T) {
	svc, err := NewService(8192)
	require.NoError(t, err)

	ts := entries(2)
	first, err := svc.Compact(context.Background(), "run_a", nil, ts, fixedSummarizer("revised"))
	require.NoError(t, err)

	ts = append(ts, Entry{Role: "tester", Content: "tests passed"})
	second, err := svc.Compact(context.Background(), "run_a", first, ts, fixedSummarizer("revised"))
	require.NoError(t, err)

	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, 3, second.CoversThrough)
}

func TestCompact_PromptCarriesPriorSummaryAndFreshEntriesOnly(t *testing.T) {
	var prompt string
	capture := func(_ context.Context, _ string, msgs []model.Message) (string, error) {
		prompt = msgs[0].Content
		return "ok", nil
	}
	svc, err := NewService(8192)
	require.NoError(t, err)

	ts := []Entry{
		{Role: "planner", Content: "old entry"},
		{Role: "coder", Content: "fresh entry"},
	}
	prior := &SummaryArtifact{RunID: "run_a", Text: "prior summary", Version: 2, CoversThrough: 1}

	_, err = svc.Compact(context.Background(), "run_a", prior, ts, capture)
	require.NoError(t, err)

	assert.Contains(t, prompt, "prior summary")
	assert.Contains(t, prompt, "fresh entry")
	assert.NotContains(t, prompt, "old entry", "already-covered entries are not refed")
}

func TestTruncateToCap(t *testing.T) {
	t.Run("under cap unchanged", func(t *testing.T) {
		assert.Equal(t, "abc", truncateToCap("abc", 10))
	})

	t.Run("drops oldest normal lines first", func(t *testing.T) {
		text := "oldest line\nmiddle line\nnewest line"
		out := truncateToCap(text, 25)
		assert.LessOrEqual(t, len(out), 25)
		assert.Contains(t, out, "newest line")
		assert.NotContains(t, out, "oldest line")
	})

	t.Run("must-retain lines outlive normal lines", func(t *testing.T) {
		text := "! open issue: flaky test\nolder detail\nnewer detail"
		out := truncateToCap(text, 40)
		assert.LessOrEqual(t, len(out), 40)
		assert.Contains(t, out, "open issue")
		assert.Contains(t, out, "newer detail")
	})

	t.Run("cap is hard even for must-retain", func(t *testing.T) {
		text := "! " + strings.Repeat("x", 100)
		out := truncateToCap(text, 50)
		assert.LessOrEqual(t, len(out), 50)
	})

	t.Run("cuts on rune boundary", func(t *testing.T) {
		text := strings.Repeat("é", 100)
		out := truncateToCap(text, 51)
		assert.LessOrEqual(t, len(out), 51)
		assert.True(t, strings.ToValidUTF8(out, "") == out)
	})
}
