package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/agent"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
	"github.com/fyrsmithlabs/autodevd/internal/model"
)

// Summarize runs the summarizer agent role and returns its text. The
// pipeline adapts the governor to this signature per run so the service
// stays decoupled from retry policy and budget state.
type Summarize func(ctx context.Context, system string, messages []model.Message) (string, error)

// Service folds transcript history into the bounded summary artifact.
type Service struct {
	capBytes int
	logger   *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	passes      metric.Int64Counter
	noops       metric.Int64Counter
	truncations metric.Int64Counter
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a compaction service with the given byte cap.
func NewService(capBytes int, opts ...Option) (*Service, error) {
	if capBytes <= 0 {
		return nil, fmt.Errorf("cap must be positive, got %d", capBytes)
	}
	s := &Service{
		capBytes: capBytes,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer("autodevd/compaction"),
		meter:    otel.Meter("autodevd/compaction"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	var err error
	s.passes, err = s.meter.Int64Counter("autodevd.compaction.passes",
		metric.WithDescription("Completed compaction passes"))
	if err != nil {
		return err
	}
	s.noops, err = s.meter.Int64Counter("autodevd.compaction.noops",
		metric.WithDescription("Compaction calls short-circuited with no new entries"))
	if err != nil {
		return err
	}
	s.truncations, err = s.meter.Int64Counter("autodevd.compaction.truncations",
		metric.WithDescription("Summaries truncated to fit the byte cap"))
	return err
}

// Cap returns the configured byte cap.
func (s *Service) Cap() int { return s.capBytes }

// Compact folds the transcript entries beyond the current artifact's
// covers-through marker into a new artifact.
//
// With no new entries the current artifact is returned unchanged: same
// version, same bytes, no model call. The returned artifact always
// satisfies Size() <= Cap().
func (s *Service) Compact(ctx context.Context, runID string, current *SummaryArtifact, entries []Entry, summarize Summarize) (*SummaryArtifact, error) {
	if summarize == nil {
		return nil, fmt.Errorf("summarize func required")
	}
	ctx, span := s.tracer.Start(ctx, "compaction.Compact", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("transcript.entries", len(entries)),
	))
	defer span.End()

	covered := 0
	priorText := ""
	priorVersion := 0
	if current != nil {
		covered = current.CoversThrough
		priorText = current.Text
		priorVersion = current.Version
	}
	if covered >= len(entries) {
		s.noops.Add(ctx, 1)
		return current, nil
	}
	fresh := entries[covered:]

	text, err := summarize(ctx, agent.SystemPrompt(agent.RoleSummarizer), []model.Message{
		{Role: "user", Content: buildFoldPrompt(priorText, fresh)},
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer call failed: %w", err)
	}

	if len(text) > s.capBytes {
		s.truncations.Add(ctx, 1)
		s.logger.Warn(ctx, "summary over cap, truncating oldest content",
			zap.Int("size", len(text)),
			zap.Int("cap", s.capBytes),
		)
		text = truncateToCap(text, s.capBytes)
	}

	s.passes.Add(ctx, 1)
	return &SummaryArtifact{
		RunID:         runID,
		Text:          text,
		Version:       priorVersion + 1,
		CoversThrough: len(entries),
		UpdatedAt:     time.Now(),
	}, nil
}

// buildFoldPrompt presents the prior summary and the new entries for
// revision. Oldest entries come first so truncation order matches
// transcript order.
func buildFoldPrompt(prior string, fresh []Entry) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString("CURRENT SUMMARY:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("NEW TRANSCRIPT ENTRIES:\n")
	for _, e := range fresh {
		b.WriteString("[")
		b.WriteString(e.Role)
		b.WriteString("] ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nRevise the summary to cover everything above.")
	return b.String()
}
