package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/autodevd/internal/agent"
	"github.com/fyrsmithlabs/autodevd/internal/compaction"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/governor"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
	"github.com/fyrsmithlabs/autodevd/internal/model"
	"github.com/fyrsmithlabs/autodevd/internal/store"
	"github.com/fyrsmithlabs/autodevd/internal/toolgate"
)

// transcriptEntryMax bounds one transcript entry; full agent outputs
// live in invocation records, the transcript only feeds the summarizer.
const transcriptEntryMax = 4000

// errRevisionLimit marks a step whose revision budget is spent.
var errRevisionLimit = errors.New("revision limit reached")

// Invoker runs one governed agent call. Satisfied by *governor.Governor.
type Invoker interface {
	Invoke(ctx context.Context, req governor.Request) (*governor.Result, error)
}

// Config tunes the run loop.
type Config struct {
	// MaxRevisions bounds critic- and tester-driven revisions per step.
	MaxRevisions int
	// MaxConsecutiveStepFailures aborts the run when this many steps in
	// a row fail fatally.
	MaxConsecutiveStepFailures int
	// ContinueOnStepFailure keeps the run alive past a step whose
	// revision budget is spent, marking the step failed instead.
	ContinueOnStepFailure bool
	// CompactEvery triggers a compaction pass once this many transcript
	// entries accumulate beyond the current summary. A final pass always
	// runs before the run completes.
	CompactEvery int
	// HistoryLimit bounds how many finished runs stay resolvable in
	// memory. Older runs remain in the store only.
	HistoryLimit int

	// DisableCritic accepts coder output without review.
	DisableCritic bool
	// DisableTester skips the test rounds.
	DisableTester bool
	// DisableSummarizer turns off compaction; no summary artifact is
	// produced and prompts carry no context summary.
	DisableSummarizer bool

	MaxTokens   int
	Temperature float64
	Budget      governor.Ceilings
}

func (c *Config) applyDefaults() {
	if c.MaxRevisions == 0 {
		c.MaxRevisions = 3
	}
	if c.MaxConsecutiveStepFailures == 0 {
		c.MaxConsecutiveStepFailures = 2
	}
	if c.CompactEvery == 0 {
		c.CompactEvery = 4
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
}

// RunHandle is returned by StartRun; Done closes when the run reaches a
// terminal state.
type RunHandle struct {
	RunID string
	Done  <-chan struct{}
}

// runState is the in-memory record of one run. The executing goroutine
// is the only writer; readers snapshot under the mutex.
type runState struct {
	mu         sync.Mutex
	run        *Run
	budget     *governor.BudgetState
	transcript []compaction.Entry
	artifact   *compaction.SummaryArtifact
	cancel     context.CancelFunc
	done       chan struct{}
}

// Controller owns run and step lifecycle. One goroutine per active run;
// within a run only the tester batch fans out.
type Controller struct {
	cfg       Config
	invoker   Invoker
	compactor *compaction.Service
	gateway   *toolgate.Gateway
	bus       *events.Bus
	store     store.Store
	logger    *logging.Logger
	stats     *statsTracker

	tracer    trace.Tracer
	meter     metric.Meter
	runsTotal metric.Int64Counter
	revisions metric.Int64Counter

	mu      sync.Mutex
	runs    map[string]*runState
	history []*runState // finished runs, newest first, bounded by HistoryLimit
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGateway sets the tool gateway. Without one the tester runs on
// agent reasoning alone.
func WithGateway(g *toolgate.Gateway) Option {
	return func(c *Controller) { c.gateway = g }
}

// NewController creates a Controller. Store and bus may be nil.
func NewController(cfg Config, invoker Invoker, compactor *compaction.Service, st store.Store, bus *events.Bus, opts ...Option) (*Controller, error) {
	if invoker == nil {
		return nil, fmt.Errorf("invoker required")
	}
	if compactor == nil {
		return nil, fmt.Errorf("compaction service required")
	}
	cfg.applyDefaults()
	c := &Controller{
		cfg:       cfg,
		invoker:   invoker,
		compactor: compactor,
		bus:       bus,
		store:     st,
		logger:    logging.NewNop(),
		stats:     newStatsTracker(),
		tracer:    otel.Tracer("autodevd/pipeline"),
		meter:     otel.Meter("autodevd/pipeline"),
		runs:      make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return c, nil
}

func (c *Controller) initMetrics() error {
	var err error
	c.runsTotal, err = c.meter.Int64Counter("autodevd.pipeline.runs",
		metric.WithDescription("Finished runs by terminal status"))
	if err != nil {
		return err
	}
	c.revisions, err = c.meter.Int64Counter("autodevd.pipeline.step_revisions",
		metric.WithDescription("Step revisions requested by critic or tester"))
	return err
}

// StartRun registers a run and starts its goroutine. The run detaches
// from the caller's context; stop it with Cancel.
func (c *Controller) StartRun(ctx context.Context, goal string) (*RunHandle, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal required")
	}

	now := time.Now()
	run := &Run{
		ID:        "run_" + uuid.NewString()[:8],
		Goal:      goal,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rs := &runState{
		run:    run,
		budget: governor.NewBudgetState(c.cfg.Budget),
		done:   make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs.cancel = cancel

	c.mu.Lock()
	c.runs[run.ID] = rs
	c.mu.Unlock()

	c.stats.runStarted()
	c.persist(runCtx, rs)
	c.logger.Info(runCtx, "run started", zap.String("run_id", run.ID), zap.String("goal", goal))

	go c.execute(logging.WithRunID(runCtx, run.ID), rs)
	return &RunHandle{RunID: run.ID, Done: rs.done}, nil
}

// Cancel requests cooperative cancellation. The run finishes its
// in-flight model call, then transitions to aborted.
func (c *Controller) Cancel(runID string) error {
	rs := c.state(runID)
	if rs == nil {
		return ErrRunNotFound
	}
	rs.mu.Lock()
	terminal := rs.run.Status.IsTerminal()
	rs.mu.Unlock()
	if terminal {
		return ErrRunTerminal
	}
	rs.cancel()
	return nil
}

// GetRun returns a snapshot of the run and its spend counters.
func (c *Controller) GetRun(runID string) (*Run, governor.Snapshot, error) {
	rs := c.state(runID)
	if rs == nil {
		return nil, governor.Snapshot{}, ErrRunNotFound
	}
	rs.mu.Lock()
	run := copyRun(rs.run)
	rs.mu.Unlock()
	return run, rs.budget.Snapshot(), nil
}

// Summary returns the run's current summary artifact, or nil if no
// compaction pass has completed yet.
func (c *Controller) Summary(runID string) (*compaction.SummaryArtifact, error) {
	rs := c.state(runID)
	if rs == nil {
		return nil, ErrRunNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.artifact == nil {
		return nil, nil
	}
	art := *rs.artifact
	return &art, nil
}

// ActiveRuns snapshots every run still executing, newest first.
func (c *Controller) ActiveRuns() []*Run {
	c.mu.Lock()
	states := make([]*runState, 0, len(c.runs))
	for _, rs := range c.runs {
		states = append(states, rs)
	}
	c.mu.Unlock()

	out := make([]*Run, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		out = append(out, copyRun(rs.run))
		rs.mu.Unlock()
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// History returns persisted run records, newest first.
func (c *Controller) History(ctx context.Context, limit int) ([]*store.RunRecord, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListRuns(ctx, limit)
}

// Stats returns orchestrator-level counters.
func (c *Controller) Stats() Stats { return c.stats.snapshot() }

// Shutdown cancels every active run and waits for the goroutines to
// finish or the context to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	states := make([]*runState, 0, len(c.runs))
	for _, rs := range c.runs {
		states = append(states, rs)
	}
	c.mu.Unlock()

	for _, rs := range states {
		rs.cancel()
	}
	for _, rs := range states {
		select {
		case <-rs.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) state(runID string) *runState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.runs[runID]; ok {
		return rs
	}
	for _, rs := range c.history {
		if rs.run.ID == runID {
			return rs
		}
	}
	return nil
}

// retire moves a finished run out of the active set so ActiveRuns and
// the stats counters agree. Recent runs stay resolvable through GetRun;
// anything older than the history bound lives in the store only.
func (c *Controller) retire(rs *runState) {
	c.mu.Lock()
	delete(c.runs, rs.run.ID)
	c.history = append([]*runState{rs}, c.history...)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[:c.cfg.HistoryLimit]
	}
	c.mu.Unlock()
}

// execute drives one run to a terminal state.
func (c *Controller) execute(ctx context.Context, rs *runState) {
	defer close(rs.done)
	ctx, span := c.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", rs.run.ID),
	))
	defer span.End()

	status, reason := c.drive(ctx, rs)
	c.setRunStatus(ctx, rs, status, reason)

	rs.mu.Lock()
	final := rs.run.Status
	rs.mu.Unlock()
	c.stats.runFinished(final)
	c.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(final))))
	c.retire(rs)
	c.logger.Info(ctx, "run finished",
		zap.String("status", string(final)),
		zap.String("reason", reason),
	)
}

// drive runs planning, the code/review/test rounds, and the final
// compaction, returning the terminal status.
func (c *Controller) drive(ctx context.Context, rs *runState) (RunStatus, string) {
	c.setRunStatus(ctx, rs, RunPlanning, "")
	plan, err := c.plan(ctx, rs)
	if err != nil {
		return c.failureFor(err, ReasonPlanningFailed)
	}
	c.seedSteps(ctx, rs, plan)

	consecutive := 0
	for {
		// Code and review everything pending, in plan order.
		for {
			if ctx.Err() != nil {
				return RunAborted, ReasonCancelled
			}
			step := c.nextPending(rs)
			if step == nil {
				break
			}
			err := c.codeAndReview(ctx, rs, step)
			switch {
			case err == nil:
				consecutive = 0
				c.maybeCompact(ctx, rs, false)
			case errors.Is(err, errRevisionLimit):
				c.setStepStatus(ctx, rs, step, StepFailed, "revision limit reached")
				if !c.cfg.ContinueOnStepFailure {
					return RunFailed, ReasonRevisionLimit
				}
				consecutive = 0
			case governor.IsCancelled(err) || errors.Is(err, context.Canceled):
				return RunAborted, ReasonCancelled
			case governor.IsBudgetExceeded(err):
				return RunFailed, ReasonBudgetExceeded
			default:
				// Fatal invocation error aborts the step, not the run,
				// until failures pile up back to back.
				c.setStepStatus(ctx, rs, step, StepFailed, err.Error())
				consecutive++
				if consecutive >= c.cfg.MaxConsecutiveStepFailures {
					return RunFailed, ReasonConsecutiveFailures
				}
			}
		}

		done := c.stepsWithStatus(rs, StepDone)
		if len(done) == 0 {
			return RunFailed, ReasonRevisionLimit
		}
		if c.cfg.DisableTester {
			break
		}

		c.setRunStatus(ctx, rs, RunTesting, "")
		revised, err := c.testBatch(ctx, rs, done)
		if err != nil {
			if errors.Is(err, errRevisionLimit) {
				return RunFailed, ReasonRevisionLimit
			}
			return c.failureFor(err, ReasonTestingFailed)
		}
		if revised == 0 {
			break
		}
	}

	c.setRunStatus(ctx, rs, RunSummarizing, "")
	c.maybeCompact(ctx, rs, true)
	if ctx.Err() != nil {
		return RunAborted, ReasonCancelled
	}
	return RunSucceeded, ""
}

// failureFor maps an invocation error to a terminal status.
func (c *Controller) failureFor(err error, fallback string) (RunStatus, string) {
	switch {
	case governor.IsCancelled(err) || errors.Is(err, context.Canceled):
		return RunAborted, ReasonCancelled
	case governor.IsBudgetExceeded(err):
		return RunFailed, ReasonBudgetExceeded
	default:
		return RunFailed, fallback
	}
}

// plan invokes the planner and validates its output.
func (c *Controller) plan(ctx context.Context, rs *runState) (*agent.Plan, error) {
	var plan *agent.Plan
	_, err := c.invoke(ctx, rs, governor.Request{
		RunID: rs.run.ID,
		Role:  agent.RolePlanner,
		Messages: []model.Message{
			{Role: "user", Content: "GOAL: " + rs.run.Goal},
		},
		Validate: func(text string) error {
			p, perr := agent.ParsePlan(text)
			if perr != nil {
				return perr
			}
			plan = p
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	c.appendTranscript(rs, agent.RolePlanner, describePlan(plan))
	return plan, nil
}

// seedSteps materializes the plan as todo steps.
func (c *Controller) seedSteps(ctx context.Context, rs *runState, plan *agent.Plan) {
	rs.mu.Lock()
	steps := make([]*Step, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = &Step{
			ID:          fmt.Sprintf("%s-s%d", rs.run.ID, i+1),
			RunID:       rs.run.ID,
			Ordinal:     i + 1,
			Description: ps.Description,
			Status:      StepTodo,
		}
	}
	rs.run.Steps = steps
	rs.mu.Unlock()
	c.persist(ctx, rs)
}

// nextPending returns the first step awaiting work, in plan order.
func (c *Controller) nextPending(rs *runState) *Step {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.run.Steps {
		if s.Status == StepTodo || s.Status == StepNeedsRevision {
			return s
		}
	}
	return nil
}

func (c *Controller) stepsWithStatus(rs *runState, status StepStatus) []*Step {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []*Step
	for _, s := range rs.run.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// codeAndReview loops coder and critic on one step until the critic
// approves or the revision budget is spent.
func (c *Controller) codeAndReview(ctx context.Context, rs *runState, step *Step) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setRunStatus(ctx, rs, RunCoding, "")
		c.setStepStatus(ctx, rs, step, StepInProgress, "")

		res, err := c.invoke(ctx, rs, governor.Request{
			RunID:    rs.run.ID,
			StepID:   step.ID,
			Role:     agent.RoleCoder,
			Messages: c.coderMessages(rs, step),
		})
		if err != nil {
			return err
		}
		rs.mu.Lock()
		step.Output = res.Completion.Text
		rs.mu.Unlock()
		c.appendTranscript(rs, agent.RoleCoder,
			fmt.Sprintf("step %d: %s", step.Ordinal, clamp(res.Completion.Text, transcriptEntryMax)))

		if c.cfg.DisableCritic {
			c.setStepStatus(ctx, rs, step, StepDone, "")
			return nil
		}

		c.setRunStatus(ctx, rs, RunReviewing, "")
		var review *agent.Review
		_, err = c.invoke(ctx, rs, governor.Request{
			RunID:    rs.run.ID,
			StepID:   step.ID,
			Role:     agent.RoleCritic,
			Messages: c.criticMessages(rs, step),
			Validate: func(text string) error {
				r, perr := agent.ParseReview(text)
				if perr != nil {
					return perr
				}
				review = r
				return nil
			},
		})
		if err != nil {
			return err
		}
		c.appendTranscript(rs, agent.RoleCritic,
			fmt.Sprintf("step %d verdict %s: %s", step.Ordinal, review.Verdict, clamp(review.Comments, transcriptEntryMax)))

		if review.Approved() {
			c.setStepStatus(ctx, rs, step, StepDone, "")
			return nil
		}
		if err := c.requestRevision(ctx, rs, step, review.Comments); err != nil {
			return err
		}
	}
}

// requestRevision charges one revision against the step's budget and
// returns errRevisionLimit when it is spent.
func (c *Controller) requestRevision(ctx context.Context, rs *runState, step *Step, feedback string) error {
	rs.mu.Lock()
	if step.Revisions >= c.cfg.MaxRevisions {
		rs.mu.Unlock()
		return errRevisionLimit
	}
	step.Revisions++
	step.Feedback = feedback
	rs.mu.Unlock()

	c.revisions.Add(ctx, 1)
	c.setStepStatus(ctx, rs, step, StepNeedsRevision, clamp(feedback, 200))
	return nil
}

// testBatch runs the tester concurrently over the completed steps and
// routes failures back into needs_revision. Returns how many steps were
// sent back.
func (c *Controller) testBatch(ctx context.Context, rs *runState, steps []*Step) (int, error) {
	toolNote := c.runTestTool(ctx)

	g, gctx := errgroup.WithContext(ctx)
	reports := make([]*agent.TestReport, len(steps))
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			var report *agent.TestReport
			_, err := c.invoke(gctx, rs, governor.Request{
				RunID:    rs.run.ID,
				StepID:   step.ID,
				Role:     agent.RoleTester,
				Messages: c.testerMessages(rs, step, toolNote),
				Validate: func(text string) error {
					r, perr := agent.ParseTestReport(text)
					if perr != nil {
						return perr
					}
					report = r
					return nil
				},
			})
			if err != nil {
				return err
			}
			reports[i] = report
			c.appendTranscript(rs, agent.RoleTester,
				fmt.Sprintf("step %d passed=%t failures=%d", step.Ordinal, report.Passed, len(report.Failures)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Failures the tester could not attribute implicate the whole batch.
	feedback := make(map[int][]string)
	var unattributed []string
	for _, rep := range reports {
		if rep.Passed {
			continue
		}
		for _, f := range rep.Failures {
			if f.Step <= 0 {
				unattributed = append(unattributed, f.Message)
				continue
			}
			feedback[f.Step] = append(feedback[f.Step], f.Message)
		}
	}

	revised := 0
	for _, step := range steps {
		msgs := append([]string(nil), feedback[step.Ordinal]...)
		msgs = append(msgs, unattributed...)
		if len(msgs) == 0 {
			continue
		}
		if err := c.requestRevision(ctx, rs, step, strings.Join(msgs, "; ")); err != nil {
			if errors.Is(err, errRevisionLimit) {
				c.setStepStatus(ctx, rs, step, StepFailed, "revision limit reached")
				if !c.cfg.ContinueOnStepFailure {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		revised++
	}
	return revised, nil
}

// runTestTool executes the sandboxed test runner, when one is
// registered, and returns its output for the tester prompt.
func (c *Controller) runTestTool(ctx context.Context) string {
	if c.gateway == nil {
		return ""
	}
	registered := false
	for _, name := range c.gateway.Tools() {
		if name == "test_runner" {
			registered = true
			break
		}
	}
	if !registered {
		return ""
	}
	res, err := c.gateway.Call(ctx, "test_runner", map[string]any{})
	if err != nil {
		return fmt.Sprintf("test runner unavailable: %v", err)
	}
	return clamp(fmt.Sprint(res.Data), transcriptEntryMax)
}

// maybeCompact folds new transcript entries into the summary artifact.
// Compaction failures degrade: the previous artifact stays current and
// the raw transcript keeps growing.
func (c *Controller) maybeCompact(ctx context.Context, rs *runState, force bool) {
	if c.cfg.DisableSummarizer {
		return
	}
	rs.mu.Lock()
	entries := append([]compaction.Entry(nil), rs.transcript...)
	artifact := rs.artifact
	rs.mu.Unlock()

	covered := 0
	if artifact != nil {
		covered = artifact.CoversThrough
	}
	if len(entries) <= covered {
		return
	}
	if !force && len(entries)-covered < c.cfg.CompactEvery {
		return
	}

	summarize := func(ctx context.Context, system string, msgs []model.Message) (string, error) {
		res, err := c.invoke(ctx, rs, governor.Request{
			RunID:    rs.run.ID,
			Role:     agent.RoleSummarizer,
			System:   system,
			Messages: msgs,
		})
		if err != nil {
			return "", err
		}
		return res.Completion.Text, nil
	}
	art, err := c.compactor.Compact(ctx, rs.run.ID, artifact, entries, summarize)
	if err != nil {
		if !governor.IsCancelled(err) {
			c.logger.Warn(ctx, "compaction pass failed, keeping previous summary", zap.Error(err))
		}
		return
	}

	rs.mu.Lock()
	rs.artifact = art
	rs.mu.Unlock()
	c.publish(ctx, events.Event{
		RunID:  rs.run.ID,
		Type:   events.TypeSummaryUpdated,
		Detail: fmt.Sprintf("version %d covering %d entries", art.Version, art.CoversThrough),
	})
	c.persist(ctx, rs)
}

// invoke forwards to the governor with run-level defaults and records
// per-role statistics.
func (c *Controller) invoke(ctx context.Context, rs *runState, req governor.Request) (*governor.Result, error) {
	req.Budget = rs.budget
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Temperature
	}
	res, err := c.invoker.Invoke(ctx, req)
	if err != nil {
		c.stats.recordInvocation(req.Role, 0, 0, 0, false)
		return nil, err
	}
	u := res.Completion.Usage
	c.stats.recordInvocation(req.Role, u.PromptTokens, u.CompletionTokens, u.CostEstimate, true)
	return res, nil
}

func (c *Controller) coderMessages(rs *runState, step *Step) []model.Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n", rs.run.Goal)
	fmt.Fprintf(&b, "STEP %d of %d: %s\n", step.Ordinal, len(rs.run.Steps), step.Description)
	if rs.artifact != nil && rs.artifact.Text != "" {
		b.WriteString("\nCONTEXT SUMMARY:\n")
		b.WriteString(rs.artifact.Text)
		b.WriteString("\n")
	}
	if step.Feedback != "" {
		b.WriteString("\nREVISION FEEDBACK:\n")
		b.WriteString(step.Feedback)
		b.WriteString("\n")
	}
	return []model.Message{{Role: "user", Content: b.String()}}
}

func (c *Controller) criticMessages(rs *runState, step *Step) []model.Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n", rs.run.Goal)
	fmt.Fprintf(&b, "STEP %d: %s\n", step.Ordinal, step.Description)
	b.WriteString("\nPROPOSED CHANGE:\n")
	b.WriteString(step.Output)
	b.WriteString("\n")
	return []model.Message{{Role: "user", Content: b.String()}}
}

func (c *Controller) testerMessages(rs *runState, step *Step, toolNote string) []model.Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n", rs.run.Goal)
	fmt.Fprintf(&b, "STEP %d: %s\n", step.Ordinal, step.Description)
	b.WriteString("\nIMPLEMENTATION:\n")
	b.WriteString(step.Output)
	b.WriteString("\n")
	if toolNote != "" {
		b.WriteString("\nTEST RUNNER OUTPUT:\n")
		b.WriteString(toolNote)
		b.WriteString("\n")
	}
	return []model.Message{{Role: "user", Content: b.String()}}
}

func (c *Controller) appendTranscript(rs *runState, role agent.Role, content string) {
	rs.mu.Lock()
	rs.transcript = append(rs.transcript, compaction.Entry{
		Role:    string(role),
		Content: content,
		At:      time.Now(),
	})
	rs.mu.Unlock()
}

// setRunStatus applies a run transition, publishes it, and persists.
// Same-state moves are no-ops; illegal moves are dropped and logged.
func (c *Controller) setRunStatus(ctx context.Context, rs *runState, target RunStatus, reason string) {
	rs.mu.Lock()
	cur := rs.run.Status
	if cur == target {
		rs.mu.Unlock()
		return
	}
	if !cur.CanTransitionTo(target) {
		rs.mu.Unlock()
		c.logger.Error(ctx, "illegal run transition",
			zap.String("from", string(cur)),
			zap.String("to", string(target)),
		)
		return
	}
	rs.run.Status = target
	rs.run.UpdatedAt = time.Now()
	if reason != "" {
		rs.run.FailureReason = reason
	}
	rs.mu.Unlock()

	c.publish(ctx, events.Event{
		RunID:  rs.run.ID,
		Type:   events.TypeStatusChanged,
		Status: string(target),
		Detail: reason,
	})
	c.persist(ctx, rs)
}

func (c *Controller) setStepStatus(ctx context.Context, rs *runState, step *Step, status StepStatus, detail string) {
	rs.mu.Lock()
	if step.Status == status {
		rs.mu.Unlock()
		return
	}
	step.Status = status
	rs.run.UpdatedAt = time.Now()
	rs.mu.Unlock()

	c.publish(ctx, events.Event{
		RunID:  rs.run.ID,
		StepID: step.ID,
		Type:   events.TypeStatusChanged,
		Status: string(status),
		Detail: detail,
	})
}

func (c *Controller) publish(ctx context.Context, ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ctx, ev)
	}
}

// persist mirrors the run-level record to the store.
func (c *Controller) persist(ctx context.Context, rs *runState) {
	if c.store == nil {
		return
	}
	snap := rs.budget.Snapshot()
	rs.mu.Lock()
	rec := &store.RunRecord{
		ID:               rs.run.ID,
		Goal:             rs.run.Goal,
		Status:           string(rs.run.Status),
		CreatedAt:        rs.run.CreatedAt,
		Cost:             snap.Cost,
		PromptTokens:     snap.PromptTokens,
		CompletionTokens: snap.CompletionTokens,
		Calls:            snap.Calls,
		FailureReason:    rs.run.FailureReason,
	}
	if rs.artifact != nil {
		rec.Summary = rs.artifact.Text
		rec.SummaryVersion = rs.artifact.Version
	}
	if rs.run.Status.IsTerminal() {
		t := rs.run.UpdatedAt
		rec.FinishedAt = &t
	}
	rs.mu.Unlock()

	if err := c.store.SaveRun(ctx, rec); err != nil {
		c.logger.Error(ctx, "failed to persist run", zap.Error(err))
	}
}

func copyRun(run *Run) *Run {
	out := *run
	out.Steps = make([]*Step, len(run.Steps))
	for i, s := range run.Steps {
		cp := *s
		out.Steps[i] = &cp
	}
	return &out
}

func describePlan(p *agent.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "planned %d steps:", len(p.Steps))
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s.Description)
	}
	return b.String()
}

// clamp truncates s to max bytes on a rune boundary.
func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
