// Package dispatcher executes journey steps against registered handlers,
// wrapping them with timeout enforcement, a persisted retry budget, and
// parallel fan-out.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// Registry resolves step types to their handlers. Business step types
// (discovery, enrichment, scoring, outreach) are registered by the embedding
// process; validation and notification have built-in handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.StepType]output.StepHandler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.StepType]output.StepHandler)}
}

// Register binds a handler to a step type, replacing any previous binding
func (r *Registry) Register(t model.StepType, h output.StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Resolve looks up the handler for a step type
func (r *Registry) Resolve(t model.StepType) (output.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Config holds dispatcher tuning
type Config struct {
	DefaultTimeout time.Duration // Per-attempt timeout when a step declares none
	RetryDelay     time.Duration // Pause between retry attempts
	MaxParallel    int           // Concurrency cap inside a parallel step
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		RetryDelay:     time.Second,
		MaxParallel:    4,
	}
}

// Outcome is the dispatcher's verdict for one step
type Outcome struct {
	Execution    *record.StepExecution
	Output       map[string]interface{}
	Success      bool
	ErrorKind    string
	ErrorMessage string
	BranchTarget journey.State // set only by conditional steps
	Cancelled    bool          // instance was cancelled before work started
}

// Dispatcher executes one step of an instance
type Dispatcher struct {
	registry     *Registry
	execRepo     repository.StepExecutionRepository
	traceRepo    repository.TraceRepository
	instanceRepo repository.InstanceRepository
	config       Config
	logger       zerolog.Logger
}

// New creates a dispatcher
func New(
	registry *Registry,
	execRepo repository.StepExecutionRepository,
	traceRepo repository.TraceRepository,
	instanceRepo repository.InstanceRepository,
	config Config,
	logger zerolog.Logger,
) *Dispatcher {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxParallel < 1 {
		config.MaxParallel = 1
	}
	if config.MaxParallel > 16 {
		config.MaxParallel = 16 // cap for SQLite write contention
	}
	d := &Dispatcher{
		registry:     registry,
		execRepo:     execRepo,
		traceRepo:    traceRepo,
		instanceRepo: instanceRepo,
		config:       config,
		logger:       logger,
	}
	registerBuiltins(registry, logger)
	return d
}

// Dispatch executes the given step for the instance. A cancelled instance
// never begins new work, though an in-flight step is not interrupted.
func (d *Dispatcher) Dispatch(ctx context.Context, inst *instance.Instance, spec journey.StepSpec) (*Outcome, error) {
	if inst.Status() == model.StatusCancelled {
		return &Outcome{Cancelled: true}, nil
	}

	switch spec.Type {
	case model.StepTypeConditional:
		return d.runConditional(ctx, inst, spec)
	case model.StepTypeParallel:
		return d.runParallel(ctx, inst, spec)
	case model.StepTypeWait:
		return d.runWait(ctx, inst, spec)
	default:
		return d.runSingle(ctx, inst, spec, "", "")
	}
}

// runSingle executes one handler-backed step with retries. The retry counter
// lives on the execution record, so a resumed process keeps the spent budget.
func (d *Dispatcher) runSingle(ctx context.Context, inst *instance.Instance, spec journey.StepSpec, parentExecID, groupID string) (*Outcome, error) {
	exec, err := d.execRepo.FindOpenForStep(ctx, inst.ID(), inst.CurrentStepIndex())
	if err != nil {
		return nil, fmt.Errorf("load open execution: %w", err)
	}
	if exec == nil || exec.StepSlug() != spec.Slug {
		exec = record.NewStepExecution(inst.ID(), inst.CurrentStepIndex(), spec.Slug, spec.Type, inst.Context())
		if parentExecID != "" || groupID != "" {
			exec.AttachToGroup(parentExecID, groupID)
		}
		if err := d.execRepo.Save(ctx, exec); err != nil {
			return nil, fmt.Errorf("save execution record: %w", err)
		}
	}

	handler, ok := d.registry.Resolve(spec.Type)
	if !ok {
		exec.MarkFailed("handler_missing", fmt.Sprintf("no handler registered for step type %q", spec.Type))
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}
		return failedOutcome(exec), nil
	}

	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = inst.MaxRetries()
	}

	req := output.StepRequest{
		Scope:      inst.Scope().String(),
		InstanceID: inst.ID().String(),
		StepSlug:   spec.Slug,
		StepType:   spec.Type,
		Config:     spec.Config,
		Context:    inst.Context(),
	}

	for {
		if err := ctx.Err(); err != nil {
			exec.MarkCancelled()
			if uerr := d.execRepo.Update(detached(ctx), exec); uerr != nil {
				d.logger.Warn().Err(uerr).Msg("persist cancelled execution")
			}
			return &Outcome{Execution: exec, Cancelled: true}, nil
		}

		exec.MarkRunning()
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, fmt.Errorf("persist running execution: %w", err)
		}

		result, execErr := d.invoke(ctx, handler, spec, req)
		if execErr == nil && result != nil && result.Success {
			exec.MarkCompleted(result.Output)
			if err := d.execRepo.Update(ctx, exec); err != nil {
				return nil, fmt.Errorf("persist completed execution: %w", err)
			}
			d.attachTrace(ctx, inst, spec.Slug, result.Reasoning)
			return &Outcome{Execution: exec, Output: result.Output, Success: true}, nil
		}

		kind, msg := classifyFailure(result, execErr)
		d.logger.Warn().
			Str("instance_id", inst.ID().String()).
			Str("step", spec.Slug).
			Int("retries", exec.RetriesAttempted()).
			Str("error_kind", kind).
			Msg("step attempt failed")

		if exec.RetriesAttempted() >= maxRetries {
			exec.MarkFailed(kind, msg)
			if err := d.execRepo.Update(ctx, exec); err != nil {
				return nil, fmt.Errorf("persist failed execution: %w", err)
			}
			return failedOutcome(exec), nil
		}

		exec.IncrementRetries()
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, fmt.Errorf("persist retry counter: %w", err)
		}

		if d.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.config.RetryDelay):
			}
		}
	}
}

// invoke calls the handler under the step's timeout
func (d *Dispatcher) invoke(ctx context.Context, handler output.StepHandler, spec journey.StepSpec, req output.StepRequest) (*output.StepResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return handler.Execute(attemptCtx, req)
}

// runConditional evaluates the declared predicate against the instance
// context and selects a branch target state instead of invoking a handler
func (d *Dispatcher) runConditional(ctx context.Context, inst *instance.Instance, spec journey.StepSpec) (*Outcome, error) {
	exec := record.NewStepExecution(inst.ID(), inst.CurrentStepIndex(), spec.Slug, spec.Type, inst.Context())
	if err := d.execRepo.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution record: %w", err)
	}
	exec.MarkRunning()

	target, matched := evaluateBranches(inst.Context(), spec.Branches)
	if !matched {
		target = spec.DefaultBranch
	}
	if target == "" {
		exec.MarkFailed("no_branch_matched", "no branch predicate matched and no default branch is declared")
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}
		return failedOutcome(exec), nil
	}

	out := map[string]interface{}{"selected_branch": target.String()}
	exec.MarkCompleted(out)
	if err := d.execRepo.Update(ctx, exec); err != nil {
		return nil, err
	}
	return &Outcome{Execution: exec, Output: out, Success: true, BranchTarget: target}, nil
}

// runParallel fans child steps out concurrently under one group ID. The
// parent completes when all children finish, or at the first failure when
// the step declares fail_fast.
func (d *Dispatcher) runParallel(ctx context.Context, inst *instance.Instance, spec journey.StepSpec) (*Outcome, error) {
	parent := record.NewStepExecution(inst.ID(), inst.CurrentStepIndex(), spec.Slug, spec.Type, inst.Context())
	groupID := uuid.New().String()
	parent.AttachToGroup("", groupID)
	if err := d.execRepo.Save(ctx, parent); err != nil {
		return nil, fmt.Errorf("save parent execution: %w", err)
	}
	parent.MarkRunning()
	if err := d.execRepo.Update(ctx, parent); err != nil {
		return nil, fmt.Errorf("persist running parent: %w", err)
	}

	childCtx := ctx
	var cancelChildren context.CancelFunc
	if spec.FailFast {
		childCtx, cancelChildren = context.WithCancel(ctx)
		defer cancelChildren()
	}

	type childResult struct {
		slug   string
		result *output.StepResult
		err    error
	}

	sem := make(chan struct{}, d.config.MaxParallel)
	results := make(chan childResult, len(spec.Children))
	var wg sync.WaitGroup

	for _, child := range spec.Children {
		wg.Add(1)
		go func(child journey.StepSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := d.runChild(childCtx, inst, child, parent.ID(), groupID)
			if (err != nil || res == nil || !res.Success) && cancelChildren != nil {
				cancelChildren()
			}
			results <- childResult{slug: child.Slug, result: res, err: err}
		}(child)
	}

	wg.Wait()
	close(results)

	merged := make(map[string]interface{})
	var firstKind, firstMsg string
	failures := 0
	for cr := range results {
		if cr.err != nil {
			failures++
			if firstKind == "" {
				firstKind, firstMsg = "handler_error", cr.err.Error()
			}
			continue
		}
		if cr.result == nil || !cr.result.Success {
			failures++
			if firstKind == "" {
				firstKind, firstMsg = classifyFailure(cr.result, nil)
			}
			continue
		}
		merged[cr.slug] = cr.result.Output
	}

	if failures > 0 {
		parent.MarkFailed(firstKind, fmt.Sprintf("%d of %d parallel children failed: %s", failures, len(spec.Children), firstMsg))
		if err := d.execRepo.Update(ctx, parent); err != nil {
			return nil, err
		}
		return failedOutcome(parent), nil
	}

	parent.MarkCompleted(merged)
	if err := d.execRepo.Update(ctx, parent); err != nil {
		return nil, err
	}
	return &Outcome{Execution: parent, Output: merged, Success: true}, nil
}

// runChild executes one fan-out child with its own timeout and retry budget
func (d *Dispatcher) runChild(ctx context.Context, inst *instance.Instance, spec journey.StepSpec, parentExecID, groupID string) (*output.StepResult, error) {
	exec := record.NewStepExecution(inst.ID(), inst.CurrentStepIndex(), spec.Slug, spec.Type, inst.Context())
	exec.AttachToGroup(parentExecID, groupID)
	if err := d.execRepo.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("save child execution: %w", err)
	}

	handler, ok := d.registry.Resolve(spec.Type)
	if !ok {
		exec.MarkFailed("handler_missing", fmt.Sprintf("no handler registered for step type %q", spec.Type))
		return nil, d.execRepo.Update(ctx, exec)
	}

	req := output.StepRequest{
		Scope:      inst.Scope().String(),
		InstanceID: inst.ID().String(),
		StepSlug:   spec.Slug,
		StepType:   spec.Type,
		Config:     spec.Config,
		Context:    inst.Context(),
	}

	for {
		if err := ctx.Err(); err != nil {
			exec.MarkCancelled()
			return nil, d.execRepo.Update(detached(ctx), exec)
		}

		exec.MarkRunning()
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}

		result, execErr := d.invoke(ctx, handler, spec, req)
		if execErr == nil && result != nil && result.Success {
			exec.MarkCompleted(result.Output)
			if err := d.execRepo.Update(ctx, exec); err != nil {
				return nil, err
			}
			d.attachTrace(ctx, inst, spec.Slug, result.Reasoning)
			return result, nil
		}

		kind, msg := classifyFailure(result, execErr)
		if exec.RetriesAttempted() >= spec.MaxRetries {
			exec.MarkFailed(kind, msg)
			if err := d.execRepo.Update(ctx, exec); err != nil {
				return nil, err
			}
			return &output.StepResult{Success: false, ErrorKind: kind, ErrorMessage: msg}, nil
		}
		exec.IncrementRetries()
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}
	}
}

// runWait suspends until a delay elapses or a context key reaches an
// expected value, re-reading the instance at each poll interval
func (d *Dispatcher) runWait(ctx context.Context, inst *instance.Instance, spec journey.StepSpec) (*Outcome, error) {
	exec := record.NewStepExecution(inst.ID(), inst.CurrentStepIndex(), spec.Slug, spec.Type, inst.Context())
	if err := d.execRepo.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution record: %w", err)
	}
	exec.MarkRunning()
	if err := d.execRepo.Update(ctx, exec); err != nil {
		return nil, err
	}

	if delay, ok := configDuration(spec.Config, "delay"); ok {
		select {
		case <-ctx.Done():
			exec.MarkCancelled()
			if err := d.execRepo.Update(detached(ctx), exec); err != nil {
				return nil, err
			}
			return &Outcome{Execution: exec, Cancelled: true}, nil
		case <-time.After(delay):
		}
		exec.MarkCompleted(nil)
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}
		return &Outcome{Execution: exec, Success: true}, nil
	}

	pollKey, _ := spec.Config["poll_key"].(string)
	if pollKey == "" {
		exec.MarkFailed("wait_misconfigured", "wait step declares neither delay nor poll_key")
		if err := d.execRepo.Update(ctx, exec); err != nil {
			return nil, err
		}
		return failedOutcome(exec), nil
	}
	expected := spec.Config["poll_equals"]

	interval, ok := configDuration(spec.Config, "poll_interval")
	if !ok {
		interval = 5 * time.Second
	}
	timeout, ok := configDuration(spec.Config, "poll_timeout")
	if !ok {
		timeout = d.config.DefaultTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		current, err := d.instanceRepo.FindByID(ctx, inst.ID())
		if err != nil {
			return nil, fmt.Errorf("reload instance for poll: %w", err)
		}
		if val, present := current.Context()[pollKey]; present {
			if expected == nil || valuesEqual(val, expected) {
				exec.MarkCompleted(map[string]interface{}{pollKey: val})
				if err := d.execRepo.Update(ctx, exec); err != nil {
					return nil, err
				}
				return &Outcome{Execution: exec, Output: exec.Output(), Success: true}, nil
			}
		}

		if time.Now().After(deadline) {
			exec.MarkFailed("wait_timeout", fmt.Sprintf("condition on %q not met within %s", pollKey, timeout))
			if err := d.execRepo.Update(ctx, exec); err != nil {
				return nil, err
			}
			return failedOutcome(exec), nil
		}

		select {
		case <-ctx.Done():
			exec.MarkCancelled()
			if err := d.execRepo.Update(detached(ctx), exec); err != nil {
				return nil, err
			}
			return &Outcome{Execution: exec, Cancelled: true}, nil
		case <-time.After(interval):
		}
	}
}

// attachTrace persists a handler-provided reasoning payload. Trace failures
// never fail the step; the trace is purely additive.
func (d *Dispatcher) attachTrace(ctx context.Context, inst *instance.Instance, stepSlug string, payload *output.ReasoningPayload) {
	if payload == nil || d.traceRepo == nil {
		return
	}
	t, err := trace.New(
		inst.ID(),
		stepSlug,
		payload.Evidence,
		payload.ConfidenceScore,
		payload.PathsConsidered,
		payload.SelectedPath,
		payload.TimeFactors,
	)
	if err != nil {
		d.logger.Warn().Err(err).Str("step", stepSlug).Msg("discarding invalid reasoning trace")
		return
	}
	if err := d.traceRepo.Append(ctx, t); err != nil {
		d.logger.Warn().Err(err).Str("step", stepSlug).Msg("persist reasoning trace failed")
	}
}

func failedOutcome(exec *record.StepExecution) *Outcome {
	return &Outcome{
		Execution:    exec,
		Success:      false,
		ErrorKind:    exec.ErrorKind(),
		ErrorMessage: exec.ErrorMessage(),
	}
}

func classifyFailure(result *output.StepResult, err error) (string, string) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout", "step attempt exceeded its timeout"
		}
		return "handler_error", err.Error()
	}
	if result != nil {
		kind := result.ErrorKind
		if kind == "" {
			kind = "step_failed"
		}
		return kind, result.ErrorMessage
	}
	return "step_failed", "handler returned no result"
}

// detached strips cancellation so final record writes survive a cancelled ctx
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
