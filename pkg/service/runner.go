package service

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrStepAlreadyRunning is the conflict surfaced when a customer already has
// an active job; the existing job is left running.
var ErrStepAlreadyRunning = errors.New("step_already_running")

// StepCommand is the argv prefix for a step's external job; the customer id
// is appended as the final argument.
type StepCommand []string

// DefaultStepCommands maps each pipeline stage to its default job script.
func DefaultStepCommands() map[models.StepID]StepCommand {
	return map[models.StepID]StepCommand{
		models.GenerateStep:  {"scripts/generate.sh"},
		models.CleanStep:     {"scripts/clean.sh"},
		models.AnalyticsStep: {"scripts/analytics.sh"},
	}
}

// JobRunner launches one external job per step invocation, streams its
// stdout line-by-line into the EventBus and the PipelineCache, and maps the
// exit code to the step's terminal status. At most one job runs per customer.
type JobRunner struct {
	ctx      context.Context
	cache    *PipelineCache
	bus      *EventBus
	commands map[models.StepID]StepCommand
	logger   Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewJobRunner(ctx context.Context, cache *PipelineCache, bus *EventBus, commands map[models.StepID]StepCommand, logger Logger) *JobRunner {
	if commands == nil {
		commands = DefaultStepCommands()
	}
	return &JobRunner{
		ctx:      ctx,
		cache:    cache,
		bus:      bus,
		commands: commands,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start schedules the step's job and returns immediately; execution and
// streaming happen on a dedicated goroutine tied to the runner's context,
// not the caller's.
func (r *JobRunner) Start(customerID string, stepID models.StepID) error {
	argv, ok := r.commands[stepID]
	if !ok || len(argv) == 0 {
		return errors.Errorf("no command configured for step %s", stepID.Name())
	}

	r.mu.Lock()
	if _, running := r.active[customerID]; running {
		r.mu.Unlock()
		return ErrStepAlreadyRunning
	}
	jobCtx, cancel := context.WithCancel(r.ctx)
	r.active[customerID] = cancel
	r.mu.Unlock()

	running := models.RunningPipelineStatus
	r.cache.UpdateStep(customerID, stepID, stepID.Name(), 0, models.RunningStepState, &running)
	r.publishProgress(customerID, stepID, 0, models.RunningStepState)

	r.wg.Add(1)
	go r.run(jobCtx, customerID, stepID, argv)
	r.logger.Infof("Started step '%s' for customer %s", stepID.Name(), customerID)
	return nil
}

// Cancel terminates the customer's in-flight job, if any. The step finishes
// as failed with a cancelled log line.
func (r *JobRunner) Cancel(customerID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[customerID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all in-flight jobs have finished.
func (r *JobRunner) Wait() {
	r.wg.Wait()
}

func (r *JobRunner) run(ctx context.Context, customerID string, stepID models.StepID, argv StepCommand) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[customerID]; ok {
			delete(r.active, customerID)
			cancel()
		}
		r.mu.Unlock()
	}()

	args := append(append([]string{}, argv[1:]...), customerID)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finishFailed(customerID, stepID, fmt.Sprintf("failed to spawn step '%s': %v", stepID.Name(), err))
		return
	}
	if err := cmd.Start(); err != nil {
		r.finishFailed(customerID, stepID, fmt.Sprintf("failed to spawn step '%s': %v", stepID.Name(), err))
		return
	}

	// Single reader, single appender: lines reach the bus and the cache in
	// the order the job emitted them.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.bus.Publish(Event{
			Type:       LogEvent,
			CustomerID: customerID,
			Step:       stepID,
			Level:      "info",
			Message:    line,
			Timestamp:  time.Now(),
		})
		r.cache.AppendLog(customerID, "info", line)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		r.logger.Errorf("Reading output of step '%s' for customer %s: %v", stepID.Name(), customerID, scanErr)
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		r.finishFailed(customerID, stepID, fmt.Sprintf("step '%s' cancelled", stepID.Name()))
		return
	}
	if err != nil {
		reason := fmt.Sprintf("step '%s' failed: %v", stepID.Name(), err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			reason = fmt.Sprintf("%s: %s", reason, msg)
		}
		r.finishFailed(customerID, stepID, reason)
		return
	}

	idle := models.IdlePipelineStatus
	r.cache.UpdateStep(customerID, stepID, stepID.Name(), 100, models.CompletedStepState, &idle)
	r.publishProgress(customerID, stepID, 100, models.CompletedStepState)
	r.logger.Infof("Step '%s' completed for customer %s", stepID.Name(), customerID)
}

func (r *JobRunner) finishFailed(customerID string, stepID models.StepID, reason string) {
	idle := models.IdlePipelineStatus
	r.cache.UpdateStep(customerID, stepID, stepID.Name(), 0, models.FailedStepState, &idle)
	r.cache.AppendLog(customerID, "error", reason)
	r.bus.Publish(Event{
		Type:       LogEvent,
		CustomerID: customerID,
		Step:       stepID,
		Level:      "error",
		Message:    reason,
		Timestamp:  time.Now(),
	})
	r.publishProgress(customerID, stepID, 0, models.FailedStepState)
	r.logger.Errorf("Step '%s' for customer %s: %s", stepID.Name(), customerID, reason)
}

func (r *JobRunner) publishProgress(customerID string, stepID models.StepID, progress int, status models.StepState) {
	r.bus.Publish(Event{
		Type:       ProgressEvent,
		CustomerID: customerID,
		Step:       stepID,
		Progress:   progress,
		Status:     status,
		Timestamp:  time.Now(),
	})
}
