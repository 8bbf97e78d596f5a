package service

import (
	"context"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
)

// Config carries the tunables of the pipeline control plane.
type Config struct {
	SpillDir      string
	FlushInterval time.Duration
	StepCommands  map[models.StepID]StepCommand
}

// PipelineService is the control plane facade: consent-gated step execution,
// state queries, buffer flushing and the live event stream.
type PipelineService struct {
	store   storage.Store
	consent *ConsentManager
	cache   *PipelineCache
	writer  *BufferedWriter
	flusher *FlushWorker
	runner  *JobRunner
	bus     *EventBus
	logger  Logger
	cancel  context.CancelFunc
}

func NewPipelineService(ctx context.Context, store storage.Store, cfg Config, logger Logger) (*PipelineService, error) {
	writer, err := NewBufferedWriter(store, cfg.SpillDir, logger)
	if err != nil {
		return nil, err
	}
	svcCtx, cancel := context.WithCancel(ctx)
	cache := NewPipelineCache(store, writer, logger)
	bus := NewEventBus(logger)
	flusher := NewFlushWorker(writer, cfg.FlushInterval, logger)
	flusher.Start(svcCtx)
	svc := &PipelineService{
		store:   store,
		consent: NewConsentManager(store, logger),
		cache:   cache,
		writer:  writer,
		flusher: flusher,
		runner:  NewJobRunner(svcCtx, cache, bus, cfg.StepCommands, logger),
		bus:     bus,
		logger:  logger,
		cancel:  cancel,
	}
	return svc, nil
}

// RequestConsent issues a fresh token for the customer, superseding any
// previous grant, and mirrors it into the pipeline state.
func (s *PipelineService) RequestConsent(customerID string, scope ConsentScope) (models.ConsentToken, error) {
	c, err := s.consent.Issue(customerID, scope)
	if err != nil {
		return models.ConsentToken{}, err
	}
	s.cache.SetConsent(customerID, c)
	return c, nil
}

// RunStep verifies the token, schedules the step's external job and returns
// as soon as it is started. ONETIME grants are burned once the job is
// actually scheduled, so a conflict on an already-running step does not
// consume the grant.
func (s *PipelineService) RunStep(customerID string, stepID models.StepID, token string) error {
	if err := s.consent.Verify(customerID, token); err != nil {
		return err
	}
	if err := s.runner.Start(customerID, stepID); err != nil {
		return err
	}
	if err := s.consent.MarkUsed(customerID); err != nil {
		// The grant was already verified; an audit-write failure must not
		// fail the scheduled run.
		s.logger.Errorf("Failed to mark consent used for customer %s: %v", customerID, err)
	}
	return nil
}

// CancelStep terminates the customer's in-flight job, if any.
func (s *PipelineService) CancelStep(customerID string) bool {
	return s.runner.Cancel(customerID)
}

// GetPipelineState returns the customer's current state, a fresh default one
// when none exists yet.
func (s *PipelineService) GetPipelineState(customerID string) (models.PipelineState, error) {
	return s.cache.Load(customerID)
}

// FlushBuffer replays buffered writes outside the periodic schedule and
// returns the number flushed.
func (s *PipelineService) FlushBuffer() int {
	return s.flusher.FlushOnce()
}

// Subscribe attaches a live observer, optionally filtered to one customer.
func (s *PipelineService) Subscribe(customerID string) (int64, <-chan Event) {
	return s.bus.Subscribe(customerID)
}

// Unsubscribe detaches an observer.
func (s *PipelineService) Unsubscribe(id int64) {
	s.bus.Unsubscribe(id)
}

// Stop shuts the control plane down: the flush loop exits, in-flight jobs
// are cancelled and awaited, and the event stream closes.
func (s *PipelineService) Stop() {
	s.cancel()
	s.flusher.Wait()
	s.runner.Wait()
	s.bus.Close()
}
