package service

import (
	"sync"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/pkg/errors"
)

// PipelineCache is the durable per-customer state store. Every mutation is a
// load-modify-save cycle serialized through a per-customer mutex, so
// concurrent events for the same customer cannot lose updates. Writes go
// through the BufferedWriter and therefore never fail the caller.
type PipelineCache struct {
	store  storage.Store
	writer *BufferedWriter
	logger Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPipelineCache(store storage.Store, writer *BufferedWriter, logger Logger) *PipelineCache {
	return &PipelineCache{
		store:  store,
		writer: writer,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock returns the write-serialization mutex for a customer, creating it on
// first use.
func (c *PipelineCache) lock(customerID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[customerID] = l
	}
	return l
}

// Load returns the stored state, or a fresh default one when the customer
// has no record yet. Missing data is not an error.
func (c *PipelineCache) Load(customerID string) (models.PipelineState, error) {
	st, err := c.store.GetPipelineState(customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewPipelineState(customerID), nil
	}
	if err != nil {
		return models.PipelineState{}, errors.Wrapf(err, "failed to load state for customer %s", customerID)
	}
	if st.Steps == nil {
		st.Steps = make(map[models.StepID]models.StepStatus)
	}
	return st, nil
}

// Save persists the full state with overwrite semantics; storage failures
// degrade to a buffered write.
func (c *PipelineCache) Save(customerID string, st models.PipelineState) {
	st.CustomerID = customerID
	st.LastUpdated = c.now()
	c.writer.WriteState(st)
}

// AppendLog pushes one entry onto the customer's log ring, bounded to the
// most recent MaxLogEntries. The store applies the append atomically, so a
// later buffered replay cannot duplicate lines.
func (c *PipelineCache) AppendLog(customerID, level, message string) {
	entry := models.LogEntry{
		Timestamp: c.now(),
		Level:     level,
		Message:   message,
	}
	l := c.lock(customerID)
	l.Lock()
	defer l.Unlock()
	c.writer.AppendLogs(customerID, []models.LogEntry{entry})
}

// UpdateStep records a step transition via a load-modify-save cycle. A nil
// pipelineStatus leaves the overall status untouched.
func (c *PipelineCache) UpdateStep(customerID string, stepID models.StepID, name string, progress int, status models.StepState, pipelineStatus *models.PipelineStatus) {
	l := c.lock(customerID)
	l.Lock()
	defer l.Unlock()

	st, err := c.Load(customerID)
	if err != nil {
		// Storage is unreadable; record the transition on a fresh state so
		// the buffered overwrite still carries the step outcome.
		c.logger.Errorf("Load before step update failed for customer %s: %v", customerID, err)
		st = models.NewPipelineState(customerID)
	}
	st.Steps[stepID] = models.StepStatus{
		Name:     name,
		Progress: progress,
		Status:   status,
	}
	if pipelineStatus != nil {
		st.PipelineStatus = *pipelineStatus
	}
	c.Save(customerID, st)
}

// SetConsent mirrors the active grant into the customer's state for quick
// lookup alongside step statuses.
func (c *PipelineCache) SetConsent(customerID string, consent models.ConsentToken) {
	l := c.lock(customerID)
	l.Lock()
	defer l.Unlock()

	st, err := c.Load(customerID)
	if err != nil {
		c.logger.Errorf("Load before consent mirror failed for customer %s: %v", customerID, err)
		st = models.NewPipelineState(customerID)
	}
	st.Consent = &consent
	c.Save(customerID, st)
}
