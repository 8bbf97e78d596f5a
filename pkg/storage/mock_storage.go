package storage

import (
	"sync"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/pkg/errors"
)

// MockStore implements Store with in-memory storage. Writes can be forced to
// fail to exercise the buffered-write fallback.
type MockStore struct {
	mu       sync.Mutex
	states   map[string]models.PipelineState
	consents map[string]models.ConsentToken

	failStateWrites bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		states:   make(map[string]models.PipelineState),
		consents: make(map[string]models.ConsentToken),
	}
}

// FailStateWrites toggles simulated storage failures for pipeline-state
// writes (SavePipelineState and AppendLogs).
func (m *MockStore) FailStateWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStateWrites = fail
}

func (m *MockStore) Begin() (Store, error) {
	return m, nil
}

func (m *MockStore) Commit() error {
	return nil
}

func (m *MockStore) Rollback() error {
	// No-op: changes are discarded when transaction ends
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) SavePipelineState(st models.PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStateWrites {
		return errors.New("storage unavailable")
	}
	m.states[st.CustomerID] = clone(st)
	return nil
}

func (m *MockStore) GetPipelineState(customerID string) (models.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[customerID]
	if !ok {
		return models.PipelineState{}, ErrNotFound
	}
	return clone(st), nil
}

func (m *MockStore) AppendLogs(customerID string, entries []models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStateWrites {
		return errors.New("storage unavailable")
	}
	st, ok := m.states[customerID]
	if !ok {
		st = models.NewPipelineState(customerID)
	}
	st.AppendLog(entries...)
	st.LastUpdated = time.Now()
	m.states[customerID] = clone(st)
	return nil
}

func (m *MockStore) SaveConsent(c models.ConsentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents[c.CustomerID] = c
	return nil
}

func (m *MockStore) GetConsent(customerID string) (models.ConsentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[customerID]
	if !ok {
		return models.ConsentToken{}, ErrNotFound
	}
	return c, nil
}

func (m *MockStore) MarkConsentUsed(customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[customerID]
	if !ok {
		return ErrNotFound
	}
	c.Used = true
	m.consents[customerID] = c
	return nil
}

// clone deep-copies the mutable parts so callers cannot alias stored state.
func clone(st models.PipelineState) models.PipelineState {
	out := st
	out.Steps = make(map[models.StepID]models.StepStatus, len(st.Steps))
	for id, s := range st.Steps {
		out.Steps[id] = s
	}
	out.Logs = append([]models.LogEntry{}, st.Logs...)
	if st.Consent != nil {
		c := *st.Consent
		out.Consent = &c
	}
	return out
}
