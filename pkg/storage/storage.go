package storage

import (
	"github.com/ignatij/consentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a customer has no stored record.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for the pipeline control plane.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Pipeline state operations
	SavePipelineState(st models.PipelineState) error
	GetPipelineState(customerID string) (models.PipelineState, error)
	// AppendLogs pushes entries onto the stored log ring atomically, so a
	// buffered replay either fully applies or fully fails.
	AppendLogs(customerID string, entries []models.LogEntry) error

	// Consent operations
	SaveConsent(c models.ConsentToken) error
	GetConsent(customerID string) (models.ConsentToken, error)
	MarkConsentUsed(customerID string) error
}
