package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface shared by the pipeline services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Authorization failures surfaced to RunStep callers. Never retried
// automatically; the client needs a fresh consent request.
var (
	ErrInvalidToken       = errors.New("invalid_token")
	ErrConsentNotApproved = errors.New("consent_not_approved")
	ErrTokenExpired       = errors.New("token_expired")
	ErrTokenAlreadyUsed   = errors.New("token_already_used")
)

// ErrInvalidFetchType rejects issuance requests whose fetch type is neither
// ONETIME nor PERIODIC. A caller input error, not a storage failure.
var ErrInvalidFetchType = errors.New("invalid_fetch_type")

// DefaultConsentTTL applies when an issuance request carries no expiry.
const DefaultConsentTTL = 24 * time.Hour

// ConsentScope carries the caller-supplied fields of an issuance request.
type ConsentScope struct {
	FetchType models.FetchType `json:"fetch_type"`
	Expiry    *time.Time       `json:"expiry,omitempty"`
}

// ConsentManager issues, stores and verifies consent tokens. A customer has
// at most one live token; issuing overwrites the previous grant.
type ConsentManager struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewConsentManager(store storage.Store, logger Logger) *ConsentManager {
	return &ConsentManager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Issue creates and stores a fresh APPROVED token for the customer.
// Consent issuance is client-facing, so storage errors surface here instead
// of being buffered: a token the client holds but storage lost would never
// verify.
func (m *ConsentManager) Issue(customerID string, scope ConsentScope) (c models.ConsentToken, err error) {
	if customerID == "" {
		return models.ConsentToken{}, errors.New("customer id cannot be empty")
	}
	fetchType := scope.FetchType
	if fetchType == "" {
		fetchType = models.PeriodicFetch
	}
	if fetchType != models.OnetimeFetch && fetchType != models.PeriodicFetch {
		return models.ConsentToken{}, errors.Wrapf(ErrInvalidFetchType, "fetch type '%s'", fetchType)
	}
	now := m.now()
	expiry := now.Add(DefaultConsentTTL)
	if scope.Expiry != nil {
		expiry = *scope.Expiry
	}
	c = models.ConsentToken{
		CustomerID: customerID,
		Token:      uuid.NewString(),
		Status:     models.ApprovedConsentStatus,
		FetchType:  fetchType,
		IssuedAt:   now,
		Expiry:     expiry,
		Used:       false,
	}

	txStore, err := m.store.Begin()
	if err != nil {
		return models.ConsentToken{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				m.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			m.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.SaveConsent(c); err != nil {
		return models.ConsentToken{}, errors.Wrapf(err, "failed to save consent for customer %s", customerID)
	}
	m.logger.Infof("Issued %s consent for customer %s, expires %s", fetchType, customerID, expiry.Format(time.RFC3339))
	return c, nil
}

// Verify checks the presented token against the stored grant. Checks run in
// order: presence, equality, approval, expiry, single-use; the first failure
// wins.
func (m *ConsentManager) Verify(customerID, token string) error {
	c, err := m.store.GetConsent(customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load consent for customer %s", customerID)
	}
	if token == "" || token != c.Token {
		return ErrInvalidToken
	}
	if c.Status != models.ApprovedConsentStatus {
		return ErrConsentNotApproved
	}
	if m.now().After(c.Expiry) {
		return ErrTokenExpired
	}
	if c.FetchType == models.OnetimeFetch && c.Used {
		return ErrTokenAlreadyUsed
	}
	return nil
}

// MarkUsed burns the grant. Idempotent; only meaningful for ONETIME tokens,
// since Verify ignores the flag for PERIODIC ones.
func (m *ConsentManager) MarkUsed(customerID string) (err error) {
	txStore, err := m.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				m.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			m.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.MarkConsentUsed(customerID); err != nil {
		return errors.Wrapf(err, "failed to mark consent used for customer %s", customerID)
	}
	return nil
}
