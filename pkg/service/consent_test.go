package service_test

import (
	"testing"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/service"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

func TestConsentManager(t *testing.T) {

	newManager := func() *service.ConsentManager {
		return service.NewConsentManager(storage.NewMockStore(), logger{})
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		mgr := newManager()
		token, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: models.PeriodicFetch})
		assert.NoError(t, err)
		assert.NotEmpty(t, token.Token)
		assert.Equal(t, models.ApprovedConsentStatus, token.Status)
		assert.False(t, token.Used)
		assert.WithinDuration(t, time.Now().Add(service.DefaultConsentTTL), token.Expiry, time.Minute)

		assert.NoError(t, mgr.Verify("CUST_1", token.Token))
	})

	t.Run("EmptyCustomer", func(t *testing.T) {
		mgr := newManager()
		_, err := mgr.Issue("", service.ConsentScope{})
		assert.Error(t, err)
	})

	t.Run("InvalidFetchType", func(t *testing.T) {
		mgr := newManager()
		_, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: "WEEKLY"})
		assert.ErrorIs(t, err, service.ErrInvalidFetchType)
	})

	t.Run("NoTokenIssued", func(t *testing.T) {
		mgr := newManager()
		err := mgr.Verify("CUST_1", "whatever")
		assert.ErrorIs(t, err, service.ErrInvalidToken)
	})

	t.Run("WrongToken", func(t *testing.T) {
		mgr := newManager()
		_, err := mgr.Issue("CUST_1", service.ConsentScope{})
		assert.NoError(t, err)
		assert.ErrorIs(t, mgr.Verify("CUST_1", "not-the-token"), service.ErrInvalidToken)
		assert.ErrorIs(t, mgr.Verify("CUST_1", ""), service.ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		mgr := newManager()
		expiry := time.Now().Add(-time.Second)
		token, err := mgr.Issue("CUST_1", service.ConsentScope{Expiry: &expiry})
		assert.NoError(t, err)
		assert.ErrorIs(t, mgr.Verify("CUST_1", token.Token), service.ErrTokenExpired)
	})

	t.Run("OnetimeSingleUse", func(t *testing.T) {
		mgr := newManager()
		token, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: models.OnetimeFetch})
		assert.NoError(t, err)

		assert.NoError(t, mgr.Verify("CUST_1", token.Token))
		assert.NoError(t, mgr.MarkUsed("CUST_1"))
		assert.ErrorIs(t, mgr.Verify("CUST_1", token.Token), service.ErrTokenAlreadyUsed)

		// MarkUsed is idempotent
		assert.NoError(t, mgr.MarkUsed("CUST_1"))
		assert.ErrorIs(t, mgr.Verify("CUST_1", token.Token), service.ErrTokenAlreadyUsed)
	})

	t.Run("PeriodicIgnoresUsed", func(t *testing.T) {
		mgr := newManager()
		token, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: models.PeriodicFetch})
		assert.NoError(t, err)
		assert.NoError(t, mgr.MarkUsed("CUST_1"))
		assert.NoError(t, mgr.Verify("CUST_1", token.Token))
	})

	t.Run("ReissueSupersedes", func(t *testing.T) {
		mgr := newManager()
		first, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: models.OnetimeFetch})
		assert.NoError(t, err)
		assert.NoError(t, mgr.MarkUsed("CUST_1"))

		second, err := mgr.Issue("CUST_1", service.ConsentScope{FetchType: models.OnetimeFetch})
		assert.NoError(t, err)
		assert.NotEqual(t, first.Token, second.Token)

		// The old token is gone, the new one is fresh and unused
		assert.ErrorIs(t, mgr.Verify("CUST_1", first.Token), service.ErrInvalidToken)
		assert.NoError(t, mgr.Verify("CUST_1", second.Token))
	})

	t.Run("CustomersIndependent", func(t *testing.T) {
		mgr := newManager()
		tokenA, err := mgr.Issue("CUST_A", service.ConsentScope{FetchType: models.OnetimeFetch})
		assert.NoError(t, err)
		tokenB, err := mgr.Issue("CUST_B", service.ConsentScope{FetchType: models.OnetimeFetch})
		assert.NoError(t, err)

		assert.NoError(t, mgr.MarkUsed("CUST_A"))
		assert.ErrorIs(t, mgr.Verify("CUST_A", tokenA.Token), service.ErrTokenAlreadyUsed)
		assert.NoError(t, mgr.Verify("CUST_B", tokenB.Token))
	})
}
