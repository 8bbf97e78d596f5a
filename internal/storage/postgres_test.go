package storage_test

import (
	"fmt"
	"testing"
	"time"

	internal_storage "github.com/ignatij/consentflow/internal/storage"
	"github.com/ignatij/consentflow/internal/testutil"
	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE pipeline_states, consent_tokens")
			assert.NoError(t, err)
			assert.NoError(t, store.Close())
		})
		return store
	}

	t.Run("SaveAndGetPipelineState", func(t *testing.T) {
		store := newStore(t)
		st := models.NewPipelineState("CUST_1")
		st.PipelineStatus = models.RunningPipelineStatus
		st.Steps[models.GenerateStep] = models.StepStatus{Name: "generate", Progress: 40, Status: models.RunningStepState}
		st.AppendLog(models.LogEntry{Timestamp: time.Now().UTC(), Level: "info", Message: "batch 2/5 written"})
		st.LastUpdated = time.Now().UTC()
		st.Consent = &models.ConsentToken{
			CustomerID: "CUST_1",
			Token:      "tok-1",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.PeriodicFetch,
		}

		assert.NoError(t, store.SavePipelineState(st))

		saved, err := store.GetPipelineState("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, models.RunningPipelineStatus, saved.PipelineStatus)
		assert.Equal(t, 40, saved.Steps[models.GenerateStep].Progress)
		assert.Len(t, saved.Logs, 1)
		assert.Equal(t, "batch 2/5 written", saved.Logs[0].Message)
		assert.NotNil(t, saved.Consent)
		assert.Equal(t, "tok-1", saved.Consent.Token)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		store := newStore(t)
		st := models.NewPipelineState("CUST_1")
		st.Steps[models.GenerateStep] = models.StepStatus{Name: "generate", Progress: 10, Status: models.RunningStepState}
		assert.NoError(t, store.SavePipelineState(st))

		st.Steps[models.GenerateStep] = models.StepStatus{Name: "generate", Progress: 100, Status: models.CompletedStepState}
		assert.NoError(t, store.SavePipelineState(st))

		saved, err := store.GetPipelineState("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, 100, saved.Steps[models.GenerateStep].Progress)
	})

	t.Run("GetMissingState", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetPipelineState("NOBODY")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AppendLogsCreatesRow", func(t *testing.T) {
		store := newStore(t)
		err := store.AppendLogs("CUST_1", []models.LogEntry{
			{Timestamp: time.Now().UTC(), Level: "info", Message: "first line"},
		})
		assert.NoError(t, err)

		saved, err := store.GetPipelineState("CUST_1")
		assert.NoError(t, err)
		assert.Len(t, saved.Logs, 1)
		assert.Equal(t, "first line", saved.Logs[0].Message)
	})

	t.Run("AppendLogsTruncates", func(t *testing.T) {
		store := newStore(t)
		var entries []models.LogEntry
		for i := 0; i < models.MaxLogEntries+100; i++ {
			entries = append(entries, models.LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "info",
				Message:   fmt.Sprintf("line %d", i),
			})
		}
		assert.NoError(t, store.AppendLogs("CUST_1", entries))

		saved, err := store.GetPipelineState("CUST_1")
		assert.NoError(t, err)
		assert.Len(t, saved.Logs, models.MaxLogEntries)
		assert.Equal(t, "line 100", saved.Logs[0].Message)
		assert.Equal(t, fmt.Sprintf("line %d", models.MaxLogEntries+99), saved.Logs[len(saved.Logs)-1].Message)
	})

	t.Run("SaveConsentUpserts", func(t *testing.T) {
		store := newStore(t)
		first := models.ConsentToken{
			CustomerID: "CUST_1",
			Token:      "tok-1",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.OnetimeFetch,
			IssuedAt:   time.Now().UTC(),
			Expiry:     time.Now().UTC().Add(24 * time.Hour),
		}
		assert.NoError(t, store.SaveConsent(first))
		assert.NoError(t, store.MarkConsentUsed("CUST_1"))

		second := first
		second.Token = "tok-2"
		second.Used = false
		assert.NoError(t, store.SaveConsent(second))

		saved, err := store.GetConsent("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, "tok-2", saved.Token)
		assert.False(t, saved.Used)
	})

	t.Run("GetMissingConsent", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetConsent("NOBODY")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("MarkConsentUsed", func(t *testing.T) {
		store := newStore(t)
		c := models.ConsentToken{
			CustomerID: "CUST_1",
			Token:      "tok-1",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.OnetimeFetch,
			IssuedAt:   time.Now().UTC(),
			Expiry:     time.Now().UTC().Add(time.Hour),
		}
		assert.NoError(t, store.SaveConsent(c))
		assert.NoError(t, store.MarkConsentUsed("CUST_1"))

		saved, err := store.GetConsent("CUST_1")
		assert.NoError(t, err)
		assert.True(t, saved.Used)

		// Idempotent
		assert.NoError(t, store.MarkConsentUsed("CUST_1"))
	})

	t.Run("MarkMissingConsent", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.MarkConsentUsed("NOBODY"), storage.ErrNotFound)
	})

	t.Run("TransactionCommit", func(t *testing.T) {
		store := newStore(t)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		assert.NoError(t, txStore.SaveConsent(models.ConsentToken{
			CustomerID: "CUST_TX",
			Token:      "tok-tx",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.PeriodicFetch,
			IssuedAt:   time.Now().UTC(),
			Expiry:     time.Now().UTC().Add(time.Hour),
		}))
		assert.NoError(t, txStore.Commit())

		saved, err := store.GetConsent("CUST_TX")
		assert.NoError(t, err)
		assert.Equal(t, "tok-tx", saved.Token)
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		store := newStore(t)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		assert.NoError(t, txStore.SaveConsent(models.ConsentToken{
			CustomerID: "CUST_RB",
			Token:      "tok-rb",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.PeriodicFetch,
			IssuedAt:   time.Now().UTC(),
			Expiry:     time.Now().UTC().Add(time.Hour),
		}))
		assert.NoError(t, txStore.Rollback())

		_, err = store.GetConsent("CUST_RB")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
