package service_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/service"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func newCache(t *testing.T, store storage.Store) *service.PipelineCache {
	writer, err := service.NewBufferedWriter(store, t.TempDir(), logger{})
	assert.NoError(t, err)
	return service.NewPipelineCache(store, writer, logger{})
}

func TestPipelineCache(t *testing.T) {

	t.Run("LoadDefaultState", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, "CUST_1", st.CustomerID)
		assert.Equal(t, models.IdlePipelineStatus, st.PipelineStatus)
		assert.Empty(t, st.Logs)
		assert.Empty(t, st.Steps)
	})

	t.Run("UpdateStep", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		running := models.RunningPipelineStatus
		cache.UpdateStep("CUST_1", models.GenerateStep, "generate", 0, models.RunningStepState, &running)

		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, models.RunningPipelineStatus, st.PipelineStatus)
		step := st.Steps[models.GenerateStep]
		assert.Equal(t, "generate", step.Name)
		assert.Equal(t, 0, step.Progress)
		assert.Equal(t, models.RunningStepState, step.Status)
		assert.False(t, st.LastUpdated.IsZero())

		// nil pipelineStatus leaves the overall status untouched
		cache.UpdateStep("CUST_1", models.GenerateStep, "generate", 50, models.RunningStepState, nil)
		st, err = cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, models.RunningPipelineStatus, st.PipelineStatus)
		assert.Equal(t, 50, st.Steps[models.GenerateStep].Progress)
	})

	t.Run("AppendLogOrder", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		for i := 0; i < 10; i++ {
			cache.AppendLog("CUST_1", "info", fmt.Sprintf("line %d", i))
		}
		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Len(t, st.Logs, 10)
		for i, entry := range st.Logs {
			assert.Equal(t, fmt.Sprintf("line %d", i), entry.Message)
			assert.Equal(t, "info", entry.Level)
		}
	})

	t.Run("UpdateStepPreservesLogs", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		cache.AppendLog("CUST_1", "info", "before the transition")
		idle := models.IdlePipelineStatus
		cache.UpdateStep("CUST_1", models.GenerateStep, "generate", 100, models.CompletedStepState, &idle)

		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedStepState, st.Steps[models.GenerateStep].Status)
		assert.Len(t, st.Logs, 1)
		assert.Equal(t, "before the transition", st.Logs[0].Message)
	})

	t.Run("LogBounding", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		for i := 0; i < 1500; i++ {
			cache.AppendLog("CUST_1", "info", fmt.Sprintf("line %d", i))
		}
		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Len(t, st.Logs, models.MaxLogEntries)
		// The oldest 500 entries were evicted; relative order is preserved
		assert.Equal(t, "line 500", st.Logs[0].Message)
		assert.Equal(t, "line 1499", st.Logs[len(st.Logs)-1].Message)
	})

	t.Run("ConcurrentAppendsLoseNothing", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		const writers = 4
		const perWriter = 50
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					cache.AppendLog("CUST_1", "info", fmt.Sprintf("writer %d line %d", w, i))
				}
			}(w)
		}
		wg.Wait()

		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.Len(t, st.Logs, writers*perWriter)
	})

	t.Run("CustomersIsolated", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		cache.AppendLog("CUST_A", "info", "for A")
		cache.AppendLog("CUST_B", "info", "for B")

		stA, err := cache.Load("CUST_A")
		assert.NoError(t, err)
		stB, err := cache.Load("CUST_B")
		assert.NoError(t, err)
		assert.Len(t, stA.Logs, 1)
		assert.Len(t, stB.Logs, 1)
		assert.Equal(t, "for A", stA.Logs[0].Message)
		assert.Equal(t, "for B", stB.Logs[0].Message)
	})

	t.Run("SetConsentMirror", func(t *testing.T) {
		cache := newCache(t, storage.NewMockStore())
		cache.SetConsent("CUST_1", models.ConsentToken{
			CustomerID: "CUST_1",
			Token:      "tok",
			Status:     models.ApprovedConsentStatus,
			FetchType:  models.PeriodicFetch,
		})
		st, err := cache.Load("CUST_1")
		assert.NoError(t, err)
		assert.NotNil(t, st.Consent)
		assert.Equal(t, "tok", st.Consent.Token)
	})
}
