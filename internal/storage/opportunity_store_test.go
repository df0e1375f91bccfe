package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

var scanTime = time.Date(2025, 9, 22, 14, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*OpportunityStore, *MemoryBlobStore) {
	t.Helper()
	blobs := NewMemoryBlobStore()
	logger, _ := test.NewNullLogger()
	store := NewOpportunityStore(blobs, 20*time.Minute, logger)
	n := 0
	store.newID = func() string {
		n++
		return fmt.Sprintf("batch-%d", n)
	}
	return store, blobs
}

func samplePuts() []models.Opportunity {
	return []models.Opportunity{
		{Symbol: "KO", Underlying: "KO", OptionSymbol: "KO251017P00060000", Type: broker.OptionTypePut, Strike: 60, Premium: 0.8},
		{Symbol: "PFE", Underlying: "PFE", OptionSymbol: "PFE251017P00024000", Type: broker.OptionTypePut, Strike: 24, Premium: 0.3},
	}
}

func TestOpportunityStore_SaveWritesDatedKey(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	batch, err := store.Save(ctx, scanTime, samplePuts())
	require.NoError(t, err)
	assert.Equal(t, "batch-1", batch.ID)
	assert.Equal(t, models.BatchPending, batch.Status)
	assert.Equal(t, scanTime.Add(20*time.Minute), batch.ExpiresAt)

	obj, err := blobs.Get(ctx, "opportunities/2025-09-22/140000.000.json")
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(obj.Data, &raw))
	for _, field := range []string{"scan_time", "expires_at", "opportunity_count", "opportunities", "status"} {
		assert.Contains(t, raw, field)
	}
	assert.Equal(t, "pending", raw["status"])
	assert.EqualValues(t, 2, raw["opportunity_count"])
}

func TestOpportunityStore_LatestPending(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		wantNil bool
	}{
		{name: "within window", now: scanTime.Add(10 * time.Minute)},
		{name: "at the window edge", now: scanTime.Add(20 * time.Minute)},
		{name: "stale", now: scanTime.Add(21 * time.Minute), wantNil: true},
		{name: "next day", now: scanTime.Add(24 * time.Hour), wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			_, err := store.Save(context.Background(), scanTime, samplePuts())
			require.NoError(t, err)

			batch, err := store.LatestPending(context.Background(), tt.now)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, batch)
				return
			}
			require.NotNil(t, batch)
			assert.Len(t, batch.Opportunities, 2)
		})
	}
}

func TestOpportunityStore_LatestPendingPrefersNewest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, scanTime, samplePuts()[:1])
	require.NoError(t, err)
	_, err = store.Save(ctx, scanTime.Add(5*time.Minute), samplePuts())
	require.NoError(t, err)

	batch, err := store.LatestPending(ctx, scanTime.Add(6*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "batch-2", batch.ID)

	_, err = store.MarkExecuted(ctx, "", scanTime.Add(6*time.Minute), nil)
	require.NoError(t, err)

	// Falls back to the older batch, which is still fresh.
	batch, err = store.LatestPending(ctx, scanTime.Add(6*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "batch-1", batch.ID)
}

func TestOpportunityStore_MarkExecuted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := scanTime.Add(3 * time.Minute)

	_, err := store.Save(ctx, scanTime, samplePuts())
	require.NoError(t, err)

	results := []models.ExecutionRecord{
		{Symbol: "KO", OptionSymbol: "KO251017P00060000", Contracts: 1, Success: true, OrderID: "101"},
		{Symbol: "PFE", OptionSymbol: "PFE251017P00024000", Contracts: 1, ErrorType: "rejected", ErrorMessage: "not approved"},
	}
	batch, err := store.MarkExecuted(ctx, "", now, results)
	require.NoError(t, err)
	assert.Equal(t, models.BatchExecuted, batch.Status)
	assert.Equal(t, 1, batch.ExecutedCount)
	require.NotNil(t, batch.ExecutedAt)
	assert.Equal(t, now, *batch.ExecutedAt)

	pending, err := store.LatestPending(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, pending, "executed batches are never re-selected")

	_, err = store.MarkExecuted(ctx, "batch-1", now, results)
	assert.ErrorIs(t, err, ErrBatchAlreadyExecuted)

	_, err = store.MarkExecuted(ctx, "", now, results)
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = store.MarkExecuted(ctx, "missing", now, results)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestOpportunityStore_MarkExecutedByID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, scanTime.Add(-48*time.Hour), samplePuts())
	require.NoError(t, err)

	batch, err := store.MarkExecuted(ctx, "batch-1", scanTime, nil)
	require.NoError(t, err)
	assert.True(t, batch.IsExecuted())
}

func TestOpportunityStore_MarkExecutedDetectsConcurrentWriter(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()
	now := scanTime.Add(time.Minute)

	_, err := store.Save(ctx, scanTime, samplePuts())
	require.NoError(t, err)

	// Another run marks the batch between our read and write.
	other, _ := newTestStore(t)
	other.blobs = blobs
	blobs.putHook = func(key string) {
		blobs.putHook = nil
		_, err := other.MarkExecuted(ctx, "", now, nil)
		require.NoError(t, err)
	}

	_, err = store.MarkExecuted(ctx, "", now, []models.ExecutionRecord{{Symbol: "KO", Success: true}})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	obj, err := blobs.Get(ctx, batchKey(scanTime))
	require.NoError(t, err)
	var stored models.ScanBatch
	require.NoError(t, json.Unmarshal(obj.Data, &stored))
	assert.True(t, stored.IsExecuted())
	assert.Empty(t, stored.ExecutionResults, "the losing writer must not overwrite results")
}

func TestOpportunityStore_SkipsCorruptBatches(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, scanTime, samplePuts())
	require.NoError(t, err)
	_, err = blobs.Put(ctx, batchKey(scanTime.Add(time.Minute)), []byte("garbage"))
	require.NoError(t, err)

	batch, err := store.LatestPending(ctx, scanTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "batch-1", batch.ID)
}

func TestOpportunityStore_Cleanup(t *testing.T) {
	store, blobs := newTestStore(t)
	ctx := context.Background()

	for _, days := range []int{0, 1, 6, 7, 8, 30} {
		_, err := store.Save(ctx, scanTime.AddDate(0, 0, -days), nil)
		require.NoError(t, err)
	}
	_, err := blobs.Put(ctx, "wheel_state.json", []byte("{}"))
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx, scanTime, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"opportunities/2025-09-15/140000.000.json",
		"opportunities/2025-09-16/140000.000.json",
		"opportunities/2025-09-21/140000.000.json",
		"opportunities/2025-09-22/140000.000.json",
		"wheel_state.json",
	}, keys)

	removed, err = store.Cleanup(ctx, scanTime, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
