package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

const (
	batchPrefix    = "opportunities/"
	batchDateFmt   = "2006-01-02"
	batchTimeFmt   = "150405.000"
	batchKeySuffix = ".json"
)

// OpportunityStore persists scan batches so execution can happen later than the
// scan that produced them.
//
// Batches live under opportunities/<UTC date>/<UTC time>.json. Marking a batch
// executed is a conditional write against the version that was read, so two
// runs cannot both record results for one batch. Both may still have submitted
// orders from it; the store assumes a single writer per batch.
type OpportunityStore struct {
	blobs  BlobStore
	maxAge time.Duration
	logger logrus.FieldLogger
	newID  func() string
}

// NewOpportunityStore creates a store. maxAge bounds how old a pending batch may
// be and still be returned.
func NewOpportunityStore(blobs BlobStore, maxAge time.Duration, logger logrus.FieldLogger) *OpportunityStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OpportunityStore{
		blobs:  blobs,
		maxAge: maxAge,
		logger: logger.WithField("component", "opportunity_store"),
		newID:  uuid.NewString,
	}
}

// MaxAge is the configured freshness window.
func (s *OpportunityStore) MaxAge() time.Duration {
	return s.maxAge
}

func batchKey(scanTime time.Time) string {
	t := scanTime.UTC()
	return batchPrefix + t.Format(batchDateFmt) + "/" + t.Format(batchTimeFmt) + batchKeySuffix
}

func datePrefix(day time.Time) string {
	return batchPrefix + day.UTC().Format(batchDateFmt) + "/"
}

// Save writes a new pending batch.
func (s *OpportunityStore) Save(ctx context.Context, scanTime time.Time, opps []models.Opportunity) (*models.ScanBatch, error) {
	batch := models.NewScanBatch(s.newID(), scanTime, s.maxAge, opps)
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	key := batchKey(scanTime)
	if _, err := s.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("saving batch %s: %w", batch.ID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"batch_id":      batch.ID,
		"key":           key,
		"opportunities": batch.OpportunityCount,
		"expires_at":    batch.ExpiresAt,
	}).Info("Saved scan batch")
	return batch, nil
}

type storedBatch struct {
	batch   *models.ScanBatch
	key     string
	version string
}

func (s *OpportunityStore) load(ctx context.Context, key string) (*storedBatch, error) {
	obj, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var batch models.ScanBatch
	if err := json.Unmarshal(obj.Data, &batch); err != nil {
		return nil, fmt.Errorf("decoding batch %s: %w", key, err)
	}
	return &storedBatch{batch: &batch, key: key, version: obj.Version}, nil
}

// newest walks keys under prefix from latest to earliest, calling visit for each
// decodable batch until visit returns true.
func (s *OpportunityStore) newest(ctx context.Context, prefix string, visit func(*storedBatch) bool) (*storedBatch, error) {
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if !strings.HasSuffix(keys[i], batchKeySuffix) {
			continue
		}
		sb, err := s.load(ctx, keys[i])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"key":         keys[i],
				"recoverable": true,
			}).Warn("Skipping unreadable batch")
			continue
		}
		if visit(sb) {
			return sb, nil
		}
	}
	return nil, nil
}

func (s *OpportunityStore) pending(ctx context.Context, now time.Time) (*storedBatch, error) {
	return s.newest(ctx, datePrefix(now), func(sb *storedBatch) bool {
		log := s.logger.WithFields(logrus.Fields{"batch_id": sb.batch.ID, "key": sb.key})
		if sb.batch.IsExecuted() {
			log.Debug("Skipping executed batch")
			return false
		}
		if sb.batch.IsStale(now, s.maxAge) {
			log.WithField("age", sb.batch.Age(now).Round(time.Second)).Debug("Skipping stale batch")
			return false
		}
		return true
	})
}

// LatestPending returns the newest batch from today's scans that is neither
// stale nor executed. It returns nil with no error when none qualify.
func (s *OpportunityStore) LatestPending(ctx context.Context, now time.Time) (*models.ScanBatch, error) {
	sb, err := s.pending(ctx, now)
	if err != nil || sb == nil {
		return nil, err
	}
	return sb.batch, nil
}

// MarkExecuted records results on a batch and flips it to executed. An empty
// batchID selects the same batch LatestPending would.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, batchID string, now time.Time, results []models.ExecutionRecord) (*models.ScanBatch, error) {
	var (
		sb  *storedBatch
		err error
	)
	if batchID == "" {
		sb, err = s.pending(ctx, now)
	} else {
		sb, err = s.newest(ctx, batchPrefix, func(c *storedBatch) bool { return c.batch.ID == batchID })
	}
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, ErrBatchNotFound
	}
	if sb.batch.IsExecuted() {
		return nil, ErrBatchAlreadyExecuted
	}

	executedAt := now.UTC()
	batch := sb.batch
	batch.Status = models.BatchExecuted
	batch.ExecutedAt = &executedAt
	batch.ExecutionResults = results
	batch.ExecutedCount = 0
	for _, r := range results {
		if r.Success {
			batch.ExecutedCount++
		}
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	if _, err := s.blobs.PutIfMatch(ctx, sb.key, data, sb.version); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			s.logger.WithField("batch_id", batch.ID).Warn("Batch changed since it was read; results not recorded")
		}
		return nil, fmt.Errorf("marking batch %s executed: %w", batch.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"executed": batch.ExecutedCount,
		"results":  len(results),
	}).Info("Marked batch executed")
	return batch, nil
}

// Cleanup deletes batches whose scan date is more than retention before now.
// It returns how many were removed.
func (s *OpportunityStore) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	keys, err := s.blobs.List(ctx, batchPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing batches: %w", err)
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(-retention)

	removed := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, batchPrefix)
		dateStr, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		day, err := time.Parse(batchDateFmt, dateStr)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{"removed": removed, "cutoff": cutoff.Format(batchDateFmt)}).Info("Cleaned up old batches")
	}
	return removed, nil
}
