// Package recordloader batches mirror-record lookups behind a dataloader, so
// callers resolving many record ids in one request pay a single repository
// round trip.
package recordloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository"
)

// RecordLoader caches per instance, so create one per request or unit of
// work, not one per process.
type RecordLoader struct {
	Loader *dataloader.Loader
}

func NewRecordLoader(repo repository.MirrorRepository) *RecordLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		// Convert keys to []uuid.UUID
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				return []*dataloader.Result{{Error: fmt.Errorf("invalid UUID: %w", err)}}
			}
			ids[i] = id
		}

		// Fetch records in batch
		records, err := repo.GetByIDs(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Map UUID -> record for ordering
		recordMap := make(map[uuid.UUID]domain.MirrorRecord)
		for _, r := range records {
			recordMap[r.ID] = r
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if r, ok := recordMap[id]; ok {
				results[i] = &dataloader.Result{Data: r}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("mirror record %s: %w", id, domain.ErrNotFound)}
			}
		}
		return results
	}

	return &RecordLoader{
		Loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond)),
	}
}

// Load resolves one mirror record through the batch.
func (l *RecordLoader) Load(ctx context.Context, id uuid.UUID) (domain.MirrorRecord, error) {
	thunk := l.Loader.Load(ctx, dataloader.StringKey(id.String()))
	data, err := thunk()
	if err != nil {
		return domain.MirrorRecord{}, err
	}
	record, ok := data.(domain.MirrorRecord)
	if !ok {
		return domain.MirrorRecord{}, fmt.Errorf("unexpected loader result type %T", data)
	}
	return record, nil
}

// LoadMany resolves a set of mirror records through the batch.
func (l *RecordLoader) LoadMany(ctx context.Context, ids []uuid.UUID) ([]domain.MirrorRecord, error) {
	records := make([]domain.MirrorRecord, 0, len(ids))
	thunks := make([]dataloader.Thunk, len(ids))
	for i, id := range ids {
		thunks[i] = l.Loader.Load(ctx, dataloader.StringKey(id.String()))
	}
	for _, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		record, ok := data.(domain.MirrorRecord)
		if !ok {
			return nil, fmt.Errorf("unexpected loader result type %T", data)
		}
		records = append(records, record)
	}
	return records, nil
}
