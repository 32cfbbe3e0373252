package store

import (
	"context"
	"slices"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

// Repository provides typed access to the records kept in a DocumentStore.
//
// Repository implements catalog.Source.
type Repository struct {
	log logger.Logger

	store DocumentStore
}

func NewRepository(store DocumentStore) *Repository {
	repository := &Repository{store: store}
	config.InitLogger(&repository.log, repository)
	return repository
}

// Store returns the underlying DocumentStore.
func (r *Repository) Store() DocumentStore {
	return r.store
}

func put(ctx context.Context, store DocumentStore, collection Collection, id string, record any) error {
	document, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s/%s", collection, id)
	}

	if err = store.Put(ctx, collection, id, document); err != nil {
		return errors.Wrapf(err, "failed to write %s/%s", collection, id)
	}

	return nil
}

func find[T any](ctx context.Context, store DocumentStore, collection Collection, id string) (*T, error) {
	document, err := store.Find(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	var record T
	if err = json.Unmarshal(document, &record); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s/%s", collection, id)
	}

	return &record, nil
}

func list[T any](ctx context.Context, store DocumentStore, collection Collection) ([]*T, error) {
	documents, err := store.List(ctx, collection)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", collection)
	}

	records := make([]*T, 0, len(documents))
	for i, document := range documents {
		var record T
		if err = json.Unmarshal(document, &record); err != nil {
			return nil, errors.Wrapf(err, "failed to decode document #%d of %s", i, collection)
		}

		records = append(records, &record)
	}

	return records, nil
}

func (r *Repository) ListStorages(ctx context.Context) ([]*catalog.Storage, error) {
	return list[catalog.Storage](ctx, r.store, StorageCollection)
}

func (r *Repository) ListDTNs(ctx context.Context) ([]*catalog.DTN, error) {
	return list[catalog.DTN](ctx, r.store, DTNCollection)
}

func (r *Repository) ListLinks(ctx context.Context) ([]catalog.Link, error) {
	links, err := list[catalog.Link](ctx, r.store, SDMapCollection)
	if err != nil {
		return nil, err
	}

	result := make([]catalog.Link, 0, len(links))
	for _, link := range links {
		result = append(result, *link)
	}

	return result, nil
}

func (r *Repository) SaveStorage(ctx context.Context, storage *catalog.Storage) error {
	return put(ctx, r.store, StorageCollection, storage.Id, storage)
}

func (r *Repository) SaveDTN(ctx context.Context, dtn *catalog.DTN) error {
	return put(ctx, r.store, DTNCollection, dtn.Id, dtn)
}

func (r *Repository) SaveLink(ctx context.Context, link catalog.Link) error {
	return put(ctx, r.store, SDMapCollection, link.Key(), link)
}

func (r *Repository) RemoveStorage(ctx context.Context, storageId string) error {
	return r.store.Remove(ctx, StorageCollection, storageId)
}

func (r *Repository) RemoveDTN(ctx context.Context, dtnId string) error {
	return r.store.Remove(ctx, DTNCollection, dtnId)
}

func (r *Repository) RemoveLink(ctx context.Context, link catalog.Link) error {
	return r.store.Remove(ctx, SDMapCollection, link.Key())
}

// Seed writes the storages, DTNs and links of the seed into the store, replacing any existing records with the
// same ids.
func (r *Repository) Seed(ctx context.Context, seed catalog.Source) error {
	storages, err := seed.ListStorages(ctx)
	if err != nil {
		return err
	}

	for _, storage := range storages {
		if err = r.SaveStorage(ctx, storage); err != nil {
			return err
		}
	}

	dtns, err := seed.ListDTNs(ctx)
	if err != nil {
		return err
	}

	for _, dtn := range dtns {
		if err = r.SaveDTN(ctx, dtn); err != nil {
			return err
		}
	}

	links, err := seed.ListLinks(ctx)
	if err != nil {
		return err
	}

	for _, link := range links {
		if err = r.SaveLink(ctx, link); err != nil {
			return err
		}
	}

	r.log.Debug("Seeded store with %d storage(s), %d DTN(s) and %d link(s).", len(storages), len(dtns), len(links))
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job *jobs.RawJob) error {
	return put(ctx, r.store, RawJobCollection, job.Id, job)
}

func (r *Repository) SaveSubJob(ctx context.Context, subJob *jobs.SubJob) error {
	return put(ctx, r.store, SubJobCollection, subJob.Id, subJob)
}

func (r *Repository) SaveBlock(ctx context.Context, block *jobs.Block) error {
	return put(ctx, r.store, BlockCollection, block.Id, block)
}

// Job returns the RawJob with the given id, or an error wrapping types.ErrNotFound.
func (r *Repository) Job(ctx context.Context, jobId string) (*jobs.RawJob, error) {
	return find[jobs.RawJob](ctx, r.store, RawJobCollection, jobId)
}

// ListJobs returns every persisted RawJob, ordered by id.
func (r *Repository) ListJobs(ctx context.Context) ([]*jobs.RawJob, error) {
	return list[jobs.RawJob](ctx, r.store, RawJobCollection)
}

// SubJobs returns the sub-jobs of the specified job, ordered by index.
func (r *Repository) SubJobs(ctx context.Context, jobId string) ([]*jobs.SubJob, error) {
	subJobs, err := list[jobs.SubJob](ctx, r.store, SubJobCollection)
	if err != nil {
		return nil, err
	}

	subJobs = slices.DeleteFunc(subJobs, func(s *jobs.SubJob) bool { return s.RawJob != jobId })
	slices.SortFunc(subJobs, func(a, b *jobs.SubJob) int { return a.Index - b.Index })

	return subJobs, nil
}

// Blocks returns the blocks of the specified job, ordered by id.
func (r *Repository) Blocks(ctx context.Context, jobId string) ([]*jobs.Block, error) {
	blocks, err := list[jobs.Block](ctx, r.store, BlockCollection)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(blocks, func(b *jobs.Block) bool { return b.RawJob != jobId }), nil
}

// DeleteJob removes the RawJob and all of its sub-jobs and blocks.
func (r *Repository) DeleteJob(ctx context.Context, jobId string) error {
	blocks, err := r.Blocks(ctx, jobId)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if err = r.store.Remove(ctx, BlockCollection, block.Id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return errors.Wrapf(err, "failed to remove block %s", block.Id)
		}
	}

	subJobs, err := r.SubJobs(ctx, jobId)
	if err != nil {
		return err
	}

	for _, subJob := range subJobs {
		if err = r.store.Remove(ctx, SubJobCollection, subJob.Id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return errors.Wrapf(err, "failed to remove sub-job %s", subJob.Id)
		}
	}

	if err = r.store.Remove(ctx, RawJobCollection, jobId); err != nil {
		return errors.Wrapf(err, "failed to remove job %s", jobId)
	}

	r.log.Debug("Deleted job %s with %d sub-job(s) and %d block(s).", jobId, len(subJobs), len(blocks))
	return nil
}

// ClearJobs removes every job, sub-job and block record. Catalog records are kept.
func (r *Repository) ClearJobs(ctx context.Context) error {
	for _, collection := range JobCollections {
		if err := r.store.Clear(ctx, collection); err != nil {
			return errors.Wrapf(err, "failed to clear %s", collection)
		}
	}

	r.log.Info("Cleared all job records.")
	return nil
}

// Record persists the records modified by a state machine operation.
func (r *Repository) Record(ctx context.Context, change *jobs.Change) error {
	if change.IsEmpty() {
		return nil
	}

	if change.Job != nil {
		if err := r.SaveJob(ctx, change.Job); err != nil {
			return err
		}
	}

	for _, subJob := range change.SubJobs {
		if err := r.SaveSubJob(ctx, subJob); err != nil {
			return err
		}
	}

	for _, block := range change.Blocks {
		if err := r.SaveBlock(ctx, block); err != nil {
			return err
		}
	}

	return nil
}
