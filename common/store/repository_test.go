package store_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/decompose"
	"github.com/bashirmohd/bigdataexpress-C/common/jobs"
	"github.com/bashirmohd/bigdataexpress-C/common/store"
	"github.com/bashirmohd/bigdataexpress-C/common/store/mock_store"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const siteSeed = `
storages:
  - { id: s-bde3, name: storage-local-bde3, type: local, used_read_bw: 5000, used_write_bw: 2000, max_read_bw: 100000, max_write_bw: 800000 }
  - { id: s-bde5, name: storage-local-bde5, type: local, used_read_bw: 0, used_write_bw: 0, max_read_bw: 100000, max_write_bw: 800000 }
dtns:
  - { host: bde3.fnal.gov, bwin: 10000, bwout: 10000 }
  - { host: bde-hp5.fnal.gov, bwin: 10000, bwout: 10000 }
sdmaps:
  - { storage: s-bde3, dtn: bde3.fnal.gov }
  - { storage: s-bde5, dtn: bde-hp5.fnal.gov }
`

type noopReleaser struct{}

func (noopReleaser) ReleaseHolder(string) int { return 0 }

var _ = Describe("Repository", func() {
	var (
		ctx        context.Context
		repository *store.Repository
	)

	BeforeEach(func() {
		ctx = context.Background()
		repository = store.NewRepository(store.NewMemoryStore())
	})

	It("will serve a seeded site to the catalog", func() {
		seed, err := catalog.ParseSeed([]byte(siteSeed))
		Expect(err).To(BeNil())
		Expect(repository.Seed(ctx, seed)).To(Succeed())

		c := catalog.New()
		Expect(c.Load(ctx, repository)).To(Succeed())

		storage, err := c.GetStorage("s-bde3")
		Expect(err).To(BeNil())
		Expect(storage.UsedWriteBW.IntPart()).To(Equal(int64(2000)))
		Expect(storage.Kind).To(Equal(catalog.LocalStorage))

		candidates, err := c.CandidateDTNs("s-bde5")
		Expect(err).To(BeNil())
		Expect(candidates).To(HaveLen(1))
		Expect(candidates[0].Id).To(Equal("bde-hp5.fnal.gov"))

		Expect(repository.RemoveLink(ctx, catalog.Link{Storage: "s-bde5", DTN: "bde-hp5.fnal.gov"})).To(Succeed())
		links, err := repository.ListLinks(ctx)
		Expect(err).To(BeNil())
		Expect(links).To(ConsistOf(catalog.Link{Storage: "s-bde3", DTN: "bde3.fnal.gov"}))
	})

	Context("job records", func() {
		var machine *jobs.Machine

		BeforeEach(func() {
			var err error
			machine, err = jobs.NewMachine(noopReleaser{}, jobs.DefaultRetryLimit, 64)
			Expect(err).To(BeNil())

			machine.OnChange(func(change *jobs.Change) {
				Expect(repository.Record(ctx, change)).To(Succeed())
			})

			job, err := jobs.NewRawJob("job-1", "s-bde3", "s-bde5", 1000, 1)
			Expect(err).To(BeNil())

			_, err = machine.Submit(job)
			Expect(err).To(BeNil())

			_, err = machine.Decompose("job-1", decompose.Policy{MaxBlockSize: 100, MaxBlocksPerSubJob: 4})
			Expect(err).To(BeNil())
		})

		It("will persist every record of a decomposed job", func() {
			persisted, err := repository.ListJobs(ctx)
			Expect(err).To(BeNil())
			Expect(persisted).To(HaveLen(1))
			Expect(persisted[0].State).To(Equal(jobs.JobScheduling))

			subJobs, err := repository.SubJobs(ctx, "job-1")
			Expect(err).To(BeNil())
			Expect(subJobs).To(HaveLen(3))
			Expect(subJobs[2].Index).To(Equal(2))

			blocks, err := repository.Blocks(ctx, "job-1")
			Expect(err).To(BeNil())
			Expect(blocks).To(HaveLen(10))
		})

		It("will restore a job from its records", func() {
			job, err := repository.Job(ctx, "job-1")
			Expect(err).To(BeNil())
			subJobs, err := repository.SubJobs(ctx, "job-1")
			Expect(err).To(BeNil())
			blocks, err := repository.Blocks(ctx, "job-1")
			Expect(err).To(BeNil())

			restored, err := jobs.NewMachine(noopReleaser{}, jobs.DefaultRetryLimit, 64)
			Expect(err).To(BeNil())
			Expect(restored.Restore(job, subJobs, blocks)).To(Succeed())

			tree, ok := restored.Table().Get("job-1")
			Expect(ok).To(BeTrue())
			Expect(tree.PendingBlocks()).To(HaveLen(10))
		})

		It("will delete a job with its sub-jobs and blocks", func() {
			Expect(repository.DeleteJob(ctx, "job-1")).To(Succeed())

			_, err := repository.Job(ctx, "job-1")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())

			blocks, err := repository.Blocks(ctx, "job-1")
			Expect(err).To(BeNil())
			Expect(blocks).To(BeEmpty())

			Expect(errors.Is(repository.DeleteJob(ctx, "job-1"), types.ErrNotFound)).To(BeTrue())
		})

		It("will clear job records but keep the catalog", func() {
			dtn, err := catalog.NewDTN("", "bde3.fnal.gov", 10000, 10000, 0, 0)
			Expect(err).To(BeNil())
			Expect(repository.SaveDTN(ctx, dtn)).To(Succeed())

			Expect(repository.ClearJobs(ctx)).To(Succeed())

			persisted, err := repository.ListJobs(ctx)
			Expect(err).To(BeNil())
			Expect(persisted).To(BeEmpty())

			dtns, err := repository.ListDTNs(ctx)
			Expect(err).To(BeNil())
			Expect(dtns).To(HaveLen(1))
		})
	})

	Context("when the store fails", func() {
		var (
			mockCtrl  *gomock.Controller
			documents *mock_store.MockDocumentStore
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			documents = mock_store.NewMockDocumentStore(mockCtrl)
			repository = store.NewRepository(documents)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("will wrap write errors", func() {
			documents.EXPECT().Put(gomock.Any(), store.RawJobCollection, "job-1", gomock.Any()).
				Return(types.ErrDisconnected)

			job, err := jobs.NewRawJob("job-1", "s-bde3", "s-bde5", 1000, 1)
			Expect(err).To(BeNil())

			err = repository.SaveJob(ctx, job)
			Expect(err).ToNot(BeNil())
			Expect(errors.Is(err, types.ErrDisconnected)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("rawjob/job-1"))
		})

		It("will stop at the first failed collection when clearing", func() {
			gomock.InOrder(
				documents.EXPECT().Clear(gomock.Any(), store.RawJobCollection).Return(nil),
				documents.EXPECT().Clear(gomock.Any(), store.SubJobCollection).Return(types.ErrDisconnected),
			)

			Expect(errors.Is(repository.ClearJobs(ctx), types.ErrDisconnected)).To(BeTrue())
		})

		It("will skip empty changes", func() {
			Expect(repository.Record(ctx, &jobs.Change{})).To(Succeed())
		})
	})
})
