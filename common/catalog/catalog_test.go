package catalog_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

type fakeGuard struct {
	inUse       map[string]bool
	linksInUse  map[string]bool
	retireCalls []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{inUse: make(map[string]bool), linksInUse: make(map[string]bool)}
}

func (g *fakeGuard) Retire(entityId string) error {
	g.retireCalls = append(g.retireCalls, entityId)
	if g.inUse[entityId] {
		return types.ErrInUse
	}
	return nil
}

func (g *fakeGuard) LinkInUse(storageId string, dtnId string) bool {
	return g.linksInUse[catalog.Link{Storage: storageId, DTN: dtnId}.Key()]
}

func mustStorage(id string, kind catalog.StorageKind) *catalog.Storage {
	s, err := catalog.NewStorage(id, "storage-"+id, kind, 0, 0, 100000, 100000)
	Expect(err).To(BeNil())
	return s
}

func mustDTN(host string) *catalog.DTN {
	d, err := catalog.NewDTN("", host, 10000, 10000, 0, 0)
	Expect(err).To(BeNil())
	return d
}

func ids[T interface{ GetId() string }](entities []T) []string {
	result := make([]string, 0, len(entities))
	for _, e := range entities {
		result = append(result, e.GetId())
	}
	return result
}

var _ = Describe("Catalog", func() {
	var (
		c     *catalog.Catalog
		guard *fakeGuard
	)

	BeforeEach(func() {
		c = catalog.New()
		guard = newFakeGuard()
		c.SetUsageGuard(guard)
	})

	Context("Entities", func() {
		It("will reject storages whose used bandwidth exceeds their maximum", func() {
			_, err := catalog.NewStorage("s1", "s1", catalog.LocalStorage, 0, 5001, 100, 5000)
			Expect(errors.Is(err, catalog.ErrUsageExceedsMax)).To(BeTrue())

			_, err = catalog.NewStorage("s1", "s1", catalog.LocalStorage, -1, 0, 100, 100)
			Expect(errors.Is(err, catalog.ErrNegativeBandwidth)).To(BeTrue())

			_, err = catalog.NewStorage("", "s1", catalog.LocalStorage, 0, 0, 100, 100)
			Expect(errors.Is(err, catalog.ErrMissingId)).To(BeTrue())
		})

		It("will parse storage kinds case-insensitively", func() {
			kind, err := catalog.ParseStorageKind("Remote")
			Expect(err).To(BeNil())
			Expect(kind).To(Equal(catalog.RemoteStorage))

			_, err = catalog.ParseStorageKind("tape")
			Expect(errors.Is(err, catalog.ErrUnknownKind)).To(BeTrue())
		})

		It("will identify a DTN by its host when no id is given", func() {
			d := mustDTN("bde3.fnal.gov")
			Expect(d.Id).To(Equal("bde3.fnal.gov"))
		})
	})

	Context("Registration", func() {
		It("will reject a second entity with an existing id", func() {
			Expect(c.RegisterStorage(mustStorage("s1", catalog.LocalStorage))).To(Succeed())

			err := c.RegisterStorage(mustStorage("s1", catalog.RemoteStorage))
			Expect(errors.Is(err, types.ErrConflict)).To(BeTrue())

			d, err := catalog.NewDTN("s1", "host", 1, 1, 0, 0)
			Expect(err).To(BeNil())
			err = c.RegisterDTN(d)
			Expect(errors.Is(err, types.ErrConflict)).To(BeTrue())

			storage, err := c.GetStorage("s1")
			Expect(err).To(BeNil())
			Expect(storage.Kind).To(Equal(catalog.LocalStorage))
		})

		It("will return copies that do not alias the registered record", func() {
			Expect(c.RegisterStorage(mustStorage("s1", catalog.LocalStorage))).To(Succeed())

			storage, err := c.GetStorage("s1")
			Expect(err).To(BeNil())
			storage.Name = "mutated"

			storage, err = c.GetStorage("s1")
			Expect(err).To(BeNil())
			Expect(storage.Name).To(Equal("storage-s1"))
		})

		It("will report unknown entities as not found", func() {
			_, err := c.GetStorage("missing")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())

			_, err = c.GetDTN("missing")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())

			_, err = c.CandidateDTNs("missing")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
		})
	})

	Context("Links", func() {
		BeforeEach(func() {
			Expect(c.RegisterStorage(mustStorage("s1", catalog.LocalStorage))).To(Succeed())
			Expect(c.RegisterStorage(mustStorage("s2", catalog.RemoteStorage))).To(Succeed())
			Expect(c.RegisterDTN(mustDTN("d1"))).To(Succeed())
			Expect(c.RegisterDTN(mustDTN("d2"))).To(Succeed())
			Expect(c.RegisterDTN(mustDTN("d3"))).To(Succeed())
		})

		It("will return candidate DTNs in registration order regardless of link order", func() {
			Expect(c.Link("s1", "d3")).To(Succeed())
			Expect(c.Link("s1", "d1")).To(Succeed())

			candidates, err := c.CandidateDTNs("s1")
			Expect(err).To(BeNil())
			Expect(ids(candidates)).To(Equal([]string{"d1", "d3"}))

			candidates, err = c.CandidateDTNs("s2")
			Expect(err).To(BeNil())
			Expect(candidates).To(BeEmpty())
		})

		It("will reject duplicate links and links to unknown entities", func() {
			Expect(c.Link("s1", "d1")).To(Succeed())
			Expect(errors.Is(c.Link("s1", "d1"), types.ErrConflict)).To(BeTrue())
			Expect(errors.Is(c.Link("s1", "d9"), types.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(c.Link("s9", "d1"), types.ErrNotFound)).To(BeTrue())
		})

		It("will refuse to unlink a link that is in use", func() {
			Expect(c.Link("s1", "d1")).To(Succeed())
			guard.linksInUse["s1->d1"] = true

			Expect(errors.Is(c.Unlink("s1", "d1"), types.ErrInUse)).To(BeTrue())

			guard.linksInUse["s1->d1"] = false
			Expect(c.Unlink("s1", "d1")).To(Succeed())
			Expect(errors.Is(c.Unlink("s1", "d1"), types.ErrNotFound)).To(BeTrue())
		})

		It("will report the active entities and the topology", func() {
			Expect(c.Link("s1", "d2")).To(Succeed())
			Expect(c.Link("s2", "d2")).To(Succeed())

			Expect(ids(c.ActiveStorages())).To(Equal([]string{"s1", "s2"}))
			Expect(ids(c.ActiveDTNs())).To(Equal([]string{"d2"}))

			topology := c.Topology()
			Expect(topology).To(HaveLen(1))
			Expect(topology[0].DTN).To(Equal("d2"))
			Expect(topology[0].Storages).To(Equal([]string{"s1", "s2"}))

			Expect(c.Links()).To(Equal([]catalog.Link{{Storage: "s1", DTN: "d2"}, {Storage: "s2", DTN: "d2"}}))
		})
	})

	Context("Deregistration", func() {
		BeforeEach(func() {
			Expect(c.RegisterStorage(mustStorage("s1", catalog.LocalStorage))).To(Succeed())
			Expect(c.RegisterDTN(mustDTN("d1"))).To(Succeed())
			Expect(c.Link("s1", "d1")).To(Succeed())
		})

		It("will refuse to deregister an entity with active reservations", func() {
			guard.inUse["d1"] = true

			err := c.DeregisterDTN("d1")
			Expect(errors.Is(err, types.ErrInUse)).To(BeTrue())

			_, err = c.GetDTN("d1")
			Expect(err).To(BeNil())
			Expect(c.Links()).To(HaveLen(1))
		})

		It("will remove the entity and its links", func() {
			Expect(c.DeregisterStorage("s1")).To(Succeed())
			Expect(guard.retireCalls).To(Equal([]string{"s1"}))

			_, err := c.GetStorage("s1")
			Expect(errors.Is(err, types.ErrNotFound)).To(BeTrue())
			Expect(c.Links()).To(BeEmpty())
			Expect(c.ActiveDTNs()).To(BeEmpty())

			Expect(errors.Is(c.DeregisterStorage("s1"), types.ErrNotFound)).To(BeTrue())
		})
	})

	Context("Loading", func() {
		It("will load a seed and skip maps that reference unknown entities", func() {
			seed, err := catalog.ParseSeed([]byte(`
storages:
  - { id: s-bde3, name: storage-local-bde3, type: local, used_read_bw: 5000, used_write_bw: 2000, max_read_bw: 100000, max_write_bw: 800000 }
  - { id: s-bde5, name: storage-remote-bde5, type: remote, max_read_bw: 100000, max_write_bw: 800000 }
dtns:
  - { host: bde3.fnal.gov, bwin: 10000, bwout: 10000 }
  - { host: bde-hp5.fnal.gov, bwin: 10000, bwout: 10000 }
sdmaps:
  - { storage: s-bde3, dtn: bde3.fnal.gov }
  - { storage: s-bde5, dtn: bde-hp5.fnal.gov }
  - { storage: s-bde9, dtn: bde3.fnal.gov }
`))
			Expect(err).To(BeNil())

			Expect(c.Load(context.Background(), seed)).To(Succeed())
			Expect(c.Storages()).To(HaveLen(2))
			Expect(ids(c.DTNs())).To(Equal([]string{"bde3.fnal.gov", "bde-hp5.fnal.gov"}))
			Expect(c.Links()).To(HaveLen(2))

			storage, err := c.GetStorage("s-bde3")
			Expect(err).To(BeNil())
			Expect(storage.UsedWriteBW.IntPart()).To(Equal(int64(2000)))
			Expect(storage.MaxWriteBW.IntPart()).To(Equal(int64(800000)))
		})

		It("will reject a seed containing an invalid storage", func() {
			_, err := catalog.ParseSeed([]byte(`
storages:
  - { id: bad, type: tape, max_read_bw: 1, max_write_bw: 1 }
`))
			Expect(errors.Is(err, catalog.ErrUnknownKind)).To(BeTrue())
		})
	})
})
