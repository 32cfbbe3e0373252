package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

// UsageGuard is consulted before an entity or a link is removed from the Catalog.
//
// The bandwidth ledger implements UsageGuard. Retire must atomically verify that the entity has no active
// reservations and prevent any further reservations against it.
type UsageGuard interface {
	Retire(entityId string) error
	LinkInUse(storageId string, dtnId string) bool
}

// Source provides the documents from which a Catalog is (re)constructed.
type Source interface {
	ListStorages(ctx context.Context) ([]*Storage, error)
	ListDTNs(ctx context.Context) ([]*DTN, error)
	ListLinks(ctx context.Context) ([]Link, error)
}

// Catalog is the registry of Storage and DTN entities and of the links between them.
//
// Registration order is preserved; CandidateDTNs returns DTNs in the order in which they were registered.
type Catalog struct {
	mu sync.RWMutex

	log logger.Logger

	storages *orderedmap.OrderedMap[string, *Storage]
	dtns     *orderedmap.OrderedMap[string, *DTN]

	// links maps storage ID -> set of linked DTN IDs.
	links map[string]map[string]struct{}

	// linkOrder preserves the order in which links were created, for listing.
	linkOrder *orderedmap.OrderedMap[string, Link]

	guard UsageGuard
}

// New creates a new, empty Catalog and returns a pointer to it.
func New() *Catalog {
	c := &Catalog{
		storages:  orderedmap.NewOrderedMap[string, *Storage](),
		dtns:      orderedmap.NewOrderedMap[string, *DTN](),
		links:     make(map[string]map[string]struct{}),
		linkOrder: orderedmap.NewOrderedMap[string, Link](),
	}

	config.InitLogger(&c.log, c)

	return c
}

// SetUsageGuard installs the UsageGuard consulted by Unlink and Deregister.
func (c *Catalog) SetUsageGuard(guard UsageGuard) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.guard = guard
}

// RegisterStorage adds the given Storage to the Catalog.
func (c *Catalog) RegisterStorage(storage *Storage) error {
	if storage == nil {
		return fmt.Errorf("%w: nil storage", ErrMissingId)
	}

	if err := storage.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exists(storage.Id) {
		return fmt.Errorf("%w: %s", types.ErrConflict, storage.Id)
	}

	c.storages.Set(storage.Id, storage.Clone())
	c.log.Debug("Registered storage %s (%s).", storage.Id, storage.Name)

	return nil
}

// RegisterDTN adds the given DTN to the Catalog.
func (c *Catalog) RegisterDTN(dtn *DTN) error {
	if dtn == nil {
		return fmt.Errorf("%w: nil DTN", ErrMissingId)
	}

	if err := dtn.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exists(dtn.Id) {
		return fmt.Errorf("%w: %s", types.ErrConflict, dtn.Id)
	}

	c.dtns.Set(dtn.Id, dtn.Clone())
	c.log.Debug("Registered DTN %s (%s).", dtn.Id, dtn.Host)

	return nil
}

// exists returns true if any entity (Storage or DTN) is registered under the given id.
//
// exists is not thread-safe.
func (c *Catalog) exists(id string) bool {
	if _, loaded := c.storages.Get(id); loaded {
		return true
	}

	_, loaded := c.dtns.Get(id)
	return loaded
}

// Link records that the specified DTN can serve the specified Storage.
func (c *Catalog) Link(storageId string, dtnId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, loaded := c.storages.Get(storageId); !loaded {
		return fmt.Errorf("%w: storage %s", types.ErrNotFound, storageId)
	}

	if _, loaded := c.dtns.Get(dtnId); !loaded {
		return fmt.Errorf("%w: DTN %s", types.ErrNotFound, dtnId)
	}

	linked, ok := c.links[storageId]
	if !ok {
		linked = make(map[string]struct{})
		c.links[storageId] = linked
	}

	if _, ok = linked[dtnId]; ok {
		return fmt.Errorf("%w: link %s -> %s", types.ErrConflict, storageId, dtnId)
	}

	linked[dtnId] = struct{}{}

	link := Link{Storage: storageId, DTN: dtnId}
	c.linkOrder.Set(link.Key(), link)

	c.log.Debug("Storage %s -> DTN %s map added.", storageId, dtnId)
	return nil
}

// Unlink removes the link between the specified Storage and DTN.
func (c *Catalog) Unlink(storageId string, dtnId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	linked, ok := c.links[storageId]
	if !ok {
		return fmt.Errorf("%w: link %s -> %s", types.ErrNotFound, storageId, dtnId)
	}

	if _, ok = linked[dtnId]; !ok {
		return fmt.Errorf("%w: link %s -> %s", types.ErrNotFound, storageId, dtnId)
	}

	if c.guard != nil && c.guard.LinkInUse(storageId, dtnId) {
		return fmt.Errorf("%w: link %s -> %s", types.ErrInUse, storageId, dtnId)
	}

	c.removeLink(storageId, dtnId)
	return nil
}

// removeLink is not thread-safe.
func (c *Catalog) removeLink(storageId string, dtnId string) {
	linked, ok := c.links[storageId]
	if !ok {
		return
	}

	delete(linked, dtnId)
	if len(linked) == 0 {
		delete(c.links, storageId)
	}

	c.linkOrder.Delete(Link{Storage: storageId, DTN: dtnId}.Key())
}

// DeregisterStorage removes the specified Storage and all of its links.
func (c *Catalog) DeregisterStorage(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, loaded := c.storages.Get(id); !loaded {
		return fmt.Errorf("%w: storage %s", types.ErrNotFound, id)
	}

	if err := c.retire(id); err != nil {
		return err
	}

	for dtnId := range c.links[id] {
		c.removeLink(id, dtnId)
	}

	c.storages.Delete(id)
	c.log.Debug("Deregistered storage %s.", id)

	return nil
}

// DeregisterDTN removes the specified DTN and all of its links.
func (c *Catalog) DeregisterDTN(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, loaded := c.dtns.Get(id); !loaded {
		return fmt.Errorf("%w: DTN %s", types.ErrNotFound, id)
	}

	if err := c.retire(id); err != nil {
		return err
	}

	for storageId, linked := range c.links {
		if _, ok := linked[id]; ok {
			c.removeLink(storageId, id)
		}
	}

	c.dtns.Delete(id)
	c.log.Debug("Deregistered DTN %s.", id)

	return nil
}

// retire is not thread-safe.
func (c *Catalog) retire(id string) error {
	if c.guard == nil {
		return nil
	}

	if err := c.guard.Retire(id); err != nil {
		return fmt.Errorf("could not deregister %s: %w", id, err)
	}

	return nil
}

// GetStorage returns a copy of the specified Storage.
func (c *Catalog) GetStorage(id string) (*Storage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	storage, loaded := c.storages.Get(id)
	if !loaded {
		return nil, fmt.Errorf("%w: storage %s", types.ErrNotFound, id)
	}

	return storage.Clone(), nil
}

// GetDTN returns a copy of the specified DTN.
func (c *Catalog) GetDTN(id string) (*DTN, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dtn, loaded := c.dtns.Get(id)
	if !loaded {
		return nil, fmt.Errorf("%w: DTN %s", types.ErrNotFound, id)
	}

	return dtn.Clone(), nil
}

// View invokes fn with the registered entity while holding the Catalog's read lock, so that the entity
// cannot be deregistered until fn returns. Exactly one of storage and dtn is non-nil.
//
// fn must not call back into the Catalog's mutating methods.
func (c *Catalog) View(id string, fn func(storage *Storage, dtn *DTN) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if storage, loaded := c.storages.Get(id); loaded {
		return fn(storage.Clone(), nil)
	}

	if dtn, loaded := c.dtns.Get(id); loaded {
		return fn(nil, dtn.Clone())
	}

	return fmt.Errorf("%w: %s", types.ErrNotFound, id)
}

// CandidateDTNs returns all DTNs linked to the specified Storage, in DTN registration order.
func (c *Catalog) CandidateDTNs(storageId string) ([]*DTN, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, loaded := c.storages.Get(storageId); !loaded {
		return nil, fmt.Errorf("%w: storage %s", types.ErrNotFound, storageId)
	}

	linked := c.links[storageId]
	candidates := make([]*DTN, 0, len(linked))
	for el := c.dtns.Front(); el != nil; el = el.Next() {
		if _, ok := linked[el.Key]; ok {
			candidates = append(candidates, el.Value.Clone())
		}
	}

	return candidates, nil
}

// Storages returns copies of all registered storages in registration order.
func (c *Catalog) Storages() []*Storage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	storages := make([]*Storage, 0, c.storages.Len())
	for el := c.storages.Front(); el != nil; el = el.Next() {
		storages = append(storages, el.Value.Clone())
	}

	return storages
}

// DTNs returns copies of all registered DTNs in registration order.
func (c *Catalog) DTNs() []*DTN {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dtns := make([]*DTN, 0, c.dtns.Len())
	for el := c.dtns.Front(); el != nil; el = el.Next() {
		dtns = append(dtns, el.Value.Clone())
	}

	return dtns
}

// StorageIds returns the ids of all registered storages in registration order.
func (c *Catalog) StorageIds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, c.storages.Len())
	for el := c.storages.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Key)
	}

	return ids
}

// DTNIds returns the ids of all registered DTNs in registration order.
func (c *Catalog) DTNIds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, c.dtns.Len())
	for el := c.dtns.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Key)
	}

	return ids
}

// Links returns all links in the order in which they were created.
func (c *Catalog) Links() []Link {
	c.mu.RLock()
	defer c.mu.RUnlock()

	links := make([]Link, 0, c.linkOrder.Len())
	for el := c.linkOrder.Front(); el != nil; el = el.Next() {
		links = append(links, el.Value)
	}

	return links
}

// ActiveStorages returns the storages that are linked to at least one DTN.
// Isolated storages cannot take part in any transfer.
func (c *Catalog) ActiveStorages() []*Storage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	storages := make([]*Storage, 0, len(c.links))
	for el := c.storages.Front(); el != nil; el = el.Next() {
		if len(c.links[el.Key]) > 0 {
			storages = append(storages, el.Value.Clone())
		}
	}

	return storages
}

// ActiveDTNs returns the DTNs that serve at least one storage.
func (c *Catalog) ActiveDTNs() []*DTN {
	c.mu.RLock()
	defer c.mu.RUnlock()

	served := make(map[string]struct{})
	for _, linked := range c.links {
		for dtnId := range linked {
			served[dtnId] = struct{}{}
		}
	}

	dtns := make([]*DTN, 0, len(served))
	for el := c.dtns.Front(); el != nil; el = el.Next() {
		if _, ok := served[el.Key]; ok {
			dtns = append(dtns, el.Value.Clone())
		}
	}

	return dtns
}

// TopologyEntry lists the storages served by a single active DTN.
type TopologyEntry struct {
	DTN      string   `json:"id"`
	Host     string   `json:"label"`
	Storages []string `json:"ls"`
}

// Topology returns, for every active DTN, the storages it serves (in storage registration order).
func (c *Catalog) Topology() []TopologyEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topology := make([]TopologyEntry, 0, c.dtns.Len())
	for dtnEl := c.dtns.Front(); dtnEl != nil; dtnEl = dtnEl.Next() {
		entry := TopologyEntry{DTN: dtnEl.Key, Host: dtnEl.Value.Host}

		for storageEl := c.storages.Front(); storageEl != nil; storageEl = storageEl.Next() {
			if _, ok := c.links[storageEl.Key][dtnEl.Key]; ok {
				entry.Storages = append(entry.Storages, storageEl.Key)
			}
		}

		if len(entry.Storages) > 0 {
			topology = append(topology, entry)
		}
	}

	return topology
}

// Load registers every storage, DTN and link provided by the given Source.
//
// Entities that are already registered are reported as conflicts and skipped. Links referencing unknown
// entities are logged and skipped rather than aborting the whole load.
func (c *Catalog) Load(ctx context.Context, source Source) error {
	storages, err := source.ListStorages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list storages: %w", err)
	}

	for _, storage := range storages {
		if err = c.RegisterStorage(storage); err != nil {
			c.log.Warn("Failed to register storage %s: %v", storage.Id, err)
			continue
		}
	}

	c.log.Info("%d storage nodes created.", len(storages))

	dtns, err := source.ListDTNs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list DTNs: %w", err)
	}

	for _, dtn := range dtns {
		if err = c.RegisterDTN(dtn); err != nil {
			c.log.Warn("Failed to register DTN %s: %v", dtn.Id, err)
			continue
		}
	}

	c.log.Info("%d DTN nodes created.", len(dtns))

	links, err := source.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list storage to DTN maps: %w", err)
	}

	for _, link := range links {
		if err = c.Link(link.Storage, link.DTN); err != nil {
			c.log.Warn("Fail to add storage to DTN map %s -> %s: %v", link.Storage, link.DTN, err)
		}
	}

	c.log.Info("%d storage to DTN maps created.", len(links))
	return nil
}
