package daemon

import (
	"context"

	"github.com/bashirmohd/bigdataexpress-C/common/catalog"
)

// The following operations modify the site catalog and persist the modification.
// Capacity changes trigger a scheduling pass.

func (c *Coordinator) RegisterStorage(ctx context.Context, storage *catalog.Storage) error {
	if err := c.catalog.RegisterStorage(storage); err != nil {
		return err
	}

	if err := c.repository.SaveStorage(ctx, storage); err != nil {
		return err
	}

	notify(c.released)
	return nil
}

func (c *Coordinator) RegisterDTN(ctx context.Context, dtn *catalog.DTN) error {
	if err := c.catalog.RegisterDTN(dtn); err != nil {
		return err
	}

	if err := c.repository.SaveDTN(ctx, dtn); err != nil {
		return err
	}

	notify(c.released)
	return nil
}

func (c *Coordinator) Link(ctx context.Context, storageId string, dtnId string) error {
	if err := c.catalog.Link(storageId, dtnId); err != nil {
		return err
	}

	if err := c.repository.SaveLink(ctx, catalog.Link{Storage: storageId, DTN: dtnId}); err != nil {
		return err
	}

	notify(c.released)
	return nil
}

func (c *Coordinator) Unlink(ctx context.Context, storageId string, dtnId string) error {
	if err := c.catalog.Unlink(storageId, dtnId); err != nil {
		return err
	}

	return c.repository.RemoveLink(ctx, catalog.Link{Storage: storageId, DTN: dtnId})
}

// DeregisterStorage removes a storage and its links. It fails with types.ErrInUse while reservations are held
// against the storage.
func (c *Coordinator) DeregisterStorage(ctx context.Context, storageId string) error {
	links := c.linksOf(func(link catalog.Link) bool { return link.Storage == storageId })

	if err := c.catalog.DeregisterStorage(storageId); err != nil {
		return err
	}

	for _, link := range links {
		if err := c.repository.RemoveLink(ctx, link); err != nil {
			c.log.Warn("Failed to remove persisted %s: %v", link.String(), err)
		}
	}

	return c.repository.RemoveStorage(ctx, storageId)
}

// DeregisterDTN removes a DTN and its links. It fails with types.ErrInUse while reservations are held
// against the DTN.
func (c *Coordinator) DeregisterDTN(ctx context.Context, dtnId string) error {
	links := c.linksOf(func(link catalog.Link) bool { return link.DTN == dtnId })

	if err := c.catalog.DeregisterDTN(dtnId); err != nil {
		return err
	}

	for _, link := range links {
		if err := c.repository.RemoveLink(ctx, link); err != nil {
			c.log.Warn("Failed to remove persisted %s: %v", link.String(), err)
		}
	}

	return c.repository.RemoveDTN(ctx, dtnId)
}

func (c *Coordinator) linksOf(predicate func(link catalog.Link) bool) []catalog.Link {
	var links []catalog.Link
	for _, link := range c.catalog.Links() {
		if predicate(link) {
			links = append(links, link)
		}
	}

	return links
}
