package store

import (
	"context"
	"errors"
	"fmt"
)

const (
	StorageCollection Collection = "storage"
	DTNCollection     Collection = "dtn"
	SDMapCollection   Collection = "sdmap"
	RawJobCollection  Collection = "rawjob"
	SubJobCollection  Collection = "sjob"
	BlockCollection   Collection = "block"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrMissingId         = errors.New("document id is required")

	// Collections lists every collection of the document store.
	Collections = []Collection{StorageCollection, DTNCollection, SDMapCollection, RawJobCollection,
		SubJobCollection, BlockCollection}

	// JobCollections are the collections holding job records.
	JobCollections = []Collection{RawJobCollection, SubJobCollection, BlockCollection}
)

// Collection is the name of a set of documents of the same type.
type Collection string

func (c Collection) String() string {
	return string(c)
}

// Validate returns ErrUnknownCollection if c is not one of Collections.
func (c Collection) Validate() error {
	for _, known := range Collections {
		if c == known {
			return nil
		}
	}

	return fmt.Errorf("%w: \"%s\"", ErrUnknownCollection, c)
}

//go:generate mockgen -source=store.go -destination=mock_store/mock_store.go -package=mock_store

// DocumentStore persists JSON documents, keyed by id, in named collections.
//
// Errors wrap types.ErrNotFound and types.ErrConflict where documented.
type DocumentStore interface {
	Connect(ctx context.Context) error

	Close() error

	// Find returns the document with the given id, or an error wrapping types.ErrNotFound.
	Find(ctx context.Context, collection Collection, id string) ([]byte, error)

	// List returns every document of the collection, ordered by id.
	List(ctx context.Context, collection Collection) ([][]byte, error)

	// Insert adds a document, or returns an error wrapping types.ErrConflict if the id is taken.
	Insert(ctx context.Context, collection Collection, id string, document []byte) error

	// Update replaces an existing document, or returns an error wrapping types.ErrNotFound.
	Update(ctx context.Context, collection Collection, id string, document []byte) error

	// Put inserts or replaces a document.
	Put(ctx context.Context, collection Collection, id string, document []byte) error

	// Remove deletes a document, or returns an error wrapping types.ErrNotFound.
	Remove(ctx context.Context, collection Collection, id string) error

	// Clear deletes every document of the collection.
	Clear(ctx context.Context, collection Collection) error
}

func checkKey(collection Collection, id string) error {
	if err := collection.Validate(); err != nil {
		return err
	}

	if id == "" {
		return ErrMissingId
	}

	return nil
}
