// Package tablestore is the boundary to the durable keyed store. Rows are
// addressed by (partition key, row key) and carry an opaque JSON payload;
// domain packages own the payload shape for their partitions.
package tablestore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no row exists at the requested key.
	ErrNotFound = errors.New("entity not found")
	// ErrExists indicates a strict insert hit an occupied key.
	ErrExists = errors.New("entity already exists")
)

// Entity is one stored row.
type Entity struct {
	PartitionKey string    `json:"partition_key"`
	RowKey       string    `json:"row_key"`
	Data         []byte    `json:"data"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store provides point and partition-scoped access to entities. All writes are
// atomic per key; no cross-key transactions are offered or required.
type Store interface {
	// Retrieve returns the entity at the key or ErrNotFound.
	Retrieve(ctx context.Context, partitionKey, rowKey string) (Entity, error)
	// Upsert inserts or replaces the entity at its key.
	Upsert(ctx context.Context, e Entity) error
	// Insert writes the entity only if the key is free, else ErrExists.
	Insert(ctx context.Context, e Entity) error
	// Delete removes the row at the key. Deleting a missing row is not an error.
	Delete(ctx context.Context, partitionKey, rowKey string) error
	// Query returns every entity in the partition. Order is store-determined.
	Query(ctx context.Context, partitionKey string) ([]Entity, error)
}
