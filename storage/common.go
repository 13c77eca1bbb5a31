// Copyright 2024 The wsfanout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"time"
)

// StoredItem one record in the key-value store, addressed by partition and sort key
type StoredItem struct {
	// PartitionKey groups records for single-partition enumeration
	PartitionKey string `validate:"required"`
	// SortKey orders records within a partition; prefix queries range over it
	SortKey string `validate:"required"`
	// Value is the serialized record payload
	Value []byte `validate:"required"`
	// ExpireAt is when the store may garbage collect this record. Zero means no expiry.
	ExpireAt time.Time
}

// KeyValueStore partition/sort-key addressed record store
//
// Writes are idempotent upserts, and deletes are idempotent; deleting an absent record
// is not an error. ExpireAt acts as a backstop garbage collector only; callers must
// still delete records explicitly.
type KeyValueStore interface {
	// Put upsert a record
	Put(ctxt context.Context, item StoredItem) error
	// Query fetch all records in a partition whose sort key begins with a prefix,
	// ordered by sort key. An empty prefix returns the whole partition.
	Query(ctxt context.Context, partitionKey string, sortKeyPrefix string) ([]StoredItem, error)
	// Delete remove one record
	Delete(ctxt context.Context, partitionKey string, sortKey string) error
	// Ready verify the store is reachable
	Ready(ctxt context.Context) error
	// Close release the store driver
	Close() error
}
