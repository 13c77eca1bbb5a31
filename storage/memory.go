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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/apex/log"
)

// inMemoryStorage single-process KeyValueStore for unit tests and local development
type inMemoryStorage struct {
	common.Component
	// partitions maps partition key to sort key to record
	partitions map[string]map[string]StoredItem
	lclMutex   sync.RWMutex
	sweeper    common.IntervalTimer
}

// CreateInMemoryStorage define an in-memory storage driver
func CreateInMemoryStorage() KeyValueStore {
	logTags := log.Fields{"module": "storage", "component": "in-memory"}
	return &inMemoryStorage{
		Component:  common.Component{LogTags: logTags},
		partitions: make(map[string]map[string]StoredItem),
	}
}

// CreateInMemoryStorageWithSweep define an in-memory storage driver which also
// periodically drops expired records, mirroring the store-native TTL reaper of the
// production driver
func CreateInMemoryStorageWithSweep(
	ctxt context.Context, wg *sync.WaitGroup, sweepInterval time.Duration,
) (KeyValueStore, error) {
	instance := CreateInMemoryStorage().(*inMemoryStorage)
	sweeper, err := common.GetIntervalTimerInstance("storage-expiry", ctxt, wg)
	if err != nil {
		return nil, err
	}
	instance.sweeper = sweeper
	if err := sweeper.Start(sweepInterval, instance.sweepExpired, false); err != nil {
		return nil, err
	}
	return instance, nil
}

// Put upsert a record
func (d *inMemoryStorage) Put(ctxt context.Context, item StoredItem) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	partition, ok := d.partitions[item.PartitionKey]
	if !ok {
		partition = make(map[string]StoredItem)
		d.partitions[item.PartitionKey] = partition
	}
	partition[item.SortKey] = item
	log.WithFields(d.LogTags).Debugf("PUT %s %s", item.PartitionKey, item.SortKey)
	return nil
}

// Query fetch all records in a partition whose sort key begins with a prefix
func (d *inMemoryStorage) Query(
	ctxt context.Context, partitionKey string, sortKeyPrefix string,
) ([]StoredItem, error) {
	d.lclMutex.RLock()
	defer d.lclMutex.RUnlock()
	results := []StoredItem{}
	now := time.Now()
	for sortKey, item := range d.partitions[partitionKey] {
		if !strings.HasPrefix(sortKey, sortKeyPrefix) {
			continue
		}
		// Expired records are invisible even before the sweep catches them
		if !item.ExpireAt.IsZero() && item.ExpireAt.Before(now) {
			continue
		}
		results = append(results, item)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SortKey < results[j].SortKey
	})
	return results, nil
}

// Delete remove one record. Not an error if the record is already absent.
func (d *inMemoryStorage) Delete(
	ctxt context.Context, partitionKey string, sortKey string,
) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	partition, ok := d.partitions[partitionKey]
	if !ok {
		return nil
	}
	delete(partition, sortKey)
	if len(partition) == 0 {
		delete(d.partitions, partitionKey)
	}
	log.WithFields(d.LogTags).Debugf("DELETE %s %s", partitionKey, sortKey)
	return nil
}

// sweepExpired drop all expired records
func (d *inMemoryStorage) sweepExpired() error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	now := time.Now()
	removed := 0
	for partitionKey, partition := range d.partitions {
		for sortKey, item := range partition {
			if !item.ExpireAt.IsZero() && item.ExpireAt.Before(now) {
				delete(partition, sortKey)
				removed++
			}
		}
		if len(partition) == 0 {
			delete(d.partitions, partitionKey)
		}
	}
	if removed > 0 {
		log.WithFields(d.LogTags).Infof("Expiry sweep removed %d records", removed)
	}
	return nil
}

// Ready verify the store is reachable
func (d *inMemoryStorage) Ready(ctxt context.Context) error {
	return nil
}

// Close release the store driver
func (d *inMemoryStorage) Close() error {
	if d.sweeper != nil {
		return d.sweeper.Stop()
	}
	return nil
}
