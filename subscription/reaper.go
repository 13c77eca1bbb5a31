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

package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/storage"
	"github.com/apex/log"
)

// ConnectionReaper removes every registry record owned by one connection: the
// connection record itself, plus all subscription records and their filter-indexed
// copies.
//
// Reaping is idempotent. It runs on explicit disconnect and again whenever a push
// reports the connection gone, so reaping an already-reaped connection must succeed.
type ConnectionReaper interface {
	// Reap remove all registry records owned by a connection
	Reap(ctxt context.Context, connectionID string) error
}

// reaperImpl implements ConnectionReaper
type reaperImpl struct {
	common.Component
	store  storage.KeyValueStore
	config Config
}

// DefineConnectionReaper create new connection reaper
func DefineConnectionReaper(
	store storage.KeyValueStore, config Config,
) (ConnectionReaper, error) {
	logTags := log.Fields{"module": "subscription", "component": "connection-reaper"}
	return &reaperImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		config:    config,
	}, nil
}

// Reap remove all registry records owned by a connection
func (r *reaperImpl) Reap(ctxt context.Context, connectionID string) error {
	// Everything the connection owns lives in its one partition
	items, err := r.store.Query(ctxt, ConnectionPartitionKey(connectionID), "")
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to enumerate records of connection %s", connectionID,
		)
		return err
	}

	wg := sync.WaitGroup{}
	lclMutex := sync.Mutex{}
	errs := []error{}
	recordFailure := func(err error) {
		lclMutex.Lock()
		defer lclMutex.Unlock()
		errs = append(errs, err)
	}

	for _, item := range items {
		var probe recordKindProbe
		if err := common.UnmarshalJSON(item.Value, &probe); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Dropping malformed record %s %s", item.PartitionKey, item.SortKey,
			)
			continue
		}
		switch probe.Kind {
		case RecordKindConnection:
			wg.Add(1)
			go func(item storage.StoredItem) {
				defer wg.Done()
				if err := r.store.Delete(ctxt, item.PartitionKey, item.SortKey); err != nil {
					recordFailure(err)
				}
			}(item)
		case RecordKindSubscription:
			var record SubscriptionRecord
			if err := record.Scan(item.Value); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Dropping malformed subscription record %s %s", item.PartitionKey, item.SortKey,
				)
				continue
			}
			wg.Add(1)
			go func(record SubscriptionRecord) {
				defer wg.Done()
				if err := deleteSubscriptionCopies(
					ctxt, r.store, r.config, r.LogTags, record,
				); err != nil {
					recordFailure(err)
				}
			}(record)
		default:
			log.WithFields(r.LogTags).Errorf(
				"Skipping record %s %s of unknown kind '%s'",
				item.PartitionKey, item.SortKey, probe.Kind,
			)
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		log.WithFields(r.LogTags).Errorf(
			"Reaping connection %s left %d records behind", connectionID, len(errs),
		)
		return fmt.Errorf("failed to reap %d records of connection %s", len(errs), connectionID)
	}
	log.WithFields(r.LogTags).Infof(
		"Reaped connection %s covering %d records", connectionID, len(items),
	)
	return nil
}
