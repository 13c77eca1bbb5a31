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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/storage"
	"github.com/apex/log"
)

// QueryFilter publish-time filter values for matching subscriptions. Input and Ctx
// may carry partial values; matching ranges over all records whose encoded key
// begins with the resulting prefix.
type QueryFilter struct {
	// Name is the declared filter name
	Name string `json:"name" validate:"required"`
	// Input are the input field values to match on
	Input map[string]interface{} `json:"input,omitempty"`
	// Ctx are the context field values to match on
	Ctx map[string]interface{} `json:"ctx,omitempty"`
}

// SubscriptionRegistry tracks subscriptions in the registry store.
//
// Each logical subscription is stored once keyed by its owning connection, and once
// per declared topic filter keyed by topic plus encoded filter values (or once with
// no filter encoding when the topic declares none).
type SubscriptionRegistry interface {
	// Create record a new subscription
	Create(
		ctxt context.Context,
		topic string,
		subscriptionID string,
		connectionID string,
		input json.RawMessage,
		sessionCtx json.RawMessage,
	) error
	// Delete remove a subscription and all its filter-indexed copies
	Delete(ctxt context.Context, connectionID string, subscriptionID string) error
	// Query fetch all subscriptions on a topic matching the filter values. A nil
	// filter matches every subscription on the topic.
	Query(ctxt context.Context, topic string, filter *QueryFilter) ([]SubscriptionRecord, error)
}

// registryImpl implements SubscriptionRegistry
type registryImpl struct {
	common.Component
	store     storage.KeyValueStore
	config    Config
	recordTTL time.Duration
}

// DefineSubscriptionRegistry create new subscription registry
func DefineSubscriptionRegistry(
	store storage.KeyValueStore, config Config, recordTTL time.Duration,
) (SubscriptionRegistry, error) {
	logTags := log.Fields{"module": "subscription", "component": "registry"}
	return &registryImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		config:    config,
		recordTTL: recordTTL,
	}, nil
}

// Create record a new subscription
func (r *registryImpl) Create(
	ctxt context.Context,
	topic string,
	subscriptionID string,
	connectionID string,
	input json.RawMessage,
	sessionCtx json.RawMessage,
) error {
	expireAt := time.Now().Add(r.recordTTL)
	record := SubscriptionRecord{
		Kind:         RecordKindSubscription,
		Topic:        topic,
		Input:        input,
		SessionCtx:   sessionCtx,
		ID:           subscriptionID,
		ConnectionID: connectionID,
		ExpireAt:     expireAt.Unix(),
	}
	serialized, err := record.Value()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize subscription %s/%s", connectionID, subscriptionID,
		)
		return err
	}
	asBytes := serialized.([]byte)

	// The connection-keyed copy is the canonical one; it anchors cleanup, so it is
	// written first and its failure aborts the create.
	if err := r.store.Put(ctxt, storage.StoredItem{
		PartitionKey: ConnectionPartitionKey(connectionID),
		SortKey:      SubscriptionSortKey(subscriptionID),
		Value:        asBytes,
		ExpireAt:     expireAt,
	}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to record subscription %s/%s", connectionID, subscriptionID,
		)
		return err
	}

	suffix := SubscriptionKeySuffix(connectionID, subscriptionID)
	specs := r.config.TopicFilters(topic)
	if len(specs) == 0 {
		if err := r.store.Put(ctxt, storage.StoredItem{
			PartitionKey: TopicPartitionKey(topic),
			SortKey:      BuildTopicSortKey(nil, input, sessionCtx, suffix),
			Value:        asBytes,
			ExpireAt:     expireAt,
		}); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to index subscription %s/%s on topic %s",
				connectionID, subscriptionID, topic,
			)
			return err
		}
		log.WithFields(r.LogTags).Debugf(
			"Recorded subscription %s/%s on unfiltered topic %s",
			connectionID, subscriptionID, topic,
		)
		return nil
	}

	// One topic-keyed copy per declared filter. The writes are independent; a partial
	// failure leaves the subscription visible under fewer filters, with the
	// connection-keyed copy still anchoring cleanup and record expiry mopping up the
	// strays.
	errs := forEachFilteredCopy(ctxt, specs, record, r.LogTags, func(
		opCtxt context.Context, partitionKey, sortKey string,
	) error {
		return r.store.Put(opCtxt, storage.StoredItem{
			PartitionKey: partitionKey,
			SortKey:      sortKey,
			Value:        asBytes,
			ExpireAt:     expireAt,
		})
	})
	if len(errs) > 0 {
		log.WithFields(r.LogTags).Errorf(
			"Indexed subscription %s/%s on topic %s under %d of %d filters",
			connectionID, subscriptionID, topic, len(specs)-len(errs), len(specs),
		)
		return fmt.Errorf("wrote %d of %d filter copies: %v", len(specs)-len(errs), len(specs), errs[0])
	}
	log.WithFields(r.LogTags).Debugf(
		"Recorded subscription %s/%s on topic %s under %d filters",
		connectionID, subscriptionID, topic, len(specs),
	)
	return nil
}

// Delete remove a subscription and all its filter-indexed copies
func (r *registryImpl) Delete(
	ctxt context.Context, connectionID string, subscriptionID string,
) error {
	// The connection-keyed copy carries the topic and bound values needed to
	// reproduce the filter-indexed keys
	items, err := r.store.Query(
		ctxt, ConnectionPartitionKey(connectionID), SubscriptionSortKey(subscriptionID),
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to look up subscription %s/%s", connectionID, subscriptionID,
		)
		return err
	}
	for _, item := range items {
		if item.SortKey != SubscriptionSortKey(subscriptionID) {
			continue
		}
		var record SubscriptionRecord
		if err := record.Scan(item.Value); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to parse subscription record %s/%s", item.PartitionKey, item.SortKey,
			)
			return err
		}
		if err := deleteSubscriptionCopies(ctxt, r.store, r.config, r.LogTags, record); err != nil {
			return err
		}
	}
	return nil
}

// deleteSubscriptionCopies remove the connection-keyed copy and every topic-keyed
// copy of one subscription. Deleting absent copies is not an error, so repeated
// invocations converge on the same store state. Shared between unsubscribe handling
// and connection reaping.
func deleteSubscriptionCopies(
	ctxt context.Context,
	store storage.KeyValueStore,
	config Config,
	logTags log.Fields,
	record SubscriptionRecord,
) error {
	if err := store.Delete(
		ctxt, ConnectionPartitionKey(record.ConnectionID), SubscriptionSortKey(record.ID),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to remove subscription %s/%s", record.ConnectionID, record.ID,
		)
		return err
	}

	suffix := SubscriptionKeySuffix(record.ConnectionID, record.ID)
	specs := config.TopicFilters(record.Topic)
	if len(specs) == 0 {
		if err := store.Delete(
			ctxt, TopicPartitionKey(record.Topic), BuildTopicSortKey(nil, nil, nil, suffix),
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to deindex subscription %s/%s on topic %s",
				record.ConnectionID, record.ID, record.Topic,
			)
			return err
		}
		return nil
	}

	errs := forEachFilteredCopy(ctxt, specs, record, logTags, func(
		opCtxt context.Context, partitionKey, sortKey string,
	) error {
		return store.Delete(opCtxt, partitionKey, sortKey)
	})
	if len(errs) > 0 {
		return fmt.Errorf(
			"removed %d of %d filter copies: %v", len(specs)-len(errs), len(specs), errs[0],
		)
	}
	log.WithFields(logTags).Debugf(
		"Removed subscription %s/%s from topic %s", record.ConnectionID, record.ID, record.Topic,
	)
	return nil
}

// forEachFilteredCopy run a store operation against every filter-indexed key of one
// subscription. The operations are independent and run concurrently; all of them are
// attempted regardless of individual failures.
func forEachFilteredCopy(
	ctxt context.Context,
	specs []FilterSpec,
	record SubscriptionRecord,
	logTags log.Fields,
	operate func(ctxt context.Context, partitionKey string, sortKey string) error,
) []error {
	suffix := SubscriptionKeySuffix(record.ConnectionID, record.ID)
	partitionKey := TopicPartitionKey(record.Topic)
	wg := sync.WaitGroup{}
	lclMutex := sync.Mutex{}
	errs := []error{}
	for _, spec := range specs {
		wg.Add(1)
		go func(spec FilterSpec) {
			defer wg.Done()
			sortKey := BuildTopicSortKey(&spec, record.Input, record.SessionCtx, suffix)
			if err := operate(ctxt, partitionKey, sortKey); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Store operation failed for %s %s", partitionKey, sortKey,
				)
				lclMutex.Lock()
				errs = append(errs, err)
				lclMutex.Unlock()
			}
		}(spec)
	}
	wg.Wait()
	return errs
}

// Query fetch all subscriptions on a topic matching the filter values
func (r *registryImpl) Query(
	ctxt context.Context, topic string, filter *QueryFilter,
) ([]SubscriptionRecord, error) {
	prefix := ""
	if filter != nil {
		spec, err := r.config.FindTopicFilter(topic, filter.Name)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Can't query topic %s with filter %s", topic, filter.Name,
			)
			return nil, err
		}
		prefix = BuildTopicQueryPrefix(&spec, filter.Input, filter.Ctx)
	}
	items, err := r.store.Query(ctxt, TopicPartitionKey(topic), prefix)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to query topic %s", topic)
		return nil, err
	}
	results := make([]SubscriptionRecord, 0, len(items))
	// An unfiltered query on a multi-filter topic sees every indexed copy; collapse
	// them back to one record per logical subscription
	seen := map[string]bool{}
	for _, item := range items {
		var record SubscriptionRecord
		if err := record.Scan(item.Value); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Dropping malformed subscription record %s %s", item.PartitionKey, item.SortKey,
			)
			continue
		}
		recordKey := fmt.Sprintf("%s/%s", record.ConnectionID, record.ID)
		if seen[recordKey] {
			continue
		}
		seen[recordKey] = true
		results = append(results, record)
	}
	log.WithFields(r.LogTags).Debugf(
		"Query on topic %s prefix '%s' matched %d subscriptions", topic, prefix, len(results),
	)
	return results, nil
}
