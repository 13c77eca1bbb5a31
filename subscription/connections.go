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
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/storage"
	"github.com/apex/log"
)

// ConnectionStore tracks live connections in the registry store
type ConnectionStore interface {
	// Put record a new live connection. Repeated puts with the same ID overwrite.
	Put(ctxt context.Context, connectionID string) error
	// Delete remove a connection record. Not an error if already absent.
	Delete(ctxt context.Context, connectionID string) error
}

// connectionStoreImpl implements ConnectionStore
type connectionStoreImpl struct {
	common.Component
	store     storage.KeyValueStore
	recordTTL time.Duration
}

// DefineConnectionStore create new connection store
func DefineConnectionStore(
	store storage.KeyValueStore, recordTTL time.Duration,
) (ConnectionStore, error) {
	logTags := log.Fields{"module": "subscription", "component": "connection-store"}
	return &connectionStoreImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		recordTTL: recordTTL,
	}, nil
}

// Put record a new live connection
func (s *connectionStoreImpl) Put(ctxt context.Context, connectionID string) error {
	expireAt := time.Now().Add(s.recordTTL)
	record := ConnectionRecord{
		Kind:         RecordKindConnection,
		ConnectionID: connectionID,
		ExpireAt:     expireAt.Unix(),
	}
	serialized, err := record.Value()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to serialize connection record %s", connectionID,
		)
		return err
	}
	if err := s.store.Put(ctxt, storage.StoredItem{
		PartitionKey: ConnectionPartitionKey(connectionID),
		SortKey:      ConnectionSortKey(connectionID),
		Value:        serialized.([]byte),
		ExpireAt:     expireAt,
	}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to record connection %s", connectionID,
		)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Recorded connection %s", connectionID)
	return nil
}

// Delete remove a connection record
func (s *connectionStoreImpl) Delete(ctxt context.Context, connectionID string) error {
	if err := s.store.Delete(
		ctxt, ConnectionPartitionKey(connectionID), ConnectionSortKey(connectionID),
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to remove connection record %s", connectionID,
		)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Removed connection record %s", connectionID)
	return nil
}
