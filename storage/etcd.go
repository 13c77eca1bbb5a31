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
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/apex/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// keySeparator joins partition and sort key into one etcd key. Neither key segment
// may contain it.
const keySeparator = "/"

// etcdBackedStorage driver for using etcd as the registry record store
type etcdBackedStorage struct {
	common.Component
	client *clientv3.Client
}

// CreateEtcdBackedStorage define an etcd backed storage driver
func CreateEtcdBackedStorage(servers []string, dialTimeout time.Duration) (KeyValueStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   servers,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", servers)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "etcd-backed"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", servers)
	return &etcdBackedStorage{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// buildRecordKey combine partition and sort key into the etcd key
func buildRecordKey(partitionKey, sortKey string) (string, error) {
	if strings.Contains(partitionKey, keySeparator) {
		return "", fmt.Errorf("partition key '%s' contains reserved separator", partitionKey)
	}
	return fmt.Sprintf("%s%s%s", partitionKey, keySeparator, sortKey), nil
}

// Put upsert a record
func (d *etcdBackedStorage) Put(ctxt context.Context, item StoredItem) error {
	key, err := buildRecordKey(item.PartitionKey, item.SortKey)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to build record key")
		return err
	}
	opts := []clientv3.OpOption{}
	// Expiry rides on an etcd lease. The store reaps the record when the lease runs
	// out; explicit deletes remain the primary cleanup path.
	if !item.ExpireAt.IsZero() {
		ttl := int64(time.Until(item.ExpireAt).Seconds())
		if ttl < 1 {
			ttl = 1
		}
		lease, err := d.client.Grant(ctxt, ttl)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to grant lease for %s", key)
			return err
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	resp, err := d.client.Put(ctxt, key, string(item.Value), opts...)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to PUT %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("PUT %s@%d", key, resp.Header.Revision)
	return nil
}

// Query fetch all records in a partition whose sort key begins with a prefix
func (d *etcdBackedStorage) Query(
	ctxt context.Context, partitionKey string, sortKeyPrefix string,
) ([]StoredItem, error) {
	queryKey, err := buildRecordKey(partitionKey, sortKeyPrefix)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to build query key")
		return nil, err
	}
	resp, err := d.client.Get(
		ctxt,
		queryKey,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to QUERY %s", queryKey)
		return nil, err
	}
	results := make([]StoredItem, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		storedKey := string(kv.Key)
		sepAt := strings.Index(storedKey, keySeparator)
		if sepAt < 0 {
			log.WithFields(d.LogTags).Errorf("Dropping malformed record key %s", storedKey)
			continue
		}
		results = append(results, StoredItem{
			PartitionKey: storedKey[:sepAt],
			SortKey:      storedKey[sepAt+1:],
			Value:        kv.Value,
		})
	}
	log.WithFields(d.LogTags).Debugf("QUERY %s returned %d records", queryKey, len(results))
	return results, nil
}

// Delete remove one record. Not an error if the record is already absent.
func (d *etcdBackedStorage) Delete(
	ctxt context.Context, partitionKey string, sortKey string,
) error {
	key, err := buildRecordKey(partitionKey, sortKey)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to build record key")
		return err
	}
	resp, err := d.client.Delete(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("DELETE %s removed %d records", key, resp.Deleted)
	return nil
}

// Ready verify the store is reachable
func (d *etcdBackedStorage) Ready(ctxt context.Context) error {
	if _, err := d.client.Get(ctxt, "ready-probe", clientv3.WithCountOnly()); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Store not ready")
		return err
	}
	return nil
}

// Close close etcd storage driver
func (d *etcdBackedStorage) Close() error {
	if err := d.client.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}
