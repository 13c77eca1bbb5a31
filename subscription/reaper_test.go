package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alwitt/wsfanout/storage"
	"github.com/stretchr/testify/assert"
)

func TestConnectionStore(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	uut, err := DefineConnectionStore(store, time.Hour)
	assert.Nil(err)
	utCtxt := context.Background()

	// Case 1: record a connection
	{
		assert.Nil(uut.Put(utCtxt, "conn-1"))
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Len(items, 1)
		var record ConnectionRecord
		assert.Nil(record.Scan(items[0].Value))
		assert.Equal(RecordKindConnection, record.Kind)
		assert.Equal("conn-1", record.ConnectionID)
		assert.Greater(record.ExpireAt, time.Now().Unix())
	}

	// Case 2: repeated put overwrites
	{
		assert.Nil(uut.Put(utCtxt, "conn-1"))
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Len(items, 1)
	}

	// Case 3: delete is idempotent
	{
		assert.Nil(uut.Delete(utCtxt, "conn-1"))
		assert.Nil(uut.Delete(utCtxt, "conn-1"))
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Empty(items)
	}
}

func TestConnectionReaper(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	config := NewConfig().WithTopicFilters(
		"orders.changed", FilterSpec{Name: "by-region", InputFields: []string{"region"}},
	).WithTopicFilters("inventory.changed")

	connections, err := DefineConnectionStore(store, time.Hour)
	assert.Nil(err)
	registry, err := DefineSubscriptionRegistry(store, config, time.Hour)
	assert.Nil(err)
	uut, err := DefineConnectionReaper(store, config)
	assert.Nil(err)
	utCtxt := context.Background()

	// Connection with subscriptions on both topics
	assert.Nil(connections.Put(utCtxt, "conn-1"))
	assert.Nil(registry.Create(
		utCtxt, "orders.changed", "sub-1", "conn-1", json.RawMessage(`{"region":"eu"}`), nil,
	))
	assert.Nil(registry.Create(utCtxt, "inventory.changed", "sub-2", "conn-1", nil, nil))

	// A bystander connection on the same topics
	assert.Nil(connections.Put(utCtxt, "conn-2"))
	assert.Nil(registry.Create(
		utCtxt, "orders.changed", "sub-1", "conn-2", json.RawMessage(`{"region":"eu"}`), nil,
	))

	// Case 1: reap removes everything the connection owns
	{
		assert.Nil(uut.Reap(utCtxt, "conn-1"))
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Empty(items)
		records, err := registry.Query(utCtxt, "inventory.changed", nil)
		assert.Nil(err)
		assert.Empty(records)
	}

	// Case 2: the bystander is untouched
	{
		records, err := registry.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("conn-2", records[0].ConnectionID)
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-2"), "")
		assert.Nil(err)
		assert.Len(items, 2)
	}

	// Case 3: reaping an already reaped connection succeeds
	{
		assert.Nil(uut.Reap(utCtxt, "conn-1"))
	}
}
