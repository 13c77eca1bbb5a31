package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alwitt/wsfanout/storage"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionRegistryUnfilteredTopic(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	config := NewConfig().WithTopicFilters("orders.changed")
	uut, err := DefineSubscriptionRegistry(store, config, time.Hour)
	assert.Nil(err)
	utCtxt := context.Background()

	// Case 1: create a subscription
	{
		assert.Nil(uut.Create(
			utCtxt, "orders.changed", "sub-1", "conn-1", json.RawMessage(`{"a":1}`), nil,
		))
		// Connection-keyed copy
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Len(items, 1)
		assert.Equal(SubscriptionSortKey("sub-1"), items[0].SortKey)
		// Topic-keyed copy
		items, err = store.Query(utCtxt, TopicPartitionKey("orders.changed"), "")
		assert.Nil(err)
		assert.Len(items, 1)
		assert.Equal(SubscriptionKeySuffix("conn-1", "sub-1"), items[0].SortKey)
	}

	// Case 2: query returns the subscription
	{
		records, err := uut.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("sub-1", records[0].ID)
		assert.Equal("conn-1", records[0].ConnectionID)
		assert.Equal("orders.changed", records[0].Topic)
		assert.Equal(json.RawMessage(`{"a":1}`), records[0].Input)
	}

	// Case 3: more subscribers on the same topic
	{
		assert.Nil(uut.Create(utCtxt, "orders.changed", "sub-1", "conn-2", nil, nil))
		records, err := uut.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		assert.Len(records, 2)
	}

	// Case 4: delete removes both copies
	{
		assert.Nil(uut.Delete(utCtxt, "conn-1", "sub-1"))
		items, err := store.Query(utCtxt, ConnectionPartitionKey("conn-1"), "")
		assert.Nil(err)
		assert.Empty(items)
		records, err := uut.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("conn-2", records[0].ConnectionID)
	}

	// Case 5: deleting an absent subscription is not an error
	{
		assert.Nil(uut.Delete(utCtxt, "conn-1", "sub-1"))
		assert.Nil(uut.Delete(utCtxt, "conn-9", "sub-9"))
	}
}

func TestSubscriptionRegistryFilteredTopic(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	config := NewConfig().WithTopicFilters(
		"orders.changed",
		FilterSpec{Name: "by-region", InputFields: []string{"region"}},
		FilterSpec{Name: "by-user", CtxFields: []string{"userId"}},
	)
	uut, err := DefineSubscriptionRegistry(store, config, time.Hour)
	assert.Nil(err)
	utCtxt := context.Background()

	// Case 1: create writes one topic-keyed copy per declared filter
	{
		assert.Nil(uut.Create(
			utCtxt,
			"orders.changed",
			"sub-1",
			"conn-1",
			json.RawMessage(`{"region":"us-west"}`),
			json.RawMessage(`{"userId":"user-9"}`),
		))
		items, err := store.Query(utCtxt, TopicPartitionKey("orders.changed"), "")
		assert.Nil(err)
		assert.Len(items, 2)
	}

	// Case 2: filtered query matches on field value
	{
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name:  "by-region",
			Input: map[string]interface{}{"region": "us-west"},
		})
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("sub-1", records[0].ID)

		records, err = uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name:  "by-region",
			Input: map[string]interface{}{"region": "eu"},
		})
		assert.Nil(err)
		assert.Empty(records)
	}

	// Case 3: the other filter matches independently
	{
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name: "by-user",
			Ctx:  map[string]interface{}{"userId": "user-9"},
		})
		assert.Nil(err)
		assert.Len(records, 1)
	}

	// Case 4: unfiltered query collapses the per-filter copies to one record
	{
		records, err := uut.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		assert.Len(records, 1)
	}

	// Case 5: querying with an undeclared filter name is rejected
	{
		_, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{Name: "no-such"})
		assert.NotNil(err)
	}

	// Case 6: subscribers omitting a declared field are only reachable through the
	// missing-field token
	{
		assert.Nil(uut.Create(
			utCtxt, "orders.changed", "sub-2", "conn-2", json.RawMessage(`{}`), nil,
		))
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name:  "by-region",
			Input: map[string]interface{}{"region": "undefined"},
		})
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("sub-2", records[0].ID)
	}

	// Case 7: delete removes every filter copy
	{
		assert.Nil(uut.Delete(utCtxt, "conn-1", "sub-1"))
		items, err := store.Query(utCtxt, TopicPartitionKey("orders.changed"), "")
		assert.Nil(err)
		for _, item := range items {
			var record SubscriptionRecord
			assert.Nil(record.Scan(item.Value))
			assert.NotEqual("sub-1", record.ID)
		}
	}
}

func TestSubscriptionRegistryPartialFilterValues(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	config := NewConfig().WithTopicFilters(
		"orders.changed",
		FilterSpec{
			Name:        "by-user-region",
			InputFields: []string{"region"},
			CtxFields:   []string{"userId"},
		},
	)
	uut, err := DefineSubscriptionRegistry(store, config, time.Hour)
	assert.Nil(err)
	utCtxt := context.Background()

	assert.Nil(uut.Create(
		utCtxt, "orders.changed", "sub-1", "conn-1", json.RawMessage(`{"region":"us-west"}`), nil,
	))
	assert.Nil(uut.Create(
		utCtxt, "orders.changed", "sub-2", "conn-2", json.RawMessage(`{"region":"eu"}`), nil,
	))

	// Case 1: input values alone still narrow the match when the filter also
	// declares context fields
	{
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name:  "by-user-region",
			Input: map[string]interface{}{"region": "eu"},
		})
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("sub-2", records[0].ID)
	}

	// Case 2: input values which match no subscriber match nothing
	{
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name:  "by-user-region",
			Input: map[string]interface{}{"region": "ap-south"},
		})
		assert.Nil(err)
		assert.Empty(records)
	}

	// Case 3: the filter name alone still matches every subscriber under it
	{
		records, err := uut.Query(utCtxt, "orders.changed", &QueryFilter{
			Name: "by-user-region",
		})
		assert.Nil(err)
		assert.Len(records, 2)
	}
}

func TestSubscriptionRegistryRecordExpiry(t *testing.T) {
	assert := assert.New(t)

	store := storage.CreateInMemoryStorage()
	config := NewConfig().WithTopicFilters("orders.changed")
	uut, err := DefineSubscriptionRegistry(store, config, -time.Second)
	assert.Nil(err)
	utCtxt := context.Background()

	// A registry stamped with an already-passed expiry yields invisible records
	assert.Nil(uut.Create(utCtxt, "orders.changed", "sub-1", "conn-1", nil, nil))
	records, err := uut.Query(utCtxt, "orders.changed", nil)
	assert.Nil(err)
	assert.Empty(records)
}
