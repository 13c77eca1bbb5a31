package subscription

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionAndSortKeys(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("connection#conn-1", ConnectionPartitionKey("conn-1"))
	assert.Equal("path#orders.changed", TopicPartitionKey("orders.changed"))
	assert.Equal("connection#conn-1", ConnectionSortKey("conn-1"))
	assert.Equal("subscription#sub-1", SubscriptionSortKey("sub-1"))
	assert.Equal(
		"connection#conn-1#subscription#sub-1", SubscriptionKeySuffix("conn-1", "sub-1"),
	)
}

func TestBuildTopicSortKey(t *testing.T) {
	assert := assert.New(t)

	suffix := SubscriptionKeySuffix("conn-1", "sub-1")

	// Case 1: no filter, the key is the suffix alone
	{
		assert.Equal(suffix, BuildTopicSortKey(nil, nil, nil, suffix))
	}

	// Case 2: filter with input fields
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region", "tier"}}
		input := json.RawMessage(`{"region":"us-west","tier":"gold"}`)
		assert.Equal(
			"name#by-region#input#region#us-west#tier#gold#"+suffix,
			BuildTopicSortKey(&spec, input, nil, suffix),
		)
	}

	// Case 3: context fields come before input fields
	{
		spec := FilterSpec{
			Name:        "by-user",
			InputFields: []string{"region"},
			CtxFields:   []string{"userId"},
		}
		input := json.RawMessage(`{"region":"eu"}`)
		boundCtx := json.RawMessage(`{"userId":"user-9"}`)
		assert.Equal(
			"name#by-user#ctx#userId#user-9#input#region#eu#"+suffix,
			BuildTopicSortKey(&spec, input, boundCtx, suffix),
		)
	}

	// Case 4: a declared field missing from the bound value encodes the literal
	// missing-field token
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region", "tier"}}
		input := json.RawMessage(`{"region":"us-west"}`)
		assert.Equal(
			"name#by-region#input#region#us-west#tier#undefined#"+suffix,
			BuildTopicSortKey(&spec, input, nil, suffix),
		)
	}

	// Case 5: a bound value which is not field-keyed skips the whole block
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region"}}
		assert.Equal(
			"name#by-region#"+suffix, BuildTopicSortKey(&spec, nil, nil, suffix),
		)
		assert.Equal(
			"name#by-region#"+suffix,
			BuildTopicSortKey(&spec, json.RawMessage(`"just a string"`), nil, suffix),
		)
	}

	// Case 6: non-string field values stringify
	{
		spec := FilterSpec{Name: "mixed", InputFields: []string{"count", "active", "note"}}
		input := json.RawMessage(`{"count":42,"active":true,"note":null}`)
		assert.Equal(
			"name#mixed#input#count#42#active#true#note#null#"+suffix,
			BuildTopicSortKey(&spec, input, nil, suffix),
		)
	}

	// Case 7: identical bound values reproduce the identical key
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region"}}
		input := json.RawMessage(`{"region":"us-west"}`)
		first := BuildTopicSortKey(&spec, input, nil, suffix)
		second := BuildTopicSortKey(&spec, input, nil, suffix)
		assert.Equal(first, second)
	}

	// Case 8: undeclared fields in the bound value never reach the key
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region"}}
		bare := BuildTopicSortKey(
			&spec, json.RawMessage(`{"region":"us-west"}`), nil, suffix,
		)
		padded := BuildTopicSortKey(
			&spec,
			json.RawMessage(`{"region":"us-west","orderId":"order-1","trace":{"id":9}}`),
			nil,
			suffix,
		)
		assert.Equal(bare, padded)
	}
}

func TestBuildTopicQueryPrefix(t *testing.T) {
	assert := assert.New(t)

	// Case 1: no filter matches everything
	{
		assert.Equal("", BuildTopicQueryPrefix(nil, nil, nil))
	}

	// Case 2: filter name only
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region"}}
		assert.Equal("name#by-region", BuildTopicQueryPrefix(&spec, nil, nil))
	}

	// Case 3: full field values extend the prefix
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region", "tier"}}
		prefix := BuildTopicQueryPrefix(&spec, map[string]interface{}{
			"region": "us-west", "tier": "gold",
		}, nil)
		assert.Equal("name#by-region#input#region#us-west#tier#gold", prefix)
	}

	// Case 4: a missing declared field ends the prefix, enabling partial matching
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region", "tier"}}
		prefix := BuildTopicQueryPrefix(&spec, map[string]interface{}{
			"region": "us-west",
		}, nil)
		assert.Equal("name#by-region#input#region#us-west", prefix)
	}

	// Case 5: context block precedes input block; a partial context block ends the
	// prefix before any input fields
	{
		spec := FilterSpec{
			Name:        "by-user",
			InputFields: []string{"region"},
			CtxFields:   []string{"userId", "org"},
		}
		prefix := BuildTopicQueryPrefix(
			&spec,
			map[string]interface{}{"region": "eu"},
			map[string]interface{}{"userId": "user-9"},
		)
		assert.Equal("name#by-user#ctx#userId#user-9", prefix)
	}

	// Case 6: a block with no supplied values is skipped entirely; the input block
	// still constrains the prefix
	{
		spec := FilterSpec{
			Name:        "by-user",
			InputFields: []string{"region"},
			CtxFields:   []string{"userId"},
		}
		prefix := BuildTopicQueryPrefix(
			&spec, map[string]interface{}{"region": "eu"}, nil,
		)
		assert.Equal("name#by-user#input#region#eu", prefix)

		// And it matches a record whose subscriber bound no context value
		recordKey := BuildTopicSortKey(
			&spec,
			json.RawMessage(`{"region":"eu"}`),
			nil,
			SubscriptionKeySuffix("conn-1", "sub-1"),
		)
		assert.Equal(prefix, recordKey[:len(prefix)])
	}

	// Case 7: the query prefix matches the record sort key it targets
	{
		spec := FilterSpec{Name: "by-region", InputFields: []string{"region", "tier"}}
		recordKey := BuildTopicSortKey(
			&spec,
			json.RawMessage(`{"region":"us-west","tier":"gold"}`),
			nil,
			SubscriptionKeySuffix("conn-1", "sub-1"),
		)
		prefix := BuildTopicQueryPrefix(&spec, map[string]interface{}{
			"region": "us-west",
		}, nil)
		assert.True(len(prefix) < len(recordKey))
		assert.Equal(prefix, recordKey[:len(prefix)])
	}
}
