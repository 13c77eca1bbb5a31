package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/alwitt/wsfanout/common"
	"github.com/stretchr/testify/assert"
)

func TestParseInbound(t *testing.T) {
	assert := assert.New(t)

	// Case 1: single request object
	{
		requests, err := ParseInbound([]byte(
			`{"id":1,"method":"subscribe","params":{"path":"orders.changed","input":{"a":1}}}`,
		))
		assert.Nil(err)
		assert.Len(requests, 1)
		assert.Equal("subscribe", requests[0].Method)
		assert.Equal("orders.changed", requests[0].Params.Path)
		assert.Equal("1", requests[0].SubscriptionID())
		assert.JSONEq(`{"a":1}`, string(requests[0].Params.Input))
	}

	// Case 2: batched request array
	{
		requests, err := ParseInbound([]byte(
			`[{"id":"a","method":"subscribe","params":{"path":"t1"}},
			  {"id":"b","method":"unsubscribe","params":{}}]`,
		))
		assert.Nil(err)
		assert.Len(requests, 2)
		assert.Equal("a", requests[0].SubscriptionID())
		assert.Equal("unsubscribe", requests[1].Method)
	}

	// Case 3: malformed frames
	{
		_, err := ParseInbound([]byte(""))
		assert.True(common.IsBadRequestError(err))
		_, err = ParseInbound([]byte("not json"))
		assert.True(common.IsBadRequestError(err))
		_, err = ParseInbound([]byte(`[{"id":1}`))
		assert.True(common.IsBadRequestError(err))
	}

	// Case 4: string and numeric IDs normalize differently
	{
		requests, err := ParseInbound([]byte(`{"id":"sub-1","method":"subscribe","params":{}}`))
		assert.Nil(err)
		assert.Equal("sub-1", requests[0].SubscriptionID())
		requests, err = ParseInbound([]byte(`{"id":42,"method":"subscribe","params":{}}`))
		assert.Nil(err)
		assert.Equal("42", requests[0].SubscriptionID())
	}
}

func TestResponseSerialization(t *testing.T) {
	assert := assert.New(t)

	// Case 1: success result echoes the request ID verbatim
	{
		response := NewResultResponse(json.RawMessage(`42`), ResultTypeStarted, nil)
		serialized, err := response.Serialize()
		assert.Nil(err)
		assert.JSONEq(`{"id":42,"result":{"type":"started"}}`, string(serialized))
	}

	// Case 2: data result carries the payload
	{
		response := NewResultResponse(
			json.RawMessage(`"sub-1"`), ResultTypeData, map[string]interface{}{"v": 1},
		)
		serialized, err := response.Serialize()
		assert.Nil(err)
		assert.JSONEq(`{"id":"sub-1","result":{"type":"data","data":{"v":1}}}`, string(serialized))
	}

	// Case 3: error response
	{
		response := NewErrorResponse(json.RawMessage(`7`), ErrorCodeBadRequest, "bad")
		serialized, err := response.Serialize()
		assert.Nil(err)
		assert.JSONEq(
			`{"id":7,"error":{"code":-32600,"message":"bad"}}`, string(serialized),
		)
	}
}
