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

package dispatch

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/alwitt/wsfanout/common"
)

// Client request methods
const (
	// RequestMethodSubscribe start a subscription
	RequestMethodSubscribe = "subscribe"
	// RequestMethodUnsubscribe stop a subscription
	RequestMethodUnsubscribe = "unsubscribe"
)

// Result message types sent back to clients
const (
	// ResultTypeStarted subscription acknowledged
	ResultTypeStarted = "started"
	// ResultTypeStopped subscription ended
	ResultTypeStopped = "stopped"
	// ResultTypeData subscription value delivery
	ResultTypeData = "data"
)

// Wire error codes, following the JSON-RPC convention the message shape derives from
const (
	// ErrorCodeBadRequest client sent an unusable request
	ErrorCodeBadRequest = -32600
	// ErrorCodeInternal request processing failed server side
	ErrorCodeInternal = -32603
)

// RequestParams parameters of one client request
type RequestParams struct {
	// Path is the topic path being operated on
	Path string `json:"path"`
	// Input is the raw input value bound to the subscription
	Input json.RawMessage `json:"input,omitempty"`
}

// Request one client operation received over the connection. The ID is echoed back
// verbatim on every message answering this request, and doubles as the subscription
// ID for subscribe operations.
type Request struct {
	// ID is the client chosen request ID, a JSON string or number
	ID json.RawMessage `json:"id"`
	// Method is the requested operation
	Method string `json:"method" validate:"required,oneof=subscribe unsubscribe"`
	// Params are the operation parameters
	Params RequestParams `json:"params"`
}

// HasID whether the request carried a usable ID. Responses echo the ID, and it keys
// the subscription registry, so a request without one cannot be processed.
func (r Request) HasID() bool {
	trimmed := bytes.TrimSpace(r.ID)
	return len(trimmed) > 0 && string(trimmed) != "null"
}

// SubscriptionID the request ID normalized into the registry's subscription ID form.
// String IDs are unquoted; all other JSON values keep their literal text.
func (r Request) SubscriptionID() string {
	trimmed := bytes.TrimSpace(r.ID)
	if len(trimmed) > 1 && trimmed[0] == '"' {
		if unquoted, err := strconv.Unquote(string(trimmed)); err == nil {
			return unquoted
		}
	}
	return string(trimmed)
}

// Result payload of one successful response message
type Result struct {
	// Type is the result message type
	Type string `json:"type" validate:"required,oneof=started stopped data"`
	// Data is the delivered value on data messages
	Data interface{} `json:"data,omitempty"`
}

// ResponseError payload of one failed response message
type ResponseError struct {
	// Code is the wire error code
	Code int `json:"code"`
	// Message describes the failure
	Message string `json:"message"`
}

// Response one message sent to a client over the connection
type Response struct {
	// ID echoes the request ID this message answers
	ID json.RawMessage `json:"id"`
	// Result carries the payload on success
	Result *Result `json:"result,omitempty"`
	// Error carries the failure on error
	Error *ResponseError `json:"error,omitempty"`
}

// Serialize encode the response for transmission
func (r Response) Serialize() ([]byte, error) {
	return common.MarshalJSON(&r)
}

// NewResultResponse define a success response answering a request ID
func NewResultResponse(id json.RawMessage, resultType string, data interface{}) Response {
	return Response{ID: id, Result: &Result{Type: resultType, Data: data}}
}

// NewErrorResponse define a failure response answering a request ID
func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{ID: id, Error: &ResponseError{Code: code, Message: message}}
}

// ParseInbound decode one inbound frame into its requests. A frame carries either a
// single request object or an array batching several.
func ParseInbound(payload []byte) ([]Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, common.NewBadRequestError("empty request frame")
	}
	if trimmed[0] == '[' {
		var batch []Request
		if err := common.UnmarshalJSON(trimmed, &batch); err != nil {
			return nil, common.NewBadRequestError("malformed request batch: %s", err.Error())
		}
		return batch, nil
	}
	var single Request
	if err := common.UnmarshalJSON(trimmed, &single); err != nil {
		return nil, common.NewBadRequestError("malformed request: %s", err.Error())
	}
	return []Request{single}, nil
}
