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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/alwitt/wsfanout/common"
)

// keySegmentDelimiter joins key segments. Not expected to appear in topic paths,
// filter names, field names, or field values.
const keySegmentDelimiter = "#"

// missingFieldToken encodes a declared filter field absent from the bound value.
//
// Quirk kept for key compatibility with existing registries: distinct subscribers
// which all omit the same declared field collide onto one "undefined" key segment,
// which makes them indistinguishable to filtered lookups. Do not silently change
// this; live registries encode it.
const missingFieldToken = "undefined"

// ConnectionPartitionKey partition holding a connection's record and all its
// subscription records
func ConnectionPartitionKey(connectionID string) string {
	return fmt.Sprintf("connection%s%s", keySegmentDelimiter, connectionID)
}

// TopicPartitionKey partition holding a topic's publish-time lookup records
func TopicPartitionKey(topic string) string {
	return fmt.Sprintf("path%s%s", keySegmentDelimiter, topic)
}

// ConnectionSortKey sort key of the connection record within its own partition
func ConnectionSortKey(connectionID string) string {
	return fmt.Sprintf("connection%s%s", keySegmentDelimiter, connectionID)
}

// SubscriptionSortKey sort key of a connection-keyed subscription copy
func SubscriptionSortKey(subscriptionID string) string {
	return fmt.Sprintf("subscription%s%s", keySegmentDelimiter, subscriptionID)
}

// SubscriptionKeySuffix trailing segments uniquely naming one subscription within a
// topic partition
func SubscriptionKeySuffix(connectionID string, subscriptionID string) string {
	return strings.Join(
		[]string{"connection", connectionID, "subscription", subscriptionID},
		keySegmentDelimiter,
	)
}

// fieldMap interpret a bound input or context value as a field-keyed structure.
// Values which are not field-keyed (absent, primitives, arrays) contribute no fields.
func fieldMap(bound interface{}) (map[string]interface{}, bool) {
	switch v := bound.(type) {
	case nil:
		return nil, false
	case map[string]interface{}:
		return v, true
	case json.RawMessage:
		var parsed map[string]interface{}
		if err := common.UnmarshalJSON(v, &parsed); err != nil {
			return nil, false
		}
		return parsed, true
	case []byte:
		var parsed map[string]interface{}
		if err := common.UnmarshalJSON(v, &parsed); err != nil {
			return nil, false
		}
		return parsed, true
	default:
		return nil, false
	}
}

// renderFieldValue stringify one bound field value for key encoding
func renderFieldValue(value interface{}, present bool) string {
	if !present {
		return missingFieldToken
	}
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// BuildTopicSortKey encode the topic-keyed sort key for one subscription record
// under one filter.
//
// With no filter the key is the suffix alone. With a filter the key is the filter
// name, the declared context fields, the declared input fields, then the suffix;
// field blocks are only emitted when the corresponding bound value is field-keyed.
// The encoding is a strict function of its arguments, and field order follows the
// filter declaration, so re-encoding with the same bound values reproduces the key.
func BuildTopicSortKey(
	spec *FilterSpec, boundInput interface{}, boundCtx interface{}, suffix string,
) string {
	if spec == nil {
		return suffix
	}
	segments := []string{"name", spec.Name}
	segments = append(segments, encodeFieldBlock("ctx", spec.CtxFields, boundCtx)...)
	segments = append(segments, encodeFieldBlock("input", spec.InputFields, boundInput)...)
	if suffix != "" {
		segments = append(segments, suffix)
	}
	return strings.Join(segments, keySegmentDelimiter)
}

// encodeFieldBlock encode one marker-prefixed block of declared fields
func encodeFieldBlock(marker string, declaredFields []string, bound interface{}) []string {
	if len(declaredFields) == 0 {
		return nil
	}
	fields, ok := fieldMap(bound)
	if !ok {
		return nil
	}
	segments := []string{marker}
	for _, field := range declaredFields {
		value, present := fields[field]
		segments = append(segments, fmt.Sprintf(
			"%s%s%s", field, keySegmentDelimiter, renderFieldValue(value, present),
		))
	}
	return segments
}

// BuildTopicQueryPrefix encode the publish-time "begins-with" prefix for matching
// subscription records under one filter.
//
// Unlike record encoding, a block with no supplied values contributes no segments
// and matching continues with the next block, while within a supplied block the
// prefix ends at the first missing declared field. Both support partial filter
// values at publish time. With no supplied values at all the prefix is the filter
// name alone.
func BuildTopicQueryPrefix(
	spec *FilterSpec, inputValues map[string]interface{}, ctxValues map[string]interface{},
) string {
	if spec == nil {
		return ""
	}
	segments := []string{"name", spec.Name}
	blocks := []struct {
		marker         string
		declaredFields []string
		values         map[string]interface{}
	}{
		{marker: "ctx", declaredFields: spec.CtxFields, values: ctxValues},
		{marker: "input", declaredFields: spec.InputFields, values: inputValues},
	}
	for _, block := range blocks {
		if len(block.declaredFields) == 0 {
			continue
		}
		if block.values == nil {
			continue
		}
		segments = append(segments, block.marker)
		exhausted := true
		for _, field := range block.declaredFields {
			value, present := block.values[field]
			if !present {
				exhausted = false
				break
			}
			segments = append(segments, fmt.Sprintf(
				"%s%s%s", field, keySegmentDelimiter, renderFieldValue(value, true),
			))
		}
		if !exhausted {
			break
		}
	}
	return strings.Join(segments, keySegmentDelimiter)
}
