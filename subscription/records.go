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
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/alwitt/wsfanout/common"
)

// Record kinds stored in the registry
const (
	// RecordKindConnection a live connection record
	RecordKindConnection = "connection"
	// RecordKindSubscription a subscription record
	RecordKindSubscription = "subscription"
)

// recordKindProbe reads just the record kind field off a stored record
type recordKindProbe struct {
	Kind string `json:"type"`
}

// ConnectionRecord marks one live connection. Created at connect, deleted at
// disconnect or expiry, never mutated.
type ConnectionRecord struct {
	// Kind is always RecordKindConnection
	Kind string `json:"type" validate:"required"`
	// ConnectionID identifies the live connection
	ConnectionID string `json:"connectionId" validate:"required"`
	// ExpireAt is the record expiry as unix seconds
	ExpireAt int64 `json:"expireAt"`
}

// Scan implements the sql.Scanner interface
func (r *ConnectionRecord) Scan(src interface{}) error {
	asBytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return common.UnmarshalJSON(asBytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r ConnectionRecord) Value() (driver.Value, error) {
	return common.MarshalJSON(&r)
}

// SubscriptionRecord one logical subscription of a connection on a topic.
//
// Two addressing schemes store copies of this record: one keyed by owning connection
// for cleanup, and one or more keyed by topic plus encoded filter for publish-time
// lookup. The raw subscriber input and session context ride along so publish-time
// resolution replays them without reconstructing from the key.
type SubscriptionRecord struct {
	// Kind is always RecordKindSubscription
	Kind string `json:"type" validate:"required"`
	// Topic is the subscribed topic path
	Topic string `json:"path" validate:"required"`
	// Input is the raw input value supplied by the subscribing client
	Input json.RawMessage `json:"input,omitempty"`
	// SessionCtx is the raw context value supplied by the subscriber's session
	SessionCtx json.RawMessage `json:"ctx,omitempty"`
	// ID is the subscription ID, scoped to the connection
	ID string `json:"id" validate:"required"`
	// ConnectionID is the owning connection
	ConnectionID string `json:"connectionId" validate:"required"`
	// ExpireAt is the record expiry as unix seconds
	ExpireAt int64 `json:"expireAt"`
}

// Scan implements the sql.Scanner interface
func (r *SubscriptionRecord) Scan(src interface{}) error {
	asBytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return common.UnmarshalJSON(asBytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r SubscriptionRecord) Value() (driver.Value, error) {
	return common.MarshalJSON(&r)
}
