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
	"context"
	"encoding/json"
)

// PushTransport delivers serialized messages to live client connections
type PushTransport interface {
	// Push send one serialized message to a connection. Returns a gone error when the
	// connection is no longer reachable.
	Push(ctxt context.Context, connectionID string, payload []byte) error
}

// SessionContextFactory computes the session context value bound to subscriptions of
// one connection. Invoked at most once per inbound frame, and only when the frame
// carries a subscribe operation.
type SessionContextFactory func(ctxt context.Context, connectionID string) (json.RawMessage, error)
