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

package common

import (
	"github.com/bytedance/sonic"
)

// wire and storage serialization pass through sonic in std-compat mode
var codecConfig = sonic.ConfigStd

// MarshalJSON serialize an object for the wire or storage
func MarshalJSON(v interface{}) ([]byte, error) {
	return codecConfig.Marshal(v)
}

// UnmarshalJSON deserialize an object from the wire or storage
func UnmarshalJSON(data []byte, v interface{}) error {
	return codecConfig.Unmarshal(data, v)
}
