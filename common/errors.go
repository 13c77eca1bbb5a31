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
	"errors"
	"fmt"
)

// ErrorKind classifies a request processing failure
type ErrorKind string

// Supported error kinds
const (
	// ErrorKindBadRequest malformed message, missing request ID, or unknown topic
	ErrorKindBadRequest ErrorKind = "bad-request"
	// ErrorKindInternal the topic resolver did not yield an observable handle
	ErrorKindInternal ErrorKind = "internal"
	// ErrorKindGone the push target connection no longer exists
	ErrorKindGone ErrorKind = "gone-connection"
	// ErrorKindTimeout a subscriber did not emit and complete in time
	ErrorKindTimeout ErrorKind = "timeout"
)

// RequestError a classified request processing failure
type RequestError struct {
	// Kind the failure classification
	Kind ErrorKind
	// Msg details regarding the failure
	Msg string
}

// Error implement the error interface
func (e RequestError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Msg)
}

// NewBadRequestError define a new bad-request error
func NewBadRequestError(format string, a ...interface{}) error {
	return RequestError{Kind: ErrorKindBadRequest, Msg: fmt.Sprintf(format, a...)}
}

// NewInternalError define a new internal error
func NewInternalError(format string, a ...interface{}) error {
	return RequestError{Kind: ErrorKindInternal, Msg: fmt.Sprintf(format, a...)}
}

// NewGoneError define a new gone-connection error
func NewGoneError(format string, a ...interface{}) error {
	return RequestError{Kind: ErrorKindGone, Msg: fmt.Sprintf(format, a...)}
}

// NewTimeoutError define a new timeout error
func NewTimeoutError(format string, a ...interface{}) error {
	return RequestError{Kind: ErrorKindTimeout, Msg: fmt.Sprintf(format, a...)}
}

// errorIsKind check whether an error carries a particular kind
func errorIsKind(err error, kind ErrorKind) bool {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind == kind
	}
	return false
}

// IsBadRequestError check whether an error is a bad-request error
func IsBadRequestError(err error) bool {
	return errorIsKind(err, ErrorKindBadRequest)
}

// IsGoneError check whether an error is a gone-connection error
func IsGoneError(err error) bool {
	return errorIsKind(err, ErrorKindGone)
}

// IsTimeoutError check whether an error is a timeout error
func IsTimeoutError(err error) bool {
	return errorIsKind(err, ErrorKindTimeout)
}
