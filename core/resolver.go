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

package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/wsfanout/common"
	"github.com/apex/log"
)

// ObservableHandle one subscriber-scoped value stream produced by resolving a topic.
//
// Subscribe registers the callbacks and starts the stream. The stream calls onValue
// zero or more times, then exactly one of onComplete or onError. Subscribe must be
// called at most once per handle.
type ObservableHandle interface {
	// Subscribe start the stream with the given callbacks
	Subscribe(onValue func(value interface{}), onComplete func(), onError func(err error))
}

// ResolveRequest parameters for resolving one topic into a subscriber-scoped stream
type ResolveRequest struct {
	// Topic is the topic path being resolved
	Topic string `validate:"required"`
	// Input is the raw input value the subscriber bound at subscribe time
	Input json.RawMessage
	// SessionCtx is the raw context value of the subscriber's session
	SessionCtx json.RawMessage
	// Trigger delivers the publish payload which the stream derives its values from.
	// The channel is fulfilled at most once; the stream completes after consuming it.
	Trigger <-chan interface{}
}

// TopicResolver resolves topic paths into subscriber-scoped value streams
type TopicResolver interface {
	// CanResolve whether the topic path resolves to a stream producer. A topic
	// passing this check always yields a stream on Resolve; registered runners are
	// stream producers by type, so there is no separate not-a-stream failure.
	CanResolve(topic string) bool
	// Resolve produce a stream for one subscriber of a topic
	Resolve(ctxt context.Context, request ResolveRequest) (ObservableHandle, error)
}

// TopicRunRequest parameters passed to a topic runner for one subscriber
type TopicRunRequest struct {
	// Topic is the topic path being run
	Topic string
	// Input is the raw input value the subscriber bound at subscribe time
	Input json.RawMessage
	// SessionCtx is the raw context value of the subscriber's session
	SessionCtx json.RawMessage
	// Payload is the publish payload received on the trigger
	Payload interface{}
}

// TopicRunner computes the values one subscriber receives for one publish. It calls
// emit once per value, in order, and returns once all values are emitted.
type TopicRunner func(ctxt context.Context, request TopicRunRequest, emit func(value interface{})) error

// PassthroughRunner forwards the publish payload to the subscriber unchanged
func PassthroughRunner(
	ctxt context.Context, request TopicRunRequest, emit func(value interface{}),
) error {
	emit(request.Payload)
	return nil
}

// TopicRunnerRegistry a TopicResolver whose topics are bound at wiring time
type TopicRunnerRegistry interface {
	TopicResolver
	// RegisterRunner bind a runner to a topic path
	RegisterRunner(topic string, runner TopicRunner) error
}

// topicRunnerMap implements TopicRunnerRegistry over a map of registered runners
type topicRunnerMap struct {
	common.Component
	runners map[string]TopicRunner
	lock    *sync.RWMutex
}

// GetTopicRunnerMap define a new runner backed topic resolver
func GetTopicRunnerMap() TopicRunnerRegistry {
	logTags := log.Fields{"module": "core", "component": "topic-runner-map"}
	return &topicRunnerMap{
		Component: common.Component{LogTags: logTags},
		runners:   make(map[string]TopicRunner),
		lock:      &sync.RWMutex{},
	}
}

// RegisterRunner bind a runner to a topic path. Re-binding an already bound path is
// rejected.
func (m *topicRunnerMap) RegisterRunner(topic string, runner TopicRunner) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.runners[topic]; ok {
		err := common.NewBadRequestError("topic %s already has a runner", topic)
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to register runner")
		return err
	}
	m.runners[topic] = runner
	log.WithFields(m.LogTags).Infof("Registered runner for topic %s", topic)
	return nil
}

// CanResolve whether the topic path resolves to a stream producer
func (m *topicRunnerMap) CanResolve(topic string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.runners[topic]
	return ok
}

// Resolve produce a stream for one subscriber of a topic
func (m *topicRunnerMap) Resolve(
	ctxt context.Context, request ResolveRequest,
) (ObservableHandle, error) {
	m.lock.RLock()
	runner, ok := m.runners[request.Topic]
	m.lock.RUnlock()
	if !ok {
		err := common.NewBadRequestError("topic %s does not resolve to a stream", request.Topic)
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to resolve topic")
		return nil, err
	}
	return &runnerObservable{
		parentContext: ctxt, runner: runner, request: request, logTags: m.LogTags,
	}, nil
}

// runnerObservable adapts one runner invocation into the stream contract
type runnerObservable struct {
	parentContext context.Context
	runner        TopicRunner
	request       ResolveRequest
	logTags       log.Fields
}

// Subscribe start the stream with the given callbacks
func (o *runnerObservable) Subscribe(
	onValue func(value interface{}), onComplete func(), onError func(err error),
) {
	go func() {
		// Without a trigger there is no publish payload to derive values from
		if o.request.Trigger == nil {
			onComplete()
			return
		}
		select {
		case payload, ok := <-o.request.Trigger:
			if !ok {
				onComplete()
				return
			}
			runRequest := TopicRunRequest{
				Topic:      o.request.Topic,
				Input:      o.request.Input,
				SessionCtx: o.request.SessionCtx,
				Payload:    payload,
			}
			if err := o.runner(o.parentContext, runRequest, onValue); err != nil {
				log.WithError(err).WithFields(o.logTags).Errorf(
					"Runner for topic %s failed", o.request.Topic,
				)
				onError(err)
				return
			}
			onComplete()
		case <-o.parentContext.Done():
			onError(o.parentContext.Err())
		}
	}()
}
