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

package dataplane

import (
	"context"
	"crypto/rand"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/core"
	"github.com/alwitt/wsfanout/dispatch"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
)

// publishIDEntropy monotonic entropy source for publish trace IDs
var (
	publishIDLock    sync.Mutex
	publishIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newPublishID generate a sortable trace ID for one publish call
func newPublishID() string {
	publishIDLock.Lock()
	defer publishIDLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), publishIDEntropy).String()
}

// PublishResult per-call outcome summary of one publish
type PublishResult struct {
	// PublishID is the trace ID assigned to the publish call
	PublishID string `json:"publishId"`
	// Matched is the number of subscriptions the filter matched
	Matched int `json:"matched"`
	// Delivered is the number of subscribers which received all values
	Delivered int `json:"delivered"`
}

// FanoutPublisher fans one published payload out to every matching subscriber.
//
// Delivery is at-least-once with independent per-subscriber outcomes. One
// subscriber's failure, timeout, or gone connection never blocks the others.
type FanoutPublisher interface {
	// Publish fan one payload out on a topic. A nil filter targets every subscriber
	// of the topic.
	Publish(
		ctxt context.Context,
		topic string,
		data interface{},
		filter *subscription.QueryFilter,
	) (PublishResult, error)
}

// fanoutTask one per-subscriber delivery job routed through the worker pool
type fanoutTask struct {
	ctxt      context.Context
	publishID string
	record    subscription.SubscriptionRecord
	data      interface{}
	resultCB  func(outcome string)
}

// publisherImpl implements FanoutPublisher
type publisherImpl struct {
	common.Component
	registry         subscription.SubscriptionRegistry
	resolver         core.TopicResolver
	reaper           subscription.ConnectionReaper
	transport        dispatch.PushTransport
	workers          common.TaskProcessor
	metrics          *FanoutMetrics
	subscribeTimeout time.Duration
}

// DefineFanoutPublisher create new fan-out publisher with its own delivery worker
// pool. The pool runs until the runtime context ends.
func DefineFanoutPublisher(
	ctxt context.Context,
	wg *sync.WaitGroup,
	registry subscription.SubscriptionRegistry,
	resolver core.TopicResolver,
	reaper subscription.ConnectionReaper,
	transport dispatch.PushTransport,
	metrics *FanoutMetrics,
	config common.FanoutConfig,
) (FanoutPublisher, error) {
	logTags := log.Fields{"module": "dataplane", "component": "fanout-publisher"}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		"fanout-delivery", config.TaskQueueLen, config.DeliveryWorkers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery workers")
		return nil, err
	}
	instance := &publisherImpl{
		Component:        common.Component{LogTags: logTags},
		registry:         registry,
		resolver:         resolver,
		reaper:           reaper,
		transport:        transport,
		workers:          workers,
		metrics:          metrics,
		subscribeTimeout: time.Duration(config.SubscribeTimeout) * time.Second,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(fanoutTask{}), instance.processDeliveryTask,
	); err != nil {
		return nil, err
	}
	if err := workers.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

// Publish fan one payload out on a topic
func (p *publisherImpl) Publish(
	ctxt context.Context,
	topic string,
	data interface{},
	filter *subscription.QueryFilter,
) (PublishResult, error) {
	publishID := newPublishID()
	result := PublishResult{PublishID: publishID}

	if !p.resolver.CanResolve(topic) {
		err := common.NewBadRequestError("topic %s does not resolve to a stream", topic)
		log.WithError(err).WithFields(p.LogTags).Errorf("Rejecting publish %s", publishID)
		return result, err
	}
	p.metrics.RecordPublish(topic)

	records, err := p.registry.Query(ctxt, topic, filter)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Publish %s failed to query topic %s", publishID, topic,
		)
		return result, err
	}
	result.Matched = len(records)
	if len(records) == 0 {
		log.WithFields(p.LogTags).Debugf(
			"Publish %s on topic %s matched no subscribers", publishID, topic,
		)
		return result, nil
	}

	outcomes := make(chan string, len(records))
	for _, record := range records {
		task := fanoutTask{
			ctxt:      ctxt,
			publishID: publishID,
			record:    record,
			data:      data,
			resultCB:  func(outcome string) { outcomes <- outcome },
		}
		if err := p.workers.Submit(ctxt, task); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Publish %s could not enqueue delivery to %s/%s",
				publishID, record.ConnectionID, record.ID,
			)
			outcomes <- DeliveryOutcomeError
		}
	}

	for itr := 0; itr < len(records); itr++ {
		select {
		case outcome := <-outcomes:
			p.metrics.RecordDelivery(topic, outcome)
			if outcome == DeliveryOutcomeSuccess {
				result.Delivered++
			}
		case <-ctxt.Done():
			log.WithFields(p.LogTags).Errorf(
				"Publish %s interrupted after %d of %d deliveries",
				publishID, itr, len(records),
			)
			return result, ctxt.Err()
		}
	}
	log.WithFields(p.LogTags).Infof(
		"Publish %s on topic %s delivered to %d of %d subscribers",
		publishID, topic, result.Delivered, result.Matched,
	)
	return result, nil
}

// processDeliveryTask worker entry point for one per-subscriber delivery
func (p *publisherImpl) processDeliveryTask(taskParam interface{}) error {
	task, ok := taskParam.(fanoutTask)
	if !ok {
		return common.NewInternalError(
			"fanout delivery worker received unexpected task %s", reflect.TypeOf(taskParam),
		)
	}
	task.resultCB(p.deliverToSubscriber(task))
	return nil
}

// deliverToSubscriber resolve one subscriber's stream against the publish payload
// and push every emitted value over the subscriber's connection
func (p *publisherImpl) deliverToSubscriber(task fanoutTask) string {
	record := task.record

	// The trigger hands the stream its one publish payload
	trigger := make(chan interface{}, 1)
	trigger <- task.data
	close(trigger)

	handle, err := p.resolver.Resolve(task.ctxt, core.ResolveRequest{
		Topic:      record.Topic,
		Input:      record.Input,
		SessionCtx: record.SessionCtx,
		Trigger:    trigger,
	})
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Publish %s could not resolve topic %s for %s/%s",
			task.publishID, record.Topic, record.ConnectionID, record.ID,
		)
		return DeliveryOutcomeError
	}

	subscriptionID, err := common.MarshalJSON(record.ID)
	if err != nil {
		return DeliveryOutcomeError
	}

	done := make(chan error, 1)
	gone := false
	handle.Subscribe(
		func(value interface{}) {
			if gone {
				return
			}
			message := dispatch.NewResultResponse(subscriptionID, dispatch.ResultTypeData, value)
			serialized, err := message.Serialize()
			if err != nil {
				log.WithError(err).WithFields(p.LogTags).Errorf(
					"Publish %s could not serialize value for %s/%s",
					task.publishID, record.ConnectionID, record.ID,
				)
				return
			}
			if err := p.transport.Push(task.ctxt, record.ConnectionID, serialized); err != nil {
				if common.IsGoneError(err) {
					gone = true
					return
				}
				log.WithError(err).WithFields(p.LogTags).Errorf(
					"Publish %s failed to push value to %s/%s",
					task.publishID, record.ConnectionID, record.ID,
				)
			}
		},
		func() { done <- nil },
		func(err error) { done <- err },
	)

	select {
	case err := <-done:
		if gone {
			p.reapGoneConnection(task.ctxt, record.ConnectionID)
			return DeliveryOutcomeGone
		}
		if err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Publish %s stream for %s/%s failed",
				task.publishID, record.ConnectionID, record.ID,
			)
			return DeliveryOutcomeError
		}
		return DeliveryOutcomeSuccess
	case <-time.After(p.subscribeTimeout):
		log.WithFields(p.LogTags).Errorf(
			"Publish %s stream for %s/%s did not complete within %s",
			task.publishID, record.ConnectionID, record.ID, p.subscribeTimeout,
		)
		return DeliveryOutcomeTimeout
	case <-task.ctxt.Done():
		return DeliveryOutcomeError
	}
}

// reapGoneConnection clear registry state of a connection a push found gone
func (p *publisherImpl) reapGoneConnection(ctxt context.Context, connectionID string) {
	log.WithFields(p.LogTags).Infof("Reaping gone connection %s", connectionID)
	if err := p.reaper.Reap(ctxt, connectionID); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Failed to reap gone connection %s", connectionID,
		)
		return
	}
	p.metrics.RecordReapedGoneConnection()
}
