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
	"sync"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/core"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
)

// SubscriptionDispatcher processes the lifecycle events and inbound frames of client
// connections, translating them into registry operations and wire responses
type SubscriptionDispatcher interface {
	// HandleConnect record a newly established connection
	HandleConnect(ctxt context.Context, connectionID string) error
	// HandleDisconnect reap all registry state of a closed connection
	HandleDisconnect(ctxt context.Context, connectionID string) error
	// HandleInbound process one inbound frame from a connection
	HandleInbound(ctxt context.Context, connectionID string, payload []byte) error
}

// dispatcherImpl implements SubscriptionDispatcher
type dispatcherImpl struct {
	common.Component
	connections subscription.ConnectionStore
	registry    subscription.SubscriptionRegistry
	reaper      subscription.ConnectionReaper
	resolver    core.TopicResolver
	transport   PushTransport
	ctxFactory  SessionContextFactory
}

// DefineSubscriptionDispatcher create new subscription dispatcher.
//
// A nil session context factory binds no context value to subscriptions.
func DefineSubscriptionDispatcher(
	connections subscription.ConnectionStore,
	registry subscription.SubscriptionRegistry,
	reaper subscription.ConnectionReaper,
	resolver core.TopicResolver,
	transport PushTransport,
	ctxFactory SessionContextFactory,
) (SubscriptionDispatcher, error) {
	logTags := log.Fields{"module": "dispatch", "component": "subscription-dispatcher"}
	if ctxFactory == nil {
		ctxFactory = func(ctxt context.Context, connectionID string) (json.RawMessage, error) {
			return nil, nil
		}
	}
	return &dispatcherImpl{
		Component:   common.Component{LogTags: logTags},
		connections: connections,
		registry:    registry,
		reaper:      reaper,
		resolver:    resolver,
		transport:   transport,
		ctxFactory:  ctxFactory,
	}, nil
}

// HandleConnect record a newly established connection
func (d *dispatcherImpl) HandleConnect(ctxt context.Context, connectionID string) error {
	if err := d.connections.Put(ctxt, connectionID); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to admit connection %s", connectionID,
		)
		return err
	}
	log.WithFields(d.LogTags).Infof("Connection %s established", connectionID)
	return nil
}

// HandleDisconnect reap all registry state of a closed connection
func (d *dispatcherImpl) HandleDisconnect(ctxt context.Context, connectionID string) error {
	log.WithFields(d.LogTags).Infof("Connection %s closed", connectionID)
	return d.reaper.Reap(ctxt, connectionID)
}

// lazySessionCtx memoizes the session context factory result across one frame
type lazySessionCtx struct {
	once    sync.Once
	factory SessionContextFactory
	value   json.RawMessage
	err     error
}

func (l *lazySessionCtx) get(ctxt context.Context, connectionID string) (json.RawMessage, error) {
	l.once.Do(func() {
		l.value, l.err = l.factory(ctxt, connectionID)
	})
	return l.value, l.err
}

// HandleInbound process one inbound frame from a connection.
//
// The frame's requests are processed concurrently, each answered with its own
// response message. A response push reporting the connection gone triggers a reap of
// the connection; remaining responses are dropped.
func (d *dispatcherImpl) HandleInbound(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	requests, err := ParseInbound(payload)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Discarding unparsable frame from connection %s", connectionID,
		)
		d.respond(
			ctxt,
			connectionID,
			NewErrorResponse(json.RawMessage("null"), ErrorCodeBadRequest, err.Error()),
			nil,
		)
		return err
	}

	sessionCtx := &lazySessionCtx{factory: d.ctxFactory}
	reapOnce := &sync.Once{}
	wg := sync.WaitGroup{}
	for _, request := range requests {
		wg.Add(1)
		go func(request Request) {
			defer wg.Done()
			response := d.processRequest(ctxt, connectionID, request, sessionCtx)
			d.respond(ctxt, connectionID, response, reapOnce)
		}(request)
	}
	wg.Wait()
	return nil
}

// processRequest run one request against the registry and build its response
func (d *dispatcherImpl) processRequest(
	ctxt context.Context, connectionID string, request Request, sessionCtx *lazySessionCtx,
) Response {
	if !request.HasID() {
		log.WithFields(d.LogTags).Errorf(
			"Connection %s sent a %s request without an id", connectionID, request.Method,
		)
		return NewErrorResponse(
			json.RawMessage("null"), ErrorCodeBadRequest, "message missing id",
		)
	}
	switch request.Method {
	case RequestMethodSubscribe:
		topic := request.Params.Path
		if topic == "" {
			return NewErrorResponse(request.ID, ErrorCodeBadRequest, "missing topic path")
		}
		if !d.resolver.CanResolve(topic) {
			log.WithFields(d.LogTags).Errorf(
				"Connection %s subscribed to unresolvable topic %s", connectionID, topic,
			)
			return NewErrorResponse(
				request.ID, ErrorCodeBadRequest, "topic does not resolve to a stream",
			)
		}
		boundCtx, err := sessionCtx.get(ctxt, connectionID)
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Session context unavailable for connection %s", connectionID,
			)
			return NewErrorResponse(request.ID, ErrorCodeInternal, "session context unavailable")
		}
		if err := d.registry.Create(
			ctxt, topic, request.SubscriptionID(), connectionID, request.Params.Input, boundCtx,
		); err != nil {
			if common.IsBadRequestError(err) {
				return NewErrorResponse(request.ID, ErrorCodeBadRequest, err.Error())
			}
			return NewErrorResponse(request.ID, ErrorCodeInternal, "subscription not recorded")
		}
		log.WithFields(d.LogTags).Debugf(
			"Connection %s subscribed to %s as %s", connectionID, topic, request.SubscriptionID(),
		)
		return NewResultResponse(request.ID, ResultTypeStarted, nil)

	case RequestMethodUnsubscribe:
		if err := d.registry.Delete(ctxt, connectionID, request.SubscriptionID()); err != nil {
			if common.IsBadRequestError(err) {
				return NewErrorResponse(request.ID, ErrorCodeBadRequest, err.Error())
			}
			return NewErrorResponse(request.ID, ErrorCodeInternal, "subscription not removed")
		}
		log.WithFields(d.LogTags).Debugf(
			"Connection %s unsubscribed %s", connectionID, request.SubscriptionID(),
		)
		return NewResultResponse(request.ID, ResultTypeStopped, nil)

	default:
		return NewErrorResponse(
			request.ID, ErrorCodeBadRequest, "unsupported method '"+request.Method+"'",
		)
	}
}

// respond push one response message back over the connection
func (d *dispatcherImpl) respond(
	ctxt context.Context, connectionID string, response Response, reapOnce *sync.Once,
) {
	serialized, err := response.Serialize()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to serialize response for connection %s", connectionID,
		)
		return
	}
	if err := d.transport.Push(ctxt, connectionID, serialized); err != nil {
		if common.IsGoneError(err) && reapOnce != nil {
			log.WithFields(d.LogTags).Infof(
				"Connection %s gone mid-frame, reaping", connectionID,
			)
			reapOnce.Do(func() {
				if err := d.reaper.Reap(ctxt, connectionID); err != nil {
					log.WithError(err).WithFields(d.LogTags).Errorf(
						"Failed to reap gone connection %s", connectionID,
					)
				}
			})
			return
		}
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to push response to connection %s", connectionID,
		)
	}
}
