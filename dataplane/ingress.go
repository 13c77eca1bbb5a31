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

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/core"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// PublishRequest one publish call as carried by the ingress surfaces
type PublishRequest struct {
	// Topic is the topic path to publish on
	Topic string `json:"topic" validate:"required"`
	// Data is the publish payload
	Data interface{} `json:"data"`
	// Filter optionally restricts the subscribers targeted
	Filter *subscription.QueryFilter `json:"filter,omitempty" validate:"omitempty"`
}

// PublishIngress consumes publish requests from a NATS subject and runs them
// through the fan-out publisher
type PublishIngress interface {
	// Stop detach from the NATS subject
	Stop() error
}

// natsIngressImpl implements PublishIngress
type natsIngressImpl struct {
	common.Component
	operationContext context.Context
	publisher        FanoutPublisher
	validate         *validator.Validate
	subscription     *nats.Subscription
}

// GetNatsPublishIngress attach a publish ingress to a NATS subject.
//
// Each received message is one serialized publish request. Malformed requests are
// logged and dropped; the subject carries no reply path.
func GetNatsPublishIngress(
	ctxt context.Context,
	client core.NatsClient,
	subject string,
	publisher FanoutPublisher,
) (PublishIngress, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-publish-ingress", "subject": subject,
	}
	instance := &natsIngressImpl{
		Component:        common.Component{LogTags: logTags},
		operationContext: ctxt,
		publisher:        publisher,
		validate:         validator.New(),
	}
	sub, err := client.NATS().Subscribe(subject, instance.handleMessage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach to ingress subject")
		return nil, err
	}
	instance.subscription = sub
	log.WithFields(logTags).Info("Attached publish ingress")
	return instance, nil
}

// handleMessage process one publish request off the subject
func (i *natsIngressImpl) handleMessage(msg *nats.Msg) {
	var request PublishRequest
	if err := common.UnmarshalJSON(msg.Data, &request); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Dropping unparsable publish request")
		return
	}
	if err := i.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Dropping invalid publish request")
		return
	}
	result, err := i.publisher.Publish(
		i.operationContext, request.Topic, request.Data, request.Filter,
	)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Ingress publish on topic %s failed", request.Topic,
		)
		return
	}
	log.WithFields(i.LogTags).Debugf(
		"Ingress publish %s on topic %s reached %d of %d subscribers",
		result.PublishID, request.Topic, result.Delivered, result.Matched,
	)
}

// Stop detach from the NATS subject
func (i *natsIngressImpl) Stop() error {
	if i.subscription == nil {
		return nil
	}
	if err := i.subscription.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Failed to detach publish ingress")
		return err
	}
	log.WithFields(i.LogTags).Info("Detached publish ingress")
	return nil
}
