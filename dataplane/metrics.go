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
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcome labels reported on fan-out metrics
const (
	// DeliveryOutcomeSuccess subscriber received all values
	DeliveryOutcomeSuccess = "success"
	// DeliveryOutcomeGone subscriber's connection was gone
	DeliveryOutcomeGone = "gone"
	// DeliveryOutcomeTimeout subscriber's stream did not complete in time
	DeliveryOutcomeTimeout = "timeout"
	// DeliveryOutcomeError subscriber's stream or push failed
	DeliveryOutcomeError = "error"
)

// FanoutMetrics fan-out operation metrics
type FanoutMetrics struct {
	publishCount    *prometheus.CounterVec
	deliveryCount   *prometheus.CounterVec
	reapedGoneConns prometheus.Counter
}

// NewFanoutMetrics define fan-out metrics against a prometheus registry
func NewFanoutMetrics(registerer prometheus.Registerer) (*FanoutMetrics, error) {
	metrics := &FanoutMetrics{
		publishCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfanout_publish_total",
			Help: "Number of publish calls processed, by topic",
		}, []string{"topic"}),
		deliveryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfanout_delivery_total",
			Help: "Number of per-subscriber deliveries attempted, by topic and outcome",
		}, []string{"topic", "outcome"}),
		reapedGoneConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsfanout_reaped_gone_connections_total",
			Help: "Number of connections reaped after a push found them gone",
		}),
	}
	for _, collector := range []prometheus.Collector{
		metrics.publishCount, metrics.deliveryCount, metrics.reapedGoneConns,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// RecordPublish note one publish call on a topic
func (m *FanoutMetrics) RecordPublish(topic string) {
	if m == nil {
		return
	}
	m.publishCount.WithLabelValues(topic).Inc()
}

// RecordDelivery note one per-subscriber delivery outcome
func (m *FanoutMetrics) RecordDelivery(topic string, outcome string) {
	if m == nil {
		return
	}
	m.deliveryCount.WithLabelValues(topic, outcome).Inc()
}

// RecordReapedGoneConnection note one connection reaped after a gone push
func (m *FanoutMetrics) RecordReapedGoneConnection() {
	if m == nil {
		return
	}
	m.reapedGoneConns.Inc()
}
