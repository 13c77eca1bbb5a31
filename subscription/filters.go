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
	"github.com/alwitt/wsfanout/common"
)

// FilterSpec a named, declared subset of subscriber input / context fields used to
// index subscriptions for publish-time matching. Field order matters; key encoding
// iterates fields in declared order.
type FilterSpec struct {
	// Name is the filter name, unique per topic
	Name string `json:"name" validate:"required"`
	// InputFields are the subscriber input fields to index, in declared order
	InputFields []string `json:"input_fields"`
	// CtxFields are the subscriber context fields to index, in declared order
	CtxFields []string `json:"ctx_fields"`
}

// Config immutable declaration of topics and their filters. Built before any
// subscribe or publish traffic; each With* call returns a new value, the original is
// never mutated.
type Config struct {
	filters map[string][]FilterSpec
}

// NewConfig define an empty topic filter configuration
func NewConfig() Config {
	return Config{filters: map[string][]FilterSpec{}}
}

// WithTopicFilters return a new Config which also declares the given filters on a
// topic. Declaring a topic with no filters registers the topic as unfiltered.
// Multiple filters on one topic combine as logical OR at publish time.
func (c Config) WithTopicFilters(topic string, specs ...FilterSpec) Config {
	updated := map[string][]FilterSpec{}
	for topicPath, topicSpecs := range c.filters {
		updated[topicPath] = topicSpecs
	}
	updated[topic] = append([]FilterSpec{}, specs...)
	return Config{filters: updated}
}

// TopicFilters fetch the filters declared on a topic
func (c Config) TopicFilters(topic string) []FilterSpec {
	return c.filters[topic]
}

// FindTopicFilter fetch one declared filter on a topic by name
func (c Config) FindTopicFilter(topic string, name string) (FilterSpec, error) {
	for _, spec := range c.filters[topic] {
		if spec.Name == name {
			return spec, nil
		}
	}
	return FilterSpec{}, common.NewBadRequestError(
		"topic %s has no filter named %s", topic, name,
	)
}

// ConfigFromTopicDeclarations build a Config from the system config topic section
func ConfigFromTopicDeclarations(topics []common.TopicConfig) Config {
	result := NewConfig()
	for _, topic := range topics {
		specs := make([]FilterSpec, 0, len(topic.Filters))
		for _, filter := range topic.Filters {
			specs = append(specs, FilterSpec{
				Name:        filter.Name,
				InputFields: filter.InputFields,
				CtxFields:   filter.CtxFields,
			})
		}
		result = result.WithTopicFilters(topic.Path, specs...)
	}
	return result
}
