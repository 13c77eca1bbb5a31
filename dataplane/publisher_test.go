package dataplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/core"
	"github.com/alwitt/wsfanout/dispatch"
	"github.com/alwitt/wsfanout/storage"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// captureTransport test transport capturing pushed data messages per connection
type captureTransport struct {
	lock   sync.Mutex
	pushes map[string][]dispatch.Response
	gone   map[string]bool
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{
		pushes: make(map[string][]dispatch.Response), gone: make(map[string]bool),
	}
}

func (t *captureTransport) Push(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.gone[connectionID] {
		return common.NewGoneError("connection %s is not attached", connectionID)
	}
	var response dispatch.Response
	if err := common.UnmarshalJSON(payload, &response); err != nil {
		return err
	}
	t.pushes[connectionID] = append(t.pushes[connectionID], response)
	return nil
}

func (t *captureTransport) received(connectionID string) []dispatch.Response {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]dispatch.Response{}, t.pushes[connectionID]...)
}

func (t *captureTransport) markGone(connectionID string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.gone[connectionID] = true
}

type publisherTestEnv struct {
	store     storage.KeyValueStore
	registry  subscription.SubscriptionRegistry
	resolver  core.TopicRunnerRegistry
	transport *captureTransport
	uut       FanoutPublisher
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
}

func setupPublisherTest(t *testing.T, config subscription.Config) *publisherTestEnv {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	store := storage.CreateInMemoryStorage()
	registry, err := subscription.DefineSubscriptionRegistry(store, config, time.Hour)
	assert.Nil(err)
	reaper, err := subscription.DefineConnectionReaper(store, config)
	assert.Nil(err)
	resolver := core.GetTopicRunnerMap()
	transport := newCaptureTransport()
	metrics, err := NewFanoutMetrics(prometheus.NewRegistry())
	assert.Nil(err)

	uut, err := DefineFanoutPublisher(
		ctxt, wg, registry, resolver, reaper, transport, metrics, common.FanoutConfig{
			SubscribeTimeout: 1, DeliveryWorkers: 2, TaskQueueLen: 8,
		},
	)
	assert.Nil(err)
	return &publisherTestEnv{
		store:     store,
		registry:  registry,
		resolver:  resolver,
		transport: transport,
		uut:       uut,
		cancel:    cancel,
		wg:        wg,
	}
}

func (env *publisherTestEnv) teardown() {
	env.cancel()
	env.wg.Wait()
}

func TestFanoutPublishUnfiltered(t *testing.T) {
	assert := assert.New(t)
	config := subscription.NewConfig().WithTopicFilters("orders.changed")
	env := setupPublisherTest(t, config)
	defer env.teardown()
	utCtxt := context.Background()

	assert.Nil(env.resolver.RegisterRunner("orders.changed", core.PassthroughRunner))
	assert.Nil(env.registry.Create(utCtxt, "orders.changed", "sub-1", "conn-1", nil, nil))
	assert.Nil(env.registry.Create(utCtxt, "orders.changed", "sub-2", "conn-2", nil, nil))

	// Case 1: every subscriber receives the payload
	{
		result, err := env.uut.Publish(
			utCtxt, "orders.changed", map[string]interface{}{"orderId": "order-1"}, nil,
		)
		assert.Nil(err)
		assert.Equal(2, result.Matched)
		assert.Equal(2, result.Delivered)
		assert.NotEmpty(result.PublishID)

		for connectionID, subscriptionID := range map[string]string{
			"conn-1": "sub-1", "conn-2": "sub-2",
		} {
			messages := env.transport.received(connectionID)
			assert.Len(messages, 1)
			assert.NotNil(messages[0].Result)
			assert.Equal(dispatch.ResultTypeData, messages[0].Result.Type)
			assert.Equal(
				json.RawMessage(`"`+subscriptionID+`"`), messages[0].ID,
			)
			assert.Equal(
				map[string]interface{}{"orderId": "order-1"},
				messages[0].Result.Data,
			)
		}
	}

	// Case 2: publish with no subscribers succeeds
	{
		records, err := env.registry.Query(utCtxt, "orders.changed", nil)
		assert.Nil(err)
		for _, record := range records {
			assert.Nil(env.registry.Delete(utCtxt, record.ConnectionID, record.ID))
		}
		result, err := env.uut.Publish(utCtxt, "orders.changed", "payload", nil)
		assert.Nil(err)
		assert.Equal(0, result.Matched)
	}

	// Case 3: publish on an unresolvable topic is rejected
	{
		_, err := env.uut.Publish(utCtxt, "no.such.topic", "payload", nil)
		assert.NotNil(err)
		assert.True(common.IsBadRequestError(err))
	}
}

func TestFanoutPublishFiltered(t *testing.T) {
	assert := assert.New(t)
	config := subscription.NewConfig().WithTopicFilters(
		"orders.changed", subscription.FilterSpec{
			Name: "by-region", InputFields: []string{"region"},
		},
	)
	env := setupPublisherTest(t, config)
	defer env.teardown()
	utCtxt := context.Background()

	assert.Nil(env.resolver.RegisterRunner("orders.changed", core.PassthroughRunner))
	assert.Nil(env.registry.Create(
		utCtxt, "orders.changed", "sub-1", "conn-1", json.RawMessage(`{"region":"us-west"}`), nil,
	))
	assert.Nil(env.registry.Create(
		utCtxt, "orders.changed", "sub-2", "conn-2", json.RawMessage(`{"region":"eu"}`), nil,
	))

	// Case 1: filtered publish reaches only matching subscribers
	{
		result, err := env.uut.Publish(
			utCtxt, "orders.changed", "payload", &subscription.QueryFilter{
				Name:  "by-region",
				Input: map[string]interface{}{"region": "eu"},
			},
		)
		assert.Nil(err)
		assert.Equal(1, result.Matched)
		assert.Equal(1, result.Delivered)
		assert.Empty(env.transport.received("conn-1"))
		assert.Len(env.transport.received("conn-2"), 1)
	}

	// Case 2: a filter name the topic never declared is rejected
	{
		_, err := env.uut.Publish(
			utCtxt, "orders.changed", "payload", &subscription.QueryFilter{Name: "no-such"},
		)
		assert.NotNil(err)
	}
}

func TestFanoutPublishGoneConnection(t *testing.T) {
	assert := assert.New(t)
	config := subscription.NewConfig().WithTopicFilters("orders.changed")
	env := setupPublisherTest(t, config)
	defer env.teardown()
	utCtxt := context.Background()

	assert.Nil(env.resolver.RegisterRunner("orders.changed", core.PassthroughRunner))
	assert.Nil(env.registry.Create(utCtxt, "orders.changed", "sub-1", "conn-1", nil, nil))
	assert.Nil(env.registry.Create(utCtxt, "orders.changed", "sub-2", "conn-2", nil, nil))
	env.transport.markGone("conn-1")

	// The gone subscriber is skipped and reaped; the live one still gets the payload
	result, err := env.uut.Publish(utCtxt, "orders.changed", "payload", nil)
	assert.Nil(err)
	assert.Equal(2, result.Matched)
	assert.Equal(1, result.Delivered)
	assert.Len(env.transport.received("conn-2"), 1)

	items, err := env.store.Query(utCtxt, subscription.ConnectionPartitionKey("conn-1"), "")
	assert.Nil(err)
	assert.Empty(items)
	records, err := env.registry.Query(utCtxt, "orders.changed", nil)
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal("conn-2", records[0].ConnectionID)
}

func TestFanoutPublishSlowSubscriber(t *testing.T) {
	assert := assert.New(t)
	config := subscription.NewConfig().WithTopicFilters("orders.changed")
	env := setupPublisherTest(t, config)
	defer env.teardown()
	utCtxt := context.Background()

	// A stream which never completes within the per-subscriber window
	assert.Nil(env.resolver.RegisterRunner(
		"orders.changed",
		func(ctxt context.Context, request core.TopicRunRequest, emit func(value interface{})) error {
			select {
			case <-time.After(time.Second * 5):
			case <-ctxt.Done():
			}
			return nil
		},
	))
	assert.Nil(env.registry.Create(utCtxt, "orders.changed", "sub-1", "conn-1", nil, nil))

	result, err := env.uut.Publish(utCtxt, "orders.changed", "payload", nil)
	assert.Nil(err)
	assert.Equal(1, result.Matched)
	assert.Equal(0, result.Delivered)
	assert.Empty(env.transport.received("conn-1"))
}
