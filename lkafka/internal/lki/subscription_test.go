package lki

import (
	"errors"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedConsumer(t *testing.T, cf *MockConsumerFactory, opts Options) *Consumer[string, string] {
	c, err := newTestConsumer(cf, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(&recordingHandler{}))
	return c
}

func TestAssignIntersection(t *testing.T) {

	cf := &MockConsumerFactory{setup: func(m *MockConsumer) {
		m.metadata = map[string][]int32{"foo": {0, 1, 2}}
	}}
	c := startedConsumer(t, cf, Options{})
	defer c.Stop()

	// Partition 7 doesn't exist, only the intersecting subset is assigned
	ok, err := c.Assign("foo", []int32{1, 7}, false)
	require.NoError(t, err)
	assert.True(t, ok)

	mc := cf.last()
	require.Len(t, mc.assigned, 1)
	assert.Equal(t, int32(1), mc.assigned[0].Partition)
	assert.Equal(t, "foo", *mc.assigned[0].Topic)

	sub := c.Subscription()
	assert.Equal(t, ModeManualAssign, sub.Mode)
	assert.Equal(t, "foo", sub.Topic)
	assert.Equal(t, []int32{1, 7}, sub.Partitions)
	assert.False(t, sub.AutoCommit)

	// nil means all available partitions
	ok, err = c.Assign("foo", nil, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, mc.assigned, 3)
	assert.Nil(t, c.Subscription().Partitions)
}

func TestAssignEmptyIntersectionKeepsState(t *testing.T) {

	cf := &MockConsumerFactory{setup: func(m *MockConsumer) {
		m.metadata = map[string][]int32{"foo": {0, 1}, "bar": {0}}
	}}
	c := startedConsumer(t, cf, Options{})
	defer c.Stop()

	ok, err := c.Assign("foo", []int32{0}, true)
	require.NoError(t, err)
	require.True(t, ok)
	before := c.Subscription()
	opsBefore := cf.last().Ops()

	for _, tc := range []struct {
		topic string
		ids   []int32
	}{
		{"foo", []int32{5, 6}},
		{"foo", []int32{}},
		{"bar", []int32{3}},
		{"unknown", nil},
	} {
		ok, err = c.Assign(tc.topic, tc.ids, false)
		assert.NoError(t, err)
		assert.False(t, ok, "topic %s ids %v", tc.topic, tc.ids)
		assert.Equal(t, before, c.Subscription())
		assert.Equal(t, opsBefore, cf.last().Ops())
	}

	// Same for a group subscription being the current binding
	require.NoError(t, c.Subscribe(testGroupID, "foo", false))
	before = c.Subscription()
	ok, err = c.Assign("foo", []int32{9}, true)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, c.Subscription())
}

func TestAssignMetadataError(t *testing.T) {

	cf := &MockConsumerFactory{setup: func(m *MockConsumer) {
		m.metadataErr = kafka.NewError(kafka.ErrTransport, "broker down", false)
	}}
	c := startedConsumer(t, cf, Options{})
	defer c.Stop()

	ok, err := c.Assign("foo", nil, false)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, ModeUnbound, c.Subscription().Mode)
}

func TestSubscribeModeSwitchGoesThroughUnbound(t *testing.T) {

	cf := &MockConsumerFactory{setup: func(m *MockConsumer) {
		m.metadata = map[string][]int32{"foo": {0, 1}}
	}}
	c := startedConsumer(t, cf, Options{})
	defer c.Stop()

	ok, err := c.Assign("foo", nil, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Subscribe("", "bar", true))
	assert.Equal(t, SubscriptionState{Mode: ModeGroupSubscribe, Topic: "bar", AutoCommit: true}, c.Subscription())

	ok, err = c.Assign("foo", []int32{1}, false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{
		opAssign + ":foo",
		opUnassign,
		opSubscribe + ":bar",
		opUnsubscribe,
		opAssign + ":foo",
	}, cf.last().Ops())
}

func TestSubscribeGroupIDMismatch(t *testing.T) {

	cf := &MockConsumerFactory{}
	c := startedConsumer(t, cf, Options{})
	defer c.Stop()

	err := c.Subscribe("other-group", "foo", false)
	assert.True(t, errors.Is(err, ErrGroupIDMismatch))
	assert.Equal(t, ModeUnbound, c.Subscription().Mode)
}

type mockListener struct {
	mu       sync.Mutex
	assigned []kafka.TopicPartition
	revoked  []kafka.TopicPartition
}

func (l *mockListener) OnPartitionsAssigned(tracker *OffsetTracker, partitions []kafka.TopicPartition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigned = append(l.assigned, partitions...)
}

func (l *mockListener) OnPartitionsRevoked(tracker *OffsetTracker, partitions []kafka.TopicPartition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked = append(l.revoked, partitions...)
}

func TestRebalanceListenerInstalled(t *testing.T) {

	listener := &mockListener{}
	sm := newSubscriptionManager(testGroupID, NewOffsetTracker(), listener, newTestNotifier())
	mc := &MockConsumer{}

	require.NoError(t, sm.subscribeGroup(mc, "", "foo", false))
	require.NotNil(t, mc.rebalanceCb)

	topic := "foo"
	tps := []kafka.TopicPartition{{Topic: &topic, Partition: 2}}
	assert.NoError(t, mc.rebalanceCb(nil, kafka.AssignedPartitions{Partitions: tps}))
	assert.NoError(t, mc.rebalanceCb(nil, kafka.RevokedPartitions{Partitions: tps}))

	assert.Equal(t, tps, listener.assigned)
	assert.Equal(t, tps, listener.revoked)
	assert.Equal(t, testGroupID, sm.groupID)
}
