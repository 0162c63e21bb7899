package lki

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
	"github.com/zpiroux/geist/entity"
	"github.com/zpiroux/geist/pkg/notify"
)

const (
	opMsg         = "msg"
	opCommit      = "commit"
	opClose       = "close"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opAssign      = "assign"
	opUnassign    = "unassign"
)

func handleNotificationEvents(notifyChan entity.NotifyChan) {
	for event := range notifyChan {
		fmt.Printf("%+v\n", event)
	}
}

func newTestNotifier() *notify.Notifier {
	notifyChan := make(entity.NotifyChan, 128)
	go handleNotificationEvents(notifyChan)
	return notify.New(notifyChan, nil, 2, "lkafka.test", "mockInstanceId", testGroupID)
}

// MockConsumer is a thread-safe stand-in for *kafka.Consumer. When generate is
// set it produces a message on the bound topic for each Poll call.
type MockConsumer struct {
	mu          sync.Mutex
	id          int
	conf        *kafka.ConfigMap
	ops         []string
	queue       []kafka.Event
	generate    bool
	msgDelay    time.Duration
	metadata    map[string][]int32
	metadataErr error
	subscribed  []string
	assigned    []kafka.TopicPartition
	rebalanceCb kafka.RebalanceCb
	rebalanced  bool
	nextOffset  map[PartitionKey]int64
	commits     [][]kafka.TopicPartition
	commitErrs  []error
	closed      int
	onPoll      func(m *MockConsumer)
}

func (m *MockConsumer) SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append([]string{}, topics...)
	m.assigned = nil
	m.rebalanceCb = rebalanceCb
	m.rebalanced = false
	m.ops = append(m.ops, opSubscribe+":"+topics[0])
	return nil
}

func (m *MockConsumer) Assign(partitions []kafka.TopicPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned = append([]kafka.TopicPartition{}, partitions...)
	m.subscribed = nil
	m.ops = append(m.ops, opAssign+":"+*partitions[0].Topic)
	return nil
}

func (m *MockConsumer) Unassign() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned = nil
	m.ops = append(m.ops, opUnassign)
	return nil
}

func (m *MockConsumer) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = nil
	m.ops = append(m.ops, opUnsubscribe)
	return nil
}

func (m *MockConsumer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadataErr != nil {
		return nil, m.metadataErr
	}
	md := &kafka.Metadata{Topics: make(map[string]kafka.TopicMetadata)}
	ids, ok := m.metadata[*topic]
	if !ok {
		md.Topics[*topic] = kafka.TopicMetadata{Topic: *topic, Error: kafka.NewError(kafka.ErrUnknownTopicOrPart, "unknown topic", false)}
		return md, nil
	}
	tm := kafka.TopicMetadata{Topic: *topic}
	for _, id := range ids {
		tm.Partitions = append(tm.Partitions, kafka.PartitionMetadata{ID: id})
	}
	md.Topics[*topic] = tm
	return md, nil
}

func (m *MockConsumer) Poll(timeoutMs int) kafka.Event {
	m.mu.Lock()
	if m.onPoll != nil {
		m.onPoll(m)
	}

	if m.rebalanceCb != nil && !m.rebalanced && len(m.subscribed) > 0 {
		m.rebalanced = true
		cb := m.rebalanceCb
		topic := m.subscribed[0]
		m.mu.Unlock()
		cb(nil, kafka.AssignedPartitions{Partitions: []kafka.TopicPartition{{Topic: &topic, Partition: 0}}})
		m.mu.Lock()
	}

	if len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]
		if _, ok := ev.(*kafka.Message); ok {
			m.ops = append(m.ops, opMsg)
		}
		m.mu.Unlock()
		return ev
	}

	if m.generate {
		if key, ok := m.boundPartition(); ok {
			msg := m.nextMessage(key)
			m.ops = append(m.ops, opMsg)
			delay := m.msgDelay
			m.mu.Unlock()
			time.Sleep(delay)
			return msg
		}
	}
	m.mu.Unlock()

	time.Sleep(time.Duration(min(timeoutMs, 20)) * time.Millisecond)
	return nil
}

func (m *MockConsumer) boundPartition() (PartitionKey, bool) {
	if len(m.subscribed) > 0 {
		return PartitionKey{Topic: m.subscribed[0]}, true
	}
	if len(m.assigned) > 0 {
		return PartitionKey{Topic: *m.assigned[0].Topic, Partition: m.assigned[0].Partition}, true
	}
	return PartitionKey{}, false
}

func (m *MockConsumer) nextMessage(key PartitionKey) *kafka.Message {
	if m.nextOffset == nil {
		m.nextOffset = make(map[PartitionKey]int64)
	}
	offset := m.nextOffset[key]
	m.nextOffset[key] = offset + 1
	return newMessage(key.Topic, key.Partition, offset, fmt.Sprintf("value %d", offset))
}

func (m *MockConsumer) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, opCommit)
	m.commits = append(m.commits, offsets)
	if len(offsets) == 0 {
		return nil, kafka.NewError(kafka.ErrNoOffset, "Local: No offset stored", false)
	}
	if len(m.commitErrs) > 0 {
		err := m.commitErrs[0]
		m.commitErrs = m.commitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return offsets, nil
}

func (m *MockConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	m.ops = append(m.ops, opClose)
	return nil
}

func (m *MockConsumer) enqueue(events ...kafka.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, events...)
}

func (m *MockConsumer) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ops...)
}

func (m *MockConsumer) Commits() [][]kafka.TopicPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]kafka.TopicPartition{}, m.commits...)
}

func (m *MockConsumer) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConsumer) countOps(op string) int {
	n := 0
	for _, o := range m.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

// MockConsumerFactory hands out the prepared consumers in order, creating plain
// ones when they run out.
type MockConsumerFactory struct {
	mu        sync.Mutex
	prepared  []*MockConsumer
	created   []*MockConsumer
	setup     func(m *MockConsumer)
	createErr error
}

func (f *MockConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (ikafka.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	var m *MockConsumer
	if len(f.prepared) > 0 {
		m = f.prepared[0]
		f.prepared = f.prepared[1:]
	} else {
		m = &MockConsumer{}
		if f.setup != nil {
			f.setup(m)
		}
	}
	m.conf = conf
	m.id = len(f.created)
	f.created = append(f.created, m)
	return m, nil
}

func (f *MockConsumerFactory) Created() []*MockConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockConsumer{}, f.created...)
}

func (f *MockConsumerFactory) last() *MockConsumer {
	created := f.Created()
	if len(created) == 0 {
		return nil
	}
	return created[len(created)-1]
}

func newMessage(topic string, partition int32, offset int64, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: partition, Offset: kafka.Offset(offset)},
		Key:            []byte(fmt.Sprintf("key-%d", offset)),
		Value:          []byte(value),
		Timestamp:      time.Now().UTC(),
	}
}

// recordingHandler collects processed records and fails for values in failOn.
type recordingHandler struct {
	mu      sync.Mutex
	records []Record[string, string]
	failOn  map[string]bool
	panicOn map[string]bool
}

func (h *recordingHandler) Process(ctx context.Context, r Record[string, string]) error {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
	if h.panicOn[r.Value] {
		panic("boom")
	}
	if h.failOn[r.Value] {
		return errors.New("handler failed for " + r.Value)
	}
	return nil
}

func (h *recordingHandler) Records() []Record[string, string] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record[string, string]{}, h.records...)
}

func (h *recordingHandler) topics() map[string]int {
	out := make(map[string]int)
	for _, r := range h.Records() {
		out[r.Topic]++
	}
	return out
}

const (
	testPrivilegedTopic = "master"
	testGeneralTopic    = "general-input"
	testGroupID         = "test-group"
)

func newTestConfig() *Config {
	notifyChan := make(entity.NotifyChan, 128)
	go handleNotificationEvents(notifyChan)

	config := NewConfig(ConsumerIdentity{ID: "mockInstanceId", GroupID: testGroupID}, testPrivilegedTopic, testGeneralTopic)
	config.SetNotifyChan(notifyChan, false)
	config.SetPollTimout(200)
	config.SetCommitRetries(3, time.Millisecond)
	config.SetProps(ConfigMap{
		"bootstrap.servers": "localhost:9092",
	})
	return config
}

func newTestConsumer(cf *MockConsumerFactory, opts Options) (*Consumer[string, string], error) {
	opts.ConsumerFactory = cf
	return NewConsumer[string, string](newTestConfig(), StringDeserializer, StringDeserializer, opts)
}
