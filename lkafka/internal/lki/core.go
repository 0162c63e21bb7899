package lki

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/teltech/logger"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
	"github.com/zpiroux/geist/entity"
	"github.com/zpiroux/geist/pkg/notify"
)

const (
	notifyChanSize     = 256
	offsetStoreTimeout = 10 * time.Second
)

// Options holds the collaborators of a Consumer. All fields are optional.
type Options struct {
	ConsumerFactory ikafka.ConsumerFactory
	OffsetStore     OffsetStore
	Listener        RebalanceListener
	Metrics         *Metrics

	// OnLoopExit is called when a poll loop started by a topic switch exits, with
	// the error it would have returned from Poll.
	OnLoopExit func(topic string, err error)
}

// Consumer is a leader-aware Kafka consumer. At most one poll loop is active at
// any time, and the underlying client is only used by that loop while it runs.
type Consumer[K, V any] struct {
	config     *Config
	cf         ikafka.ConsumerFactory
	keyDec     Deserializer[K]
	valueDec   Deserializer[V]
	store      OffsetStore
	metrics    *Metrics
	notifier   *notify.Notifier
	onLoopExit func(topic string, err error)
	tracker    *OffsetTracker
	sub        *subscriptionManager
	policy     *commitPolicy
	leadership *LeadershipSwitch
	eventCount atomic.Int64

	mu       sync.Mutex // guards the fields below
	state    State
	stopped  bool
	draining bool // set while Stop or SwitchTopic waits for the active loop
	handler RecordHandler[K, V]
	client  *clientHandle
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	switchMu sync.Mutex // serializes topic switches and Stop

	// afterDrain, if set, runs after the active loop has exited and before Stop
	// or SwitchTopic takes over the client.
	afterDrain func()
}

// clientHandle guarantees that an underlying client is closed exactly once.
type clientHandle struct {
	ikafka.Consumer
	closeOnce sync.Once
	closeErr  error
}

func (h *clientHandle) close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.Consumer.Close()
	})
	return h.closeErr
}

// pollLoop is the state captured by a single run of the poll loop.
type pollLoop[K, V any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	cl      *clientHandle
	handler RecordHandler[K, V]
	binding SubscriptionState
}

func NewConsumer[K, V any](config *Config, keyDec Deserializer[K], valueDec Deserializer[V], opts Options) (*Consumer[K, V], error) {
	if config == nil {
		return nil, errors.New("no config provided when creating Consumer")
	}
	if keyDec == nil || valueDec == nil {
		return nil, errors.New("key and value deserializers are required")
	}

	c := &Consumer[K, V]{
		config:     config,
		cf:         opts.ConsumerFactory,
		keyDec:     keyDec,
		valueDec:   valueDec,
		store:      opts.OffsetStore,
		metrics:    opts.Metrics,
		onLoopExit: opts.OnLoopExit,
		tracker:    NewOffsetTracker(),
	}
	if IsNil(c.cf) {
		c.cf = DefaultConsumerFactory{}
	}
	if IsNil(c.store) {
		c.store = NewMemoryOffsetStore()
	}
	if c.config.pollTimeoutMs <= 0 {
		c.config.pollTimeoutMs = DefaultPollTimeoutMs
	}

	var log *logger.Log
	if config.log {
		log = logger.New()
	}
	notifyChan := config.notifyChan
	if notifyChan == nil {
		notifyChan = make(entity.NotifyChan, notifyChanSize)
		go drainNotifications(notifyChan)
	}
	c.notifier = notify.New(notifyChan, log, 2, "lkafka.consumer", config.identity.ID, config.identity.GroupID)

	c.sub = newSubscriptionManager(config.identity.GroupID, c.tracker, opts.Listener, c.notifier)
	c.policy = newCommitPolicy(config.commitRetries, config.commitBackoff, c.notifier, c.metrics)
	c.leadership = newLeadershipSwitch(config.privilegedTopic, config.generalTopic, c, c.notifier, c.metrics)

	c.notifier.Notify(entity.NotifyLevelInfo, "Consumer created with config: %s", c.config)
	return c, nil
}

// Start creates the underlying Kafka client. It fails with ErrAlreadyStarted if
// the consumer already has a client.
func (c *Consumer[K, V]) Start(handler RecordHandler[K, V]) error {
	if IsNil(handler) {
		return errors.New("no record handler provided")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStopped || c.client != nil {
		return fmt.Errorf(c.lgprfx()+"%w, state: %s", ErrAlreadyStarted, c.state)
	}
	c.handler = handler
	if err := c.openClient(c.config.autoCommit); err != nil {
		return err
	}
	c.stopped = false
	c.state = StateStarted
	return nil
}

// Stop cancels any active poll loop, waits for it to finish its exit sequence and
// closes the client. It is safe to call more than once.
func (c *Consumer[K, V]) Stop() error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	c.stopped = true
	c.draining = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if c.afterDrain != nil {
		c.afterDrain()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = false

	var err error
	if c.client != nil {
		err = c.closeClient(c.client)
		c.client = nil
		c.sub.released()
	}
	c.state = StateStopped
	return err
}

// Subscribe binds a group subscription to topic. An empty groupID uses the group
// of the consumer identity.
func (c *Consumer[K, V]) Subscribe(groupID, topic string, autoCommit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdle(); err != nil {
		return err
	}
	if groupID != "" && c.config.identity.GroupID != "" && groupID != c.config.identity.GroupID {
		return fmt.Errorf("%w: '%s' != '%s'", ErrGroupIDMismatch, groupID, c.config.identity.GroupID)
	}
	return c.sub.subscribeGroup(c.client, groupID, topic, autoCommit)
}

// Assign manually assigns the partitions of topic listed in partitions, or all
// partitions if it is nil. It returns false, leaving the current binding as is,
// if none of them exist.
func (c *Consumer[K, V]) Assign(topic string, partitions []int32, autoCommit bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdle(); err != nil {
		return false, err
	}
	return c.sub.assignManual(c.client, topic, partitions, autoCommit)
}

// Poll runs the poll loop on the calling goroutine until ctx is done, the
// consumer is stopped or switched, pc.Duration has elapsed, or the client fails
// unrecoverably. Cancellation is not an error.
func (c *Consumer[K, V]) Poll(ctx context.Context, pc PollConfig) error {
	c.mu.Lock()
	l, err := c.beginLoopLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.runLoop(l, pc)
}

// SwitchTopic stops the active poll loop, if any, and waits until it has released
// the client. The consumer is then rebound to newTopic using the mode of the
// previous binding, and a new poll loop is started in the background.
func (c *Consumer[K, V]) SwitchTopic(newTopic string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.stopped || c.handler == nil {
		c.mu.Unlock()
		return fmt.Errorf(c.lgprfx()+"can't switch to topic '%s', %w", newTopic, ErrNotStarted)
	}
	c.draining = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		c.notifier.Notify(entity.NotifyLevelInfo, "Switching to topic '%s', waiting for active poll loop to exit", newTopic)
		cancel()
		<-done
	}
	if c.afterDrain != nil {
		c.afterDrain()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = false

	prev := c.sub.last
	if !prev.bound() {
		prev.AutoCommit = c.config.autoCommit
	}

	if c.client == nil {
		if err := c.openClient(prev.AutoCommit); err != nil {
			return err
		}
		c.state = StateStarted
	} else if err := c.sub.unbind(c.client); err != nil {
		return err
	}

	if err := c.sub.rebind(c.client, prev, newTopic); err != nil {
		return fmt.Errorf(c.lgprfx()+"switch to topic '%s' failed, err: %w", newTopic, err)
	}

	l, err := c.beginLoopLocked(c.parent)
	if err != nil {
		return err
	}
	c.metrics.topicSwitched()

	go func() {
		err := c.runLoop(l, c.config.switchPoll)
		if c.onLoopExit != nil {
			c.onLoopExit(l.binding.Topic, err)
		}
	}()
	return nil
}

// OnLeadershipChanged is the callback to register with the leadership source.
func (c *Consumer[K, V]) OnLeadershipChanged(state LeadershipState) error {
	return c.leadership.OnLeadershipChanged(state)
}

// ResyncLeadership retries the topic switch for the current leadership state.
func (c *Consumer[K, V]) ResyncLeadership() error {
	return c.leadership.Resync()
}

func (c *Consumer[K, V]) Leadership() LeadershipState {
	return c.leadership.State()
}

func (c *Consumer[K, V]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer[K, V]) Subscription() SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub.state
}

func (c *Consumer[K, V]) Identity() ConsumerIdentity {
	return c.config.identity
}

func (c *Consumer[K, V]) Topics() (privileged, general string) {
	return c.config.Topics()
}

func (c *Consumer[K, V]) Offsets() []OffsetEntry {
	return c.tracker.Snapshot()
}

func (c *Consumer[K, V]) EventCount() int64 {
	return c.eventCount.Load()
}

// Done returns a channel closed when the active poll loop has exited, or nil if
// no loop is active.
func (c *Consumer[K, V]) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer[K, V]) checkIdle() error {
	if c.draining {
		return ErrSwitchInProgress
	}
	if c.state == StatePolling {
		return ErrLoopActive
	}
	if c.client == nil {
		return ErrNotStarted
	}
	return nil
}

func (c *Consumer[K, V]) beginLoopLocked(parent context.Context) (*pollLoop[K, V], error) {
	switch {
	case c.draining:
		return nil, ErrSwitchInProgress
	case c.state == StatePolling:
		return nil, ErrLoopActive
	case c.client == nil:
		return nil, ErrNotStarted
	case !c.sub.state.bound():
		return nil, ErrNotBound
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	l := &pollLoop[K, V]{
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		cl:      c.client,
		handler: c.handler,
		binding: c.sub.state,
	}
	c.parent = parent
	c.cancel = cancel
	c.done = l.done
	c.state = StatePolling
	c.metrics.loopActive(true)
	return l, nil
}

func (c *Consumer[K, V]) runLoop(l *pollLoop[K, V], pc PollConfig) (err error) {
	if pc.BatchSize <= 0 {
		pc.BatchSize = DefaultBatchSize
	}
	c.notifier.Notify(entity.NotifyLevelInfo, "Poll loop starting on topic '%s' (%s) with %+v", l.binding.Topic, l.binding.Mode, pc)
	defer func() {
		c.exitLoop(l, err)
	}()

	start := time.Now()
	for pc.withinDeadline(start) {
		if l.ctx.Err() != nil {
			c.notifier.Notify(entity.NotifyLevelInfo, "Poll loop on topic '%s' canceled", l.binding.Topic)
			return nil
		}

		msgs, perr := c.pullBatch(l, pc.BatchSize)
		c.dispatch(l, msgs)
		if len(msgs) > 0 {
			c.policy.apply(l.cl, l.binding.AutoCommit, pc.CommitSync, c.tracker.TopicPartitions(l.binding.Topic))
		}
		if perr != nil {
			return &UnrecoverableError{Err: perr}
		}
	}
	return nil
}

// pullBatch polls until max messages are collected, the bounded wait has elapsed
// or the loop is canceled. Once a message has been received only what is already
// available is drained.
func (c *Consumer[K, V]) pullBatch(l *pollLoop[K, V], max int) ([]*kafka.Message, error) {
	var msgs []*kafka.Message
	deadline := time.Now().Add(time.Duration(c.config.pollTimeoutMs) * time.Millisecond)

	for len(msgs) < max {
		if l.ctx.Err() != nil {
			return msgs, nil
		}
		timeoutMs := 0
		if len(msgs) == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			timeoutMs = min(pollSliceMs, int(remaining/time.Millisecond)+1)
		}

		event := l.cl.Poll(timeoutMs)
		if event == nil {
			if len(msgs) > 0 {
				break
			}
			continue
		}

		switch evt := event.(type) {
		case *kafka.Message:
			if evt.TopicPartition.Error != nil {
				c.notifier.Notify(entity.NotifyLevelError, "Topic partition error when consuming message, tp: %v, err: %v", evt.TopicPartition, evt.TopicPartition.Error)
				continue
			}
			msgs = append(msgs, evt)

		case kafka.Error:
			if evt.IsFatal() || evt.Code() == kafka.ErrAllBrokersDown {
				c.notifier.Notify(entity.NotifyLevelError, "Unrecoverable Kafka error in consumer, code: %v, event: %v", evt.Code(), evt)
				return msgs, evt
			}
			// Most errors are recoverable
			c.notifier.Notify(entity.NotifyLevelWarn, "Kafka error in consumer, code: %v, event: %v", evt.Code(), evt)

		case kafka.OffsetsCommitted:
			c.notifier.Notify(entity.NotifyLevelDebug, "Kafka info event in consumer: %v", evt)

		default:
			c.notifier.Notify(entity.NotifyLevelInfo, "Kafka info event in consumer: %v", evt)
		}
	}
	return msgs, nil
}

// dispatch hands each message to the record handler. The offset is recorded
// before the handler runs and is not rolled back if it fails.
func (c *Consumer[K, V]) dispatch(l *pollLoop[K, V], msgs []*kafka.Message) {
	for _, m := range msgs {
		tp := m.TopicPartition
		topic := ""
		if tp.Topic != nil {
			topic = *tp.Topic
		}

		c.tracker.Record(PartitionKey{Topic: topic, Partition: tp.Partition}, uint64(tp.Offset))
		c.metrics.recordConsumed(topic)
		c.eventCount.Add(1)

		if err := c.handle(l, topic, m); err != nil {
			c.metrics.handlerFailed(topic)
			c.notifier.Notify(entity.NotifyLevelError, "Record handler failed for %s[%d]@%v, err: %v", topic, tp.Partition, tp.Offset, err)
		}
	}
}

func (c *Consumer[K, V]) handle(l *pollLoop[K, V], topic string, m *kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record handler panic: %v", r)
		}
	}()

	key, err := c.keyDec(topic, m.Key)
	if err != nil {
		return fmt.Errorf("key deserialization failed: %w", err)
	}
	value, err := c.valueDec(topic, m.Value)
	if err != nil {
		return fmt.Errorf("value deserialization failed: %w", err)
	}

	record := Record[K, V]{
		Topic:     topic,
		Partition: m.TopicPartition.Partition,
		Offset:    uint64(m.TopicPartition.Offset),
		Key:       key,
		Value:     value,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		record.Headers = make(map[string][]byte, len(m.Headers))
		for _, h := range m.Headers {
			record.Headers[h.Key] = h.Value
		}
	}
	return l.handler.Process(l.ctx, record)
}

// exitLoop runs once per poll loop, whatever made it exit: a final blocking
// commit, an offset snapshot to the store, and closing the client.
func (c *Consumer[K, V]) exitLoop(l *pollLoop[K, V], loopErr error) {
	if err := c.policy.flush(l.cl, c.tracker.TopicPartitions(l.binding.Topic)); err != nil {
		c.notifier.Notify(entity.NotifyLevelError, "Final commit on exit failed, err: %v", err)
	}

	snapshot := c.tracker.Snapshot()
	for _, e := range snapshot {
		c.notifier.Notify(entity.NotifyLevelDebug, "Consumer %s - topic %s - partition %d - next offset %d",
			c.config.identity.ID, e.Key.Topic, e.Key.Partition, e.NextOffset)
	}
	ctx, cancel := context.WithTimeout(context.Background(), offsetStoreTimeout)
	if err := c.store.Store(ctx, c.config.identity, snapshot); err != nil {
		c.notifier.Notify(entity.NotifyLevelError, "Storing offset snapshot failed, err: %v", err)
	}
	cancel()

	c.closeClient(l.cl)

	c.mu.Lock()
	if c.client == l.cl {
		c.client = nil
		c.sub.released()
	}
	c.state = StateStopped
	c.cancel = nil
	c.done = nil
	c.metrics.loopActive(false)
	c.mu.Unlock()

	l.cancel()
	close(l.done)
	c.notifier.Notify(entity.NotifyLevelInfo, "Poll loop on topic '%s' exited, consumed events: %d, err: %v", l.binding.Topic, c.eventCount.Load(), loopErr)
}

func (c *Consumer[K, V]) openClient(autoCommit bool) error {
	kconfig := make(kafka.ConfigMap)
	for k, v := range c.config.kafkaConfig(autoCommit) {
		kconfig[k] = v
	}

	cl, err := c.cf.NewConsumer(&kconfig)
	if err != nil {
		return fmt.Errorf(c.lgprfx()+"failed to create consumer, config: %+v, err: %w", displayConfig(c.config.kafkaConfig(autoCommit)), err)
	}
	c.client = &clientHandle{Consumer: cl}
	c.notifier.Notify(entity.NotifyLevelInfo, "Created consumer with autoCommit: %v", autoCommit)
	return nil
}

func (c *Consumer[K, V]) closeClient(h *clientHandle) error {
	err := h.close()
	if err != nil {
		c.notifier.Notify(entity.NotifyLevelError, "Error closing Kafka consumer, err: %v", err)
	} else {
		c.notifier.Notify(entity.NotifyLevelInfo, "Kafka consumer closed, consumed events: %d", c.eventCount.Load())
	}
	return err
}

func (c *Consumer[K, V]) lgprfx() string {
	return "[" + c.notifier.Sender() + ":" + c.notifier.Instance() + "] "
}

func drainNotifications(ch entity.NotifyChan) {
	for range ch {
	}
}
