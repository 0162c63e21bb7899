package lki

import (
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
	"github.com/zpiroux/geist/entity"
	"github.com/zpiroux/geist/pkg/notify"
)

var ErrNoPartitions = errors.New("none of the requested partitions exist for topic")

type Mode int

const (
	ModeUnbound Mode = iota
	ModeGroupSubscribe
	ModeManualAssign
)

func (m Mode) String() string {
	switch m {
	case ModeGroupSubscribe:
		return "GroupSubscribe"
	case ModeManualAssign:
		return "ManualAssign"
	default:
		return "Unbound"
	}
}

type SubscriptionState struct {
	Mode       Mode
	Topic      string
	Partitions []int32 // requested partition ids in ManualAssign mode, nil meaning all
	AutoCommit bool
}

func (s SubscriptionState) bound() bool {
	return s.Mode != ModeUnbound
}

// RebalanceListener is invoked from within the poll loop when the group coordinator
// assigns or revokes partitions of a group subscription.
type RebalanceListener interface {
	OnPartitionsAssigned(tracker *OffsetTracker, partitions []kafka.TopicPartition)
	OnPartitionsRevoked(tracker *OffsetTracker, partitions []kafka.TopicPartition)
}

// subscriptionManager holds the topic binding of the current underlying client.
// It is not safe for concurrent use; the Consumer serializes all access.
type subscriptionManager struct {
	state    SubscriptionState
	last     SubscriptionState // most recent bound state, kept when the client is released
	groupID  string
	tracker  *OffsetTracker
	listener RebalanceListener
	notifier *notify.Notifier
}

func newSubscriptionManager(groupID string, tracker *OffsetTracker, listener RebalanceListener, notifier *notify.Notifier) *subscriptionManager {
	return &subscriptionManager{
		groupID:  groupID,
		tracker:  tracker,
		listener: listener,
		notifier: notifier,
	}
}

func (s *subscriptionManager) subscribeGroup(cl ikafka.Consumer, groupID, topic string, autoCommit bool) error {
	if s.state.Mode == ModeManualAssign {
		if err := s.unbind(cl); err != nil {
			return err
		}
	}
	if err := cl.SubscribeTopics([]string{topic}, s.rebalanceCb); err != nil {
		return fmt.Errorf("failed subscribing to topic '%s' with err: %w", topic, err)
	}
	if groupID != "" {
		s.groupID = groupID
	}
	s.setState(SubscriptionState{Mode: ModeGroupSubscribe, Topic: topic, AutoCommit: autoCommit})
	s.notifier.Notify(entity.NotifyLevelInfo, "Subscribed to topic '%s' with group '%s', autoCommit: %v", topic, s.groupID, autoCommit)
	return nil
}

// assignManual assigns the partitions of topic present in ids, or all of them if
// ids is nil. It returns false without touching the current binding if none of
// the requested partitions exist.
func (s *subscriptionManager) assignManual(cl ikafka.Consumer, topic string, ids []int32, autoCommit bool) (bool, error) {
	md, err := cl.GetMetadata(&topic, false, metadataRequestTimeoutMs)
	if err != nil {
		return false, fmt.Errorf("could not get metadata for topic '%s', err: %w", topic, err)
	}

	tps := intersectPartitions(topic, md, ids)
	if len(tps) == 0 {
		s.notifier.Notify(entity.NotifyLevelWarn, "No partitions of topic '%s' match requested ids %v, keeping current binding %+v", topic, ids, s.state)
		return false, nil
	}

	if s.state.Mode == ModeGroupSubscribe {
		if err = s.unbind(cl); err != nil {
			return false, err
		}
	}
	if err = cl.Assign(tps); err != nil {
		return false, fmt.Errorf("failed assigning partitions %v with err: %w", tps, err)
	}

	var requested []int32
	if ids != nil {
		requested = append([]int32{}, ids...)
	}
	s.setState(SubscriptionState{Mode: ModeManualAssign, Topic: topic, Partitions: requested, AutoCommit: autoCommit})
	s.notifier.Notify(entity.NotifyLevelInfo, "Assigned %d partition(s) of topic '%s', autoCommit: %v", len(tps), topic, autoCommit)
	return true, nil
}

func (s *subscriptionManager) unbind(cl ikafka.Consumer) error {
	var err error
	switch s.state.Mode {
	case ModeGroupSubscribe:
		err = cl.Unsubscribe()
	case ModeManualAssign:
		err = cl.Unassign()
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed unbinding from topic '%s' (%s) with err: %w", s.state.Topic, s.state.Mode, err)
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Unbound from topic '%s' (%s)", s.state.Topic, s.state.Mode)
	s.state = SubscriptionState{AutoCommit: s.state.AutoCommit}
	return nil
}

// rebind binds topic on cl using the semantics of prev. A consumer that was never
// bound uses a group subscription.
func (s *subscriptionManager) rebind(cl ikafka.Consumer, prev SubscriptionState, topic string) error {
	if prev.Mode == ModeManualAssign {
		ok, err := s.assignManual(cl, topic, prev.Partitions, prev.AutoCommit)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w '%s', requested: %v", ErrNoPartitions, topic, prev.Partitions)
		}
		return nil
	}
	return s.subscribeGroup(cl, s.groupID, topic, prev.AutoCommit)
}

// released is called when the underlying client has been closed, which drops any
// binding it had.
func (s *subscriptionManager) released() {
	s.state = SubscriptionState{AutoCommit: s.state.AutoCommit}
}

func (s *subscriptionManager) setState(state SubscriptionState) {
	s.state = state
	s.last = state
}

func (s *subscriptionManager) rebalanceCb(_ *kafka.Consumer, event kafka.Event) error {
	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		s.notifier.Notify(entity.NotifyLevelInfo, "Partitions assigned: %v", ev.Partitions)
		if s.listener != nil {
			s.listener.OnPartitionsAssigned(s.tracker, ev.Partitions)
		}
	case kafka.RevokedPartitions:
		s.notifier.Notify(entity.NotifyLevelInfo, "Partitions revoked: %v", ev.Partitions)
		if s.listener != nil {
			s.listener.OnPartitionsRevoked(s.tracker, ev.Partitions)
		}
	default:
		s.notifier.Notify(entity.NotifyLevelWarn, "Unexpected rebalance event: %v", ev)
	}
	return nil
}

func intersectPartitions(topic string, md *kafka.Metadata, ids []int32) []kafka.TopicPartition {
	if md == nil {
		return nil
	}
	tm, ok := md.Topics[topic]
	if !ok || tm.Error.Code() != kafka.ErrNoError {
		return nil
	}

	var wanted map[int32]bool
	if ids != nil {
		wanted = make(map[int32]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
	}

	var tps []kafka.TopicPartition
	for _, p := range tm.Partitions {
		if wanted != nil && !wanted[p.ID] {
			continue
		}
		t := topic
		tps = append(tps, kafka.TopicPartition{Topic: &t, Partition: p.ID, Offset: kafka.OffsetStored})
	}
	return tps
}
