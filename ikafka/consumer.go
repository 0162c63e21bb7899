package ikafka

import "github.com/confluentinc/confluent-kafka-go/v2/kafka"

// Consumer is the subset of the confluent-kafka-go consumer used by the leader-aware
// consumer. *kafka.Consumer satisfies it.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Assign(partitions []kafka.TopicPartition) error
	Unassign() error
	Unsubscribe() error
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Poll(timeoutMs int) (event kafka.Event)
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

type ConsumerFactory interface {
	NewConsumer(conf *kafka.ConfigMap) (Consumer, error)
}
