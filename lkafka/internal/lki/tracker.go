package lki

import (
	"sort"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const defaultOffsetMetadata = "null"

type PartitionKey struct {
	Topic     string
	Partition int32
}

type OffsetEntry struct {
	Key        PartitionKey
	NextOffset uint64
	Metadata   string
}

// OffsetTracker keeps the next offset to commit for each partition consumed by a
// single Consumer. It is only written from the goroutine running the poll loop;
// the lock is there so that snapshots can be read from other goroutines.
type OffsetTracker struct {
	mu      sync.RWMutex
	entries map[PartitionKey]OffsetEntry
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{entries: make(map[PartitionKey]OffsetEntry)}
}

// Record registers that the record at offset delivered has been handed over for
// processing. The next offset of a partition never decreases, so a redelivery of
// an older record leaves the entry untouched.
func (t *OffsetTracker) Record(key PartitionKey, delivered uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := delivered + 1
	if e, ok := t.entries[key]; ok && e.NextOffset >= next {
		return
	}
	t.entries[key] = OffsetEntry{Key: key, NextOffset: next, Metadata: defaultOffsetMetadata}
}

// SetMetadata attaches commit metadata to a tracked partition, e.g. from a
// rebalance listener.
func (t *OffsetTracker) SetMetadata(key PartitionKey, metadata string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.Metadata = metadata
	t.entries[key] = e
	return true
}

func (t *OffsetTracker) Get(key PartitionKey) (OffsetEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

func (t *OffsetTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries ordered by topic and partition.
func (t *OffsetTracker) Snapshot() []OffsetEntry {
	t.mu.RLock()
	out := make([]OffsetEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Topic != out[j].Key.Topic {
			return out[i].Key.Topic < out[j].Key.Topic
		}
		return out[i].Key.Partition < out[j].Key.Partition
	})
	return out
}

// TopicPartitions renders the tracked offsets of topic as commit input for the
// Kafka client. If partitions is non-empty only those are included.
func (t *OffsetTracker) TopicPartitions(topic string, partitions ...kafka.TopicPartition) []kafka.TopicPartition {
	var filter map[int32]bool
	if len(partitions) > 0 {
		filter = make(map[int32]bool, len(partitions))
		for _, p := range partitions {
			if p.Topic != nil && *p.Topic == topic {
				filter[p.Partition] = true
			}
		}
	}

	var tps []kafka.TopicPartition
	for _, e := range t.Snapshot() {
		if e.Key.Topic != topic {
			continue
		}
		if filter != nil && !filter[e.Key.Partition] {
			continue
		}
		tpTopic := e.Key.Topic
		metadata := e.Metadata
		tps = append(tps, kafka.TopicPartition{
			Topic:     &tpTopic,
			Partition: e.Key.Partition,
			Offset:    kafka.Offset(e.NextOffset),
			Metadata:  &metadata,
		})
	}
	return tps
}
