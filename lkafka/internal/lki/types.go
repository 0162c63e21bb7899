package lki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrAlreadyStarted   = errors.New("consumer already started")
	ErrNotStarted       = errors.New("consumer not started")
	ErrNotBound         = errors.New("can't poll, consumer not subscribed or assigned")
	ErrLoopActive       = errors.New("a poll loop is already active for this consumer")
	ErrGroupIDMismatch  = errors.New("group id differs from the consumer's group id")
	ErrSwitchInProgress = errors.New("consumer is being stopped or switched to another topic")
)

// UnrecoverableError is returned from Poll when the underlying client reported
// a failure that cannot be recovered from. The final commit, offset snapshot and
// client close have been performed when it is returned.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("unrecoverable client failure: %v", e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// ConsumerIdentity is only used for diagnostics
type ConsumerIdentity struct {
	ID      string
	GroupID string
}

type State int

const (
	StateStopped State = iota
	StateStarted
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StatePolling:
		return "Polling"
	default:
		return "Stopped"
	}
}

// RunForever is the PollConfig.Duration sentinel for a loop that runs until cancelled.
const RunForever time.Duration = -1

type PollConfig struct {
	BatchSize  int
	Duration   time.Duration
	CommitSync bool
}

// DefaultPollConfig is used when a topic switch restarts the poll loop.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		BatchSize:  DefaultBatchSize,
		Duration:   RunForever,
		CommitSync: true,
	}
}

func (pc PollConfig) runForever() bool {
	return pc.Duration < 0
}

func (pc PollConfig) withinDeadline(start time.Time) bool {
	return pc.runForever() || time.Since(start) < pc.Duration
}

type Record[K, V any] struct {
	Topic     string
	Partition int32
	Offset    uint64
	Key       K
	Value     V
	Timestamp time.Time
	Headers   map[string][]byte
}

// RecordHandler processes a single record. Errors are logged by the Consumer but
// not retried, and the record's offset has already advanced when it is invoked.
type RecordHandler[K, V any] interface {
	Process(ctx context.Context, record Record[K, V]) error
}

type RecordHandlerFunc[K, V any] func(ctx context.Context, record Record[K, V]) error

func (f RecordHandlerFunc[K, V]) Process(ctx context.Context, record Record[K, V]) error {
	return f(ctx, record)
}

// Deserializer converts raw key or value bytes into the type bound at construction.
type Deserializer[T any] func(topic string, data []byte) (T, error)

func StringDeserializer(topic string, data []byte) (string, error) {
	return string(data), nil
}

func BytesDeserializer(topic string, data []byte) ([]byte, error) {
	return data, nil
}

func JSONDeserializer[T any]() Deserializer[T] {
	return func(topic string, data []byte) (T, error) {
		var v T
		if len(data) == 0 {
			return v, nil
		}
		err := json.Unmarshal(data, &v)
		return v, err
	}
}
