package lkafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka/internal/lki"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka/leadership"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka/spec"
	"github.com/zpiroux/geist/entity"
)

// Errors
var (
	// ErrMissingGroupID is returned from NewConsumer() if a group ID is not found
	// in the consumer spec or its properties
	ErrMissingGroupID = errors.New("group.id is missing in config")

	// ErrMissingTopics is returned from NewConsumer() if the privileged or the
	// general topic has no name for the configured Env
	ErrMissingTopics = errors.New("privileged or general topic missing for env")

	ErrAlreadyStarted   = lki.ErrAlreadyStarted
	ErrNotStarted       = lki.ErrNotStarted
	ErrNotBound         = lki.ErrNotBound
	ErrLoopActive       = lki.ErrLoopActive
	ErrGroupIDMismatch  = lki.ErrGroupIDMismatch
	ErrSwitchInProgress = lki.ErrSwitchInProgress
	ErrNoPartitions     = lki.ErrNoPartitions
)

// Kafka properties commonly used and for setting up default config.
// See https://docs.confluent.io/platform/current/clients/librdkafka/html/md_CONFIGURATION.html
// for all properties that can be used for consumer configuration.
const (
	PropBootstrapServers    = "bootstrap.servers"
	PropSecurityProtocol    = "security.protocol"
	PropSASLMechanism       = "sasl.mechanism"
	PropSASLUsername        = "sasl.username"
	PropSASLPassword        = "sasl.password"
	PropGroupID             = lki.PropGroupID
	PropAutoCommit          = lki.PropAutoCommit
	PropQueuedMaxMessagesKb = "queued.max.messages.kbytes"
	PropMaxPollInterval     = "max.poll.interval.ms"
)

// Special prop constructs
const (
	// If "group.id" is assigned with this value on the format
	// "@UniqueWithPrefix.my-groupid-prefix" a unique group.id value will be generated
	// on the format "my-groupid-prefix-<consumer id>-<ISO UTC timestamp micros>"
	UniqueGroupIDWithPrefix = "@UniqueWithPrefix"
)

// Default values if omitted in external config
const (
	// Interval increase from 5 min default to 10 min
	DefaultMaxPollInterval = 600000

	// Maximum number of kilobytes per topic+partition in the local consumer queue.
	// To not go OOM if big backlog, set this low. Default is 1 048 576 KB = 1GB
	// per partition.
	DefaultQueuedMaxMessagesKb = 2048
)

const timestampLayoutMicros = "2006-01-02T15.04.05.000000Z"

// Config is the external config provided by the client when creating consumers.
type Config struct {

	// KafkaProps is used to provide standard Kafka Properties to the consumer.
	// It should be filled in with required props such as "bootstrap.servers" but
	// can also hold default properties common for all consumers. All of them can
	// be overridden in each consumer spec by using its properties list.
	KafkaProps map[string]any

	// PollTimeoutMs is the default bounded wait of a single batch retrieval. It
	// can be overridden in the consumer spec. If not set lki.DefaultPollTimeoutMs
	// will be used.
	PollTimeoutMs int

	// Env is only required if consumer specs use different topic names for
	// different environments, typically "dev", "stage", and "prod".
	Env string

	// NotifyChan receives all log events of the consumer. If nil, events are
	// discarded unless Log is set.
	NotifyChan entity.NotifyChan

	// Log enables logging of notification events with the standard logger.
	Log bool

	// Registerer, if set, is where the consumer's Prometheus metrics are registered.
	Registerer prometheus.Registerer

	// Listener, if set, is called on partition assignment and revocation of group
	// subscriptions.
	Listener RebalanceListener

	// OnLoopExit, if set, is called with the result of each poll loop started by
	// a leadership change.
	OnLoopExit func(topic string, err error)
}

// Public aliases of the consumer types.
type (
	Consumer[K, V any]          = lki.Consumer[K, V]
	Record[K, V any]            = lki.Record[K, V]
	RecordHandler[K, V any]     = lki.RecordHandler[K, V]
	RecordHandlerFunc[K, V any] = lki.RecordHandlerFunc[K, V]
	Deserializer[T any]         = lki.Deserializer[T]
	PollConfig                  = lki.PollConfig
	State                       = lki.State
	ConsumerIdentity            = lki.ConsumerIdentity
	SubscriptionState           = lki.SubscriptionState
	Mode                        = lki.Mode
	LeadershipState             = lki.LeadershipState
	OffsetEntry                 = lki.OffsetEntry
	OffsetStore                 = lki.OffsetStore
	FileOffsetStore             = lki.FileOffsetStore
	MemoryOffsetStore           = lki.MemoryOffsetStore
	RebalanceListener           = lki.RebalanceListener
	UnrecoverableError          = lki.UnrecoverableError
)

const (
	RunForever = lki.RunForever

	Leader    = lki.Leader
	NotLeader = lki.NotLeader

	StateStopped = lki.StateStopped
	StateStarted = lki.StateStarted
	StatePolling = lki.StatePolling

	ModeUnbound        = lki.ModeUnbound
	ModeGroupSubscribe = lki.ModeGroupSubscribe
	ModeManualAssign   = lki.ModeManualAssign
)

var (
	StringDeserializer = lki.StringDeserializer
	BytesDeserializer  = lki.BytesDeserializer
	DefaultPollConfig  = lki.DefaultPollConfig

	NewFileOffsetStore   = lki.NewFileOffsetStore
	NewMemoryOffsetStore = lki.NewMemoryOffsetStore
)

func JSONDeserializer[T any]() Deserializer[T] {
	return lki.JSONDeserializer[T]()
}

// NewConsumer creates a leader-aware consumer from the external config and a
// consumer spec. cf can normally be set to nil to use the default internal
// factory, unless special setups are needed.
func NewConsumer[K, V any](
	config *Config,
	cs spec.ConsumerSpec,
	keyDec Deserializer[K],
	valueDec Deserializer[V],
	cf ikafka.ConsumerFactory) (*Consumer[K, V], error) {

	if config == nil {
		config = &Config{}
	}
	cc, err := createConsumerConfig(config, cs)
	if err != nil {
		return nil, err
	}

	opts := lki.Options{
		ConsumerFactory: cf,
		Listener:        config.Listener,
		OnLoopExit:      config.OnLoopExit,
	}
	if cs.OffsetStorePath != "" {
		opts.OffsetStore = lki.NewFileOffsetStore(cs.OffsetStorePath)
	}
	if config.Registerer != nil {
		if opts.Metrics, err = lki.NewMetrics(config.Registerer, cc.Identity()); err != nil {
			return nil, fmt.Errorf("could not register consumer metrics, err: %w", err)
		}
	}
	return lki.NewConsumer(cc, keyDec, valueDec, opts)
}

func createConsumerConfig(config *Config, cs spec.ConsumerSpec) (*lki.Config, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	id := cs.ID
	if id == "" {
		id = uuid.New().String()
	}

	privileged := spec.TopicForEnv(config.Env, cs.PrivilegedTopic)
	general := spec.TopicForEnv(config.Env, cs.GeneralTopic)
	if privileged == "" || general == "" {
		return nil, fmt.Errorf("%w '%s', privileged: '%s', general: '%s'", ErrMissingTopics, config.Env, privileged, general)
	}

	// Deployment defaults - will be overridden if set in external config or consumer spec
	props := lki.ConfigMap{
		PropMaxPollInterval:     DefaultMaxPollInterval,
		PropQueuedMaxMessagesKb: DefaultQueuedMaxMessagesKb,
	}

	// Add all props from provided external config (will override deployment defaults if set)
	for k, v := range config.KafkaProps {
		props[k] = v
	}

	// Add all props from the consumer spec (will override previously set ones)
	for _, prop := range cs.Properties {
		props[prop.Key] = prop.Value
	}

	groupID := cs.GroupID
	if groupID == "" {
		if v, ok := props[PropGroupID].(string); ok {
			groupID = v
		}
	}
	if groupID == "" {
		return nil, ErrMissingGroupID
	}
	if strings.Contains(groupID, UniqueGroupIDWithPrefix) {
		groupID = uniqueGroupID(groupID, id, timestampLayoutMicros)
	}
	delete(props, PropGroupID)

	cc := lki.NewConfig(lki.ConsumerIdentity{ID: id, GroupID: groupID}, privileged, general)
	cc.SetProps(props)
	cc.SetNotifyChan(config.NotifyChan, config.Log)

	if cs.PollTimeoutMs != nil {
		cc.SetPollTimout(*cs.PollTimeoutMs)
	} else {
		cc.SetPollTimout(config.PollTimeoutMs)
	}
	if cs.AutoCommit != nil {
		cc.SetAutoCommit(*cs.AutoCommit)
	}
	cc.SetSwitchPollConfig(PollConfigFromSpec(cs.Poll))
	if cs.Commit != nil {
		retries, backoff := lki.DefaultCommitRetries, lki.DefaultCommitBackoff
		if cs.Commit.Retries > 0 {
			retries = cs.Commit.Retries
		}
		if cs.Commit.BackoffMs > 0 {
			backoff = time.Duration(cs.Commit.BackoffMs) * time.Millisecond
		}
		cc.SetCommitRetries(retries, backoff)
	}
	return cc, nil
}

// PollConfigFromSpec returns the poll config in p, with defaults for omitted fields.
func PollConfigFromSpec(p *spec.Poll) PollConfig {
	pc := lki.DefaultPollConfig()
	if p == nil {
		return pc
	}
	if p.BatchSize > 0 {
		pc.BatchSize = p.BatchSize
	}
	if p.DurationMs > 0 {
		pc.Duration = time.Duration(p.DurationMs) * time.Millisecond
	}
	if p.CommitSync != nil {
		pc.CommitSync = *p.CommitSync
	}
	return pc
}

// Bind binds a started consumer to its general topic, with the binding mode and
// auto commit setting of cs.
func Bind[K, V any](c *Consumer[K, V], cs spec.ConsumerSpec) error {
	var autoCommit bool
	if cs.AutoCommit != nil {
		autoCommit = *cs.AutoCommit
	}
	_, general := c.Topics()

	if cs.Assign == nil {
		return c.Subscribe("", general, autoCommit)
	}

	var partitions []int32
	if len(cs.Assign.Partitions) > 0 {
		partitions = cs.Assign.Partitions
	}
	ok, err := c.Assign(general, partitions, autoCommit)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w '%s', requested: %v", ErrNoPartitions, general, partitions)
	}
	return nil
}

// FollowLeadership forwards the leadership changes reported by src to c until
// ctx is done. Failed topic switches are reported to onError, if set. The
// failed switch is not retried by a repeated notification, see
// Consumer.ResyncLeadership.
func FollowLeadership[K, V any](ctx context.Context, c *Consumer[K, V], src leadership.Source, onError func(error)) {
	leadership.Watch(ctx, src, func(isLeader bool) {
		if err := c.OnLeadershipChanged(lki.LeadershipFromBool(isLeader)); err != nil && onError != nil {
			onError(err)
		}
	})
}

func uniqueGroupID(groupIDSpec, consumerID, tsLayout string) string {
	str := strings.TrimPrefix(groupIDSpec, UniqueGroupIDWithPrefix) + "-" + consumerID + "-" + time.Now().UTC().Format(tsLayout)
	return strings.TrimPrefix(str, ".")
}
