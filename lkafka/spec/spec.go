package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Errors
var (
	ErrMissingConfig = errors.New("required config is missing in consumer spec")
	ErrMissingTopics = errors.New("both a privileged and a general topic are required")
)

// EnvironmentAll is the Topics.Env value matching any deployment environment.
const EnvironmentAll = "all"

// ConsumerSpec specifies the schema of a leader-aware consumer config file. Any
// config provided here will override the config provided when creating the
// consumer with lkafka.NewConsumer().
type ConsumerSpec struct {
	// ID (optional) identifies the consumer in logs and metrics. A random one is
	// generated if omitted.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// GroupID is the Kafka consumer group of the consumer, fixed for its lifetime.
	// Required unless provided as a "group.id" property.
	GroupID string `json:"groupId,omitempty" yaml:"groupId,omitempty"`

	// PrivilegedTopic (required) specifies the topic consumed while leader.
	PrivilegedTopic []Topics `json:"privilegedTopic,omitempty" yaml:"privilegedTopic,omitempty"`

	// GeneralTopic (required) specifies the topic consumed while not leader.
	GeneralTopic []Topics `json:"generalTopic,omitempty" yaml:"generalTopic,omitempty"`

	// Properties (optional) can be used to provide standard Kafka properties.
	// The "enable.auto.commit" prop is owned by the consumer and is overwritten
	// if present.
	Properties []Property `json:"properties,omitempty" yaml:"properties,omitempty"`

	// PollTimeoutMs (optional) is the bounded wait of a single batch retrieval. If
	// omitted here and in the external config, lki.DefaultPollTimeoutMs is used.
	PollTimeoutMs *int `json:"pollTimeoutMs,omitempty" yaml:"pollTimeoutMs,omitempty"`

	// AutoCommit (optional) lets the Kafka client commit offsets in the
	// background. Defaults to false, with offsets committed by the consumer.
	AutoCommit *bool `json:"autoCommit,omitempty" yaml:"autoCommit,omitempty"`

	// Assign (optional) binds the consumer with manual partition assignment
	// instead of a group subscription.
	Assign *Assign `json:"assign,omitempty" yaml:"assign,omitempty"`

	// Poll (optional) is the poll loop config used when leadership changes restart
	// the loop, and by the initial loop of the leaderconsumer command.
	Poll *Poll `json:"poll,omitempty" yaml:"poll,omitempty"`

	// Commit (optional) configures retries of blocking commits.
	Commit *Commit `json:"commit,omitempty" yaml:"commit,omitempty"`

	// OffsetStorePath (optional) makes each poll loop write its offset snapshot to
	// a JSON file on exit. Snapshots are kept in memory if omitted.
	OffsetStorePath string `json:"offsetStorePath,omitempty" yaml:"offsetStorePath,omitempty"`

	// MetricsAddr (optional) is the listen address of the Prometheus endpoint
	// served by the leaderconsumer command, e.g. ":9090".
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// Leadership (optional) configures the leadership source of the leaderconsumer
	// command. Without it the consumer never becomes leader.
	Leadership *Leadership `json:"leadership,omitempty" yaml:"leadership,omitempty"`
}

type Topics struct {
	// Env specifies for which environment/stage the topic name should be used.
	// Allowed values are "all" or any string matching the Env of the external config.
	// For example "dev", "staging", "prod" etc.
	Env  string `json:"env,omitempty" yaml:"env,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type Property struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type Assign struct {
	// Partitions to assign. All partitions of the topic are assigned if empty.
	Partitions []int32 `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

type Poll struct {
	BatchSize int `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`

	// DurationMs of each poll loop, with -1 or 0 meaning run until stopped.
	DurationMs int64 `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`

	// CommitSync defaults to true.
	CommitSync *bool `json:"commitSync,omitempty" yaml:"commitSync,omitempty"`
}

type Commit struct {
	Retries   int `json:"retries,omitempty" yaml:"retries,omitempty"`
	BackoffMs int `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

type Leadership struct {
	// Standalone runs a single-node raft instance in-process, making this consumer
	// leader as soon as the node has elected itself.
	Standalone bool `json:"standalone,omitempty" yaml:"standalone,omitempty"`

	// NodeID of the raft node, defaults to the consumer ID.
	NodeID string `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
}

// NewConsumerSpec decodes a spec in YAML or JSON format. YAML is a superset of
// JSON, so both are accepted unless isJSON is set.
func NewConsumerSpec(data []byte, isJSON bool) (cs ConsumerSpec, err error) {
	if len(data) == 0 {
		return cs, ErrMissingConfig
	}
	if isJSON {
		err = json.Unmarshal(data, &cs)
	} else {
		err = yaml.Unmarshal(data, &cs)
	}
	if err == nil {
		err = cs.Validate()
	}
	return cs, err
}

// NewConsumerSpecFromFile reads a spec file, using its extension to pick the format.
func NewConsumerSpecFromFile(path string) (ConsumerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConsumerSpec{}, fmt.Errorf("failed to read consumer spec file %s: %w", path, err)
	}
	return NewConsumerSpec(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

func (cs ConsumerSpec) Validate() error {
	if len(cs.PrivilegedTopic) == 0 || len(cs.GeneralTopic) == 0 {
		return ErrMissingTopics
	}
	if cs.Poll != nil && cs.Poll.BatchSize < 0 {
		return fmt.Errorf("invalid poll batch size: %d", cs.Poll.BatchSize)
	}
	if cs.Commit != nil && (cs.Commit.Retries < 0 || cs.Commit.BackoffMs < 0) {
		return fmt.Errorf("invalid commit config: %+v", *cs.Commit)
	}
	return nil
}

// TopicForEnv returns the topic name to use in env. An "all" entry takes
// precedence over an env specific one.
func TopicForEnv(env string, topics []Topics) string {
	var name string
	for _, t := range topics {
		if t.Env == EnvironmentAll {
			return t.Name
		}
		if t.Env == env {
			name = t.Name
		}
	}
	return name
}
