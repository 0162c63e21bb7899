package lki

import (
	"fmt"
	"time"

	"github.com/zpiroux/geist/entity"
)

type ConfigMap map[string]any

// Kafka props which are owned by the Consumer and set from the active binding
const (
	PropGroupID    = "group.id"
	PropAutoCommit = "enable.auto.commit"
)

const (
	DefaultPollTimeoutMs = 3000
	DefaultBatchSize     = 100
	DefaultCommitRetries = 3
	DefaultCommitBackoff = 200 * time.Millisecond

	// pollSliceMs bounds each underlying Poll() call so that a cancellation is
	// observed while a batch retrieval is waiting for records.
	pollSliceMs = 100

	metadataRequestTimeoutMs = 5000
)

// Config is the internal config used by each Consumer, combining the external
// config with what is specified in the consumer spec.
type Config struct {
	identity        ConsumerIdentity
	privilegedTopic string
	generalTopic    string
	pollTimeoutMs   int           // bounded wait of a single batch retrieval
	autoCommit      bool          // binding default until Subscribe/Assign provide one
	switchPoll      PollConfig    // poll config used when a topic switch restarts the loop
	commitRetries   int           // max attempts of a blocking commit on transient errors
	commitBackoff   time.Duration // initial backoff between blocking commit attempts
	configMap       ConfigMap     // supports all possible Kafka consumer properties
	notifyChan      entity.NotifyChan
	log             bool
}

func (c *Config) String() string {
	return fmt.Sprintf("id: %s, groupId: %s, privilegedTopic: %s, generalTopic: %s, pollTimeoutMs: %d, autoCommit: %v, switchPoll: %+v, commitRetries: %d, props: %+v",
		c.identity.ID, c.identity.GroupID, c.privilegedTopic, c.generalTopic, c.pollTimeoutMs, c.autoCommit, c.switchPoll, c.commitRetries, displayConfig(c.configMap))
}

func NewConfig(identity ConsumerIdentity, privilegedTopic, generalTopic string) *Config {
	return &Config{
		identity:        identity,
		privilegedTopic: privilegedTopic,
		generalTopic:    generalTopic,
		switchPoll:      DefaultPollConfig(),
		commitRetries:   DefaultCommitRetries,
		commitBackoff:   DefaultCommitBackoff,
		configMap:       make(ConfigMap),
	}
}

func (c *Config) SetPollTimout(timeout int) {
	c.pollTimeoutMs = timeout
}

func (c *Config) SetAutoCommit(value bool) {
	c.autoCommit = value
}

func (c *Config) SetSwitchPollConfig(pc PollConfig) {
	c.switchPoll = pc
}

func (c *Config) SetCommitRetries(retries int, backoff time.Duration) {
	c.commitRetries = retries
	c.commitBackoff = backoff
}

func (c *Config) SetNotifyChan(ch entity.NotifyChan, log bool) {
	c.notifyChan = ch
	c.log = log
}

func (c *Config) SetKafkaProperty(prop string, value any) {
	c.configMap[prop] = value
}

func (c *Config) SetProps(props ConfigMap) {
	for k, v := range props {
		c.configMap[k] = v
	}
}

func (c *Config) Identity() ConsumerIdentity {
	return c.identity
}

func (c *Config) Topics() (privileged, general string) {
	return c.privilegedTopic, c.generalTopic
}

func (c *Config) SwitchPollConfig() PollConfig {
	return c.switchPoll
}

// kafkaConfig returns a fresh client config for a new underlying consumer, with
// the props owned by the Consumer applied on top.
func (c *Config) kafkaConfig(autoCommit bool) ConfigMap {
	out := make(ConfigMap, len(c.configMap)+2)
	for k, v := range c.configMap {
		out[k] = v
	}
	if c.identity.GroupID != "" {
		out[PropGroupID] = c.identity.GroupID
	}
	out[PropAutoCommit] = autoCommit
	return out
}

func displayConfig(in ConfigMap) ConfigMap {
	out := make(ConfigMap)
	for k, v := range in {
		if k != "sasl.password" {
			out[k] = v
		}
	}
	return out
}
