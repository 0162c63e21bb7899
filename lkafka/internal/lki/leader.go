package lki

import (
	"sync"

	"github.com/zpiroux/geist/entity"
	"github.com/zpiroux/geist/pkg/notify"
)

type LeadershipState int

const (
	NotLeader LeadershipState = iota
	Leader
)

func (s LeadershipState) String() string {
	if s == Leader {
		return "Leader"
	}
	return "NotLeader"
}

func LeadershipFromBool(isLeader bool) LeadershipState {
	if isLeader {
		return Leader
	}
	return NotLeader
}

type topicSwitcher interface {
	SwitchTopic(topic string) error
}

// LeadershipSwitch binds the privileged topic while leader and the general topic
// otherwise. Notifications are serialized, so a transition is fully applied
// before the next one is looked at.
type LeadershipSwitch struct {
	mu              sync.Mutex
	state           LeadershipState
	privilegedTopic string
	generalTopic    string
	switcher        topicSwitcher
	notifier        *notify.Notifier
	metrics         *Metrics
}

func newLeadershipSwitch(privilegedTopic, generalTopic string, switcher topicSwitcher, notifier *notify.Notifier, metrics *Metrics) *LeadershipSwitch {
	return &LeadershipSwitch{
		state:           NotLeader,
		privilegedTopic: privilegedTopic,
		generalTopic:    generalTopic,
		switcher:        switcher,
		notifier:        notifier,
		metrics:         metrics,
	}
}

// OnLeadershipChanged is a no-op if newState is the current state. Must not be
// called from within a record handler, since the switch waits for the poll loop
// running that handler to exit.
//
// newState is recorded before the topic switch. If the switch fails, repeating
// the same notification does nothing; use Resync to retry it.
func (l *LeadershipSwitch) OnLeadershipChanged(newState LeadershipState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if newState == l.state {
		return nil
	}
	l.state = newState
	l.metrics.leadershipChanged(newState)

	topic := l.generalTopic
	if newState == Leader {
		topic = l.privilegedTopic
		l.notifier.Notify(entity.NotifyLevelInfo, "I'm the new leader, switching to topic '%s'", topic)
	} else {
		l.notifier.Notify(entity.NotifyLevelInfo, "Stepped down from leadership, switching to topic '%s'", topic)
	}

	if err := l.switcher.SwitchTopic(topic); err != nil {
		l.notifier.Notify(entity.NotifyLevelError, "Topic switch on leadership change to %s failed, err: %v", newState, err)
		return err
	}
	return nil
}

// Resync switches to the topic of the current leadership state, whether or not
// the last switch succeeded.
func (l *LeadershipSwitch) Resync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	topic := l.generalTopic
	if l.state == Leader {
		topic = l.privilegedTopic
	}
	l.notifier.Notify(entity.NotifyLevelInfo, "Resyncing leadership state %s, switching to topic '%s'", l.state, topic)
	if err := l.switcher.SwitchTopic(topic); err != nil {
		l.notifier.Notify(entity.NotifyLevelError, "Topic switch on leadership resync failed, err: %v", err)
		return err
	}
	return nil
}

func (l *LeadershipSwitch) State() LeadershipState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
