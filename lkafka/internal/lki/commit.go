package lki

import (
	"errors"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/zpiroux/geist-connector-kafka-leader/ikafka"
	"github.com/zpiroux/geist/entity"
	"github.com/zpiroux/geist/pkg/notify"
)

// commitPolicy decides how consumption progress is acknowledged to Kafka after
// each batch and when a poll loop exits.
type commitPolicy struct {
	retries  int
	backoff  time.Duration
	notifier *notify.Notifier
	metrics  *Metrics
	pending  sync.WaitGroup // in-flight async commits
}

func newCommitPolicy(retries int, backoff time.Duration, notifier *notify.Notifier, metrics *Metrics) *commitPolicy {
	if retries < 1 {
		retries = 1
	}
	return &commitPolicy{
		retries:  retries,
		backoff:  backoff,
		notifier: notifier,
		metrics:  metrics,
	}
}

// apply is called once per batch. With autoCommit the client's own periodic
// commit governs durability and nothing is done here.
func (p *commitPolicy) apply(cl ikafka.Consumer, autoCommit, commitSync bool, offsets []kafka.TopicPartition) {
	if autoCommit || len(offsets) == 0 {
		return
	}

	if commitSync {
		if err := p.commitSync(cl, offsets, commitModeSync); err != nil {
			// Offsets stay in the tracker and are part of the next commit
			p.notifier.Notify(entity.NotifyLevelError, "Blocking commit of offsets %v failed, err: %v", offsets, err)
		}
		return
	}

	p.commitAsync(cl, offsets, func(committed []kafka.TopicPartition, err error) {
		if err != nil {
			p.notifier.Notify(entity.NotifyLevelError, "Async commit of offsets %v failed, err: %v", offsets, err)
		}
	})
}

// commitSync commits offsets, retrying transient failures with exponential backoff.
func (p *commitPolicy) commitSync(cl ikafka.Consumer, offsets []kafka.TopicPartition, mode string) error {
	var err error
	backoff := p.backoff

	for attempt := 1; ; attempt++ {
		err = commitOffsets(cl, offsets)
		if err == nil {
			break
		}
		if !isTransientCommitError(err) || attempt >= p.retries {
			break
		}
		p.notifier.Notify(entity.NotifyLevelWarn, "Transient commit failure (attempt #%d), retrying in %v, err: %v", attempt, backoff, err)
		time.Sleep(backoff)
		backoff *= 2
	}

	p.metrics.commit(mode, err)
	return err
}

// commitAsync submits a commit without waiting for it. Failures are reported to
// onComplete only, there is no retry.
func (p *commitPolicy) commitAsync(cl ikafka.Consumer, offsets []kafka.TopicPartition, onComplete func([]kafka.TopicPartition, error)) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		err := commitOffsets(cl, offsets)
		p.metrics.commit(commitModeAsync, err)
		onComplete(offsets, err)
	}()
}

// flush waits for in-flight async commits and then performs the blocking commit
// done when a poll loop exits. It is attempted on every exit, with or without
// autoCommit. Nil offsets commit the client's current positions.
func (p *commitPolicy) flush(cl ikafka.Consumer, offsets []kafka.TopicPartition) error {
	p.pending.Wait()
	if len(offsets) == 0 {
		offsets = nil
		p.notifier.Notify(entity.NotifyLevelDebug, "No tracked offsets, committing current positions on exit")
	}
	return p.commitSync(cl, offsets, commitModeFinal)
}

func commitOffsets(cl ikafka.Consumer, offsets []kafka.TopicPartition) error {
	committed, err := cl.CommitOffsets(offsets)
	if err != nil {
		if isNoOffset(err) {
			return nil
		}
		return err
	}
	for _, tp := range committed {
		if tp.Error != nil {
			return tp.Error
		}
	}
	return nil
}

func isTransientCommitError(err error) bool {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return false
	}
	if kerr.IsFatal() {
		return false
	}
	switch kerr.Code() {
	case kafka.ErrRequestTimedOut, kafka.ErrTimedOut, kafka.ErrCoordinatorLoadInProgress, kafka.ErrNotCoordinator:
		return true
	}
	return kerr.IsRetriable()
}

func isNoOffset(err error) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset
}
