package leadership

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"
)

// Source reports leadership changes, true meaning that this node became leader.
type Source interface {
	LeaderCh() <-chan bool
}

var _ Source = (*raft.Raft)(nil)

// Watch calls fn for each leadership change reported by src, until ctx is done
// or the channel is closed. Calls to fn are never concurrent.
func Watch(ctx context.Context, src Source, fn func(isLeader bool)) {
	ch := src.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader, ok := <-ch:
			if !ok {
				return
			}
			fn(isLeader)
		}
	}
}

// NewStandaloneRaft starts a single-node raft instance with in-memory storage
// and transport, bootstrapped with itself as the only voter. It becomes leader
// after its first election timeout. Raft logs go to logOutput, or are discarded
// if nil.
func NewStandaloneRaft(nodeID string, logOutput io.Writer) (*raft.Raft, error) {
	if logOutput == nil {
		logOutput = io.Discard
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.ElectionTimeout = 100 * time.Millisecond
	cfg.LeaderLeaseTimeout = 100 * time.Millisecond
	cfg.CommitTimeout = 10 * time.Millisecond
	cfg.LogOutput = logOutput

	store := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()
	addr, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))

	r, err := raft.NewRaft(cfg, nopFSM{}, store, store, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:       cfg.LocalID,
				Address:  addr,
				Suffrage: raft.Voter,
			},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		r.Shutdown()
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return r, nil
}

// nopFSM carries no replicated state, raft is only used for its election.
type nopFSM struct{}

func (nopFSM) Apply(*raft.Log) any {
	return nil
}

func (nopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return nopSnapshot{}, nil
}

func (nopFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type nopSnapshot struct{}

func (nopSnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (nopSnapshot) Release() {}
