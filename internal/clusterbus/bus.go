// Package clusterbus implements the cluster bus (spec §4.7): advisory
// peer heartbeats, failure suspicion, and health reporting. The bus never
// decides membership itself; it only proposes SetNodeStatus transitions
// through MetaRaft once a peer has been unreachable long enough, and only
// when this node is the MetaRaft leader (spec: "the MetaRaft leader may
// propose SetNodeStatus{failed} after confirming lack of contact from
// itself").
package clusterbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aikv/aikv/internal/metastate"
)

const (
	// HeartbeatInterval is how often this node pings every peer.
	HeartbeatInterval = 100 * time.Millisecond
	// SuspectAfter is how long without contact before a peer is marked
	// possibly_failing.
	SuspectAfter = 5 * time.Second
	// FailAfter is how long without contact before the MetaRaft leader
	// may propose the peer as failed.
	FailAfter = 15 * time.Second
)

// Heartbeat is the payload exchanged between every pair of nodes.
type Heartbeat struct {
	From              string
	TermOfMetaRaftSeen uint64
	AppliedIndex      uint64
	Epoch             uint64
	LocalSlotCount    int
}

// Sender delivers one heartbeat to a peer's cluster-bus address.
type Sender interface {
	SendHeartbeat(ctx context.Context, addr string, hb Heartbeat) (Heartbeat, error)
}

// MetaProposer is the slice of the MetaRaft surface the bus needs to
// report a confirmed failure.
type MetaProposer interface {
	IsLeader() bool
	ProposeNodeStatus(ctx context.Context, nodeID string, status metastate.NodeStatus) error
}

type peerState struct {
	lastSeen time.Time
	status   metastate.NodeStatus
}

// Bus runs one node's heartbeat sender/receiver loop.
type Bus struct {
	localID string
	sender  Sender
	meta    MetaProposer
	view    func() *metastate.ClusterView
	log     zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	stopCh chan struct{}
}

// New returns a cluster bus for localID. view returns the latest
// published MetaRaft cluster view, used to discover peer addresses.
func New(localID string, sender Sender, meta MetaProposer, view func() *metastate.ClusterView, log zerolog.Logger) *Bus {
	return &Bus{
		localID: localID,
		sender:  sender,
		meta:    meta,
		view:    view,
		log:     log.With().Str("component", "clusterbus").Logger(),
		peers:   make(map[string]*peerState),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic heartbeat loop. Stop ends it.
func (b *Bus) Start() {
	go b.run()
}

func (b *Bus) Stop() {
	close(b.stopCh)
}

func (b *Bus) run() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bus) tick() {
	view := b.view()
	if view == nil {
		return
	}

	for id, node := range view.Nodes {
		if id == b.localID {
			continue
		}
		go b.ping(id, node.Addr, view)
	}

	b.checkSuspicion(view)
}

func (b *Bus) ping(peerID, addr string, view *metastate.ClusterView) {
	slotCount := 0
	for _, owner := range view.SlotOwner {
		if owner == b.localID {
			slotCount++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), HeartbeatInterval*2)
	defer cancel()

	_, err := b.sender.SendHeartbeat(ctx, addr, Heartbeat{
		From:           b.localID,
		AppliedIndex:   view.AppliedIndex,
		Epoch:          view.ConfigEpoch,
		LocalSlotCount: slotCount,
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.peers[peerID]
	if !ok {
		st = &peerState{status: metastate.StatusOnline}
		b.peers[peerID] = st
	}
	if err == nil {
		st.lastSeen = time.Now()
		st.status = metastate.StatusOnline
	}
}

// HandleHeartbeat answers an inbound heartbeat from a peer, recording
// contact and returning this node's own heartbeat.
func (b *Bus) HandleHeartbeat(hb Heartbeat) Heartbeat {
	b.mu.Lock()
	st, ok := b.peers[hb.From]
	if !ok {
		st = &peerState{}
		b.peers[hb.From] = st
	}
	st.lastSeen = time.Now()
	st.status = metastate.StatusOnline
	b.mu.Unlock()

	view := b.view()
	var applied, epoch uint64
	var slots int
	if view != nil {
		applied, epoch = view.AppliedIndex, view.ConfigEpoch
		for _, owner := range view.SlotOwner {
			if owner == b.localID {
				slots++
			}
		}
	}
	return Heartbeat{From: b.localID, AppliedIndex: applied, Epoch: epoch, LocalSlotCount: slots}
}

func (b *Bus) checkSuspicion(view *metastate.ClusterView) {
	now := time.Now()

	b.mu.Lock()
	type transition struct {
		id     string
		status metastate.NodeStatus
	}
	var transitions []transition
	for id, st := range b.peers {
		if st.lastSeen.IsZero() {
			continue
		}
		since := now.Sub(st.lastSeen)
		switch {
		case since > FailAfter && st.status != metastate.StatusFailed:
			st.status = metastate.StatusFailed
			transitions = append(transitions, transition{id, metastate.StatusFailed})
		case since > SuspectAfter && st.status == metastate.StatusOnline:
			st.status = metastate.StatusPossiblyFailing
			transitions = append(transitions, transition{id, metastate.StatusPossiblyFailing})
		}
	}
	b.mu.Unlock()

	if !b.meta.IsLeader() {
		return
	}
	for _, t := range transitions {
		if t.status != metastate.StatusFailed {
			continue
		}
		if n, ok := view.Nodes[t.id]; !ok || n.Status == metastate.StatusFailed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.meta.ProposeNodeStatus(ctx, t.id, metastate.StatusFailed); err != nil {
			b.log.Warn().Err(err).Str("peer", t.id).Msg("failed to propose node failure")
		}
		cancel()
	}
}
