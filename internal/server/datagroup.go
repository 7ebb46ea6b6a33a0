package server

import (
	"context"
	"time"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/router"
)

// expirySweepInterval paces the active-expiration scan (spec §4.3:
// "a background task, gated on leadership, proposes DEL entries for
// expired keys discovered ... during a paced scan").
const expirySweepInterval = 1 * time.Second

// expirySweepBatch bounds how many expired keys one sweep proposes, so a
// shard with many simultaneously-expiring keys doesn't starve normal
// traffic for one apply-loop turn.
const expirySweepBatch = 256

// dataGroup adapts one data group's *raft.Node plus its attached
// datastate.Machine to the narrower interfaces internal/admission and
// internal/migration each need, and drives its own active-expiration
// sweep while this node leads the group.
type dataGroup struct {
	node         *raft.Node
	machine      *datastate.Machine
	leaderAddrFn func(nodeID string) string

	stopSweep chan struct{}
}

func newDataGroup(node *raft.Node, machine *datastate.Machine, leaderAddrFn func(string) string) *dataGroup {
	return &dataGroup{node: node, machine: machine, leaderAddrFn: leaderAddrFn, stopSweep: make(chan struct{})}
}

// runExpirySweep periodically proposes DEL for every key this shard's
// state machine reports has passed its TTL, but only while this node
// leads the group (only the leader may propose); on a follower the
// sweep is a no-op tick, since the leader's own sweep (or lazy
// expiration on access) will cover the key.
func (g *dataGroup) runExpirySweep() {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopSweep:
			return
		case <-ticker.C:
			if !g.node.IsLeader() {
				continue
			}
			for _, key := range g.machine.ExpiredKeys(expirySweepBatch) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, _ = g.Propose(ctx, datastate.Command{Type: datastate.CmdDel, Key: key})
				cancel()
			}
		}
	}
}

func (g *dataGroup) stopExpirySweep() { close(g.stopSweep) }

// admission.DataGroup + migration.DataGroup shared surface

func (g *dataGroup) GroupID() uint64 { return g.node.GroupID() }
func (g *dataGroup) IsLeader() bool  { return g.node.IsLeader() }

// LeaderHint resolves the current leader's client-facing address, for
// the admission layer's NotLeader->MOVED translation when this node
// hosts a group it does not lead.
func (g *dataGroup) LeaderHint() string {
	leader := g.node.LeaderID()
	if leader == "" {
		return ""
	}
	return g.leaderAddrFn(leader)
}

func (g *dataGroup) Propose(ctx context.Context, cmd datastate.Command) (datastate.Response, error) {
	payload, err := datastate.Encode(cmd)
	if err != nil {
		return datastate.Response{}, err
	}
	result, err := g.node.SubmitWithResult(ctx, payload)
	if err != nil {
		return datastate.Response{}, err
	}
	return datastate.DecodeResponse(result.Response)
}

func (g *dataGroup) Get(key string) ([]byte, bool, error)        { return g.machine.Get(key) }
func (g *dataGroup) TypeOf(key string) (datastate.TypeTag, bool) { return g.machine.TypeOf(key) }
func (g *dataGroup) HasKey(key string) bool                      { return g.machine.HasKey(key) }

func (g *dataGroup) KeysInSlot(slot int) []string { return g.machine.KeysInSlot(router.SlotOf, slot) }
func (g *dataGroup) ExportRaw(key string) ([]byte, bool) { return g.machine.ExportRaw(key) }
