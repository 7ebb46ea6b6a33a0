package server

import (
	"context"

	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/raft"
)

// metaGroup adapts one node's MetaRaft *raft.Node plus its attached
// metastate.Machine to the narrower interfaces internal/membership,
// internal/clusterbus and internal/migration each need, so none of them
// imports internal/raft directly.
type metaGroup struct {
	node    *raft.Node
	machine *metastate.Machine
}

func newMetaGroup(node *raft.Node, machine *metastate.Machine) *metaGroup {
	return &metaGroup{node: node, machine: machine}
}

// membership.MetaRaft

func (g *metaGroup) SubmitWithResult(ctx context.Context, command []byte) (raft.CommitResult, error) {
	return g.node.SubmitWithResult(ctx, command)
}

func (g *metaGroup) AddLearner(ctx context.Context, id string) error    { return g.node.AddLearner(ctx, id) }
func (g *metaGroup) PromoteLearner(ctx context.Context, id string) error {
	return g.node.PromoteLearner(ctx, id)
}
func (g *metaGroup) RemoveVoter(ctx context.Context, id string) error { return g.node.RemoveVoter(ctx, id) }
func (g *metaGroup) IsLeader() bool                                   { return g.node.IsLeader() }
func (g *metaGroup) LeaderID() string                                 { return g.node.LeaderID() }
func (g *metaGroup) Configuration() raft.Configuration                { return g.node.Configuration() }

// clusterbus.MetaProposer

func (g *metaGroup) ProposeNodeStatus(ctx context.Context, nodeID string, status metastate.NodeStatus) error {
	_, err := g.propose(ctx, metastate.Command{Type: metastate.CmdSetNodeStatus, NodeID: nodeID, Status: status})
	return err
}

// migration.MetaProposer

func (g *metaGroup) Propose(ctx context.Context, cmd metastate.Command) (metastate.Response, error) {
	return g.propose(ctx, cmd)
}

func (g *metaGroup) View() *metastate.ClusterView {
	return g.machine.GetClusterMeta()
}

func (g *metaGroup) propose(ctx context.Context, cmd metastate.Command) (metastate.Response, error) {
	payload, err := metastate.Encode(cmd)
	if err != nil {
		return metastate.Response{}, err
	}
	result, err := g.node.SubmitWithResult(ctx, payload)
	if err != nil {
		return metastate.Response{}, err
	}
	return metastate.DecodeResponse(result.Response)
}
