// Package membership implements the membership controller (spec §4.8):
// operator CLUSTER subcommands reduce to MetaRaft proposals. The
// controller serializes operator actions per node and surfaces
// InProgress for overlapping membership changes so callers retry.
package membership

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/router"
	"github.com/aikv/aikv/internal/wire"
)

// MetaRaft is the group-0 raft.Node surface the controller drives.
type MetaRaft interface {
	SubmitWithResult(ctx context.Context, command []byte) (raft.CommitResult, error)
	AddLearner(ctx context.Context, id string) error
	PromoteLearner(ctx context.Context, id string) error
	RemoveVoter(ctx context.Context, id string) error
	IsLeader() bool
	LeaderID() string
	Configuration() raft.Configuration
}

// GroupLookup resolves a locally-hosted data group's Machine, for
// COUNTKEYSINSLOT/GETKEYSINSLOT; ok is false if this node does not host
// that group at all.
type GroupLookup func(groupID uint64) (*datastate.Machine, bool)

// Controller is one node's membership controller.
type Controller struct {
	mu sync.Mutex

	localNodeID string
	localAddr   string
	meta        MetaRaft
	metaMachine *metastate.Machine
	numGroups   uint64
	groups      GroupLookup

	inFlight bool
}

// New returns a membership controller bound to this node's MetaRaft
// participation.
func New(localNodeID, localAddr string, meta MetaRaft, metaMachine *metastate.Machine, numGroups uint64, groups GroupLookup) *Controller {
	return &Controller{
		localNodeID: localNodeID,
		localAddr:   localAddr,
		meta:        meta,
		metaMachine: metaMachine,
		numGroups:   numGroups,
		groups:      groups,
	}
}

// Handle dispatches one CLUSTER subcommand. args is the command's
// arguments with args[0] the subcommand name (e.g. "NODES", "ADDSLOTS").
func (c *Controller) Handle(ctx context.Context, args []string) wire.Reply {
	if len(args) == 0 {
		return wire.Err("ERR wrong number of arguments for 'cluster' command")
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]

	switch sub {
	case "MYID":
		return wire.Bulk([]byte(c.localNodeID))
	case "KEYSLOT":
		if len(rest) != 1 {
			return wire.Err("ERR wrong number of arguments")
		}
		return wire.Int(int64(router.SlotOf(rest[0])))
	case "NODES":
		return wire.Bulk([]byte(c.nodesText()))
	case "INFO":
		return wire.Bulk([]byte(c.infoText()))
	case "SLOTS":
		return c.slotsReply()
	case "SHARDS":
		return c.shardsReply()
	case "COUNTKEYSINSLOT":
		return c.countKeysInSlot(rest)
	case "GETKEYSINSLOT":
		return c.getKeysInSlot(rest)
	case "ADDSLOTS":
		return c.addSlots(ctx, rest)
	case "ADDSLOTSRANGE":
		return c.addSlotsRange(ctx, rest)
	case "DELSLOTS":
		return c.delSlots(ctx, rest)
	case "SETSLOT":
		return c.setSlot(ctx, rest)
	case "MEET":
		return c.meet(ctx, rest)
	case "FORGET":
		return c.forget(ctx, rest)
	case "REPLICATE":
		return c.replicate(ctx, rest)
	case "REPLICAS":
		return c.replicas(rest)
	case "FAILOVER":
		return c.failover(ctx, rest)
	case "RESET":
		return c.reset(ctx, rest)
	case "ADDREPLICATION":
		return c.addReplication(ctx, rest)
	case "METARAFT":
		return c.metaraft(ctx, rest)
	default:
		return wire.Err(fmt.Sprintf("ERR unknown CLUSTER subcommand '%s'", args[0]))
	}
}

// withLock serializes operator actions per node and rejects overlapping
// membership changes with InProgress, per spec §4.8.
func (c *Controller) withLock(fn func() wire.Reply) wire.Reply {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return wire.Err("InProgress a membership change is already in progress")
	}
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()
	return fn()
}

func (c *Controller) requireLeader() (wire.Reply, bool) {
	if c.meta.IsLeader() {
		return wire.Reply{}, true
	}
	hint := c.leaderAddr()
	if hint == "" {
		return wire.Err("CLUSTERDOWN no known MetaRaft leader"), false
	}
	return wire.Err("CLUSTERLEADER " + hint), false
}

func (c *Controller) leaderAddr() string {
	leaderID := c.meta.LeaderID()
	if leaderID == "" {
		return ""
	}
	view := c.metaMachine.GetClusterMeta()
	if n, ok := view.Nodes[leaderID]; ok {
		return n.Addr
	}
	return leaderID
}

func (c *Controller) propose(ctx context.Context, cmd metastate.Command) (metastate.Response, error) {
	payload, err := metastate.Encode(cmd)
	if err != nil {
		return metastate.Response{}, err
	}
	result, err := c.meta.SubmitWithResult(ctx, payload)
	if err != nil {
		return metastate.Response{}, err
	}
	return metastate.DecodeResponse(result.Response)
}

func replyFromResponse(resp metastate.Response, err error) wire.Reply {
	if err != nil {
		if err == raft.ErrNotLeader {
			return wire.Err("ERR not the MetaRaft leader")
		}
		if err == raft.ErrInProgress {
			return wire.Err("InProgress")
		}
		return wire.Err("ERR " + err.Error())
	}
	if !resp.OK {
		return wire.Err("ERR " + resp.Err)
	}
	return wire.Simple("OK")
}

// --- read-only introspection ---

func (c *Controller) nodesText() string {
	view := c.metaMachine.GetClusterMeta()
	ids := make([]string, 0, len(view.Nodes))
	for id := range view.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		n := view.Nodes[id]
		fmt.Fprintf(&sb, "%s %s:%d@%d %s %s %d %d connected\n",
			id, n.Addr, n.ClusterPort, n.ClusterPort+10000, n.Role, n.MasterOf, n.Epoch, view.AppliedIndex)
	}
	return sb.String()
}

func (c *Controller) infoText() string {
	view := c.metaMachine.GetClusterMeta()
	assigned := 0
	for _, owner := range view.SlotOwner {
		if owner != "" {
			assigned++
		}
	}
	state := "ok"
	if assigned < metastate.NumSlots {
		state = "fail"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "cluster_state:%s\n", state)
	fmt.Fprintf(&sb, "cluster_slots_assigned:%d\n", assigned)
	fmt.Fprintf(&sb, "cluster_known_nodes:%d\n", len(view.Nodes))
	fmt.Fprintf(&sb, "cluster_size:%d\n", view.NumGroups)
	fmt.Fprintf(&sb, "cluster_current_epoch:%d\n", view.ConfigEpoch)
	return sb.String()
}

func (c *Controller) slotsReply() wire.Reply {
	view := c.metaMachine.GetClusterMeta()
	var items []wire.Reply
	start := -1
	var owner string
	flush := func(end int) {
		if start < 0 {
			return
		}
		n := view.Nodes[owner]
		items = append(items, wire.Array(
			wire.Int(int64(start)), wire.Int(int64(end)),
			wire.Array(wire.Bulk([]byte(n.Addr)), wire.Int(int64(n.ClusterPort)), wire.Bulk([]byte(owner))),
		))
	}
	for s := 0; s < metastate.NumSlots; s++ {
		o := view.SlotOwner[s]
		if o == owner && start >= 0 {
			continue
		}
		flush(s - 1)
		start, owner = -1, ""
		if o != "" {
			start, owner = s, o
		}
	}
	flush(metastate.NumSlots - 1)
	return wire.Array(items...)
}

func (c *Controller) shardsReply() wire.Reply {
	return c.slotsReply()
}

func (c *Controller) countKeysInSlot(rest []string) wire.Reply {
	if len(rest) != 1 {
		return wire.Err("ERR wrong number of arguments")
	}
	slot, err := strconv.Atoi(rest[0])
	if err != nil {
		return wire.Err("ERR invalid slot")
	}
	keys := c.keysInSlot(slot)
	return wire.Int(int64(len(keys)))
}

func (c *Controller) getKeysInSlot(rest []string) wire.Reply {
	if len(rest) != 2 {
		return wire.Err("ERR wrong number of arguments")
	}
	slot, err := strconv.Atoi(rest[0])
	if err != nil {
		return wire.Err("ERR invalid slot")
	}
	count, err := strconv.Atoi(rest[1])
	if err != nil {
		return wire.Err("ERR invalid count")
	}
	keys := c.keysInSlot(slot)
	if count < len(keys) {
		keys = keys[:count]
	}
	items := make([]wire.Reply, len(keys))
	for i, k := range keys {
		items[i] = wire.Bulk([]byte(k))
	}
	return wire.Array(items...)
}

func (c *Controller) keysInSlot(slot int) []string {
	view := c.metaMachine.GetClusterMeta()
	groupID := router.GroupOf(slot, view.NumGroups)
	g, ok := c.groups(groupID)
	if !ok {
		return nil
	}
	keys := g.KeysInSlot(router.SlotOf, slot)
	sort.Strings(keys)
	return keys
}

// --- slot ownership mutations ---

func (c *Controller) addSlots(ctx context.Context, rest []string) wire.Reply {
	if len(rest) == 0 {
		return wire.Err("ERR wrong number of arguments")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		for _, s := range rest {
			slot, err := strconv.Atoi(s)
			if err != nil {
				return wire.Err("ERR invalid slot")
			}
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdAssignSlotRange, FromSlot: slot, ToSlot: slot, OwnerNode: c.localNodeID,
			})
			if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
				return reply
			}
		}
		return wire.Simple("OK")
	})
}

func (c *Controller) addSlotsRange(ctx context.Context, rest []string) wire.Reply {
	if len(rest) < 2 {
		return wire.Err("ERR wrong number of arguments")
	}
	from, err := strconv.Atoi(rest[0])
	if err != nil {
		return wire.Err("ERR invalid slot")
	}
	to, err := strconv.Atoi(rest[1])
	if err != nil {
		return wire.Err("ERR invalid slot")
	}
	// Resolved open question: ADDSLOTSRANGE without an owner defaults to
	// the caller's own node id.
	owner := c.localNodeID
	if len(rest) >= 3 {
		owner = rest[2]
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		resp, err := c.propose(ctx, metastate.Command{
			Type: metastate.CmdAssignSlotRange, FromSlot: from, ToSlot: to, OwnerNode: owner,
		})
		return replyFromResponse(resp, err)
	})
}

func (c *Controller) delSlots(ctx context.Context, rest []string) wire.Reply {
	if len(rest) == 0 {
		return wire.Err("ERR wrong number of arguments")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		for _, s := range rest {
			slot, err := strconv.Atoi(s)
			if err != nil {
				return wire.Err("ERR invalid slot")
			}
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdUnassignSlotRange, FromSlot: slot, ToSlot: slot,
			})
			if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
				return reply
			}
		}
		return wire.Simple("OK")
	})
}

func (c *Controller) setSlot(ctx context.Context, rest []string) wire.Reply {
	if len(rest) < 2 {
		return wire.Err("ERR wrong number of arguments")
	}
	slot, err := strconv.Atoi(rest[0])
	if err != nil {
		return wire.Err("ERR invalid slot")
	}
	mode := strings.ToUpper(rest[1])

	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		switch mode {
		case "STABLE":
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdSetSlotState, Slot: slot, NewState: metastate.SlotState{Kind: metastate.SlotStable},
			})
			return replyFromResponse(resp, err)
		case "MIGRATING":
			if len(rest) < 3 {
				return wire.Err("ERR SETSLOT MIGRATING requires a target node id")
			}
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdSetSlotState, Slot: slot,
				NewState: metastate.SlotState{Kind: metastate.SlotMigrating, To: rest[2]},
			})
			return replyFromResponse(resp, err)
		case "IMPORTING":
			if len(rest) < 3 {
				return wire.Err("ERR SETSLOT IMPORTING requires a source node id")
			}
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdSetSlotState, Slot: slot,
				NewState: metastate.SlotState{Kind: metastate.SlotImporting, From: rest[2]},
			})
			return replyFromResponse(resp, err)
		case "NODE":
			if len(rest) < 3 {
				return wire.Err("ERR SETSLOT NODE requires a node id")
			}
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdAssignSlotRange, FromSlot: slot, ToSlot: slot, OwnerNode: rest[2],
			})
			return replyFromResponse(resp, err)
		default:
			return wire.Err("ERR unknown SETSLOT mode '" + rest[1] + "'")
		}
	})
}

// --- cluster-bus membership (MEET/FORGET) and replication topology ---

func (c *Controller) meet(ctx context.Context, rest []string) wire.Reply {
	if len(rest) < 2 {
		return wire.Err("ERR wrong number of arguments")
	}
	ip, port := rest[0], rest[1]
	id := fmt.Sprintf("%s:%s", ip, port)
	if len(rest) >= 3 {
		id = rest[2]
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		clusterPort, _ := strconv.Atoi(port)
		resp, err := c.propose(ctx, metastate.Command{
			Type: metastate.CmdAddNode, NodeID: id, Addr: ip, ClusterPort: clusterPort, Role: metastate.RoleMaster,
		})
		if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
			return reply
		}
		if err := c.meta.AddLearner(ctx, id); err != nil && err != raft.ErrInProgress {
			return wire.Err("ERR " + err.Error())
		}
		return wire.Simple("OK")
	})
}

func (c *Controller) forget(ctx context.Context, rest []string) wire.Reply {
	if len(rest) != 1 {
		return wire.Err("ERR wrong number of arguments")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		resp, err := c.propose(ctx, metastate.Command{Type: metastate.CmdRemoveNode, NodeID: rest[0]})
		if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
			return reply
		}
		if err := c.meta.RemoveVoter(ctx, rest[0]); err != nil && err != raft.ErrInProgress {
			return wire.Err("ERR " + err.Error())
		}
		return wire.Simple("OK")
	})
}

func (c *Controller) replicate(ctx context.Context, rest []string) wire.Reply {
	if len(rest) != 1 {
		return wire.Err("ERR wrong number of arguments")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		resp, err := c.propose(ctx, metastate.Command{
			Type: metastate.CmdSetReplica, Replica: c.localNodeID, Master: rest[0],
		})
		return replyFromResponse(resp, err)
	})
}

func (c *Controller) addReplication(ctx context.Context, rest []string) wire.Reply {
	if len(rest) != 2 {
		return wire.Err("ERR wrong number of arguments")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		resp, err := c.propose(ctx, metastate.Command{
			Type: metastate.CmdSetReplica, Replica: rest[0], Master: rest[1],
		})
		return replyFromResponse(resp, err)
	})
}

func (c *Controller) replicas(rest []string) wire.Reply {
	if len(rest) != 1 {
		return wire.Err("ERR wrong number of arguments")
	}
	view := c.metaMachine.GetClusterMeta()
	var items []wire.Reply
	ids := make([]string, 0)
	for id, n := range view.Nodes {
		if n.Role == metastate.RoleReplica && n.MasterOf == rest[0] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		items = append(items, wire.Bulk([]byte(id)))
	}
	return wire.Array(items...)
}

// failover handles CLUSTER FAILOVER [FORCE|TAKEOVER]. TAKEOVER is the
// spec's documented shortcut: it bumps config_epoch and claims the
// former master's slots unilaterally, without requiring the old
// master's consent, for use when that master is unreachable.
func (c *Controller) failover(ctx context.Context, rest []string) wire.Reply {
	mode := ""
	if len(rest) > 0 {
		mode = strings.ToUpper(rest[0])
	}
	if mode != "TAKEOVER" {
		return c.withLock(func() wire.Reply {
			if r, ok := c.requireLeader(); !ok {
				return r
			}
			resp, err := c.propose(ctx, metastate.Command{Type: metastate.CmdBumpConfigEpoch, TargetNode: c.localNodeID})
			return replyFromResponse(resp, err)
		})
	}

	return c.withLock(func() wire.Reply {
		view := c.metaMachine.GetClusterMeta()
		self, ok := view.Nodes[c.localNodeID]
		if !ok || self.Role != metastate.RoleReplica || self.MasterOf == "" {
			return wire.Err("ERR this node is not a replica")
		}

		resp, err := c.propose(ctx, metastate.Command{
			Type: metastate.CmdAddNode, NodeID: c.localNodeID, Addr: c.localAddr,
			Role: metastate.RoleMaster, DataGroupID: self.DataGroupID,
		})
		if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
			return reply
		}

		var ranges [][2]int
		start := -1
		for s := 0; s <= metastate.NumSlots; s++ {
			owned := s < metastate.NumSlots && view.SlotOwner[s] == self.MasterOf
			if owned && start < 0 {
				start = s
			} else if !owned && start >= 0 {
				ranges = append(ranges, [2]int{start, s - 1})
				start = -1
			}
		}
		for _, r := range ranges {
			// Release the former master's ownership first: AssignSlotRange
			// refuses slots that another node still owns.
			resp, err := c.propose(ctx, metastate.Command{
				Type: metastate.CmdUnassignSlotRange, FromSlot: r[0], ToSlot: r[1],
			})
			if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
				return reply
			}
			resp, err = c.propose(ctx, metastate.Command{
				Type: metastate.CmdAssignSlotRange, FromSlot: r[0], ToSlot: r[1], OwnerNode: c.localNodeID,
			})
			if reply := replyFromResponse(resp, err); reply.Kind == wire.ReplyError {
				return reply
			}
		}

		resp, err = c.propose(ctx, metastate.Command{Type: metastate.CmdBumpConfigEpoch, TargetNode: c.localNodeID})
		return replyFromResponse(resp, err)
	})
}

func (c *Controller) reset(ctx context.Context, rest []string) wire.Reply {
	mode := "SOFT"
	if len(rest) > 0 {
		mode = strings.ToUpper(rest[0])
	}
	if mode == "HARD" {
		return wire.Err("ERR RESET HARD is not supported; restart the process instead")
	}
	return c.withLock(func() wire.Reply {
		if r, ok := c.requireLeader(); !ok {
			return r
		}
		resp, err := c.propose(ctx, metastate.Command{Type: metastate.CmdUnassignSlotRange, FromSlot: 0, ToSlot: metastate.NumSlots - 1})
		return replyFromResponse(resp, err)
	})
}

// --- CLUSTER METARAFT ---

func (c *Controller) metaraft(ctx context.Context, rest []string) wire.Reply {
	if len(rest) == 0 {
		return wire.Err("ERR wrong number of arguments")
	}
	sub := strings.ToUpper(rest[0])
	args := rest[1:]

	switch sub {
	case "MEMBERS":
		cfg := c.meta.Configuration()
		var items []wire.Reply
		for _, v := range cfg.Voters {
			items = append(items, wire.Array(wire.Bulk([]byte(v)), wire.Simple("voter")))
		}
		for _, l := range cfg.Learners {
			items = append(items, wire.Array(wire.Bulk([]byte(l)), wire.Simple("learner")))
		}
		return wire.Array(items...)

	case "ADDLEARNER":
		if len(args) < 2 {
			return wire.Err("ERR wrong number of arguments")
		}
		id, addr := args[0], args[1]
		return c.withLock(func() wire.Reply {
			if err := c.meta.AddLearner(ctx, id); err != nil {
				return wire.Err(errToWire(err))
			}
			resp, err := c.propose(ctx, metastate.Command{Type: metastate.CmdAddNode, NodeID: id, Addr: addr, Role: metastate.RoleMaster})
			return replyFromResponse(resp, err)
		})

	case "PROMOTE":
		if len(args) == 0 {
			return wire.Err("ERR wrong number of arguments")
		}
		return c.withLock(func() wire.Reply {
			view := c.metaMachine.GetClusterMeta()
			for _, id := range args {
				// Only nodes present in the cluster map may become voters.
				if _, ok := view.Nodes[id]; !ok {
					return wire.Err("ERR node " + id + " is not in the cluster map")
				}
				if err := c.meta.PromoteLearner(ctx, id); err != nil {
					return wire.Err(errToWire(err))
				}
			}
			return wire.Simple("OK")
		})

	case "STATUS":
		cfg := c.meta.Configuration()
		return wire.Bulk([]byte(fmt.Sprintf("is_leader:%v voters:%d learners:%d",
			c.meta.IsLeader(), len(cfg.Voters), len(cfg.Learners))))

	default:
		return wire.Err(fmt.Sprintf("ERR unknown CLUSTER METARAFT subcommand '%s'", rest[0]))
	}
}

func errToWire(err error) string {
	switch err {
	case raft.ErrInProgress:
		return "InProgress"
	case raft.ErrNotCaughtUp:
		return "InProgress learner has not caught up"
	case raft.ErrNotLeader:
		return "ERR not the MetaRaft leader"
	default:
		return "ERR " + err.Error()
	}
}
