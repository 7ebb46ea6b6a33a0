// Package admission implements the admission/redirection layer (spec §4.5):
// given a parsed wire.Command on an established connection, it classifies
// the command, resolves its target slot/group through the router, and
// either proposes the write/read to the owning data group or returns the
// appropriate MOVED/ASK/CLUSTERDOWN/CROSSSLOT redirect.
package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/metrics"
	"github.com/aikv/aikv/internal/router"
	"github.com/aikv/aikv/internal/wire"
)

// DataGroup is the per-group surface the admission layer drives: proposing
// writes and serving reads against one data group's state machine,
// without needing to know whether the call landed on the raft leader.
type DataGroup interface {
	GroupID() uint64
	IsLeader() bool
	LeaderHint() string // owning node's client address, if known, for NotLeader->MOVED translation
	Propose(ctx context.Context, cmd datastate.Command) (datastate.Response, error)
	Get(key string) ([]byte, bool, error)
	TypeOf(key string) (datastate.TypeTag, bool)
	HasKey(key string) bool
}

// MembershipHandler dispatches CLUSTER subcommands (spec §4.8); the
// membership controller implements this.
type MembershipHandler interface {
	Handle(ctx context.Context, args []string) wire.Reply
}

// GroupDirectory resolves a group id to the local handle that serves it,
// when this node participates in that group at all (as leader, voter, or
// learner replica).
type GroupDirectory interface {
	Group(groupID uint64) (DataGroup, bool)
}

// Layer is the admission/redirection layer for one node.
type Layer struct {
	localNodeID string
	router      *router.Router
	groups      GroupDirectory
	membership  MembershipHandler
}

// New returns an admission layer for localNodeID, resolving slots via r,
// dispatching keyed commands to groups, and CLUSTER subcommands to
// membership.
func New(localNodeID string, r *router.Router, groups GroupDirectory, membership MembershipHandler) *Layer {
	return &Layer{localNodeID: localNodeID, router: r, groups: groups, membership: membership}
}

// Execute runs one parsed command to completion (spec §4.5 steps 1-5).
func (l *Layer) Execute(ctx context.Context, cmd wire.Command) wire.Reply {
	name := strings.ToUpper(cmd.Name)
	spec := classify(name)

	switch spec.kind {
	case kindConnModifier:
		// ASKING/READONLY/READWRITE mutate per-connection state, which the
		// codec layer owns; by the time a command reaches here its effect
		// is already folded into cmd.Asking/cmd.ReadOnly. Acknowledge only.
		return wire.Simple("OK")
	case kindCluster:
		return l.membership.Handle(ctx, cmd.Args)
	case kindUnknown:
		return wire.Err(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
	default:
		return l.executeKeyed(ctx, cmd, name, spec.kind)
	}
}

func (l *Layer) executeKeyed(ctx context.Context, cmd wire.Command, name string, kind kind) wire.Reply {
	keys := keysOf(name, cmd.Args)
	if len(keys) == 0 {
		return wire.Err("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
	}

	slot, err := router.MultiKeyCheck(keys)
	if err != nil {
		metrics.RedirectsTotal.WithLabelValues("crossslot").Inc()
		return wire.Err("CROSSSLOT Keys in request don't hash to the same slot")
	}

	_, groupID, ownerID, ownerAddr, state := l.router.Resolve(keys[0])

	if ownerID == "" {
		metrics.RedirectsTotal.WithLabelValues("clusterdown").Inc()
		return wire.Err(fmt.Sprintf("CLUSTERDOWN Hash slot %d not served", slot))
	}

	view := l.router.View()
	localInfo, localKnown := view.Nodes[l.localNodeID]

	if ownerID != l.localNodeID {
		// Not the owner. A migration destination that has already primed
		// its side may accept once, if the client sent ASKING.
		if cmd.Asking && state.Kind == metastate.SlotMigrating && state.To == l.localNodeID {
			return l.serveOnGroup(ctx, groupID, cmd, name, kind, keys)
		}
		// A replica hosting the same group as its master may serve reads
		// when the connection is in READONLY mode (spec §4.5 step 5).
		if kind == kindRead && cmd.ReadOnly && localKnown &&
			localInfo.Role == metastate.RoleReplica && localInfo.MasterOf == ownerID {
			if state.Kind == metastate.SlotMigrating {
				return ask(slot, view.OwnerAddr(state.To))
			}
			return l.serveOnGroup(ctx, groupID, cmd, name, kind, keys)
		}
		return moved(slot, ownerAddr)
	}

	// This node owns the slot (spec invariant 1: only a master owns a
	// slot), but a replica must still refuse writes outright.
	if kind != kindRead && localKnown && localInfo.Role == metastate.RoleReplica {
		return moved(slot, ownerAddr)
	}

	switch state.Kind {
	case metastate.SlotMigrating:
		if l.groupHasKeyLocally(groupID, keys[0]) {
			return l.serveOnGroup(ctx, groupID, cmd, name, kind, keys)
		}
		// New keys, and any write the client attempts, go to the
		// destination while migration is in flight.
		return ask(slot, view.OwnerAddr(state.To))
	default:
		return l.serveOnGroup(ctx, groupID, cmd, name, kind, keys)
	}
}

func (l *Layer) groupHasKeyLocally(groupID uint64, key string) bool {
	g, ok := l.groups.Group(groupID)
	if !ok {
		return false
	}
	return g.HasKey(key)
}

func (l *Layer) serveOnGroup(ctx context.Context, groupID uint64, cmd wire.Command, name string, kind kind, keys []string) wire.Reply {
	g, ok := l.groups.Group(groupID)
	if !ok {
		return wire.Err(fmt.Sprintf("CLUSTERDOWN group %d not hosted on this node", groupID))
	}

	if kind == kindRead {
		return l.serveRead(g, name, keys[0])
	}

	dcmd, rerr := buildCommand(name, cmd)
	if rerr.Str != "" {
		return rerr
	}

	resp, err := g.Propose(ctx, dcmd)
	if err != nil {
		if hint := g.LeaderHint(); hint != "" {
			return moved(router.SlotOf(keys[0]), hint)
		}
		return wire.Err("ERR " + err.Error())
	}
	if !resp.OK {
		if resp.Err == datastate.ErrWrongType.Error() {
			return wire.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		return wire.Err("ERR " + resp.Err)
	}
	if name == "SADD" || name == "LPUSH" {
		return wire.Int(resp.Int)
	}
	return wire.Simple("OK")
}

func (l *Layer) serveRead(g DataGroup, name, key string) wire.Reply {
	switch name {
	case "GET":
		val, ok, err := g.Get(key)
		if err != nil {
			if err == datastate.ErrWrongType {
				return wire.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
			}
			return wire.Err("ERR " + err.Error())
		}
		if !ok {
			return wire.NullBulk()
		}
		return wire.Bulk(val)
	default:
		return wire.Err(fmt.Sprintf("ERR unsupported read command '%s'", name))
	}
}

// buildCommand translates a wire.Command into the datastate.Command it
// proposes. Returns a non-empty error Reply on malformed arguments.
func buildCommand(name string, cmd wire.Command) (datastate.Command, wire.Reply) {
	base := datastate.Command{ClientID: cmd.ClientID, RequestID: cmd.RequestID}
	args := cmd.Args

	switch name {
	case "SET":
		if len(args) < 2 {
			return base, wire.Err("ERR wrong number of arguments for 'set' command")
		}
		base.Type = datastate.CmdSet
		base.Key = args[0]
		base.Value = []byte(args[1])
		if len(args) >= 4 && strings.EqualFold(args[2], "EX") {
			secs, err := strconv.Atoi(args[3])
			if err != nil {
				return base, wire.Err("ERR value is not an integer or out of range")
			}
			// Stamped here, on the proposer, so every replica applies the
			// same absolute deadline (spec §4.1/§9: deterministic apply,
			// no wall-clock).
			base.ExpireAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
		return base, wire.Reply{}

	case "DEL":
		if len(args) < 1 {
			return base, wire.Err("ERR wrong number of arguments for 'del' command")
		}
		base.Type = datastate.CmdDel
		base.Key = args[0]
		return base, wire.Reply{}

	case "EXPIRE":
		if len(args) < 2 {
			return base, wire.Err("ERR wrong number of arguments for 'expire' command")
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return base, wire.Err("ERR value is not an integer or out of range")
		}
		base.Type = datastate.CmdExpire
		base.Key = args[0]
		base.ExpireAt = time.Now().Add(time.Duration(secs) * time.Second)
		return base, wire.Reply{}

	case "HSET":
		if len(args) < 3 {
			return base, wire.Err("ERR wrong number of arguments for 'hset' command")
		}
		base.Type = datastate.CmdHSet
		base.Key = args[0]
		base.Field = args[1]
		base.Value = []byte(args[2])
		return base, wire.Reply{}

	case "SADD":
		if len(args) < 2 {
			return base, wire.Err("ERR wrong number of arguments for 'sadd' command")
		}
		base.Type = datastate.CmdSAdd
		base.Key = args[0]
		for _, e := range args[1:] {
			base.Elems = append(base.Elems, []byte(e))
		}
		return base, wire.Reply{}

	case "LPUSH":
		if len(args) < 2 {
			return base, wire.Err("ERR wrong number of arguments for 'lpush' command")
		}
		base.Type = datastate.CmdLPush
		base.Key = args[0]
		for _, e := range args[1:] {
			base.Elems = append(base.Elems, []byte(e))
		}
		return base, wire.Reply{}

	case "ZADD":
		if len(args) < 3 {
			return base, wire.Err("ERR wrong number of arguments for 'zadd' command")
		}
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return base, wire.Err("ERR value is not a valid float")
		}
		base.Type = datastate.CmdZAdd
		base.Key = args[0]
		base.Score = score
		base.Value = []byte(args[2])
		return base, wire.Reply{}

	case "MSET":
		if len(args) < 2 || len(args)%2 != 0 {
			return base, wire.Err("ERR wrong number of arguments for 'mset' command")
		}
		base.Type = datastate.CmdMSet
		base.Pairs = make(map[string][]byte, len(args)/2)
		for i := 0; i+1 < len(args); i += 2 {
			base.Pairs[args[i]] = []byte(args[i+1])
		}
		return base, wire.Reply{}

	default:
		return base, wire.Err(fmt.Sprintf("ERR unsupported write command '%s'", name))
	}
}

func moved(slot int, addr string) wire.Reply {
	metrics.RedirectsTotal.WithLabelValues("moved").Inc()
	return wire.Err(fmt.Sprintf("MOVED %d %s", slot, addr))
}

func ask(slot int, addr string) wire.Reply {
	metrics.RedirectsTotal.WithLabelValues("ask").Inc()
	return wire.Err(fmt.Sprintf("ASK %d %s", slot, addr))
}
