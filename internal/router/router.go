// Package router implements the slot router (spec §4.4): pure
// key→slot→group resolution plus a cached lookup from slot to owning
// node against the locally published MetaRaft view. It never blocks;
// staleness is corrected by client redirects, not by the router waiting
// on anything.
package router

import (
	"errors"

	"github.com/aikv/aikv/internal/metastate"
)

const NumSlots = metastate.NumSlots

// ErrCrossSlot is returned by MultiKeyCheck when the given keys do not
// all hash to the same slot.
var ErrCrossSlot = errors.New("router: keys do not hash to the same slot")

// SlotOf implements Redis Cluster's hashtag-aware CRC16 key-to-slot rule:
// if the key contains a non-empty {...} substring, only its contents are
// hashed; otherwise the whole key is hashed.
func SlotOf(key string) int {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			start = i
			break
		}
	}
	if start >= 0 {
		end := -1
		for i := start + 1; i < len(key); i++ {
			if key[i] == '}' {
				end = i
				break
			}
		}
		if end > start+1 {
			return int(crc16([]byte(key[start+1:end])) % NumSlots)
		}
	}
	return int(crc16([]byte(key)) % NumSlots)
}

// GroupOf is the static function of cluster config mapping a slot to the
// data group that owns it: group = 1 + (slot * num_data_groups) / 16384.
func GroupOf(slot int, numGroups uint64) uint64 {
	return metastate.GroupOf(slot, numGroups)
}

// MultiKeyCheck verifies every key in keys hashes to the same slot,
// returning that slot, or ErrCrossSlot if they diverge.
func MultiKeyCheck(keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	slot := SlotOf(keys[0])
	for _, k := range keys[1:] {
		if SlotOf(k) != slot {
			return 0, ErrCrossSlot
		}
	}
	return slot, nil
}

// OwnerOf reads the given (already fetched) cluster view and reports the
// node id and address owning slot, or ok=false if the slot is
// Unassigned. Router.Resolve below is the usual entry point; this
// free function exists for callers that already hold a view (e.g. the
// migration coordinator).
func OwnerOf(view *metastate.ClusterView, slot int) (nodeID, addr string, ok bool) {
	id := view.OwnerOf(slot)
	if id == "" {
		return "", "", false
	}
	return id, view.OwnerAddr(id), true
}

// ViewSource is implemented by metastate.Machine; the router depends on
// the interface rather than the concrete type so it can be swapped in
// tests.
type ViewSource interface {
	GetClusterMeta() *metastate.ClusterView
}

// Router resolves keys against whatever view src currently publishes.
type Router struct {
	src ViewSource
}

// New returns a Router reading live views from src.
func New(src ViewSource) *Router {
	return &Router{src: src}
}

// Resolve returns the group owning key's slot, the owning node id/addr,
// and the slot state, using the latest published cluster view. The
// group id is the owning node's advertised DataGroupID when known
// (migration may have moved the slot to a different group than
// GroupOf's static bootstrap mapping); unassigned slots fall back to the
// static mapping since there is no owner to ask.
func (r *Router) Resolve(key string) (slot int, groupID uint64, nodeID, addr string, state metastate.SlotState) {
	view := r.src.GetClusterMeta()
	slot = SlotOf(key)
	nodeID = view.OwnerOf(slot)
	addr = view.OwnerAddr(nodeID)
	state = view.SlotState[slot]
	if node, ok := view.Nodes[nodeID]; ok {
		groupID = node.DataGroupID
	} else {
		groupID = GroupOf(slot, view.NumGroups)
	}
	return slot, groupID, nodeID, addr, state
}

// View exposes the latest published cluster view directly, for callers
// (the admission layer) that need fields Resolve does not return, such
// as another node's role or address.
func (r *Router) View() *metastate.ClusterView {
	return r.src.GetClusterMeta()
}
