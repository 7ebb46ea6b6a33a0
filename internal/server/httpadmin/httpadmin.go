// Package httpadmin serves the operator-facing HTTP surface: node/group
// status, a JSON rendering of the cluster view (standing in for the
// RESP CLUSTER NODES/SLOTS/INFO subcommands, since the wire codec itself
// is out of scope), and /metrics for Prometheus scraping.
//
// Grounded on the teacher's pkg/api/http.go, which served ad hoc /kv and
// /status endpoints directly against one raft.Node; this generalizes the
// same http.ServeMux/http.Handler shape to a multi-group node plus the
// cluster-wide metadata view (SPEC_FULL.md §9 domain stack).
package httpadmin

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/server"
)

// Handler serves the admin HTTP surface for one node.
type Handler struct {
	node *server.Node
	mux  *http.ServeMux
}

// New returns an admin HTTP handler wrapping node.
func New(node *server.Node) *Handler {
	h := &Handler{node: node, mux: http.NewServeMux()}
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/cluster/nodes", h.handleClusterNodes)
	h.mux.HandleFunc("/cluster/slots", h.handleClusterSlots)
	h.mux.HandleFunc("/cluster/info", h.handleClusterInfo)
	h.mux.Handle("/metrics", promhttp.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// handleStatus reports this process's local node id plus its role
// (leader/follower) in MetaRaft and every data group it hosts.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"node_id":    h.node.LocalNodeID(),
		"meta_group": h.node.MetaStatus(),
		"data_groups": h.node.DataGroupStatuses(),
	})
}

// handleClusterNodes renders the applied ClusterView's node table, the
// JSON analogue of CLUSTER NODES (spec.md §6).
func (h *Handler) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	view := h.node.ClusterView()
	if view == nil {
		http.Error(w, "cluster map not yet available", http.StatusServiceUnavailable)
		return
	}
	type nodeJSON struct {
		ID          string `json:"id"`
		Addr        string `json:"addr"`
		ClusterPort int    `json:"cluster_port"`
		Role        string `json:"role"`
		MasterOf    string `json:"master_of,omitempty"`
		Status      string `json:"status"`
		Epoch       uint64 `json:"epoch"`
	}
	nodes := make([]nodeJSON, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		nodes = append(nodes, nodeJSON{
			ID: n.ID, Addr: n.Addr, ClusterPort: n.ClusterPort,
			Role: n.Role.String(), MasterOf: n.MasterOf,
			Status: n.Status.String(), Epoch: n.Epoch,
		})
	}
	writeJSON(w, map[string]interface{}{"config_epoch": view.ConfigEpoch, "nodes": nodes})
}

// handleClusterSlots renders contiguous owned slot ranges, the JSON
// analogue of CLUSTER SLOTS.
func (h *Handler) handleClusterSlots(w http.ResponseWriter, r *http.Request) {
	view := h.node.ClusterView()
	if view == nil {
		http.Error(w, "cluster map not yet available", http.StatusServiceUnavailable)
		return
	}
	type rangeJSON struct {
		From  int    `json:"from"`
		To    int    `json:"to"`
		Owner string `json:"owner"`
		State string `json:"state"`
	}
	var ranges []rangeJSON
	start := -1
	for slot := 0; slot < metastate.NumSlots; slot++ {
		owner := view.OwnerOf(slot)
		sameAsPrev := start >= 0 &&
			owner == view.OwnerOf(start) &&
			view.SlotState[slot] == view.SlotState[start]
		if owner != "" && sameAsPrev {
			continue
		}
		if start >= 0 {
			ranges = append(ranges, rangeJSON{
				From: start, To: slot - 1,
				Owner: view.OwnerOf(start), State: view.SlotState[start].String(),
			})
		}
		start = -1
		if owner != "" {
			start = slot
		}
	}
	if start >= 0 {
		ranges = append(ranges, rangeJSON{
			From: start, To: metastate.NumSlots - 1,
			Owner: view.OwnerOf(start), State: view.SlotState[start].String(),
		})
	}
	writeJSON(w, ranges)
}

// handleClusterInfo reports the summary counters CLUSTER INFO returns.
func (h *Handler) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	view := h.node.ClusterView()
	if view == nil {
		http.Error(w, "cluster map not yet available", http.StatusServiceUnavailable)
		return
	}
	assigned := 0
	for slot := 0; slot < metastate.NumSlots; slot++ {
		if view.OwnerOf(slot) != "" {
			assigned++
		}
	}
	state := "ok"
	if assigned < metastate.NumSlots {
		state = "down"
	}
	writeJSON(w, map[string]interface{}{
		"cluster_state":        state,
		"cluster_slots_assigned": assigned,
		"cluster_slots_total":  metastate.NumSlots,
		"cluster_known_nodes":  len(view.Nodes),
		"cluster_size":         view.NumGroups,
		"cluster_current_epoch": view.ConfigEpoch,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
