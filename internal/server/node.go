package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aikv/aikv/internal/admission"
	"github.com/aikv/aikv/internal/clusterbus"
	"github.com/aikv/aikv/internal/datastate"
	"github.com/aikv/aikv/internal/membership"
	"github.com/aikv/aikv/internal/metastate"
	"github.com/aikv/aikv/internal/migration"
	"github.com/aikv/aikv/internal/raft"
	"github.com/aikv/aikv/internal/rafttransport"
	"github.com/aikv/aikv/internal/router"
	"github.com/aikv/aikv/internal/storage/memengine"
	"github.com/aikv/aikv/internal/wal"
)

const metaGroupID uint64 = 0

// Node is one running process: the MetaRaft group, every data group this
// process hosts, and the admission/membership/clusterbus/migration
// layers wired on top of them (spec §3).
type Node struct {
	cfg Config
	log zerolog.Logger

	transportClient *rafttransport.Client
	transportServer *rafttransport.Server
	raftTransport   *rafttransport.RaftTransport

	meta     *metaGroup
	metaMach *metastate.Machine
	metaWAL  *wal.WAL

	dataGroups map[uint64]*dataGroup
	dataWALs   map[uint64]*wal.WAL

	groupDir   *groupDirectory
	router     *router.Router
	admission  *admission.Layer
	membership *membership.Controller
	bus        *clusterbus.Bus
	migrator   *migration.Coordinator

	clientID string
}

// NewNode bootstraps (but does not start) a node from cfg.
func NewNode(cfg Config) (*Node, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).
		Level(level).
		With().Timestamp().Str("node", cfg.NodeID).Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create data dir: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		log:        logger,
		dataGroups: make(map[uint64]*dataGroup),
		dataWALs:   make(map[uint64]*wal.WAL),
		clientID:   uuid.NewString(),
	}

	transportClient := rafttransport.NewClient(2 * time.Second)
	n.transportClient = transportClient
	n.transportServer = rafttransport.NewServer()
	n.raftTransport = rafttransport.NewRaftTransport(transportClient, n.resolveAddr)

	if err := n.bootstrapMetaGroup(); err != nil {
		return nil, err
	}
	for _, gc := range cfg.Groups {
		if err := n.bootstrapDataGroup(gc); err != nil {
			return nil, err
		}
	}

	n.router = router.New(n.metaMach)
	n.groupDir = &groupDirectory{groups: n.dataGroups}
	n.membership = membership.New(cfg.NodeID, cfg.ClientAddr, n.meta, n.metaMach, cfg.NumGroups, n.groupLookup)
	n.admission = admission.New(cfg.NodeID, n.router, n.groupDir, n.membership)
	n.bus = clusterbus.New(cfg.NodeID, rafttransport.NewHeartbeatSender(transportClient), n.meta, n.metaMach.GetClusterMeta, logger)
	n.migrator = migration.New(cfg.NodeID, cfg.NumGroups, n.meta, &migrationGroupDirectory{groups: n.dataGroups}, rafttransport.NewBatchImporter(transportClient), logger)

	rafttransport.RegisterHeartbeatHandler(n.transportServer, n.bus)
	rafttransport.RegisterImportHandler(n.transportServer, n.migrator)

	return n, nil
}

func (n *Node) resolveAddr(peerID string) (string, bool) {
	return n.cfg.PeerAddr(peerID)
}

func (n *Node) groupLookup(groupID uint64) (*datastate.Machine, bool) {
	g, ok := n.dataGroups[groupID]
	if !ok {
		return nil, false
	}
	return g.machine, true
}

func (n *Node) bootstrapMetaGroup() error {
	dir := filepath.Join(n.cfg.DataDir, "meta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := wal.Open(dir)
	if err != nil {
		return fmt.Errorf("server: open meta wal: %w", err)
	}
	n.metaWAL = w

	machine := metastate.NewMachine(n.cfg.NumGroups)
	rconfig := raft.DefaultConfig(metaGroupID, n.cfg.NodeID)
	node := raft.NewNode(rconfig, n.cfg.MetaVoters, n.raftTransport, w, machine, n.log)
	n.raftTransport.Register(n.transportServer, metaGroupID, node)

	n.meta = newMetaGroup(node, machine)
	n.metaMach = machine
	return nil
}

func (n *Node) bootstrapDataGroup(gc GroupConfig) error {
	dir := filepath.Join(n.cfg.DataDir, fmt.Sprintf("group-%d", gc.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := wal.Open(dir)
	if err != nil {
		return fmt.Errorf("server: open group %d wal: %w", gc.ID, err)
	}
	n.dataWALs[gc.ID] = w

	engine := memengine.New()
	machine := datastate.NewMachine(engine)
	rconfig := raft.DefaultConfig(gc.ID, n.cfg.NodeID)
	node := raft.NewNode(rconfig, gc.Voters, n.raftTransport, w, machine, n.log)
	n.raftTransport.Register(n.transportServer, gc.ID, node)

	n.dataGroups[gc.ID] = newDataGroup(node, machine, n.clientAddrOf)
	return nil
}

func (n *Node) clientAddrOf(nodeID string) string {
	view := n.metaMach.GetClusterMeta()
	if view == nil {
		return ""
	}
	return view.OwnerAddr(nodeID)
}

// Start brings every raft group, the transport listener and the cluster
// bus up.
func (n *Node) Start() error {
	if err := n.transportServer.Listen(n.cfg.ClusterAddr); err != nil {
		return err
	}
	if err := n.meta.node.Start(); err != nil {
		return fmt.Errorf("server: start meta group: %w", err)
	}
	for id, g := range n.dataGroups {
		if err := g.node.Start(); err != nil {
			return fmt.Errorf("server: start group %d: %w", id, err)
		}
		go g.runExpirySweep()
	}
	n.bus.Start()
	n.log.Info().Str("cluster_addr", n.cfg.ClusterAddr).Msg("node started")
	return nil
}

// Stop tears everything down in reverse order.
func (n *Node) Stop() {
	n.bus.Stop()
	for _, g := range n.dataGroups {
		g.stopExpirySweep()
		g.node.Stop()
	}
	n.meta.node.Stop()
	n.transportServer.Stop()
	_ = n.transportClient.Close()
	for _, w := range n.dataWALs {
		_ = w.Close()
	}
	if n.metaWAL != nil {
		_ = n.metaWAL.Close()
	}
}

// Admission exposes the admission layer for a codec front-end to drive;
// the RESP2/RESP3 codec that produces wire.Command from raw connection
// bytes is out of scope (see internal/wire).
func (n *Node) Admission() *admission.Layer { return n.admission }

// Membership exposes the membership controller, for an admin surface
// that wants to issue CLUSTER subcommands directly (e.g. bootstrap
// tooling) without going through the admission layer's command table.
func (n *Node) Membership() *membership.Controller { return n.membership }

// Migrator exposes the migration coordinator, for operator-driven
// MIGRATE calls from the admin HTTP surface.
func (n *Node) Migrator() *migration.Coordinator { return n.migrator }

// ClusterView returns the most recently published cluster map.
func (n *Node) ClusterView() *metastate.ClusterView { return n.metaMach.GetClusterMeta() }

// LocalNodeID returns this process's node id.
func (n *Node) LocalNodeID() string { return n.cfg.NodeID }

// GroupStatus summarizes one raft group's local role, for the admin
// HTTP surface's /status handler.
type GroupStatus struct {
	GroupID  uint64
	IsLeader bool
	LeaderID string
}

// MetaStatus reports this node's view of group 0 (MetaRaft).
func (n *Node) MetaStatus() GroupStatus {
	return GroupStatus{GroupID: metaGroupID, IsLeader: n.meta.IsLeader(), LeaderID: n.meta.LeaderID()}
}

// DataGroupStatuses reports this node's view of every data group it
// hosts, ordered by group id.
func (n *Node) DataGroupStatuses() []GroupStatus {
	out := make([]GroupStatus, 0, len(n.dataGroups))
	for id, g := range n.dataGroups {
		out = append(out, GroupStatus{GroupID: id, IsLeader: g.node.IsLeader(), LeaderID: g.node.LeaderID()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}
