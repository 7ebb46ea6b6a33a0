package rafttransport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/aikv/aikv/internal/raft"
)

const (
	methodRequestVote     = "raft.RequestVote"
	methodAppendEntries   = "raft.AppendEntries"
	methodInstallSnapshot = "raft.InstallSnapshot"
)

// AddrResolver maps a raft peer id to its transport dial address. Node
// ids and dial addresses are distinct namespaces: Raft peers are
// addressed by NodeId everywhere else in this codebase, but gRPC dials a
// host:port.
type AddrResolver func(peerID string) (addr string, ok bool)

// RaftTransport implements raft.Transport for every group this node
// participates in (client side), and dispatches inbound Calls to the
// matching *raft.Node by group id (server side).
type RaftTransport struct {
	client  *Client
	resolve AddrResolver

	mu     sync.RWMutex
	groups map[uint64]*raft.Node
}

// NewRaftTransport returns a transport backed by client, resolving peer
// ids to dial addresses via resolve.
func NewRaftTransport(client *Client, resolve AddrResolver) *RaftTransport {
	return &RaftTransport{client: client, resolve: resolve, groups: make(map[uint64]*raft.Node)}
}

// Register binds groupID to the local *raft.Node so inbound RPCs for
// that group id are dispatched to it, and wires server-side handlers on
// srv (idempotent across repeated Register calls for different groups).
func (t *RaftTransport) Register(srv *Server, groupID uint64, node *raft.Node) {
	t.mu.Lock()
	t.groups[groupID] = node
	t.mu.Unlock()

	srv.RegisterHandler(methodRequestVote, t.handleRequestVote)
	srv.RegisterHandler(methodAppendEntries, t.handleAppendEntries)
	srv.RegisterHandler(methodInstallSnapshot, t.handleInstallSnapshot)
}

func (t *RaftTransport) nodeFor(groupID uint64) (*raft.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("rafttransport: group %d not hosted on this node", groupID)
	}
	return n, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// --- client side: raft.Transport ---

func (t *RaftTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	addr, ok := t.resolve(target)
	if !ok {
		return nil, fmt.Errorf("rafttransport: unknown peer %q", target)
	}
	payload, err := encodeGob(args)
	if err != nil {
		return nil, err
	}
	respBytes, err := t.client.Call(context.Background(), addr, methodRequestVote, args.GroupID, payload)
	if err != nil {
		return nil, err
	}
	var reply raft.RequestVoteReply
	if err := decodeGob(respBytes, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *RaftTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	addr, ok := t.resolve(target)
	if !ok {
		return nil, fmt.Errorf("rafttransport: unknown peer %q", target)
	}
	payload, err := encodeGob(args)
	if err != nil {
		return nil, err
	}
	respBytes, err := t.client.Call(context.Background(), addr, methodAppendEntries, args.GroupID, payload)
	if err != nil {
		return nil, err
	}
	var reply raft.AppendEntriesReply
	if err := decodeGob(respBytes, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *RaftTransport) InstallSnapshot(target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	addr, ok := t.resolve(target)
	if !ok {
		return nil, fmt.Errorf("rafttransport: unknown peer %q", target)
	}
	payload, err := encodeGob(args)
	if err != nil {
		return nil, err
	}
	respBytes, err := t.client.Call(context.Background(), addr, methodInstallSnapshot, args.GroupID, payload)
	if err != nil {
		return nil, err
	}
	var reply raft.InstallSnapshotReply
	if err := decodeGob(respBytes, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// --- server side: dispatch to the hosted *raft.Node ---

func (t *RaftTransport) handleRequestVote(_ context.Context, groupID uint64, payload []byte) ([]byte, error) {
	node, err := t.nodeFor(groupID)
	if err != nil {
		return nil, err
	}
	var args raft.RequestVoteArgs
	if err := decodeGob(payload, &args); err != nil {
		return nil, err
	}
	return encodeGob(node.HandleRequestVote(&args))
}

func (t *RaftTransport) handleAppendEntries(_ context.Context, groupID uint64, payload []byte) ([]byte, error) {
	node, err := t.nodeFor(groupID)
	if err != nil {
		return nil, err
	}
	var args raft.AppendEntriesArgs
	if err := decodeGob(payload, &args); err != nil {
		return nil, err
	}
	return encodeGob(node.HandleAppendEntries(&args))
}

func (t *RaftTransport) handleInstallSnapshot(_ context.Context, groupID uint64, payload []byte) ([]byte, error) {
	node, err := t.nodeFor(groupID)
	if err != nil {
		return nil, err
	}
	var args raft.InstallSnapshotArgs
	if err := decodeGob(payload, &args); err != nil {
		return nil, err
	}
	return encodeGob(node.HandleInstallSnapshot(&args))
}
