package rafttransport

import (
	"context"

	"github.com/aikv/aikv/internal/clusterbus"
)

const methodHeartbeat = "cluster.Heartbeat"

// HeartbeatSender implements clusterbus.Sender over the shared envelope
// client, so peer heartbeats ride the same gRPC connection as Raft RPCs
// instead of opening a second transport.
type HeartbeatSender struct {
	client *Client
}

// NewHeartbeatSender returns a clusterbus.Sender backed by client.
func NewHeartbeatSender(client *Client) *HeartbeatSender {
	return &HeartbeatSender{client: client}
}

func (h *HeartbeatSender) SendHeartbeat(ctx context.Context, addr string, hb clusterbus.Heartbeat) (clusterbus.Heartbeat, error) {
	payload, err := encodeGob(hb)
	if err != nil {
		return clusterbus.Heartbeat{}, err
	}
	respBytes, err := h.client.Call(ctx, addr, methodHeartbeat, 0, payload)
	if err != nil {
		return clusterbus.Heartbeat{}, err
	}
	var reply clusterbus.Heartbeat
	if err := decodeGob(respBytes, &reply); err != nil {
		return clusterbus.Heartbeat{}, err
	}
	return reply, nil
}

// RegisterHeartbeatHandler wires inbound heartbeats to bus on srv.
func RegisterHeartbeatHandler(srv *Server, bus *clusterbus.Bus) {
	srv.RegisterHandler(methodHeartbeat, func(_ context.Context, _ uint64, payload []byte) ([]byte, error) {
		var hb clusterbus.Heartbeat
		if err := decodeGob(payload, &hb); err != nil {
			return nil, err
		}
		return encodeGob(bus.HandleHeartbeat(hb))
	})
}
