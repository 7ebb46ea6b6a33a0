// Package rafttransport is the inter-node transport for every replicated
// log group plus the cluster bus and migration coordinator, multiplexed
// over one gRPC service keyed by method name and group id (generalizing
// the teacher's single-group gRPC transport, which hard-wired one
// *raft.Node per connection). Payloads are gob-encoded Go values wrapped
// in google.golang.org/protobuf's stock wrapperspb.BytesValue message, so
// the wire format is real protobuf without requiring generated service
// stubs for a dozen small, evolving RPC shapes.
package rafttransport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serviceName and method are the fixed gRPC path this package registers
// and calls; there is exactly one RPC, "Call", and everything above it
// (Raft RPCs, heartbeats, migration batches) is just a different Method
// string in the envelope.
const (
	serviceName = "aikv.transport.Transport"
	fullMethod  = "/" + serviceName + "/Call"
)

// Envelope is the gob-encoded payload of every Call. Method selects the
// registered Handler; GroupID scopes it to one replicated group when the
// handler cares (Raft RPCs do, cluster-bus heartbeats don't).
type Envelope struct {
	Method  string
	GroupID uint64
	Payload []byte
}

func encodeEnvelope(e Envelope) (*wrapperspb.BytesValue, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("rafttransport: encode envelope: %w", err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

func decodeEnvelope(msg *wrapperspb.BytesValue) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(msg.GetValue())).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("rafttransport: decode envelope: %w", err)
	}
	return e, nil
}

// Handler serves one registered method.
type Handler func(ctx context.Context, groupID uint64, payload []byte) ([]byte, error)

// Server hosts the gRPC listener and dispatches inbound Calls to
// registered handlers by method name.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer returns an unstarted transport server.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// RegisterHandler binds method to h. Call with an unregistered method
// returns an error to the caller.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Listen starts serving on addr.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rafttransport: listen: %w", err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)
	go s.grpcServer.Serve(lis)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Call is the single gRPC method every Server exposes, invoked directly
// by Client without generated client stubs.
func (s *Server) Call(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	env, err := decodeEnvelope(req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rafttransport: no handler registered for method %q", env.Method)
	}

	resp, err := h(ctx, env.GroupID, env.Payload)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(resp), nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*callServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(wrapperspb.BytesValue)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(callServer).Call(ctx, req)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rafttransport.proto",
}

type callServer interface {
	Call(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// Client dials peers lazily and keeps one connection per address.
type Client struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	timeout time.Duration
}

// NewClient returns a client using the given default per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{conns: make(map[string]*grpc.ClientConn), timeout: timeout}
}

func (c *Client) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("rafttransport: dial %s: %w", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

// Call sends one envelope to addr and returns the handler's response
// payload.
func (c *Client) Call(ctx context.Context, addr, method string, groupID uint64, payload []byte) ([]byte, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}

	req, err := encodeEnvelope(Envelope{Method: method, GroupID: groupID, Payload: payload})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, fullMethod, req, resp); err != nil {
		return nil, fmt.Errorf("rafttransport: call %s to %s: %w", method, addr, err)
	}
	return resp.GetValue(), nil
}

// Close tears down every outbound connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
