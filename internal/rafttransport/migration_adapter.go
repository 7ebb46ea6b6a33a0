package rafttransport

import (
	"context"
	"fmt"

	"github.com/aikv/aikv/internal/migration"
)

const methodImportBatch = "migration.ImportBatch"

type importBatchWire struct {
	Slot  int
	Pairs []migration.KeyValue
}

type importBatchReplyWire struct {
	Err string
}

// BatchImporter implements migration.Importer over the shared envelope
// client, so migration batches ride the same gRPC connection as Raft
// RPCs and cluster-bus heartbeats.
type BatchImporter struct {
	client *Client
}

// NewBatchImporter returns a migration.Importer backed by client.
func NewBatchImporter(client *Client) *BatchImporter {
	return &BatchImporter{client: client}
}

// ImportBatch implements migration.Importer.
func (b *BatchImporter) ImportBatch(ctx context.Context, addr string, slot int, pairs []migration.KeyValue) error {
	payload, err := encodeGob(importBatchWire{Slot: slot, Pairs: pairs})
	if err != nil {
		return err
	}
	respBytes, err := b.client.Call(ctx, addr, methodImportBatch, 0, payload)
	if err != nil {
		return err
	}
	var reply importBatchReplyWire
	if err := decodeGob(respBytes, &reply); err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	return nil
}

// importHandler is the slice of *migration.Coordinator the server-side
// handler needs.
type importHandler interface {
	HandleImportBatch(ctx context.Context, slot int, pairs []migration.KeyValue) error
}

// RegisterImportHandler wires coord as the destination-side handler for
// inbound migration batches.
func RegisterImportHandler(srv *Server, coord importHandler) {
	srv.RegisterHandler(methodImportBatch, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req importBatchWire
		if err := decodeGob(payload, &req); err != nil {
			return nil, err
		}
		reply := importBatchReplyWire{}
		if err := coord.HandleImportBatch(ctx, req.Slot, req.Pairs); err != nil {
			reply.Err = err.Error()
		}
		return encodeGob(reply)
	})
}
