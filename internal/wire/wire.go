// Package wire defines the parsed-command and reply shapes that cross
// the boundary with the (out-of-scope) RESP2/RESP3 codec. The codec
// itself — framing, simple-string/error/integer/bulk-string/array
// encoding, RESP3 extensions — is an external collaborator; this package
// only fixes the shape it hands to and receives from the admission layer.
package wire

// Command is one parsed client command, already tokenized by the codec.
type Command struct {
	Name      string
	Args      []string
	ClientID  string
	RequestID uint64
	Asking    bool // true if the immediately preceding command on this connection was ASKING
	ReadOnly  bool // true if this connection has issued READONLY
}

// ReplyKind distinguishes the shapes a Reply can take; the codec maps
// these onto RESP2/RESP3 wire types.
type ReplyKind int

const (
	ReplySimpleString ReplyKind = iota
	ReplyError
	ReplyInteger
	ReplyBulkString
	ReplyNullBulkString
	ReplyArray
)

// Reply is the admission layer's response, independent of wire encoding.
type Reply struct {
	Kind    ReplyKind
	Str     string
	Int     int64
	Bulk    []byte
	Array   []Reply
}

// Simple builds a RESP simple-string reply, e.g. "+OK".
func Simple(s string) Reply { return Reply{Kind: ReplySimpleString, Str: s} }

// Err builds a RESP error reply. Callers pass the full single-line body
// without the leading '-' or trailing CRLF, e.g. "MOVED 12182 host:port".
func Err(s string) Reply { return Reply{Kind: ReplyError, Str: s} }

// Int builds a RESP integer reply.
func Int(v int64) Reply { return Reply{Kind: ReplyInteger, Int: v} }

// Bulk builds a RESP bulk-string reply.
func Bulk(b []byte) Reply { return Reply{Kind: ReplyBulkString, Bulk: b} }

// NullBulk builds the RESP "no such key" nil reply.
func NullBulk() Reply { return Reply{Kind: ReplyNullBulkString} }

// Array builds a RESP array reply.
func Array(items ...Reply) Reply { return Reply{Kind: ReplyArray, Array: items} }
