package datastate

import "time"

// TypeTag is the Redis-visible type of a key's value (spec §3: "Key →
// (Value, optional expiry, type-tag ∈ {string, hash, list, set, zset,
// json})"). There is no json type tag; only the five below exist.
type TypeTag int

const (
	TypeString TypeTag = iota
	TypeHash
	TypeList
	TypeSet
	TypeZSet
)

func (t TypeTag) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeHash:
		return "hash"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	case TypeZSet:
		return "zset"
	default:
		return "none"
	}
}

// Record is the gob-encoded shape persisted through storage.Engine for
// every key. Exactly one of the payload fields is meaningful, selected
// by Type.
type Record struct {
	Type TypeTag

	ExpireAt time.Time // zero means no TTL

	StringVal []byte
	HashVal   map[string][]byte
	ListVal   [][]byte
	SetVal    map[string]struct{}
	ZSetVal   map[string]float64
}

func (r *Record) expired(now time.Time) bool {
	return !r.ExpireAt.IsZero() && now.After(r.ExpireAt)
}
