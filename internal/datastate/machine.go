package datastate

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/aikv/aikv/internal/storage"
)

// clientSession tracks the last applied request from one client,
// mirroring the de-dup strategy used throughout this codebase: a retried
// write with an already-seen (or older) RequestID replays the cached
// response instead of mutating state again.
type clientSession struct {
	LastRequestID uint64
	Response      []byte
}

// Response is the gob-encoded result of applying one Command.
type Response struct {
	OK  bool
	Err string
	Int int64
}

func encodeResponse(r Response) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

// DecodeResponse reverses encodeResponse.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

// Machine is one data group's state machine: it satisfies
// raft.StateMachine and owns a shard of the keyspace, delegating
// durability to a storage.Engine. Exactly one apply goroutine ever calls
// Apply, so the mutex here only guards cross-goroutine reads (direct
// client reads, the active-expiration sweep) against that one writer.
type Machine struct {
	mu       sync.Mutex
	engine   storage.Engine
	sessions map[string]*clientSession
}

// NewMachine attaches a state machine to the given storage engine.
func NewMachine(engine storage.Engine) *Machine {
	return &Machine{
		engine:   engine,
		sessions: make(map[string]*clientSession),
	}
}

// Apply implements raft.StateMachine.
func (m *Machine) Apply(index uint64, command []byte) []byte {
	cmd, err := Decode(command)
	if err != nil {
		return encodeResponse(Response{OK: false, Err: err.Error()})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd.ClientID != "" {
		if session, ok := m.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
			return session.Response
		}
	}

	resp := m.apply(cmd)
	encoded := encodeResponse(resp)

	if cmd.ClientID != "" {
		m.sessions[cmd.ClientID] = &clientSession{LastRequestID: cmd.RequestID, Response: encoded}
	}
	return encoded
}

func (m *Machine) apply(cmd Command) Response {
	switch cmd.Type {
	case CmdSet:
		rec := &Record{Type: TypeString, StringVal: cmd.Value, ExpireAt: cmd.ExpireAt}
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdDel:
		if err := m.engine.Delete(cmd.Key); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdExpire:
		rec, ok, err := m.getRecord(cmd.Key, time.Now())
		if err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		if !ok {
			return Response{OK: false, Err: "no such key"}
		}
		rec.ExpireAt = cmd.ExpireAt
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdHSet:
		rec, ok, err := m.getRecord(cmd.Key, time.Now())
		if err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		if !ok {
			rec = &Record{Type: TypeHash, HashVal: make(map[string][]byte)}
		} else if rec.Type != TypeHash {
			return Response{OK: false, Err: ErrWrongType.Error()}
		}
		rec.HashVal[cmd.Field] = cmd.Value
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdSAdd:
		rec, ok, err := m.getRecord(cmd.Key, time.Now())
		if err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		if !ok {
			rec = &Record{Type: TypeSet, SetVal: make(map[string]struct{})}
		} else if rec.Type != TypeSet {
			return Response{OK: false, Err: ErrWrongType.Error()}
		}
		added := int64(0)
		for _, e := range cmd.Elems {
			if _, exists := rec.SetVal[string(e)]; !exists {
				rec.SetVal[string(e)] = struct{}{}
				added++
			}
		}
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true, Int: added}

	case CmdLPush:
		rec, ok, err := m.getRecord(cmd.Key, time.Now())
		if err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		if !ok {
			rec = &Record{Type: TypeList}
		} else if rec.Type != TypeList {
			return Response{OK: false, Err: ErrWrongType.Error()}
		}
		for _, e := range cmd.Elems {
			rec.ListVal = append([][]byte{e}, rec.ListVal...)
		}
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true, Int: int64(len(rec.ListVal))}

	case CmdMSet:
		batch := storage.NewBatch()
		for key, val := range cmd.Pairs {
			rec := &Record{Type: TypeString, StringVal: val}
			encoded, err := encodeRecord(rec)
			if err != nil {
				return Response{OK: false, Err: err.Error()}
			}
			batch.Put(key, encoded)
		}
		if err := m.engine.WriteBatch(batch); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdImportBatch:
		batch := storage.NewBatch()
		for key, raw := range cmd.RawPairs {
			batch.Put(key, raw)
		}
		if err := m.engine.WriteBatch(batch); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	case CmdZAdd:
		rec, ok, err := m.getRecord(cmd.Key, time.Now())
		if err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		if !ok {
			rec = &Record{Type: TypeZSet, ZSetVal: make(map[string]float64)}
		} else if rec.Type != TypeZSet {
			return Response{OK: false, Err: ErrWrongType.Error()}
		}
		rec.ZSetVal[string(cmd.Value)] = cmd.Score
		if err := m.putRecord(cmd.Key, rec); err != nil {
			return Response{OK: false, Err: err.Error()}
		}
		return Response{OK: true}

	default:
		return Response{OK: false, Err: "unknown command type"}
	}
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Machine) putRecord(key string, rec *Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return m.engine.Put(key, encoded)
}

func (m *Machine) getRecord(key string, now time.Time) (*Record, bool, error) {
	raw, ok, err := m.engine.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, false, err
	}
	if rec.expired(now) {
		// Lazy expiration: the key is logically gone, but only a proposed
		// DEL (issued by the caller, gated on leadership) actually removes
		// it from the engine and replicates that fact.
		return nil, false, nil
	}
	return &rec, true, nil
}

// Get serves a direct read for GET, bypassing the log (spec §4.3: reads
// may be served as a leader-confirmed or local follower read; the
// admission layer decides which and calls this either way once it has
// decided the read is safe to serve).
func (m *Machine) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok, err := m.getRecord(key, time.Now())
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.Type != TypeString {
		return nil, false, ErrWrongType
	}
	return rec.StringVal, true, nil
}

// TypeOf returns the type-tag of key, or false if it does not exist (or
// has lazily expired).
func (m *Machine) TypeOf(key string) (TypeTag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok, err := m.getRecord(key, time.Now())
	if err != nil || !ok {
		return 0, false
	}
	return rec.Type, true
}

// HasKey reports whether key is present (and unexpired) in this shard,
// used by the admission layer to decide whether a migrating slot's key
// should be served locally or redirected with ASK (spec §4.5 step 4).
func (m *Machine) HasKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok, err := m.getRecord(key, time.Now())
	return err == nil && ok
}

// ExportRaw returns key's gob-encoded Record bytes verbatim, for the
// migration coordinator's bulk-copy scan (spec §4.6); the destination
// applies them via CmdImportBatch without decoding.
func (m *Machine) ExportRaw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok, err := m.engine.Get(key)
	if err != nil || !ok {
		return nil, false
	}
	return raw, true
}

// ExpiredKeys scans the whole shard for keys whose TTL has passed,
// capped at limit, for the active-expiration sweep (spec §4.3). The
// caller (gated on leadership) proposes CmdDel entries for whatever this
// returns.
func (m *Machine) ExpiredKeys(limit int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.engine.ScanPrefix("")
	if err != nil {
		return nil
	}
	now := time.Now()
	var expired []string
	for key, raw := range all {
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			continue
		}
		if rec.expired(now) {
			expired = append(expired, key)
			if len(expired) >= limit {
				break
			}
		}
	}
	return expired
}

// KeysInSlot returns every key currently stored whose computed slot
// matches slot, sorted, for CLUSTER COUNTKEYSINSLOT/GETKEYSINSLOT and for
// the migration coordinator's bulk-copy scan.
func (m *Machine) KeysInSlot(slotOf func(string) int, slot int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.engine.ScanPrefix("")
	if err != nil {
		return nil
	}
	var keys []string
	for key := range all {
		if slotOf(key) == slot {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

type persistedState struct {
	Records  map[string][]byte
	Sessions map[string]*clientSession
}

// Snapshot implements raft.StateMachine.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.engine.ScanPrefix("")
	if err != nil {
		return nil, err
	}
	state := persistedState{Records: all, Sessions: m.sessions}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore implements raft.StateMachine.
func (m *Machine) Restore(data []byte) error {
	var state persistedState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch := storage.NewBatch()
	for k, v := range state.Records {
		batch.Put(k, v)
	}
	if err := m.engine.WriteBatch(batch); err != nil {
		return err
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*clientSession)
	}
	m.sessions = state.Sessions
	return nil
}
