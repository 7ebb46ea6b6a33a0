package raft

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aikv/aikv/internal/metrics"
)

// PromotionWindow is how close a learner's match index must be to the
// leader's commit index before PromoteLearner will submit the promotion
// proposal. Resolves spec.md's open question on promotion criteria.
const PromotionWindow = 1000

// Node drives one replicated log group. The apply loop applies every
// committed entry to the attached StateMachine; the only other calls that
// change it are the snapshot Restores in Start and HandleInstallSnapshot.
// Everything else either holds Node's own mutex or reads through an
// exported snapshot method.
type Node struct {
	mu sync.RWMutex

	id     string
	config Config
	log    zerolog.Logger

	currentTerm uint64
	votedFor    string
	entries     []LogEntry // entries[0] is always a sentinel for the last compacted index

	state       NodeState
	commitIndex uint64
	lastApplied uint64

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	members *memberSet

	stopCh          chan struct{}
	stopped         bool
	electionResetCh chan struct{}

	pendingCommands map[uint64]*pendingCommand
	pendingReads    []*pendingRead
	readMu          sync.Mutex

	transport    Transport
	wal          WAL
	stateMachine StateMachine

	snapshot           *Snapshot
	snapshotInProgress int32

	leaderID      string
	electionDeadline time.Time
	electionMu       sync.Mutex

	configChangeInFlight bool
}

// NewNode constructs a group replica. initialVoters must be identical on
// every founding member of the group; later membership changes flow
// through AddLearner/PromoteLearner/RemoveVoter.
func NewNode(config Config, initialVoters []string, transport Transport, wal WAL, sm StateMachine, logger zerolog.Logger) *Node {
	n := &Node{
		id:              config.NodeID,
		config:          config,
		entries:         []LogEntry{{Index: 0, Term: 0, Type: EntryNoop}},
		state:           Follower,
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		members:         newMemberSet(initialVoters),
		stopCh:          make(chan struct{}),
		electionResetCh: make(chan struct{}, 1),
		pendingCommands: make(map[uint64]*pendingCommand),
		transport:       transport,
		wal:             wal,
		stateMachine:    sm,
		log: logger.With().
			Uint64("group", config.GroupID).
			Str("node", config.NodeID).
			Logger(),
		electionDeadline: time.Now().Add(config.ElectionTimeoutMax),
	}
	return n
}

// Start restores persisted state (if any) and launches the election and
// apply goroutines.
func (n *Node) Start() error {
	if err := n.restore(); err != nil {
		n.log.Warn().Err(err).Msg("failed to restore persisted state")
	}
	go n.runLoop()
	go n.applyLoop()
	return nil
}

// Stop halts both goroutines and releases the WAL handle.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stopCh)
	if n.wal != nil {
		n.wal.Close()
	}
}

func (n *Node) runLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	n.resetElectionDeadline()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		deadline := n.electionDeadline
		n.electionMu.Unlock()

		timeout := time.Until(deadline)
		if timeout <= 0 {
			n.tryBecomeCandidate()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
			n.resetElectionDeadline()
		case <-time.After(timeout):
			n.tryBecomeCandidate()
			return
		}
	}
}

func (n *Node) tryBecomeCandidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Follower && n.members.isVoter(n.id) {
		n.becomeCandidate()
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	currentTerm := n.currentTerm
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	n.persistLocked()
	n.mu.Unlock()

	n.log.Info().Uint64("term", currentTerm).Msg("starting election")

	votesNeeded := int32(n.members.voterCount()/2 + 1)
	votesReceived := int32(1)

	voters := n.members.voterIDs()
	for _, peer := range voters {
		if peer == n.id {
			continue
		}
		go func(peer string) {
			args := &RequestVoteArgs{
				GroupID:      n.config.GroupID,
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}
			reply, err := n.transport.RequestVote(peer, args)
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()

			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term)
				return
			}
			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}
			if reply.VoteGranted {
				votes := atomic.AddInt32(&votesReceived, 1)
				if votes >= votesNeeded && n.state == Candidate {
					n.becomeLeader()
				}
			}
		}(peer)
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	select {
	case <-n.stopCh:
	case <-timer.C:
	case <-n.electionResetCh:
	}
}

func (n *Node) runLeader() {
	n.sendHeartbeats()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()
			if !isLeader {
				return
			}
			n.sendHeartbeats()
			n.advanceCommitIndex()
			n.checkPendingReads()
			n.maybeSnapshotBySize()
		case <-n.electionResetCh:
		}
	}
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	term := n.currentTerm
	commit := n.commitIndex
	n.mu.RUnlock()

	for _, peer := range n.members.allMembers() {
		if peer == n.id {
			continue
		}
		go n.sendAppendEntries(peer, term, commit)
	}
}

func (n *Node) sendAppendEntries(peer string, term, leaderCommit uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.lastLogIndexLocked() + 1
	}

	snapshotIdx := uint64(0)
	if n.snapshot != nil {
		snapshotIdx = n.snapshot.LastIncludedIndex
	}
	if snapshotIdx > 0 && nextIdx <= snapshotIdx {
		n.mu.RUnlock()
		n.sendSnapshot(peer)
		return
	}

	prevLogIndex := nextIdx - 1
	var prevLogTerm uint64
	if prevLogIndex > 0 {
		if snapshotIdx > 0 && prevLogIndex == snapshotIdx {
			prevLogTerm = n.snapshot.LastIncludedTerm
		} else if idx := n.arrayIndex(prevLogIndex); idx >= 0 && idx < len(n.entries) {
			prevLogTerm = n.entries[idx].Term
		}
	}

	var entries []LogEntry
	if start := n.arrayIndex(nextIdx); start >= 0 && start < len(n.entries) {
		entries = append(entries, n.entries[start:]...)
	}

	args := &AppendEntriesArgs{
		GroupID:      n.config.GroupID,
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.RUnlock()

	reply, err := n.transport.AppendEntries(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNext := nextIdx + uint64(len(entries))
		if newNext > n.nextIndex[peer] {
			n.nextIndex[peer] = newNext
		}
		if newNext-1 > n.matchIndex[peer] {
			n.matchIndex[peer] = newNext - 1
		}
		n.tryAdvanceCommitIndex()
		return
	}

	switch {
	case reply.ConflictTerm > 0:
		lastIdx := uint64(0)
		for i := len(n.entries) - 1; i >= 0; i-- {
			if n.entries[i].Term == reply.ConflictTerm {
				lastIdx = n.entries[i].Index
				break
			}
		}
		if lastIdx > 0 {
			n.nextIndex[peer] = lastIdx + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	case reply.ConflictIndex > 0:
		n.nextIndex[peer] = reply.ConflictIndex
	case n.nextIndex[peer] > 1:
		n.nextIndex[peer]--
	}
}

func (n *Node) sendSnapshot(peer string) {
	n.mu.RLock()
	if n.state != Leader || n.snapshot == nil {
		n.mu.RUnlock()
		return
	}
	args := &InstallSnapshotArgs{
		GroupID:           n.config.GroupID,
		Term:              n.currentTerm,
		LeaderID:          n.id,
		LastIncludedIndex: n.snapshot.LastIncludedIndex,
		LastIncludedTerm:  n.snapshot.LastIncludedTerm,
		Configuration:     n.snapshot.Configuration,
		Data:              n.snapshot.Data,
	}
	n.mu.RUnlock()

	reply, err := n.transport.InstallSnapshot(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}
	n.nextIndex[peer] = args.LastIncludedIndex + 1
	n.matchIndex[peer] = args.LastIncludedIndex
}

func (n *Node) tryAdvanceCommitIndex() {
	if n.state != Leader {
		return
	}

	voters := n.members.voterIDs()
	matchIndices := make([]uint64, 0, len(voters))
	for _, peer := range voters {
		if peer == n.id {
			matchIndices = append(matchIndices, n.lastLogIndexLocked())
			continue
		}
		matchIndices = append(matchIndices, n.matchIndex[peer])
	}
	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] > matchIndices[j] })

	majority := len(voters) / 2
	if majority >= len(matchIndices) {
		return
	}
	newCommit := matchIndices[majority]
	if newCommit <= n.commitIndex {
		return
	}

	idx := n.arrayIndex(newCommit)
	if idx < 0 || idx >= len(n.entries) || n.entries[idx].Term != n.currentTerm {
		return
	}

	n.commitIndex = newCommit
	n.log.Debug().Uint64("index", newCommit).Msg("advanced commit index")
	// Pending proposals are resolved by applyLoop, once their entries are
	// applied and the state machine's response is available.
}

func (n *Node) advanceCommitIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitIndex()
}

// HandleRequestVote answers a peer's vote request; safe for concurrent
// invocation from the transport.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}
	reply.Term = n.currentTerm

	upToDate := n.isLogUpToDateLocked(args.LastLogIndex, args.LastLogTerm)
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		reply.VoteGranted = true
		n.persistLocked()
		n.resetElectionTimerLocked()
	}
	return reply
}

// HandleAppendEntries is the follower-side AppendEntries handler,
// including the heartbeat case (Entries == nil).
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.resetElectionTimerLocked()
	reply.Term = n.currentTerm

	if args.PrevLogIndex > 0 {
		idx := n.arrayIndex(args.PrevLogIndex)
		if idx < 0 || idx >= len(n.entries) {
			reply.ConflictIndex = n.lastLogIndexLocked() + 1
			return reply
		}
		if n.entries[idx].Term != args.PrevLogTerm {
			conflictTerm := n.entries[idx].Term
			reply.ConflictTerm = conflictTerm
			reply.ConflictIndex = n.entries[0].Index
			for i := idx; i >= 0; i-- {
				if n.entries[i].Term != conflictTerm {
					reply.ConflictIndex = n.entries[i+1].Index
					break
				}
			}
			return reply
		}
	}

	for i, entry := range args.Entries {
		logIdx := n.arrayIndex(args.PrevLogIndex + 1 + uint64(i))
		if logIdx >= 0 && logIdx < len(n.entries) {
			if n.entries[logIdx].Term != entry.Term {
				n.entries = append(n.entries[:logIdx], entry)
			}
		} else {
			n.entries = append(n.entries, entry)
		}
	}
	if len(args.Entries) > 0 {
		n.persistLocked()
	}

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
	}

	reply.Success = true
	return reply
}

// HandleInstallSnapshot replaces local state with a leader-sent snapshot.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}
	n.leaderID = args.LeaderID
	n.resetElectionTimerLocked()

	if err := n.stateMachine.Restore(args.Data); err != nil {
		n.log.Error().Err(err).Msg("failed to restore snapshot")
		return reply
	}

	n.entries = []LogEntry{{Index: args.LastIncludedIndex, Term: args.LastIncludedTerm, Type: EntryNoop}}
	n.members.restore(args.Configuration)

	if args.LastIncludedIndex > n.commitIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	if args.LastIncludedIndex > n.lastApplied {
		n.lastApplied = args.LastIncludedIndex
	}

	n.snapshot = &Snapshot{
		LastIncludedIndex: args.LastIncludedIndex,
		LastIncludedTerm:  args.LastIncludedTerm,
		Configuration:      args.Configuration,
		Data:              args.Data,
	}
	if n.wal != nil {
		n.wal.SaveSnapshot(n.snapshot)
	}
	n.persistLocked()
	return reply
}

// Submit appends a command entry if this node is currently the leader.
// It does not wait for the entry to commit; use SubmitWithResult for that.
func (n *Node) Submit(entryType EntryType, command []byte) (index, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader {
		return 0, 0, false
	}
	entry := LogEntry{Index: n.lastLogIndexLocked() + 1, Term: n.currentTerm, Type: entryType, Command: command}
	n.entries = append(n.entries, entry)
	n.persistLocked()
	return entry.Index, entry.Term, true
}

// SubmitWithResult proposes a command and blocks until it commits, the
// context expires, or leadership is lost.
func (n *Node) SubmitWithResult(ctx context.Context, command []byte) (CommitResult, error) {
	return n.submitEntry(ctx, EntryNormal, command)
}

func (n *Node) submitEntry(ctx context.Context, entryType EntryType, command []byte) (CommitResult, error) {
	index, term, isLeader := n.Submit(entryType, command)
	if !isLeader {
		return CommitResult{}, ErrNotLeader
	}

	resultCh := make(chan CommitResult, 1)
	n.mu.Lock()
	n.pendingCommands[index] = &pendingCommand{index: index, term: term, resultCh: resultCh}
	n.mu.Unlock()

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return result, result.Err
		}
		metrics.ProposalsCommitted.WithLabelValues(n.groupLabel()).Inc()
		return result, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommands, index)
		n.mu.Unlock()
		metrics.ProposalsTimedOut.WithLabelValues(n.groupLabel()).Inc()
		return CommitResult{}, ctx.Err()
	}
}

// groupLabel renders this node's group id as a Prometheus label value.
func (n *Node) groupLabel() string {
	return strconv.FormatUint(n.config.GroupID, 10)
}

// ReadIndex performs the leader-confirmed barrier read from spec.md §4.2/
// §4.3: it records the current commit index, confirms leadership against a
// quorum of voters, then waits for the apply loop to catch up to that
// index before returning. Callers read the state machine themselves once
// ReadIndex returns nil.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	readIdx := n.commitIndex
	term := n.currentTerm
	n.mu.Unlock()

	if !n.confirmLeadership(term) {
		return 0, ErrNotLeader
	}

	deadline := time.Now().Add(n.config.ReadIndexTimeout)
	for {
		n.mu.RLock()
		applied := n.lastApplied
		n.mu.RUnlock()
		if applied >= readIdx {
			return readIdx, nil
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (n *Node) confirmLeadership(term uint64) bool {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return false
	}
	voters := n.members.voterIDs()
	needed := int32(len(voters)/2 + 1)
	n.mu.RUnlock()

	ackCount := int32(1)
	done := make(chan struct{}, 1)

	for _, peer := range voters {
		if peer == n.id {
			continue
		}
		go func(peer string) {
			n.mu.RLock()
			args := &AppendEntriesArgs{
				GroupID:      n.config.GroupID,
				Term:         n.currentTerm,
				LeaderID:     n.id,
				PrevLogIndex: n.lastLogIndexLocked(),
				PrevLogTerm:  n.lastLogTermLocked(),
				LeaderCommit: n.commitIndex,
			}
			n.mu.RUnlock()

			reply, err := n.transport.AppendEntries(peer, args)
			if err != nil || !reply.Success {
				return
			}
			if atomic.AddInt32(&ackCount, 1) >= needed {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}(peer)
	}

	select {
	case <-done:
		return true
	case <-time.After(n.config.HeartbeatInterval * 3):
		return atomic.LoadInt32(&ackCount) >= needed
	}
}

func (n *Node) checkPendingReads() {
	n.readMu.Lock()
	defer n.readMu.Unlock()

	n.mu.RLock()
	applied := n.lastApplied
	n.mu.RUnlock()

	remaining := n.pendingReads[:0]
	for _, r := range n.pendingReads {
		if applied >= r.index {
			close(r.resultCh)
		} else {
			remaining = append(remaining, r)
		}
	}
	n.pendingReads = remaining
}

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.Lock()
		commit := n.commitIndex
		applied := n.lastApplied
		n.mu.Unlock()

		for i := applied + 1; i <= commit; i++ {
			n.mu.RLock()
			idx := n.arrayIndex(i)
			if idx < 0 || idx >= len(n.entries) {
				n.mu.RUnlock()
				break
			}
			entry := n.entries[idx]
			n.mu.RUnlock()

			var response []byte
			switch entry.Type {
			case EntryNormal:
				response = n.stateMachine.Apply(entry.Index, entry.Command)
			case EntryConfigChange:
				n.applyConfigChange(entry.Command)
			case EntryNoop:
			}

			n.mu.Lock()
			n.lastApplied = i
			if n.state == Leader {
				if pending, ok := n.pendingCommands[i]; ok {
					select {
					case pending.resultCh <- CommitResult{Index: i, Term: entry.Term, Response: response}:
					default:
					}
					delete(n.pendingCommands, i)
				}
			}
			n.mu.Unlock()
		}

		if commit == applied {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (n *Node) maybeSnapshotBySize() {
	if atomic.LoadInt32(&n.snapshotInProgress) == 1 || n.wal == nil {
		return
	}
	size, err := n.wal.Size()
	if err != nil || size < int64(n.config.SnapshotThreshold) {
		return
	}
	if atomic.CompareAndSwapInt32(&n.snapshotInProgress, 0, 1) {
		go func() {
			defer atomic.StoreInt32(&n.snapshotInProgress, 0)
			n.mu.RLock()
			applied := n.lastApplied
			n.mu.RUnlock()
			n.CreateSnapshot(applied)
		}()
	}
}

// CreateSnapshot compacts the log up to index and persists the result.
func (n *Node) CreateSnapshot(index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	arr := n.arrayIndex(index)
	if arr <= 0 || arr >= len(n.entries) {
		return nil
	}

	data, err := n.stateMachine.Snapshot()
	if err != nil {
		return err
	}

	snap := &Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  n.entries[arr].Term,
		Configuration:      n.members.snapshot(),
		Data:              data,
	}

	n.entries = n.entries[arr:]
	n.entries[0] = LogEntry{Index: index, Term: snap.LastIncludedTerm, Type: EntryNoop}

	if n.wal != nil {
		if err := n.wal.SaveSnapshot(snap); err != nil {
			return err
		}
	}
	n.snapshot = snap
	n.log.Info().Uint64("index", index).Msg("created snapshot")
	return nil
}

// --- membership changes (spec.md §4.1, single-step learner-based) ---

// AddLearner proposes a configuration-change entry that adds id as a
// non-voting learner. Concurrent changes return ErrInProgress.
func (n *Node) AddLearner(ctx context.Context, id string) error {
	return n.changeMembership(ctx, configChange{Op: configOpAddLearner, NodeID: id})
}

// PromoteLearner promotes a learner to voter, but only once its match
// index is within PromotionWindow of the leader's commit index (spec.md's
// resolved open question).
func (n *Node) PromoteLearner(ctx context.Context, id string) error {
	n.mu.RLock()
	commit := n.commitIndex
	match := n.matchIndex[id]
	n.mu.RUnlock()

	if commit > match && commit-match > PromotionWindow {
		return ErrNotCaughtUp
	}
	return n.changeMembership(ctx, configChange{Op: configOpPromote, NodeID: id})
}

// RemoveVoter proposes removal of a voter (or learner) from the group.
func (n *Node) RemoveVoter(ctx context.Context, id string) error {
	return n.changeMembership(ctx, configChange{Op: configOpRemove, NodeID: id})
}

func (n *Node) changeMembership(ctx context.Context, change configChange) error {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.configChangeInFlight {
		n.mu.Unlock()
		return ErrInProgress
	}
	n.configChangeInFlight = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.configChangeInFlight = false
		n.mu.Unlock()
	}()

	payload := encodeConfigChange(change)
	_, err := n.submitEntry(ctx, EntryConfigChange, payload)
	return err
}

func (n *Node) applyConfigChange(payload []byte) {
	change, err := decodeConfigChange(payload)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to decode config change entry")
		return
	}
	switch change.Op {
	case configOpAddLearner:
		n.members.addLearner(change.NodeID)
		n.mu.Lock()
		if _, ok := n.nextIndex[change.NodeID]; !ok {
			n.nextIndex[change.NodeID] = n.lastLogIndexLocked() + 1
			n.matchIndex[change.NodeID] = 0
		}
		n.mu.Unlock()
	case configOpPromote:
		n.members.promote(change.NodeID)
	case configOpRemove:
		n.members.remove(change.NodeID)
		n.mu.Lock()
		delete(n.nextIndex, change.NodeID)
		delete(n.matchIndex, change.NodeID)
		n.mu.Unlock()
	}
}

// --- helpers ---

func (n *Node) becomeFollower(term uint64) {
	n.log.Info().Uint64("term", term).Msg("becoming follower")
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = ""

	for idx, pending := range n.pendingCommands {
		select {
		case pending.resultCh <- CommitResult{Index: idx, Err: ErrNotLeader}:
		default:
		}
	}
	n.pendingCommands = make(map[uint64]*pendingCommand)
	n.persistLocked()
}

func (n *Node) becomeCandidate() {
	n.log.Info().Uint64("term", n.currentTerm+1).Msg("becoming candidate")
	n.state = Candidate
	metrics.ElectionsStarted.WithLabelValues(n.groupLabel()).Inc()
}

func (n *Node) becomeLeader() {
	n.log.Info().Uint64("term", n.currentTerm).Msg("becoming leader")
	n.state = Leader
	n.leaderID = n.id
	metrics.ElectionsWon.WithLabelValues(n.groupLabel()).Inc()

	lastIdx := n.lastLogIndexLocked()
	for _, peer := range n.members.allMembers() {
		if peer != n.id {
			n.nextIndex[peer] = lastIdx + 1
			n.matchIndex[peer] = 0
		}
	}

	n.entries = append(n.entries, LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Type: EntryNoop})
	n.persistLocked()
}

func (n *Node) arrayIndex(logIndex uint64) int {
	if len(n.entries) == 0 {
		return -1
	}
	base := n.entries[0].Index
	if logIndex < base {
		return -1
	}
	return int(logIndex - base)
}

func (n *Node) lastLogIndexLocked() uint64 {
	if len(n.entries) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedIndex
		}
		return 0
	}
	return n.entries[len(n.entries)-1].Index
}

func (n *Node) lastLogTermLocked() uint64 {
	if len(n.entries) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedTerm
		}
		return 0
	}
	return n.entries[len(n.entries)-1].Term
}

func (n *Node) isLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := n.lastLogTermLocked()
	myIndex := n.lastLogIndexLocked()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := int64(n.config.ElectionTimeoutMin)
	hi := int64(n.config.ElectionTimeoutMax)
	return time.Duration(lo + rand.Int63n(hi-lo+1))
}

func (n *Node) resetElectionTimerLocked() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
	n.electionMu.Lock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
	n.electionMu.Unlock()
}

func (n *Node) persistLocked() {
	if n.wal == nil {
		return
	}
	state := &PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor, Log: n.entries}
	if err := n.wal.Save(state); err != nil {
		n.log.Error().Err(err).Msg("failed to persist state")
	}
}

func (n *Node) restore() error {
	if n.wal == nil {
		return nil
	}

	if snap, err := n.wal.LoadSnapshot(); err == nil && snap != nil {
		n.snapshot = snap
		if err := n.stateMachine.Restore(snap.Data); err != nil {
			return err
		}
		n.members.restore(snap.Configuration)
		n.lastApplied = snap.LastIncludedIndex
		n.commitIndex = snap.LastIncludedIndex
		n.entries = []LogEntry{{Index: snap.LastIncludedIndex, Term: snap.LastIncludedTerm, Type: EntryNoop}}
	}

	state, err := n.wal.Load()
	if err != nil {
		return err
	}
	if state != nil {
		n.currentTerm = state.CurrentTerm
		n.votedFor = state.VotedFor
		if len(state.Log) > 0 {
			n.entries = state.Log
		}
	}
	return nil
}

// --- accessors ---

func (n *Node) GroupID() uint64 { return n.config.GroupID }
func (n *Node) ID() string      { return n.id }

func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

func (n *Node) State() (term uint64, state NodeState) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state
}

func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *Node) CommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

func (n *Node) Configuration() Configuration {
	return n.members.snapshot()
}

// CommittedEntries returns a copy of every log entry this node has
// committed (index in [1, CommitIndex]), for test harnesses that verify
// safety invariants across a cluster (spec.md §8 property 1).
func (n *Node) CommittedEntries() []LogEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]LogEntry, 0, n.commitIndex)
	for _, e := range n.entries {
		if e.Index >= 1 && e.Index <= n.commitIndex {
			out = append(out, e)
		}
	}
	return out
}

func (n *Node) VoterCount() int {
	return n.members.voterCount()
}
