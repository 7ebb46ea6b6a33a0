package rafttest

import "github.com/aikv/aikv/internal/raft"

// Violation describes one safety-invariant breach found by CheckSafety.
type Violation struct {
	Kind    string
	Detail  string
	Index   uint64
	NodeA   string
	NodeB   string
}

// CheckSafety verifies spec.md §8 property 1 ("for all committed indices
// i on a group: a majority of voters persist the same entry at i in the
// same term") plus monotonic commit and term ordering, against every
// node's CommittedEntries(). Grounded on the teacher's
// pkg/testing/invariant_checker.go, generalized from a single CommandSet
// comparison to the opaque []byte payload every state machine now uses
// (raft no longer knows the command shape, so it compares terms and raw
// bytes instead of decoding a KV command).
func CheckSafety(nodes []*raft.Node) []Violation {
	var violations []Violation

	byIndex := make(map[uint64][]struct {
		nodeID string
		entry  raft.LogEntry
	})

	for _, n := range nodes {
		id := n.ID()
		for _, e := range n.CommittedEntries() {
			byIndex[e.Index] = append(byIndex[e.Index], struct {
				nodeID string
				entry  raft.LogEntry
			}{id, e})
		}
	}

	for index, entries := range byIndex {
		for i := 1; i < len(entries); i++ {
			ref, other := entries[0], entries[i]
			if ref.entry.Term != other.entry.Term {
				violations = append(violations, Violation{
					Kind:   "TERM_MISMATCH",
					Detail: "same committed index has different terms on different nodes",
					Index:  index, NodeA: ref.nodeID, NodeB: other.nodeID,
				})
				continue
			}
			if string(ref.entry.Command) != string(other.entry.Command) {
				violations = append(violations, Violation{
					Kind:   "LOG_MATCHING_VIOLATION",
					Detail: "same committed index has different command payloads on different nodes",
					Index:  index, NodeA: ref.nodeID, NodeB: other.nodeID,
				})
			}
		}
	}

	for _, n := range nodes {
		var lastIndex, lastTerm uint64
		for _, e := range n.CommittedEntries() {
			if e.Index < lastIndex {
				violations = append(violations, Violation{
					Kind:   "NON_MONOTONIC_COMMIT",
					Detail: "committed index decreased within one node's own log",
					Index:  e.Index, NodeA: n.ID(),
				})
			}
			if e.Index > lastIndex && e.Term < lastTerm {
				violations = append(violations, Violation{
					Kind:   "TERM_ORDER_VIOLATION",
					Detail: "term decreased at a higher log index within one node's own log",
					Index:  e.Index, NodeA: n.ID(),
				})
			}
			lastIndex, lastTerm = e.Index, e.Term
		}
	}

	return violations
}
