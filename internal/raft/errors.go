package raft

import "errors"

var (
	ErrNotLeader          = errors.New("raft: not the leader")
	ErrTimeout            = errors.New("raft: operation timed out")
	ErrInProgress         = errors.New("raft: membership change already in progress")
	ErrUnreachable        = errors.New("raft: peer unreachable")
	ErrStorageFailure     = errors.New("raft: storage failure")
	ErrSnapshotRequired   = errors.New("raft: follower requires a snapshot to catch up")
	ErrStopped            = errors.New("raft: node has been stopped")
	ErrUnknownPeer        = errors.New("raft: unknown peer")
	ErrNotCaughtUp        = errors.New("raft: learner has not caught up to commit index")
)
