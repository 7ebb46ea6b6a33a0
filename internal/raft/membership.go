package raft

import "sync"

// memberSet tracks the voters and learners of one group. Learners are
// replicated to (they receive AppendEntries) but never count toward
// quorum; PromoteLearner is the only way a learner becomes a voter, and
// it is gated by the caller checking catch-up first (see
// Node.PromoteLearner).
type memberSet struct {
	mu       sync.RWMutex
	voters   map[string]bool
	learners map[string]bool
}

func newMemberSet(voters []string) *memberSet {
	m := &memberSet{
		voters:   make(map[string]bool),
		learners: make(map[string]bool),
	}
	for _, v := range voters {
		m.voters[v] = true
	}
	return m
}

func (m *memberSet) addLearner(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.voters[id] {
		m.learners[id] = true
	}
}

func (m *memberSet) promote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.learners, id)
	m.voters[id] = true
}

func (m *memberSet) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.voters, id)
	delete(m.learners, id)
}

func (m *memberSet) isVoter(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.voters[id]
}

func (m *memberSet) voterCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.voters)
}

func (m *memberSet) allMembers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.voters)+len(m.learners))
	for v := range m.voters {
		out = append(out, v)
	}
	for l := range m.learners {
		out = append(out, l)
	}
	return out
}

func (m *memberSet) voterIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.voters))
	for v := range m.voters {
		out = append(out, v)
	}
	return out
}

func (m *memberSet) snapshot() Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := Configuration{}
	for v := range m.voters {
		cfg.Voters = append(cfg.Voters, v)
	}
	for l := range m.learners {
		cfg.Learners = append(cfg.Learners, l)
	}
	return cfg
}

func (m *memberSet) restore(cfg Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voters = make(map[string]bool, len(cfg.Voters))
	m.learners = make(map[string]bool, len(cfg.Learners))
	for _, v := range cfg.Voters {
		m.voters[v] = true
	}
	for _, l := range cfg.Learners {
		m.learners[l] = true
	}
}
