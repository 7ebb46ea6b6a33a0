// Package metrics holds the process-wide Prometheus collectors shared by
// every raft group, the admission layer, and the migration coordinator
// (SPEC_FULL.md §7 ambient stack). Collectors are registered against the
// default registry via promauto so a single promhttp.Handler, served by
// internal/server/httpadmin, exposes all of them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ElectionsStarted counts every election a group's node starts,
	// labeled by group id.
	ElectionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "raft",
		Name:      "elections_started_total",
		Help:      "Number of leader elections started, by group.",
	}, []string{"group"})

	// ElectionsWon counts elections that resulted in this node becoming
	// leader, labeled by group id.
	ElectionsWon = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "raft",
		Name:      "elections_won_total",
		Help:      "Number of leader elections won, by group.",
	}, []string{"group"})

	// ProposalsCommitted counts proposals that reached a committed,
	// applied result before their deadline, labeled by group id.
	ProposalsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "raft",
		Name:      "proposals_committed_total",
		Help:      "Number of proposals that committed and applied, by group.",
	}, []string{"group"})

	// ProposalsTimedOut counts proposals whose caller context expired
	// before the entry was observed applied, labeled by group id.
	ProposalsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "raft",
		Name:      "proposals_timed_out_total",
		Help:      "Number of proposals that timed out waiting for apply, by group.",
	}, []string{"group"})

	// RedirectsTotal counts redirect replies issued by the admission
	// layer, labeled by kind (moved, ask, clusterdown, crossslot).
	RedirectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "admission",
		Name:      "redirects_total",
		Help:      "Number of MOVED/ASK/CLUSTERDOWN/CROSSSLOT replies issued, by kind.",
	}, []string{"kind"})

	// MigrationBatchesTransferred counts key batches successfully copied
	// to a migration destination.
	MigrationBatchesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "migration",
		Name:      "batches_transferred_total",
		Help:      "Number of key batches transferred to a migration destination.",
	})
)
