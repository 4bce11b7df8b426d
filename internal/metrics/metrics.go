package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "registry"
)

var (
	// SlotLeaderAssigns tracks slots currently led by this node
	SlotLeaderAssigns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "leader_assigns",
			Help:      "Number of slots this node leads",
		},
	)

	// SlotFollowerAssigns tracks slots currently followed by this node
	SlotFollowerAssigns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "follower_assigns",
			Help:      "Number of slots this node follows",
		},
	)

	// SlotLeaderMigrating tracks slots still migrating after a leader change
	SlotLeaderMigrating = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "leader_migrating",
			Help:      "Number of slots in migration",
		},
	)

	// SlotMigrationDuration measures migration span per slot
	SlotMigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "migration_duration_seconds",
			Help:      "Slot migration span in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// SlotMigrationFails counts failed migrating sync attempts
	SlotMigrationFails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "migration_fails_total",
			Help:      "Total failed migrating sync attempts",
		},
		[]string{"session"},
	)

	// SlotLeaderUpdates counts leader generation changes observed locally
	SlotLeaderUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "leader_updates_total",
			Help:      "Total leader epoch changes on local slots",
		},
	)

	// SlotAccessTotal counts incoming access checks by outcome
	SlotAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "access_total",
			Help:      "Total slot access checks",
		},
		[]string{"status"}, // Accept/Moved/Migrating/MisMatch
	)

	// SyncDuration measures sync round trips by kind
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "slot",
			Name:      "sync_duration_seconds",
			Help:      "Sync task latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"kind"}, // session/leader
	)

	// PushTotal counts pushes by result
	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "total",
			Help:      "Total pushes by result",
		},
		[]string{"result"}, // success/error/conflict/retry/drop
	)

	// PushPending tracks tasks waiting in the merge map
	PushPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "pending",
			Help:      "Push tasks pending commit",
		},
	)

	// PushInFlight tracks client addresses with a push in flight
	PushInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "in_flight",
			Help:      "Client addresses with an uncompleted push",
		},
	)

	// StoreRegistrations tracks live registrations per store
	StoreRegistrations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "registrations",
			Help:      "Live registrations per store",
		},
		[]string{"store"}, // interests/dataStore/watchers
	)

	// SessionLeases tracks live session leases on a data node
	SessionLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "sessions",
			Help:      "Live session leases",
		},
	)
)
