package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Client side

    SafetyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Name:      "safety_violations_total",
        Help:      "Consensus safety violations detected, by kind (transition, duplicate)",
    }, []string{"kind"})

    LivenessGaps = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Name:      "liveness_gaps_total",
        Help:      "Seqnos found committed in no view during history sweeps",
    })

    ProposalsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "gov",
        Name:      "proposals_submitted_total",
        Help:      "Proposals submitted by the governance client",
    }, []string{"result"})

    VotesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "gov",
        Name:      "votes_cast_total",
        Help:      "Ballots cast by the governance client",
    }, []string{"result"})

    CommitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "gov",
        Name:      "commit_waits_total",
        Help:      "Global commit waits by outcome (committed, invalid, timeout, canceled)",
    }, []string{"result"})

    CommitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "consortium",
        Subsystem: "gov",
        Name:      "commit_wait_seconds",
        Help:      "Time spent waiting for global commit",
        Buckets:   prometheus.DefBuckets,
    })

    HistoryQueries = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "history",
        Name:      "queries_total",
        Help:      "Tx status queries issued by view history sweeps",
    })

    HistorySweepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "consortium",
        Subsystem: "history",
        Name:      "sweep_seconds",
        Help:      "Duration of exhaustive view history sweeps",
        Buckets:   prometheus.DefBuckets,
    })

    // Node side

    IsPrimary = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "is_primary",
        Help:      "1 if this node is the primary, else 0",
    })

    PrimaryChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "primary_changes_total",
        Help:      "Total number of observed primary change events",
    })

    GossipPeers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "gossip_peers",
        Help:      "Current number of gossip peers",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    GovernanceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "governance_requests_total",
        Help:      "Governance requests handled by this node, by operation and error code",
    }, []string{"op", "code"})

    AppWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "node",
        Name:      "app_writes_total",
        Help:      "Application writes handled by this node",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "consortium",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "consortium",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            SafetyViolations,
            LivenessGaps,
            ProposalsSubmitted,
            VotesCast,
            CommitWaits,
            CommitWaitSeconds,
            HistoryQueries,
            HistorySweepSeconds,
            IsPrimary,
            PrimaryChanges,
            GossipPeers,
            JoinRequests,
            GovernanceRequests,
            AppWrites,
            GRPCConnDials,
            GRPCConnReuse,
            GRPCConnEvictions,
            GRPCConnActive,
        )
    })
}
