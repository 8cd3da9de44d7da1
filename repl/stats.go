package repl

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kfsgo/chunksrv/3rdparty/atomic"
)

// Stats holds the monotonic counters and the live gauge from §3, plus a
// Prometheus mirror of the same values. Raw atomics are updated on the hot
// path; the promCounters are incremented alongside them so both views stay
// consistent without a lock, matching ec/stats.go's split between raw
// atomic fields and a computed snapshot.
type Stats struct {
	replicationTotal   atomic.Int64
	replicationError   atomic.Int64
	replicationCancel  atomic.Int64
	replicationRetry   atomic.Int64 // observability only, not part of the §8 invariant set
	recoveryTotal      atomic.Int64
	recoveryError      atomic.Int64
	recoveryCancel     atomic.Int64
	activeJobCount     atomic.Int64

	prom *promStats
}

type promStats struct {
	total       *prometheus.CounterVec // labels: path={replication,recovery}
	errors      *prometheus.CounterVec
	cancels     *prometheus.CounterVec
	retries     prometheus.Counter
	activeGauge prometheus.Gauge
}

// NewStats registers Prometheus collectors against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewStats(reg prometheus.Registerer) *Stats {
	p := &promStats{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunksrv",
			Subsystem: "repl",
			Name:      "jobs_total",
			Help:      "Total replication/recovery jobs started, by path.",
		}, []string{"path"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunksrv",
			Subsystem: "repl",
			Name:      "jobs_error_total",
			Help:      "Failed replication/recovery jobs, by path.",
		}, []string{"path"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunksrv",
			Subsystem: "repl",
			Name:      "jobs_cancelled_total",
			Help:      "Cancelled replication/recovery jobs, by path.",
		}, []string{"path"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunksrv",
			Subsystem: "repl",
			Name:      "replication_retry_total",
			Help:      "Bad-checksum read retries on the replication path.",
		}),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chunksrv",
			Subsystem: "repl",
			Name:      "active_jobs",
			Help:      "Currently active replication/recovery jobs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.total, p.errors, p.cancels, p.retries, p.activeGauge)
	}
	return &Stats{prom: p}
}

func (s *Stats) jobStarted(recovery bool) {
	s.activeJobCount.Inc()
	s.prom.activeGauge.Inc()
	if recovery {
		s.recoveryTotal.Inc()
		s.prom.total.WithLabelValues("recovery").Inc()
	} else {
		s.replicationTotal.Inc()
		s.prom.total.WithLabelValues("replication").Inc()
	}
}

// jobSucceeded and jobFailed record a job's terminal outcome. Exactly one
// of jobSucceeded/jobFailed is called once per job, from finalize.go's
// single finalization point (§4.7, §8 invariant 4).
func (s *Stats) jobSucceeded(recovery bool) {
	s.activeJobCount.Dec()
	s.prom.activeGauge.Dec()
}

func (s *Stats) jobFailed(recovery bool, kind ErrorKind) {
	s.activeJobCount.Dec()
	s.prom.activeGauge.Dec()

	path := "replication"
	if recovery {
		path = "recovery"
	}
	if kind == KindCancelled {
		if recovery {
			s.recoveryCancel.Inc()
		} else {
			s.replicationCancel.Inc()
		}
		s.prom.cancels.WithLabelValues(path).Inc()
		return
	}
	if recovery {
		s.recoveryError.Inc()
	} else {
		s.replicationError.Inc()
	}
	s.prom.errors.WithLabelValues(path).Inc()
}

func (s *Stats) retriedReplicationRead() {
	s.replicationRetry.Inc()
	s.prom.retries.Inc()
}

// Snapshot is a point-in-time copy of the counters, safe to log or hand
// to a status RPC handler.
type Snapshot struct {
	ReplicationTotal  int64
	ReplicationError  int64
	ReplicationCancel int64
	ReplicationRetry  int64
	RecoveryTotal     int64
	RecoveryError     int64
	RecoveryCancel    int64
	ActiveJobCount    int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ReplicationTotal:  s.replicationTotal.Load(),
		ReplicationError:  s.replicationError.Load(),
		ReplicationCancel: s.replicationCancel.Load(),
		ReplicationRetry:  s.replicationRetry.Load(),
		RecoveryTotal:     s.recoveryTotal.Load(),
		RecoveryError:     s.recoveryError.Load(),
		RecoveryCancel:    s.recoveryCancel.Load(),
		ActiveJobCount:    s.activeJobCount.Load(),
	}
}

func (sn Snapshot) String() string {
	return fmt.Sprintf(
		"replication[total=%d error=%d cancel=%d retry=%d] recovery[total=%d error=%d cancel=%d] active=%d",
		sn.ReplicationTotal, sn.ReplicationError, sn.ReplicationCancel, sn.ReplicationRetry,
		sn.RecoveryTotal, sn.RecoveryError, sn.RecoveryCancel, sn.ActiveJobCount,
	)
}
