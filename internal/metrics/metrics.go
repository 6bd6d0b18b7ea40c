// Package metrics exposes proofd state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CZERTAINLY/proofd/internal/health"
	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/slot"
	"github.com/CZERTAINLY/proofd/internal/worker"
)

const (
	SubmissionAccepted  = "accepted"
	SubmissionDuplicate = "duplicate"
	SubmissionInvalid   = "invalid"
	SubmissionRejected  = "rejected"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofd_submissions_total",
			Help: "Score submissions by outcome",
		},
		[]string{"outcome"}, // accepted, duplicate, invalid, rejected
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofd_jobs_finished_total",
			Help: "Jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	// Buckets: 1s .. ~68m
	ProverDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proofd_prover_duration_seconds",
			Help:    "Wall time of prover runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		},
		[]string{"state"},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proofd_queue_length",
			Help: "Jobs waiting for a worker",
		},
	)

	WorkersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proofd_workers_live",
			Help: "Running worker goroutines",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proofd_workers_busy",
			Help: "Workers processing a job",
		},
	)

	SlotHolders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proofd_slot_holders",
			Help: "Holders of the prover execution slot, never above one",
		},
	)

	DedupSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proofd_dedup_swept_total",
			Help: "Expired dedup entries removed by the health monitor",
		},
	)

	PoolTopUps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proofd_pool_topup_workers_total",
			Help: "Workers started by the health monitor",
		},
	)
)

func Submission(outcome string) {
	SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// Job accounts a job state change, only terminal states are counted.
func Job(job model.Job) {
	if !job.State.Terminal() {
		return
	}
	state := string(job.State)
	JobsFinishedTotal.WithLabelValues(state).Inc()
	if job.StartedAt != nil {
		ProverDurationSeconds.WithLabelValues(state).Observe(job.Duration().Seconds())
	}
}

func Pool(st worker.Status, s slot.Status) {
	QueueLength.Set(float64(st.Queued))
	WorkersLive.Set(float64(st.Live))
	WorkersBusy.Set(float64(st.Busy))
	SlotHolders.Set(float64(s.Active))
}

func Health(r health.Report) {
	DedupSwept.Add(float64(r.Swept))
	PoolTopUps.Add(float64(r.Started))
}
