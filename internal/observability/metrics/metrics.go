package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures metric const labels.
type Config struct {
	ServiceName string
	Environment string
}

const (
	SubmissionStatusSubmitted = "submitted"
	SubmissionStatusError     = "error"
	SubmissionStatusDropped   = "dropped"
)

// Metrics exposes issuance and certification instruments.
type Metrics struct {
	issued          *prometheus.CounterVec
	issueFailures   *prometheus.CounterVec
	issueDuration   prometheus.Histogram
	qrFailures      prometheus.Counter
	sequenceGaps    prometheus.Counter
	submissions     *prometheus.CounterVec
	seriesLockWait  prometheus.Histogram
	submissionQueue prometheus.Gauge
}

// New registers the issuance instruments on the default registerer.
func New(cfg Config) (*Metrics, error) {
	return NewWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

func NewWithRegisterer(registerer prometheus.Registerer, cfg Config) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabels(cfg)

	m := &Metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fiscalia_invoices_issued_total",
			Help:        "Invoices locked and issued, by document type.",
			ConstLabels: constLabels,
		}, []string{"document_type"}),
		issueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fiscalia_issuance_failures_total",
			Help:        "Rejected issuance attempts by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		issueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "fiscalia_issuance_duration_seconds",
			Help:        "Latency of the issuance transaction including the series lock.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}),
		qrFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fiscalia_qr_failures_total",
			Help:        "QR renders that failed after the invoice was issued.",
			ConstLabels: constLabels,
		}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fiscalia_sequence_gaps_total",
			Help:        "Custom numbers that left the series non-contiguous.",
			ConstLabels: constLabels,
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fiscalia_submissions_total",
			Help:        "Certification service submission attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		seriesLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "fiscalia_series_lock_wait_seconds",
			Help:        "Time spent waiting for the per-series issuance lock.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			ConstLabels: constLabels,
		}),
		submissionQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fiscalia_submission_queue_depth",
			Help:        "Invoices waiting in the in-process submission queue.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.issued, m.issueFailures, m.issueDuration, m.qrFailures,
		m.sequenceGaps, m.submissions, m.seriesLockWait, m.submissionQueue,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = already
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "fiscalia"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{"service": serviceName, "env": environment}
}

func (m *Metrics) IncIssued(documentType string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(strings.ToLower(documentType)).Inc()
}

func (m *Metrics) IncIssueFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.issueFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveIssueDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.issueDuration.Observe(d.Seconds())
}

func (m *Metrics) IncQRFailure() {
	if m == nil {
		return
	}
	m.qrFailures.Inc()
}

func (m *Metrics) IncSequenceGap() {
	if m == nil {
		return
	}
	m.sequenceGaps.Inc()
}

func (m *Metrics) IncSubmission(status string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSeriesLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.seriesLockWait.Observe(d.Seconds())
}

func (m *Metrics) SetSubmissionQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.submissionQueue.Set(float64(depth))
}
