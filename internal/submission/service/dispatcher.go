package service

import (
	"context"
	"sync"

	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/submission/domain"
	"go.uber.org/zap"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

type queuedJob struct {
	ctx context.Context
	job invoicedomain.SubmissionJob
}

// AsyncDispatcher feeds a bounded queue drained by a fixed worker pool. A full queue
// drops the job; the invoice stays PENDING and the retry job picks it up.
type AsyncDispatcher struct {
	tracker domain.Tracker
	log     *zap.Logger
	metrics *metrics.Metrics
	workers int
	queue   chan queuedJob
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsyncDispatcher(tracker domain.Tracker, log *zap.Logger, m *metrics.Metrics, workers, queueSize int) *AsyncDispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &AsyncDispatcher{
		tracker: tracker,
		log:     log.Named("submission.dispatcher"),
		metrics: m,
		workers: workers,
		queue:   make(chan queuedJob, queueSize),
	}
}

func (d *AsyncDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop refuses new jobs and waits for queued ones until ctx is done.
func (d *AsyncDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, job invoicedomain.SubmissionJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(job, "dispatcher stopped")
		return false
	}

	select {
	case d.queue <- queuedJob{ctx: context.WithoutCancel(ctx), job: job}:
		d.metrics.SetSubmissionQueueDepth(len(d.queue))
		return true
	default:
		d.drop(job, "queue full")
		return false
	}
}

func (d *AsyncDispatcher) drop(job invoicedomain.SubmissionJob, reason string) {
	d.metrics.IncSubmission(metrics.SubmissionStatusDropped)
	d.log.Warn("submission dropped; retry job will pick it up",
		zap.String("invoice_id", job.InvoiceID.String()),
		zap.String("reason", reason),
	)
}

func (d *AsyncDispatcher) work() {
	defer d.wg.Done()
	for queued := range d.queue {
		d.metrics.SetSubmissionQueueDepth(len(d.queue))
		result := d.tracker.Submit(queued.ctx, queued.job)
		if result.Err != nil {
			d.log.Debug("queued submission failed",
				zap.String("invoice_id", queued.job.InvoiceID.String()),
				zap.Bool("retryable", result.Retryable),
				zap.Error(result.Err),
			)
		}
	}
}

// InlineDispatcher submits synchronously on the caller's goroutine.
type InlineDispatcher struct {
	tracker domain.Tracker
}

func NewInlineDispatcher(tracker domain.Tracker) *InlineDispatcher {
	return &InlineDispatcher{tracker: tracker}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, job invoicedomain.SubmissionJob) bool {
	d.tracker.Submit(ctx, job)
	return true
}
