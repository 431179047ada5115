package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/fiscalia/internal/clock"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/fiscalia/internal/invoice/repository"
	obsmetrics "github.com/smallbiznis/fiscalia/internal/observability/metrics"
	schedtesting "github.com/smallbiznis/fiscalia/internal/scheduler/testing"
	submissiondomain "github.com/smallbiznis/fiscalia/internal/submission/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "fiscalia",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "fiscalia",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "fiscalia_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "fiscalia",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "fiscalia_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsNonTimeoutErrors(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}

	boom := errors.New("boom")
	err = s.runJob(context.Background(), "failing_job", 1, time.Second, func(context.Context) error { return boom })

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing_job")
}

// fakeTracker marks invoices submitted the way the real tracker would on success.
type fakeTracker struct {
	db   *gorm.DB
	repo invoicedomain.Repository
	fail map[snowflake.ID]error

	mu     sync.Mutex
	jobs   []snowflake.ID
	tokens []string
}

func (f *fakeTracker) Submit(ctx context.Context, job invoicedomain.SubmissionJob) submissiondomain.Result {
	f.mu.Lock()
	f.jobs = append(f.jobs, job.InvoiceID)
	f.tokens = append(f.tokens, job.ClaimToken)
	f.mu.Unlock()

	if err, ok := f.fail[job.InvoiceID]; ok {
		_ = f.repo.UpdateVerifactuStatus(ctx, f.db, job.InvoiceID, invoicedomain.VerifactuUpdate{
			Status: invoicedomain.VerifactuStatusError,
		})
		return submissiondomain.Result{Attempt: 1, Err: err}
	}

	externalID := "vf_" + job.InvoiceID.String()
	if err := f.repo.UpdateVerifactuStatus(ctx, f.db, job.InvoiceID, invoicedomain.VerifactuUpdate{
		Status:     invoicedomain.VerifactuStatusSubmitted,
		ExternalID: &externalID,
	}); err != nil {
		return submissiondomain.Result{Err: err, Retryable: true}
	}
	return submissiondomain.Result{Success: true, ExternalID: externalID, Attempt: 1}
}

func (f *fakeTracker) submitted() []snowflake.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snowflake.ID(nil), f.jobs...)
}

type retryEnv struct {
	db      *gorm.DB
	sched   *Scheduler
	tracker *fakeTracker
	clock   *clock.FakeClock
	node    *snowflake.Node
}

func setupRetryJob(t *testing.T, batchSize int) *retryEnv {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &invoicedomain.InvoiceItem{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	repo := invoicerepository.Provide()
	tracker := &fakeTracker{db: db, repo: repo, fail: map[snowflake.ID]error{}}

	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		InvoiceRepo: repo,
		Tracker:     tracker,
		GenID:       node,
		Clock:       clk,
		Config:      Config{RetryBatchSize: batchSize},
	})
	require.NoError(t, err)

	return &retryEnv{db: db, sched: sched, tracker: tracker, clock: clk, node: node}
}

func (e *retryEnv) seed(t *testing.T, status *invoicedomain.VerifactuStatus, nextAttempt *time.Time) snowflake.ID {
	t.Helper()
	id := e.node.Generate()
	fullNumber := fmt.Sprintf("A/2025/%s", id.String())
	require.NoError(t, e.db.Create(&invoicedomain.Invoice{
		ID:                     id,
		AccountID:              1,
		SeriesID:               500,
		FullNumber:             &fullNumber,
		Status:                 invoicedomain.InvoiceStatusIssued,
		Currency:               "EUR",
		IsLocked:               true,
		VerifactuStatus:        status,
		VerifactuNextAttemptAt: nextAttempt,
	}).Error)
	return id
}

func statusPtr(status invoicedomain.VerifactuStatus) *invoicedomain.VerifactuStatus {
	return &status
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestSubmissionRetryJobSubmitsOnlyDueInvoices(t *testing.T) {
	env := setupRetryJob(t, 10)
	now := env.clock.Now()

	duePending := env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(now.Add(-time.Minute)))
	dueError := env.seed(t, statusPtr(invoicedomain.VerifactuStatusError), timePtr(now.Add(-time.Hour)))
	notDue := env.seed(t, statusPtr(invoicedomain.VerifactuStatusError), timePtr(now.Add(time.Hour)))
	env.seed(t, statusPtr(invoicedomain.VerifactuStatusSubmitted), nil)
	env.seed(t, statusPtr(invoicedomain.VerifactuStatusError), nil)
	env.seed(t, nil, nil)

	require.NoError(t, env.sched.RunOnce(context.Background()))

	assert.ElementsMatch(t, []snowflake.ID{duePending, dueError}, env.tracker.submitted())

	accelerator := schedtesting.NewTimeAccelerator(env.db)
	require.NoError(t, accelerator.MakeDue(context.Background(), notDue, now))
	require.NoError(t, env.sched.RunOnce(context.Background()))

	assert.ElementsMatch(t, []snowflake.ID{duePending, dueError, notDue}, env.tracker.submitted())
}

func TestSubmissionRetryJobDrainsMultipleBatches(t *testing.T) {
	env := setupRetryJob(t, 2)
	now := env.clock.Now()
	for i := 0; i < 5; i++ {
		env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(now.Add(-time.Duration(i+1)*time.Minute)))
	}

	require.NoError(t, env.sched.RunOnce(context.Background()))

	assert.Len(t, env.tracker.submitted(), 5)
}

func TestSubmissionRetryJobReportsFinalFailures(t *testing.T) {
	env := setupRetryJob(t, 10)
	now := env.clock.Now()
	rejected := env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(now.Add(-time.Minute)))
	ok := env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(now.Add(-time.Minute)))
	env.tracker.fail[rejected] = errors.New("rejected by certification service")

	err := env.sched.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), jobSubmissionRetry)
	assert.ElementsMatch(t, []snowflake.ID{rejected, ok}, env.tracker.submitted())
}

func TestSubmissionRetryJobSkipsInvoicesLeasedElsewhere(t *testing.T) {
	env := setupRetryJob(t, 10)
	now := env.clock.Now()
	leased := env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(now.Add(-time.Minute)))
	free := env.seed(t, statusPtr(invoicedomain.VerifactuStatusError), timePtr(now.Add(-time.Minute)))

	claimed, err := invoicerepository.Provide().ClaimSubmission(context.Background(), env.db, leased, invoicedomain.SubmissionClaim{
		Token: "issuance-worker",
		Now:   now,
		Until: now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, env.sched.RunOnce(context.Background()))
	assert.Equal(t, []snowflake.ID{free}, env.tracker.submitted())

	env.tracker.mu.Lock()
	require.Len(t, env.tracker.tokens, 1)
	assert.True(t, strings.HasPrefix(env.tracker.tokens[0], "sweep-"))
	env.tracker.mu.Unlock()

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.sched.RunOnce(context.Background()))
	assert.Equal(t, []snowflake.ID{free, leased}, env.tracker.submitted())
}

func TestSubmissionRetryJobRespectsEnabledJobs(t *testing.T) {
	env := setupRetryJob(t, 10)
	env.sched.cfg.EnabledJobs = []string{"something_else"}
	env.seed(t, statusPtr(invoicedomain.VerifactuStatusPending), timePtr(env.clock.Now().Add(-time.Minute)))

	require.NoError(t, env.sched.RunOnce(context.Background()))

	assert.Empty(t, env.tracker.submitted())
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
