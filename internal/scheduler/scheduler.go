package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/accountcontext"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	auditcontext "github.com/smallbiznis/fiscalia/internal/auditcontext"
	"github.com/smallbiznis/fiscalia/internal/clock"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/scheduler/guard"
	submissiondomain "github.com/smallbiznis/fiscalia/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobSubmissionRetry = "submission_retry"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	InvoiceRepo invoicedomain.Repository
	Tracker     submissiondomain.Tracker
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	invoiceRepo invoicedomain.Repository
	tracker     submissiondomain.Tracker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.InvoiceRepo == nil || p.Tracker == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         cfg,
		genID:       p.GenID,
		clock:       p.Clock,
		invoiceRepo: p.InvoiceRepo,
		tracker:     p.Tracker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddBatchProcessed(name, run.processedCount)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes the sweep
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{jobSubmissionRetry, s.isJobEnabled(jobSubmissionRetry), func(ctx context.Context) error {
			return s.runJob(ctx, jobSubmissionRetry, s.cfg.RetryBatchSize, s.cfg.RetryJobTimeout, s.SubmissionRetryJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// SubmissionRetryJob resubmits PENDING and ERROR invoices whose next attempt is due,
// one batch at a time. Each batch is leased under the run's claim token, so replicas
// and manual resubmits never send the same invoice concurrently.
func (s *Scheduler) SubmissionRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobSubmissionRetry, s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	claim := invoicedomain.SubmissionClaim{
		Token: "sweep-" + s.genID.Generate().String(),
		Now:   now,
		Until: now.Add(s.cfg.ClaimLease),
	}
	seen := map[snowflake.ID]bool{}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		invoices, err := s.invoiceRepo.ClaimDueSubmissions(ctx, s.db, claim, s.cfg.RetryBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.submission.fetch.failed", jobSubmissionRetry, 0, err)
			return errors.Join(jobErr, err)
		}

		progressed := 0
		for _, invoice := range invoices {
			if seen[invoice.ID] {
				continue
			}
			seen[invoice.ID] = true
			progressed++

			fresh, err := s.invoiceRepo.GetByID(ctx, s.db, invoice.AccountID, invoice.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.submission.fetch.failed", jobSubmissionRetry, invoice.AccountID, err,
					zap.String("invoice_id", idString(invoice.ID)),
				)
				continue
			}
			if err := guard.EnsureSubmissionDue(*fresh, now); err != nil {
				s.logger(ctx).Debug("scheduler.submission.skipped",
					zap.String("invoice_id", idString(invoice.ID)),
					zap.String("reason", err.Error()),
				)
				continue
			}

			jobCtx := s.withLogContext(ctx, invoice.AccountID)
			result := s.tracker.Submit(jobCtx, invoicedomain.SubmissionJob{
				AccountID:  invoice.AccountID,
				InvoiceID:  invoice.ID,
				ClaimToken: claim.Token,
			})
			if errors.Is(result.Err, submissiondomain.ErrSubmissionInProgress) {
				s.logger(ctx).Debug("scheduler.submission.skipped",
					zap.String("invoice_id", idString(invoice.ID)),
					zap.String("reason", result.Err.Error()),
				)
				continue
			}
			run.AddProcessed(1)
			if result.Err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !result.Retryable {
					jobErr = errors.Join(jobErr, fmt.Errorf("invoice %s: %w", invoice.ID, result.Err))
				}
				s.logSchedulerError(jobCtx, run, "scheduler.submission.failed", jobSubmissionRetry, invoice.AccountID, result.Err,
					zap.String("invoice_id", idString(invoice.ID)),
					zap.Int("attempt", result.Attempt),
				)
				continue
			}
			s.logSubmissionAccepted(jobCtx, invoice, result)
		}

		if progressed == 0 || len(invoices) < s.cfg.RetryBatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) withLogContext(ctx context.Context, accountID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	if accountID != 0 {
		ctx = accountcontext.WithAccountID(ctx, accountID)
	}
	return ctx
}
