package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/accountcontext"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	"github.com/smallbiznis/fiscalia/internal/clock"
	"github.com/smallbiznis/fiscalia/internal/config"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	issuerdomain "github.com/smallbiznis/fiscalia/internal/issuer/domain"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/submission/domain"
	"github.com/smallbiznis/fiscalia/internal/verifactu/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("fiscalia/submission")

const (
	defaultRetryInterval = 5 * time.Minute
	defaultMaxAttempts   = 10
	defaultClaimLease    = 2 * time.Minute
	maxBackoff           = 6 * time.Hour
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	GenID       *snowflake.Node
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	IssuerRepo  issuerdomain.Repository
	Client      client.Submitter
	AuditSvc    auditdomain.Service `optional:"true"`
	Metrics     *metrics.Metrics    `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node

	retryInterval time.Duration
	maxAttempts   int
	claimLease    time.Duration

	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	issuerRepo  issuerdomain.Repository
	client      client.Submitter
	auditSvc    auditdomain.Service
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	interval := p.Config.Verifactu.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	maxAttempts := p.Config.Verifactu.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	claimLease := p.Config.Verifactu.ClaimLease
	if claimLease <= 0 {
		claimLease = defaultClaimLease
	}

	return &Service{
		db:            p.DB,
		log:           p.Log.Named("submission.tracker"),
		clock:         clk,
		genID:         p.GenID,
		retryInterval: interval,
		maxAttempts:   maxAttempts,
		claimLease:    claimLease,
		repo:          p.Repo,
		invoiceRepo:   p.InvoiceRepo,
		issuerRepo:    p.IssuerRepo,
		client:        p.Client,
		auditSvc:      p.AuditSvc,
		metrics:       p.Metrics,
	}
}

// Submit runs one attempt. It never panics; failures, including recovered panics, are
// reported through Result.Err. Once the invoice is claimed every outcome is recorded.
func (s *Service) Submit(ctx context.Context, job invoicedomain.SubmissionJob) (result domain.Result) {
	ctx, span := tracer.Start(ctx, "submission.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", job.InvoiceID.String()))

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("submission panicked before claim",
				zap.String("invoice_id", job.InvoiceID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result = domain.Result{Retryable: true, Err: fmt.Errorf("%w: %v", domain.ErrSubmissionPanic, r)}
		}
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	return s.submit(ctx, job)
}

func (s *Service) submit(ctx context.Context, job invoicedomain.SubmissionJob) domain.Result {
	invoice, err := s.invoiceRepo.GetByID(ctx, s.db, job.AccountID, job.InvoiceID)
	if err != nil {
		return domain.Result{Err: err}
	}
	if !invoice.IsLocked || invoice.VerifactuStatus == nil {
		return domain.Result{Err: domain.ErrNotSubmittable}
	}
	if *invoice.VerifactuStatus == invoicedomain.VerifactuStatusSubmitted {
		return domain.Result{Success: true, ExternalID: derefString(invoice.VerifactuExternalID)}
	}

	token := job.ClaimToken
	if token == "" {
		token = s.genID.Generate().String()
	}
	now := s.clock.Now().UTC()
	claimed, err := s.invoiceRepo.ClaimSubmission(ctx, s.db, invoice.ID, invoicedomain.SubmissionClaim{
		Token: token,
		Now:   now,
		Until: now.Add(s.claimLease),
	})
	if err != nil {
		return domain.Result{Retryable: true, Err: err}
	}
	if !claimed {
		return domain.Result{Err: domain.ErrSubmissionInProgress}
	}

	previous, err := s.repo.CountAttempts(ctx, s.db, invoice.ID)
	if err != nil {
		s.release(ctx, invoice.ID, token)
		return domain.Result{Retryable: true, Err: err}
	}
	attempt := previous + 1

	payload, confirmation, err := s.callOut(ctx, invoice)
	if err != nil {
		return s.recordFailure(ctx, invoice, attempt, payload, err)
	}
	return s.recordSuccess(ctx, invoice, attempt, *payload, confirmation)
}

// callOut builds the payload and sends it. A panic is returned as an error so the
// attempt is recorded like any other failure.
func (s *Service) callOut(ctx context.Context, invoice *invoicedomain.Invoice) (payload *client.InvoicePayload, confirmation client.Confirmation, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("submission panicked",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", domain.ErrSubmissionPanic, r)
		}
	}()

	issuer, err := s.issuerRepo.GetConfig(ctx, s.db, invoice.AccountID)
	if err != nil {
		return nil, client.Confirmation{}, err
	}
	if !issuer.SubmissionEnabled {
		return nil, client.Confirmation{}, domain.ErrSubmissionDisabled
	}

	built, err := s.buildPayload(ctx, invoice, issuer)
	if err != nil {
		return nil, client.Confirmation{}, err
	}
	payload = &built

	confirmation, err = s.client.Submit(ctx, client.Credentials{
		APIKey:   issuer.APIKey,
		Endpoint: issuer.Endpoint,
	}, built)
	return payload, confirmation, err
}

func (s *Service) release(ctx context.Context, invoiceID snowflake.ID, token string) {
	if err := s.invoiceRepo.ReleaseSubmissionClaim(context.WithoutCancel(ctx), s.db, invoiceID, token); err != nil {
		s.log.Warn("failed to release submission claim",
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) recordSuccess(ctx context.Context, invoice *invoicedomain.Invoice, attempt int, payload client.InvoicePayload, confirmation client.Confirmation) domain.Result {
	ctx = context.WithoutCancel(ctx)
	externalID := confirmation.ExternalID
	record := s.newRecord(invoice, attempt, domain.StatusSubmitted, &payload)
	record.ExternalID = &externalID
	if raw := strings.TrimSpace(confirmation.Raw); raw != "" {
		record.Response = &raw
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Append(ctx, tx, record); err != nil {
			return err
		}
		return s.invoiceRepo.UpdateVerifactuStatus(ctx, tx, invoice.ID, invoicedomain.VerifactuUpdate{
			Status:     invoicedomain.VerifactuStatusSubmitted,
			ExternalID: &externalID,
		})
	})
	if err != nil {
		s.log.Error("failed to record accepted submission",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return domain.Result{Attempt: attempt, Retryable: true, Err: fmt.Errorf("record submission: %w", err)}
	}

	s.metrics.IncSubmission(metrics.SubmissionStatusSubmitted)
	s.log.Info("invoice submitted",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("full_number", invoice.FullNumberValue()),
		zap.String("external_id", externalID),
		zap.Int("attempt", attempt),
	)
	s.emitAudit(ctx, "invoice.submitted", invoice, map[string]any{
		"attempt":     attempt,
		"external_id": externalID,
	})
	return domain.Result{Success: true, ExternalID: externalID, Attempt: attempt}
}

// recordFailure appends an ERROR record and schedules the next attempt when the
// failure is retryable and attempts remain.
func (s *Service) recordFailure(ctx context.Context, invoice *invoicedomain.Invoice, attempt int, payload *client.InvoicePayload, cause error) domain.Result {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now().UTC()

	retry := isRetryable(cause) && attempt < s.maxAttempts
	var nextAttempt *time.Time
	if retry {
		next := now.Add(s.backoff(attempt))
		nextAttempt = &next
	}

	message := cause.Error()
	record := s.newRecord(invoice, attempt, domain.StatusError, payload)
	record.Error = &message
	var clientErr *client.Error
	if errors.As(cause, &clientErr) && clientErr.Body != "" {
		body := clientErr.Body
		record.Response = &body
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Append(ctx, tx, record); err != nil {
			return err
		}
		return s.invoiceRepo.UpdateVerifactuStatus(ctx, tx, invoice.ID, invoicedomain.VerifactuUpdate{
			Status:        invoicedomain.VerifactuStatusError,
			NextAttemptAt: nextAttempt,
		})
	})
	if err != nil {
		s.log.Error("failed to record submission failure",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return domain.Result{Attempt: attempt, Retryable: true, Err: errors.Join(cause, err)}
	}

	s.metrics.IncSubmission(metrics.SubmissionStatusError)
	fields := []zap.Field{
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("full_number", invoice.FullNumberValue()),
		zap.Int("attempt", attempt),
		zap.Bool("retry_scheduled", retry),
		zap.Error(cause),
	}
	if nextAttempt != nil {
		fields = append(fields, zap.Time("next_attempt_at", *nextAttempt))
	}
	s.log.Warn("invoice submission failed", fields...)

	if !retry {
		s.emitAudit(ctx, "invoice.submission_failed", invoice, map[string]any{
			"attempt": attempt,
			"error":   message,
		})
	}
	return domain.Result{Attempt: attempt, Retryable: retry, Err: cause}
}

func (s *Service) newRecord(invoice *invoicedomain.Invoice, attempt int, status domain.Status, payload *client.InvoicePayload) *domain.SubmissionRecord {
	record := &domain.SubmissionRecord{
		ID:        s.genID.Generate(),
		AccountID: invoice.AccountID,
		InvoiceID: invoice.ID,
		Attempt:   attempt,
		Status:    status,
		CreatedAt: s.clock.Now().UTC(),
	}
	if payload != nil {
		if encoded, err := json.Marshal(payload); err == nil {
			record.Payload = datatypes.JSON(encoded)
		}
	}
	return record
}

// backoff doubles the retry interval per attempt up to maxBackoff.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.retryInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (s *Service) Resubmit(ctx context.Context, invoiceID string) (domain.Result, error) {
	accountID, id, err := s.scope(ctx, invoiceID)
	if err != nil {
		return domain.Result{}, err
	}

	invoice, err := s.invoiceRepo.GetByID(ctx, s.db, accountID, id)
	if err != nil {
		return domain.Result{}, err
	}
	if !invoice.IsLocked || invoice.VerifactuStatus == nil {
		return domain.Result{}, domain.ErrNotSubmittable
	}
	if *invoice.VerifactuStatus == invoicedomain.VerifactuStatusSubmitted {
		return domain.Result{}, domain.ErrAlreadySubmitted
	}

	result := s.Submit(ctx, invoicedomain.SubmissionJob{AccountID: accountID, InvoiceID: id})
	if errors.Is(result.Err, domain.ErrSubmissionInProgress) {
		return domain.Result{}, result.Err
	}
	return result, nil
}

func (s *Service) History(ctx context.Context, invoiceID string) ([]domain.SubmissionRecord, error) {
	accountID, id, err := s.scope(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.invoiceRepo.GetByID(ctx, s.db, accountID, id); err != nil {
		return nil, err
	}
	return s.repo.ListByInvoice(ctx, s.db, accountID, id)
}

func (s *Service) scope(ctx context.Context, invoiceID string) (snowflake.ID, snowflake.ID, error) {
	accountID, ok := accountcontext.AccountIDFromContext(ctx)
	if !ok || accountID == 0 {
		return 0, 0, domain.ErrInvalidAccount
	}
	id, err := snowflake.ParseString(strings.TrimSpace(invoiceID))
	if err != nil || id <= 0 {
		return 0, 0, domain.ErrInvalidInvoiceID
	}
	return accountID, id, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if invoice.FullNumber != nil {
		metadata["full_number"] = *invoice.FullNumber
	}
	targetID := invoice.ID.String()
	accountID := invoice.AccountID
	err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		AccountID:  &accountID,
		Action:     action,
		TargetType: "invoice",
		TargetID:   &targetID,
		Metadata:   metadata,
	})
	if err != nil {
		s.log.Warn("failed to audit submission", zap.String("action", action), zap.Error(err))
	}
}

// isRetryable treats anything but an explicit rejection or a configuration problem as
// transient.
func isRetryable(err error) bool {
	if errors.Is(err, client.ErrMissingCredentials) || errors.Is(err, domain.ErrSubmissionDisabled) {
		return false
	}
	var clientErr *client.Error
	if errors.As(err, &clientErr) {
		return clientErr.Retryable
	}
	return true
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
