package service

import (
	"context"
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
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/serieslock"
	"github.com/smallbiznis/fiscalia/internal/verifactu/qr"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("fiscalia/invoice")

const (
	defaultLockTimeout = 10 * time.Second
	defaultRetryGrace  = 5 * time.Minute
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Repo       invoicedomain.Repository
	SeriesRepo seriesdomain.Repository
	Allocator  seriesdomain.Service
	IssuerRepo issuerdomain.Repository
	Locker     serieslock.Locker
	QR         qr.Generator
	AuditSvc   auditdomain.Service
	Dispatcher invoicedomain.SubmissionDispatcher `optional:"true"`
	Metrics    *metrics.Metrics                   `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock       clock.Clock
	location    *time.Location
	lockTimeout time.Duration
	retryGrace  time.Duration

	repo       invoicedomain.Repository
	seriesRepo seriesdomain.Repository
	allocator  seriesdomain.Service
	issuerRepo issuerdomain.Repository
	locker     serieslock.Locker
	qr         qr.Generator
	auditSvc   auditdomain.Service
	dispatcher invoicedomain.SubmissionDispatcher
	metrics    *metrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	lockTimeout := p.Config.Verifactu.SeriesLockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	retryGrace := p.Config.Verifactu.RetryInterval
	if retryGrace <= 0 {
		retryGrace = defaultRetryGrace
	}
	locker := p.Locker
	if locker == nil {
		locker = serieslock.NewLocal()
	}

	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		clock:       clk,
		location:    p.Config.Verifactu.Location(),
		lockTimeout: lockTimeout,
		retryGrace:  retryGrace,
		repo:        p.Repo,
		seriesRepo:  p.SeriesRepo,
		allocator:   p.Allocator,
		issuerRepo:  p.IssuerRepo,
		locker:      locker,
		qr:          p.QR,
		auditSvc:    p.AuditSvc,
		dispatcher:  p.Dispatcher,
		metrics:     p.Metrics,
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	invoice, err := s.repo.GetByID(ctx, s.db, accountID, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) MarkSent(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusIssued}, invoicedomain.InvoiceStatusSent, "invoice.sent")
}

func (s *Service) MarkPaid(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusIssued,
		invoicedomain.InvoiceStatusSent,
	}, invoicedomain.InvoiceStatusPaid, "invoice.paid")
}

// transition moves a locked invoice between downstream statuses. Fiscal fields are
// never touched.
func (s *Service) transition(ctx context.Context, id string, from []invoicedomain.InvoiceStatus, to invoicedomain.InvoiceStatus, action string) (invoicedomain.Invoice, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	before, err := s.repo.GetByID(ctx, s.db, accountID, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, s.db, accountID, invoiceID, from, to)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if !updated {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatusTransition
	}

	after, err := s.repo.GetByID(ctx, s.db, accountID, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	s.emitAudit(ctx, action, after, map[string]any{
		"previous_status": string(before.Status),
	})
	return *after, nil
}

func (s *Service) PreviewNextNumber(ctx context.Context, seriesID string) (int64, error) {
	id, err := s.seriesForAccount(ctx, seriesID)
	if err != nil {
		return 0, err
	}
	return s.allocator.PreviewNext(ctx, id)
}

func (s *Service) seriesForAccount(ctx context.Context, rawID string) (snowflake.ID, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return 0, err
	}
	id, err := parseID(rawID)
	if err != nil {
		return 0, invoicedomain.ErrInvalidSeriesID
	}
	series, err := s.seriesRepo.Get(ctx, s.db, id)
	if err != nil {
		return 0, err
	}
	if series.AccountID != accountID {
		return 0, seriesdomain.ErrSeriesNotFound
	}
	return id, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, auditEntry(action, invoice, extra)); err != nil {
		s.log.Warn("failed to audit invoice action", zap.String("action", action), zap.Error(err))
	}
}

func auditEntry(action string, invoice *invoicedomain.Invoice, extra map[string]any) auditdomain.Entry {
	metadata := map[string]any{
		"series_id":     invoice.SeriesID.String(),
		"document_type": string(invoice.DocumentType),
		"status":        string(invoice.Status),
		"currency":      invoice.Currency,
		"total":         invoice.Total.StringFixed(2),
		"tax_amount":    invoice.TaxAmount.StringFixed(2),
	}
	if invoice.FullNumber != nil {
		metadata["full_number"] = *invoice.FullNumber
	}
	if invoice.Number != nil {
		metadata["number"] = *invoice.Number
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	targetID := invoice.ID.String()
	accountID := invoice.AccountID
	return auditdomain.Entry{
		AccountID:  &accountID,
		Action:     action,
		TargetType: "invoice",
		TargetID:   &targetID,
		Metadata:   metadata,
	}
}

func (s *Service) accountIDFromContext(ctx context.Context) (snowflake.ID, error) {
	accountID, ok := accountcontext.AccountIDFromContext(ctx)
	if !ok || accountID == 0 {
		return 0, invoicedomain.ErrInvalidAccount
	}
	return accountID, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, invoicedomain.ErrInvalidInvoiceID
	}
	return id, nil
}
