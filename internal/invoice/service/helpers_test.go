package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscalia/internal/accountcontext"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	auditrepository "github.com/smallbiznis/fiscalia/internal/audit/repository"
	auditservice "github.com/smallbiznis/fiscalia/internal/audit/service"
	"github.com/smallbiznis/fiscalia/internal/config"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/fiscalia/internal/invoice/repository"
	issuerdomain "github.com/smallbiznis/fiscalia/internal/issuer/domain"
	issuerrepository "github.com/smallbiznis/fiscalia/internal/issuer/repository"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	seriesrepository "github.com/smallbiznis/fiscalia/internal/series/repository"
	seriesservice "github.com/smallbiznis/fiscalia/internal/series/service"
	"github.com/smallbiznis/fiscalia/internal/serieslock"
	"github.com/smallbiznis/fiscalia/internal/verifactu/qr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAccountID = snowflake.ID(1)
	testSeriesID  = snowflake.ID(500)
	testTaxID     = "B12345678"
)

// tickingClock advances one second per reading so every issuance gets a distinct
// timestamp, as it would in production.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// rewind moves the clock back, as a lagging replica's clock would read.
func (c *tickingClock) rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-d)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []invoicedomain.SubmissionJob
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job invoicedomain.SubmissionJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

type countingQR struct {
	mu    sync.Mutex
	calls int
}

func (c *countingQR) Generate(context.Context, qr.Input) (qr.Code, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return qr.Code{DataURL: "data:image/png;base64,", Payload: "payload"}, nil
}

type failingQR struct{}

func (failingQR) Generate(context.Context, qr.Input) (qr.Code, error) {
	return qr.Code{}, errors.New("renderer unavailable")
}

type testEnv struct {
	db         *gorm.DB
	svc        invoicedomain.Service
	node       *snowflake.Node
	clock      *tickingClock
	dispatcher *recordingDispatcher
	ctx        context.Context
}

type envOption func(*ServiceParam)

func withQR(gen qr.Generator) envOption {
	return func(p *ServiceParam) { p.QR = gen }
}

func setupInvoiceService(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.AutoMigrate(
		&seriesdomain.InvoiceSeries{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&issuerdomain.Owner{},
		&issuerdomain.IssuerConfig{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	require.NoError(t, db.Create(&seriesdomain.InvoiceSeries{
		ID:            testSeriesID,
		AccountID:     testAccountID,
		Name:          "Rentals",
		Prefix:        "A",
		FiscalYear:    2025,
		CurrentNumber: 0,
		NumberFormat:  "{PREFIX}/{YYYY}/{SEQ4}",
	}).Error)
	require.NoError(t, db.Create(&issuerdomain.IssuerConfig{
		AccountID:         testAccountID,
		TaxID:             testTaxID,
		LegalName:         "Gestiones Ejemplo SL",
		ChainingEnabled:   true,
		SubmissionEnabled: true,
	}).Error)

	m, err := metrics.NewWithRegisterer(prometheus.NewRegistry(), metrics.Config{})
	require.NoError(t, err)

	log := zap.NewNop()
	clk := &tickingClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	invoiceRepo := invoicerepository.Provide()
	seriesRepo := seriesrepository.Provide()
	allocator := seriesservice.NewService(seriesservice.Params{
		DB:      db,
		Log:     log,
		Repo:    seriesRepo,
		Lookup:  invoicerepository.NumberLookup(invoiceRepo),
		Metrics: m,
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: clk,
	})
	dispatcher := &recordingDispatcher{}

	params := ServiceParam{
		DB:  db,
		Log: log,
		Config: config.Config{Verifactu: config.VerifactuConfig{
			Timezone:          "Europe/Madrid",
			RetryInterval:     5 * time.Minute,
			SeriesLockTimeout: 5 * time.Second,
		}},
		Clock:      clk,
		Repo:       invoiceRepo,
		SeriesRepo: seriesRepo,
		Allocator:  allocator,
		IssuerRepo: issuerrepository.Provide(),
		Locker:     serieslock.NewLocal(),
		QR:         qr.NewGenerator(qr.Config{Size: 96}),
		AuditSvc:   auditSvc,
		Dispatcher: dispatcher,
		Metrics:    m,
	}
	for _, opt := range opts {
		opt(&params)
	}

	return &testEnv{
		db:         db,
		svc:        NewService(params),
		node:       node,
		clock:      clk,
		dispatcher: dispatcher,
		ctx:        accountcontext.WithAccountID(context.Background(), testAccountID),
	}
}

type draftOption func(*invoicedomain.Invoice)

func withTotal(total string) draftOption {
	return func(inv *invoicedomain.Invoice) {
		inv.Total = decimal.RequireFromString(total)
		inv.Subtotal = inv.Total
		inv.TaxAmount = decimal.Zero
	}
}

func withOwnerPeriod(ownerID snowflake.ID, year, month int) draftOption {
	return func(inv *invoicedomain.Invoice) {
		inv.OwnerID = &ownerID
		inv.PeriodYear = &year
		inv.PeriodMonth = &month
	}
}

func withOwner(ownerID snowflake.ID) draftOption {
	return func(inv *invoicedomain.Invoice) { inv.OwnerID = &ownerID }
}

func rectifying(original *snowflake.ID, subtype string) draftOption {
	return func(inv *invoicedomain.Invoice) {
		inv.IsRectifying = true
		inv.RectifiesInvoiceID = original
		if subtype != "" {
			inv.RectifyingSubtype = &subtype
		}
	}
}

func withoutItems() draftOption {
	return func(inv *invoicedomain.Invoice) { inv.Items = nil }
}

func (e *testEnv) createDraft(t *testing.T, opts ...draftOption) invoicedomain.Invoice {
	t.Helper()

	id := e.node.Generate()
	invoice := invoicedomain.Invoice{
		ID:           id,
		AccountID:    testAccountID,
		SeriesID:     testSeriesID,
		DocumentType: invoicedomain.DocumentTypeInvoice,
		Status:       invoicedomain.InvoiceStatusDraft,
		Subtotal:     decimal.RequireFromString("82.64"),
		TaxAmount:    decimal.RequireFromString("17.36"),
		Total:        decimal.RequireFromString("100.00"),
		Currency:     "EUR",
		Items: []invoicedomain.InvoiceItem{{
			ID:          e.node.Generate(),
			InvoiceID:   id,
			Description: "Management fee",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("82.64"),
			TaxRate:     decimal.NewFromInt(21),
			Amount:      decimal.RequireFromString("82.64"),
		}},
	}
	for _, opt := range opts {
		opt(&invoice)
	}
	require.NoError(t, e.db.Create(&invoice).Error)
	return invoice
}

func (e *testEnv) createOwner(t *testing.T, policy issuerdomain.DocumentPolicy) snowflake.ID {
	t.Helper()
	id := e.node.Generate()
	require.NoError(t, e.db.Create(&issuerdomain.Owner{
		ID:             id,
		AccountID:      testAccountID,
		Name:           "Owner " + id.String(),
		DocumentPolicy: policy,
	}).Error)
	return id
}

func (e *testEnv) issue(t *testing.T, invoice invoicedomain.Invoice) invoicedomain.IssueResult {
	t.Helper()
	result, err := e.svc.Issue(e.ctx, invoicedomain.IssueRequest{InvoiceID: invoice.ID.String()})
	require.NoError(t, err)
	return result
}

func (e *testEnv) currentNumber(t *testing.T) int64 {
	t.Helper()
	var series seriesdomain.InvoiceSeries
	require.NoError(t, e.db.First(&series, "id = ?", testSeriesID).Error)
	return series.CurrentNumber
}

func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	var logs []auditdomain.AuditLog
	require.NoError(t, e.db.Order("created_at ASC").Find(&logs).Error)
	actions := make([]string, 0, len(logs))
	for _, log := range logs {
		actions = append(actions, log.Action)
	}
	return actions
}
