package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	seriesdomain "github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testAccountID = snowflake.ID(1)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func setupInvoiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &invoicedomain.InvoiceItem{}))
	return db
}

func createDraft(t *testing.T, db *gorm.DB, id, seriesID snowflake.ID, opts ...func(*invoicedomain.Invoice)) *invoicedomain.Invoice {
	t.Helper()
	invoice := &invoicedomain.Invoice{
		ID:        id,
		AccountID: testAccountID,
		SeriesID:  seriesID,
		Status:    invoicedomain.InvoiceStatusDraft,
		Total:     decimal.RequireFromString("100.00"),
		Currency:  "EUR",
	}
	for _, opt := range opts {
		opt(invoice)
	}
	require.NoError(t, db.Create(invoice).Error)
	return invoice
}

func ownerPeriod(ownerID snowflake.ID, year, month int) func(*invoicedomain.Invoice) {
	return func(inv *invoicedomain.Invoice) {
		inv.OwnerID = &ownerID
		inv.PeriodYear = &year
		inv.PeriodMonth = &month
	}
}

func markIssued(invoice *invoicedomain.Invoice, fullNumber string) {
	issuedAt := testNow
	invoice.FullNumber = &fullNumber
	invoice.Status = invoicedomain.InvoiceStatusIssued
	invoice.IssuedAt = &issuedAt
}

func queue(t *testing.T, db *gorm.DB, id snowflake.ID, status invoicedomain.VerifactuStatus, next *time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Where("id = ?", id).Updates(map[string]any{
		"is_locked":                 true,
		"status":                    invoicedomain.InvoiceStatusIssued,
		"verifactu_status":          status,
		"verifactu_next_attempt_at": next,
	}).Error)
}

func TestPersistIssuedInvoiceReportsNumberConflict(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	first := createDraft(t, db, 10, 500)
	second := createDraft(t, db, 11, 500)

	markIssued(first, "A/2025/0001")
	require.NoError(t, repo.PersistIssuedInvoice(ctx, db, first))

	markIssued(second, "A/2025/0001")
	err := repo.PersistIssuedInvoice(ctx, db, second)

	var dupErr *seriesdomain.DuplicateNumberError
	require.ErrorAs(t, err, &dupErr)
	assert.ErrorIs(t, err, seriesdomain.ErrDuplicateNumber)
	assert.Equal(t, first.ID, dupErr.ConflictInvoiceID)
	assert.Equal(t, "A/2025/0001", dupErr.FullNumber)

	stored, err := repo.GetByID(ctx, db, testAccountID, second.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsLocked)
}

func TestPersistIssuedInvoiceRejectsSecondOwnerPeriodAcrossSeries(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	owner := snowflake.ID(77)
	first := createDraft(t, db, 10, 500, ownerPeriod(owner, 2025, 2))
	other := createDraft(t, db, 11, 501, ownerPeriod(owner, 2025, 2))

	markIssued(first, "A/2025/0001")
	require.NoError(t, repo.PersistIssuedInvoice(ctx, db, first))

	markIssued(other, "B/2025/0001")
	err := repo.PersistIssuedInvoice(ctx, db, other)

	var dupErr *invoicedomain.DuplicatePeriodError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ConflictInvoiceID)
	assert.Equal(t, "A/2025/0001", dupErr.ConflictFullNumber)
	assert.Equal(t, 2025, dupErr.Year)
	assert.Equal(t, 2, dupErr.Month)
}

func TestPersistIssuedInvoiceAllowsRectifyingSamePeriod(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	owner := snowflake.ID(77)
	original := createDraft(t, db, 10, 500, ownerPeriod(owner, 2025, 2))
	correction := createDraft(t, db, 11, 500, ownerPeriod(owner, 2025, 2), func(inv *invoicedomain.Invoice) {
		inv.IsRectifying = true
	})

	markIssued(original, "A/2025/0001")
	require.NoError(t, repo.PersistIssuedInvoice(ctx, db, original))
	markIssued(correction, "A/2025/0002")
	require.NoError(t, repo.PersistIssuedInvoice(ctx, db, correction))
}

func TestListChainOrdersByChainPosition(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	// later positions carry earlier timestamps
	for i, id := range []snowflake.ID{10, 11, 12} {
		invoice := createDraft(t, db, id, 500)
		markIssued(invoice, fmt.Sprintf("A/2025/%04d", i+1))
		issuedAt := testNow.Add(-time.Duration(i) * time.Minute)
		seq := int64(i + 1)
		invoice.IssuedAt = &issuedAt
		invoice.ChainSeq = &seq
		invoice.Hash = fmt.Sprintf("HASH%d", i+1)
		require.NoError(t, repo.PersistIssuedInvoice(ctx, db, invoice))
	}

	chain, err := repo.ListChain(ctx, db, testAccountID, 500)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []snowflake.ID{10, 11, 12}, []snowflake.ID{chain[0].ID, chain[1].ID, chain[2].ID})

	previous, err := repo.GetPreviousIssuedInChain(ctx, db, 500, 0)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, snowflake.ID(12), previous.ID)
}

func TestClaimSubmissionIsExclusiveUntilReleased(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	createDraft(t, db, 10, 500)
	queue(t, db, 10, invoicedomain.VerifactuStatusPending, nil)

	lease := invoicedomain.SubmissionClaim{Token: "worker-a", Now: testNow, Until: testNow.Add(time.Minute)}
	claimed, err := repo.ClaimSubmission(ctx, db, 10, lease)
	require.NoError(t, err)
	assert.True(t, claimed)

	rival := invoicedomain.SubmissionClaim{Token: "worker-b", Now: testNow.Add(30 * time.Second), Until: testNow.Add(2 * time.Minute)}
	claimed, err = repo.ClaimSubmission(ctx, db, 10, rival)
	require.NoError(t, err)
	assert.False(t, claimed)

	renewed, err := repo.ClaimSubmission(ctx, db, 10, lease)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, repo.ReleaseSubmissionClaim(ctx, db, 10, "worker-a"))
	claimed, err = repo.ClaimSubmission(ctx, db, 10, rival)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.UpdateVerifactuStatus(ctx, db, 10, invoicedomain.VerifactuUpdate{Status: invoicedomain.VerifactuStatusError}))
	stored, err := repo.GetByID(ctx, db, testAccountID, 10)
	require.NoError(t, err)
	assert.Nil(t, stored.VerifactuClaimToken)
	assert.Nil(t, stored.VerifactuClaimedUntil)
}

func TestClaimSubmissionTakesOverExpiredLease(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	createDraft(t, db, 10, 500)
	queue(t, db, 10, invoicedomain.VerifactuStatusError, nil)

	_, err := repo.ClaimSubmission(ctx, db, 10, invoicedomain.SubmissionClaim{Token: "crashed", Now: testNow, Until: testNow.Add(time.Minute)})
	require.NoError(t, err)

	claimed, err := repo.ClaimSubmission(ctx, db, 10, invoicedomain.SubmissionClaim{Token: "next", Now: testNow.Add(2 * time.Minute), Until: testNow.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimSubmissionRejectsSubmittedInvoice(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	createDraft(t, db, 10, 500)
	queue(t, db, 10, invoicedomain.VerifactuStatusSubmitted, nil)

	claimed, err := repo.ClaimSubmission(ctx, db, 10, invoicedomain.SubmissionClaim{Token: "a", Now: testNow, Until: testNow.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimDueSubmissionsLeasesEachRowOnce(t *testing.T) {
	db := setupInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	due := testNow.Add(-time.Minute)
	later := testNow.Add(time.Hour)
	for _, id := range []snowflake.ID{10, 11, 12} {
		createDraft(t, db, id, 500)
	}
	queue(t, db, 10, invoicedomain.VerifactuStatusPending, &due)
	queue(t, db, 11, invoicedomain.VerifactuStatusError, &due)
	queue(t, db, 12, invoicedomain.VerifactuStatusError, &later)

	first, err := repo.ClaimDueSubmissions(ctx, db, invoicedomain.SubmissionClaim{Token: "sweep-a", Now: testNow, Until: testNow.Add(time.Minute)}, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.ElementsMatch(t, []snowflake.ID{10, 11}, []snowflake.ID{first[0].ID, first[1].ID})

	second, err := repo.ClaimDueSubmissions(ctx, db, invoicedomain.SubmissionClaim{Token: "sweep-b", Now: testNow, Until: testNow.Add(time.Minute)}, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	stored, err := repo.GetByID(ctx, db, testAccountID, 10)
	require.NoError(t, err)
	require.NotNil(t, stored.VerifactuClaimToken)
	assert.Equal(t, "sweep-a", *stored.VerifactuClaimToken)
}
