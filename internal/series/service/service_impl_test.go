package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/series/domain"
	"github.com/smallbiznis/fiscalia/internal/series/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type lookupStub struct {
	mu    sync.Mutex
	taken map[string]snowflake.ID
}

func (l *lookupStub) FindInvoiceByFullNumber(_ context.Context, _ *gorm.DB, _ snowflake.ID, fullNumber string) (snowflake.ID, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.taken[fullNumber]
	return id, ok, nil
}

func setupAllocator(t *testing.T, current int64) (domain.Service, *gorm.DB, *lookupStub, snowflake.ID) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.InvoiceSeries{}))

	seriesID := snowflake.ID(1001)
	require.NoError(t, db.Create(&domain.InvoiceSeries{
		ID:            seriesID,
		AccountID:     1,
		Name:          "Main",
		Prefix:        "A",
		FiscalYear:    2025,
		CurrentNumber: current,
		NumberFormat:  "{PREFIX}/{YYYY}/{SEQ4}",
	}).Error)

	m, err := metrics.NewWithRegisterer(prometheus.NewRegistry(), metrics.Config{})
	require.NoError(t, err)

	lookup := &lookupStub{taken: map[string]snowflake.ID{}}
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    repository.Provide(),
		Lookup:  lookup,
		Metrics: m,
	})
	return svc, db, lookup, seriesID
}

func currentNumber(t *testing.T, db *gorm.DB, id snowflake.ID) int64 {
	t.Helper()
	var series domain.InvoiceSeries
	require.NoError(t, db.First(&series, "id = ?", id).Error)
	return series.CurrentNumber
}

func TestReserveNextFormatsAndAdvances(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 5)

	alloc, err := svc.ReserveNext(context.Background(), nil, seriesID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), alloc.Number)
	assert.Equal(t, "A/2025/0006", alloc.FullNumber)
	assert.Nil(t, alloc.Warning)
	assert.Equal(t, int64(6), currentNumber(t, db, seriesID))
}

func TestReserveNextUnknownSeries(t *testing.T) {
	svc, _, _, _ := setupAllocator(t, 0)

	_, err := svc.ReserveNext(context.Background(), nil, 999)
	assert.ErrorIs(t, err, domain.ErrSeriesNotFound)
}

func TestReserveNextCollisionRollsBackCounter(t *testing.T) {
	svc, db, lookup, seriesID := setupAllocator(t, 5)
	lookup.taken["A/2025/0006"] = 77

	_, err := svc.ReserveNext(context.Background(), nil, seriesID)
	var dup *domain.DuplicateNumberError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, snowflake.ID(77), dup.ConflictInvoiceID)
	assert.ErrorIs(t, err, domain.ErrDuplicateNumber)
	assert.Equal(t, int64(5), currentNumber(t, db, seriesID))
}

func TestReserveNextConcurrentCallersGetDistinctNumbers(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 0)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[int64]bool{}
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := svc.ReserveNext(context.Background(), nil, seriesID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[alloc.Number] = true
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, numbers, callers)
	for n := int64(1); n <= callers; n++ {
		assert.True(t, numbers[n], "missing number %d", n)
	}
	assert.Equal(t, int64(callers), currentNumber(t, db, seriesID))
}

func TestReserveOverrideAboveCurrentAdvancesWithGapWarning(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 5)

	alloc, err := svc.ReserveOverride(context.Background(), nil, seriesID, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, "A/2025/0009", alloc.FullNumber)
	require.NotNil(t, alloc.Warning)
	assert.Equal(t, int64(6), alloc.Warning.Expected)
	assert.Equal(t, int64(9), currentNumber(t, db, seriesID))
}

func TestReserveOverrideBelowCurrentNeverRegresses(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 5)

	alloc, err := svc.ReserveOverride(context.Background(), nil, seriesID, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, "A/2025/0003", alloc.FullNumber)
	require.NotNil(t, alloc.Warning)
	assert.Contains(t, alloc.Warning.Message, "below")
	assert.Equal(t, int64(5), currentNumber(t, db, seriesID))
}

func TestReserveOverrideExpectedNextHasNoWarning(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 5)

	alloc, err := svc.ReserveOverride(context.Background(), nil, seriesID, 6, 0)
	require.NoError(t, err)
	assert.Nil(t, alloc.Warning)
	assert.Equal(t, int64(6), currentNumber(t, db, seriesID))
}

func TestReserveOverrideDuplicate(t *testing.T) {
	svc, db, lookup, seriesID := setupAllocator(t, 5)
	lookup.taken["A/2025/0004"] = 44

	_, err := svc.ReserveOverride(context.Background(), nil, seriesID, 4, 0)
	assert.ErrorIs(t, err, domain.ErrDuplicateNumber)
	assert.Equal(t, int64(5), currentNumber(t, db, seriesID))

	// The invoice that already holds the number may re-claim it.
	_, err = svc.ReserveOverride(context.Background(), nil, seriesID, 4, 44)
	assert.NoError(t, err)
}

func TestReserveOverrideRejectsNonPositive(t *testing.T) {
	svc, _, _, seriesID := setupAllocator(t, 5)

	_, err := svc.ReserveOverride(context.Background(), nil, seriesID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidNumber)
}

func TestPreviewNextIsReadOnly(t *testing.T) {
	svc, db, _, seriesID := setupAllocator(t, 5)

	next, err := svc.PreviewNext(context.Background(), seriesID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), next)
	assert.Equal(t, int64(5), currentNumber(t, db, seriesID))
}
