package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/fiscalia/internal/accountcontext"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	"github.com/smallbiznis/fiscalia/internal/audit/repository"
	"github.com/smallbiznis/fiscalia/internal/auditcontext"
	"github.com/smallbiznis/fiscalia/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T) (auditdomain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)),
	})
	return svc, db
}

func TestAuditLogResolvesContextAndMasksSecrets(t *testing.T) {
	svc, db := setupAuditService(t)

	accountID := snowflake.ID(42)
	ctx := accountcontext.WithAccountID(context.Background(), accountID)
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeUser), "user-7")
	ctx = auditcontext.WithRequestID(ctx, "req-1")

	target := "100"
	err := svc.AuditLog(ctx, auditdomain.Entry{
		Action:     "issuer.configured",
		TargetType: "issuer_config",
		TargetID:   &target,
		Metadata:   map[string]any{"api_key": "vf_secretvalue"},
	})
	require.NoError(t, err)

	var stored auditdomain.AuditLog
	require.NoError(t, db.First(&stored).Error)
	require.NotNil(t, stored.AccountID)
	assert.Equal(t, accountID, *stored.AccountID)
	assert.Equal(t, "user", stored.ActorType)
	require.NotNil(t, stored.ActorID)
	assert.Equal(t, "user-7", *stored.ActorID)
	assert.Equal(t, "vf_****alue", stored.Metadata["api_key"])
	assert.Equal(t, "req-1", stored.Metadata["request_id"])
}

func TestAuditLogTxRollsBackWithCaller(t *testing.T) {
	svc, db := setupAuditService(t)
	ctx := accountcontext.WithAccountID(context.Background(), 42)

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.AuditLogTx(ctx, tx, auditdomain.Entry{Action: "invoice.issued", TargetType: "invoice"}))
		return assert.AnError
	})

	var count int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _ := setupAuditService(t)
	err := svc.AuditLog(context.Background(), auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListRequiresAccount(t *testing.T) {
	svc, _ := setupAuditService(t)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAccount)

	ctx := accountcontext.WithAccountID(context.Background(), 42)
	require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{Action: "invoice.issued", TargetType: "invoice"}))
	logs, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "invoice.issued"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
