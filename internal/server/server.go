package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/fiscalia/internal/audit/domain"
	"github.com/smallbiznis/fiscalia/internal/config"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"github.com/smallbiznis/fiscalia/internal/observability"
	obslogger "github.com/smallbiznis/fiscalia/internal/observability/logger"
	obstracing "github.com/smallbiznis/fiscalia/internal/observability/tracing"
	submissiondomain "github.com/smallbiznis/fiscalia/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	invoiceSvc    invoicedomain.Service
	submissionSvc submissiondomain.Service
	auditSvc      auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	InvoiceSvc    invoicedomain.Service
	SubmissionSvc submissiondomain.Service
	AuditSvc      auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		invoiceSvc:    p.InvoiceSvc,
		submissionSvc: p.SubmissionSvc,
		auditSvc:      p.AuditSvc,
	}
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api", AccountContext())

	// -------- Invoices --------
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.POST("/invoices/:id/issue", s.IssueInvoice)
	api.POST("/invoices/:id/sent", s.MarkInvoiceSent)
	api.POST("/invoices/:id/paid", s.MarkInvoicePaid)
	api.GET("/invoices/:id/audit", s.ListInvoiceAudit)

	// -------- Submissions --------
	api.GET("/invoices/:id/submissions", s.ListSubmissions)
	api.POST("/invoices/:id/submit", s.ResubmitInvoice)

	// -------- Series --------
	api.GET("/series/:id/next-number", s.PreviewNextNumber)
	api.GET("/series/:id/verify", s.VerifyChain)
}
