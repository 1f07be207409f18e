package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
	"github.com/renovolabs/renovo/internal/config"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander"
	"github.com/renovolabs/renovo/internal/observability"
	obsmiddleware "github.com/renovolabs/renovo/internal/observability/logger"
	obsmetrics "github.com/renovolabs/renovo/internal/observability/metrics"
	obstracing "github.com/renovolabs/renovo/internal/observability/tracing"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, log *zap.Logger, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine      *gin.Engine
	cfg         config.Config
	registrySvc registrydomain.Service
	billingSvc  billingdomain.Service
	cursors     cursor.Store
	expander    *expander.Expander
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	RegistrySvc registrydomain.Service
	BillingSvc  billingdomain.Service
	Cursors     cursor.Store
	Expander    *expander.Expander
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		registrySvc: p.RegistrySvc,
		billingSvc:  p.BillingSvc,
		cursors:     p.Cursors,
		expander:    p.Expander,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	// -------- Expansion runs --------
	v1.POST("/expansions/run", s.RunExpansion)
	v1.GET("/cursors/recurring-billing", s.GetRecurringBillingCursor)

	// -------- Domains --------
	v1.POST("/domains", s.CreateDomain)

	// -------- Recurrences --------
	v1.POST("/recurrences", s.CreateRecurrence)
	v1.GET("/recurrences/:id", s.GetRecurrence)

	// -------- Billing events --------
	v1.GET("/billing-events", s.ListBillingEvents)
}
