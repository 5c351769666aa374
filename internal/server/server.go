// Package server exposes the operational HTTP surface: the job trigger
// endpoints the scheduler calls, and a health probe. Everything else in the
// system runs inside cycles; there is no customer-facing API here.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/cartcall/internal/config"
	"github.com/smallbiznis/cartcall/internal/logger"
	"github.com/smallbiznis/cartcall/internal/processor"
	"github.com/smallbiznis/cartcall/internal/scanner"
	"github.com/smallbiznis/cartcall/internal/usagegate"
)

type Params struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	DB        *gorm.DB
	Scanner   *scanner.Scanner
	Processor *processor.Processor
	Gate      *usagegate.Gate
}

// Server wires job handlers to the campaign services.
type Server struct {
	cfg       config.Config
	log       *zap.Logger
	db        *gorm.DB
	scanner   *scanner.Scanner
	processor *processor.Processor
	gate      *usagegate.Gate
	jobLimit  *fixedWindowLimiter
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:       p.Cfg,
		log:       p.Log.Named("server"),
		db:        p.DB,
		scanner:   p.Scanner,
		processor: p.Processor,
		gate:      p.Gate,
		jobLimit:  newFixedWindowLimiter(30, time.Minute),
	}
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Logger:    log.Named("http"),
		SkipPaths: []string{"/healthz"},
	}))
	return engine
}

func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
	engine.GET("/healthz", s.Healthz)

	jobs := engine.Group("/internal/jobs")
	jobs.Use(s.JobAuthRequired())
	jobs.POST("/scan", s.TriggerScan)
	jobs.POST("/process", s.TriggerProcess)
	jobs.POST("/reactivate", s.TriggerReactivate)
}

// RunHTTP starts the HTTP listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, engine *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server, engine *gin.Engine) {
		s.RegisterRoutes(engine)
	}),
	fx.Invoke(RunHTTP),
)
