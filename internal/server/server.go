package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/engine"
	obslogger "github.com/smallbiznis/chronicle/internal/observability/logger"
	"github.com/smallbiznis/chronicle/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func registerGin(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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

// Server exposes the versioning engine over HTTP. Routes address records by
// live table name, so any registered type is reachable without per-type
// handlers.
type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	vers   *engine.Engine
	reg    *registry.Registry
	log    *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin  *gin.Engine
	Cfg  config.Config
	DB   *gorm.DB
	Vers *engine.Engine
	Reg  *registry.Registry
	Log  *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		db:     p.DB,
		vers:   p.Vers,
		reg:    p.Reg,
		log:    p.Log,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/:type", s.CreateRecord)
	v1.GET("/:type/current", s.ListCurrent)
	v1.GET("/:type/:id", s.GetRecord)
	v1.PATCH("/:type/:id", s.UpdateRecord)
	v1.DELETE("/:type/:id", s.DeleteRecord)

	v1.POST("/:type/:id/snapshot", s.TakeSnapshot)
	v1.GET("/:type/:id/snapshot/latest", s.LatestSnapshot)
	v1.GET("/:type/:id/history", s.History)
}
