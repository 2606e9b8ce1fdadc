package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/devpipe/internal/dashboardws"
	"github.com/yungbote/devpipe/internal/gateway"
	httpMW "github.com/yungbote/devpipe/internal/http/middleware"
	"github.com/yungbote/devpipe/internal/observability"
	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

// RouterConfig wires the ingress gateway (C7) and dashboard fan-out (C8)
// handlers into the gin engine, the way the teacher's RouterConfig wires
// its own feature handlers.
type RouterConfig struct {
	Gateway *gateway.Gateway
	Hub     *dashboardws.Hub
	Orc     *orchestrator.Orchestrator
	Metrics *observability.Metrics
	Log     *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.Metrics(cfg.Metrics))
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}

	if cfg.Gateway != nil {
		r.POST("/submit", cfg.Gateway.Submit)
		r.POST("/submit_with_files", cfg.Gateway.SubmitWithFiles)
		r.GET("/status/:request_id", cfg.Gateway.Status)
		r.GET("/requests", cfg.Gateway.Requests)
		r.DELETE("/cancel/:request_id", cfg.Gateway.Cancel)
		r.GET("/health", cfg.Gateway.Health)
		r.GET("/metrics", cfg.Gateway.Metrics)
	}

	if cfg.Hub != nil && cfg.Orc != nil {
		r.GET("/dashboard/ws", func(c *gin.Context) {
			if err := dashboardws.ServeWS(cfg.Hub, cfg.Orc, c.Writer, c.Request); err != nil {
				c.AbortWithStatus(http.StatusBadRequest)
			}
		})
	}

	return r
}
