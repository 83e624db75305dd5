package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dwebhost/dweb-alpha/internal/handler"
	"github.com/dwebhost/dweb-alpha/internal/middleware"
)

// Handlers 所有处理器
type Handlers struct {
	Pinning *handler.PinningHandler
	Health  map[string]handler.HealthCheck
}

// New 创建 gin 引擎并注册路由
func New(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Recovery(),
		middleware.CORS(),
		middleware.Metrics(),
	)
	SetupRouter(r, h)
	return r
}

// SetupRouter 设置路由
func SetupRouter(r *gin.Engine, h *Handlers) {
	r.GET("/health", handler.Health(h.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pinning := r.Group("/pinning")
	{
		pinning.GET("/statistics", h.Pinning.GetStatistics)
		pinning.GET("/contenthashes", h.Pinning.ListContentHashes)
		pinning.GET("/contenthash", h.Pinning.ListByNode)
		pinning.GET("/sync", h.Pinning.GetSyncStatus)
		pinning.GET("/jobs", h.Pinning.ListJobs)
		pinning.GET("/jobs/:name/executions", h.Pinning.ListJobExecutions)
	}
}
