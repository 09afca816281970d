package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"partnerhub/internal/handlers"
	"partnerhub/internal/middleware"
	"partnerhub/internal/observability"
	"partnerhub/pkg/protocol"
)

// NewRouter 注册全部路由与中间件
func NewRouter(a *App) *gin.Engine {
	cfg := a.Config
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}

	// 健康检查
	health := handlers.NewHealthHandler(cfg, a.DB, a.Hub)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	// 监控端点
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, handlers.NewMetricsHandler(a.Hub, a.Viewer, a.DB).GetMetrics)
	}

	// 推送通道
	ws := handlers.NewWebSocketHandler(a.Hub, cfg.Realtime.AllowAnonymous, a.Logger)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/ws", middleware.OptionalAuth(cfg), ws.HandleWebSocket)
		v1.GET("/ws/stats", ws.GetStats)
	}

	// REST API
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(cfg))
	handlers.RegisterChatRoutes(api, handlers.NewChatHandler(a.Chat, a.Logger))
	handlers.RegisterRemoteAccessRoutes(api, handlers.NewRemoteAccessHandler(a.Sessions, a.Logger))
	handlers.RegisterAIRoutes(api, handlers.NewAIHandler(a.Activity, a.Logger), middleware.RequireRole(protocol.RoleAdmin))

	return router
}
