package server

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	"partnerhub/internal/services"
)

// App 组装推送中心与各业务服务
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Logger   *logrus.Logger
	Hub      *services.PushHub
	Viewer   *services.ViewerService
	Chat     *services.ChatService
	Sessions *services.RemoteSessionService
	Activity *services.ActivityService

	wg sync.WaitGroup
}

// NewApp 创建应用；数据库需已完成迁移
func NewApp(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) *App {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	hub := services.NewPushHub(cfg.Realtime, logger)

	var viewer *services.ViewerService
	if cfg.WebRTC.Enabled {
		viewer = services.NewViewerService(cfg.WebRTC.STUNServer, hub, logger)
	}

	return &App{
		Config:   cfg,
		DB:       db,
		Logger:   logger,
		Hub:      hub,
		Viewer:   viewer,
		Chat:     services.NewChatService(db, hub, cfg.Chat, logger),
		Sessions: services.NewRemoteSessionService(db, hub, viewer, cfg.RemoteAccess, logger),
		Activity: services.NewActivityService(db, hub, cfg.Activity, logger),
	}
}

// Start 启动推送中心、统计推送与会话超时扫描；ctx 结束时全部退出
func (a *App) Start(ctx context.Context) {
	for _, run := range []func(context.Context){
		a.Hub.Run,
		a.Activity.StartStatsWorker,
		a.Sessions.StartTimeoutMonitor,
	} {
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(ctx)
		}(run)
	}
}

// Wait 等待后台任务退出
func (a *App) Wait() {
	a.wg.Wait()
}

// Handler 返回完整路由
func (a *App) Handler() *gin.Engine {
	return NewRouter(a)
}
