package router

import (
	"study-engine/internal/handler"
	"study-engine/internal/logger"
	"study-engine/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRouter(svc *service.ServiceContext) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, "+handler.UserHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 初始化handlers
	publixHandler := handler.NewPublixHandler(svc)
	groupHandler := handler.NewGroupHandler(svc)
	resultHandler := handler.NewResultHandler(svc)

	// 参与者路由
	publix := r.Group("/publix")
	{
		publix.GET("/:code/start", publixHandler.Start)

		runs := publix.Group("/runs/:uuid")
		{
			runs.POST("/components/:componentUuid/start", publixHandler.StartComponent)
			runs.GET("/components/:componentUuid/initData", publixHandler.InitData)
			runs.POST("/components/:componentUuid/resultData", publixHandler.SubmitResultData)
			runs.POST("/components/:componentUuid/files", publixHandler.UploadFile)
			runs.PUT("/studySessionData", publixHandler.SetStudySessionData)
			runs.POST("/heartbeat", publixHandler.Heartbeat)
			runs.GET("/finish", publixHandler.Finish)
			runs.GET("/abort", publixHandler.Abort)

			// group
			runs.GET("/group/join", groupHandler.Join)
			runs.POST("/group/leave", groupHandler.Leave)
			runs.POST("/group/reassign", groupHandler.Reassign)
		}
	}

	// 管理路由
	api := r.Group("/api")
	{
		api.POST("/batches/:id/links", resultHandler.CreateLinks)
		api.PUT("/study-links/:code/active", resultHandler.SetLinkActive)

		api.GET("/study-runs/:id", resultHandler.GetStudyRun)
		api.GET("/studies/:id/study-runs", resultHandler.ListStudyRuns)
		api.GET("/studies/:id/stats", resultHandler.StudyStats)
		api.GET("/groups/:id", resultHandler.GetGroup)

		api.DELETE("/component-runs", resultHandler.RemoveComponentRuns)
		api.DELETE("/study-runs", resultHandler.RemoveStudyRuns)
		api.DELETE("/components/:id/results", resultHandler.RemoveComponentResults)
		api.DELETE("/studies/:id/results", resultHandler.RemoveStudyResults)
		api.DELETE("/workers/:id/results", resultHandler.RemoveWorkerResults)
	}

	return r
}

// requestLog 请求日志和 handler 记下的内部错误
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
		}
		if len(c.Errors) > 0 {
			logger.L().Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		logger.L().Debug("request", fields...)
	}
}
