package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"study-engine/internal/config"
	"study-engine/internal/db"
	"study-engine/internal/logger"
	"study-engine/internal/router"
	"study-engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "study-engine",
	Short: "study run 执行与 group 协调服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

// migrateCmd 只建表，不启动服务
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "自动迁移数据库表结构",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		logger.Init(&cfg.Log)
		defer logger.Sync()
		if err := db.InitDB(cfg); err != nil {
			return err
		}
		logger.L().Info("迁移完成")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "配置文件路径")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	// 加载配置
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger.Init(&cfg.Log)
	defer logger.Sync()
	log := logger.L()

	// 初始化数据库
	if err := db.InitDB(cfg); err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}

	// 初始化服务
	gin.SetMode(cfg.Server.Mode)
	svcCtx := service.NewServiceContext(cfg, db.DB, log)

	// 初始化路由
	r := router.SetupRouter(svcCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		svcCtx.Close()
		return fmt.Errorf("启动服务失败: %w", err)
	case <-quit:
	}
	log.Info("正在关闭服务")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先关 group 通道，WebSocket 连接随之结束
	svcCtx.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("关闭服务失败", zap.Error(err))
	}
	return nil
}
