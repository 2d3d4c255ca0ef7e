package db

import (
	"fmt"

	"study-engine/internal/config"
	"study-engine/internal/logger"
	"study-engine/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

var DB *gorm.DB

func InitDB(cfg *config.Config) error {
	conn, err := Open(&cfg.Database)
	if err != nil {
		return err
	}
	DB = conn
	logger.L().Info("数据库初始化成功")
	return nil
}

// ReportingResolver 统计类只读查询使用的 resolver，配置了只读副本时走副本
const ReportingResolver = "reporting"

// Open 按驱动连接并自动迁移
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "", "mysql":
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
				cfg.User,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.DBName,
				cfg.Charset,
			)
		}
	case "postgres":
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=Local",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)
		}
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("sqlite 需要配置 dsn")
		}
	}
	dialector, err := dialect(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite 单连接，避免 database is locked
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, fmt.Errorf("获取连接池失败: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for _, r := range cfg.Replicas {
			d, err := dialect(cfg.Driver, r)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, d)
		}
		// 只有显式选择 ReportingResolver 的查询读副本，运行时状态始终读主库
		err := conn.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}, ReportingResolver))
		if err != nil {
			return nil, fmt.Errorf("注册只读副本失败: %w", err)
		}
	}

	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func dialect(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
}

// Migrate 自动迁移
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&model.User{},
		&model.Study{},
		&model.Component{},
		&model.Batch{},
		&model.Worker{},
		&model.StudyLink{},
		&model.StudyRun{},
		&model.ComponentRun{},
		&model.ComponentRunFile{},
		&model.GroupResult{},
		&model.GroupMembership{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}
