package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Run      RunConfig      `yaml:"run"`
	Group    GroupConfig    `yaml:"group"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// gin 模式：debug/release/test
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	// 驱动：mysql/postgres/sqlite
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	// 直接指定 DSN 时忽略上面的字段（sqlite 必须用它）
	DSN string `yaml:"dsn"`
	// 只读副本 DSN，只给统计查询用
	Replicas []string `yaml:"replicas"`
	// SQL 日志级别：silent/error/warn/info
	LogLevel string `yaml:"log_level"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// SessionConfig 浏览器会话槽位
type SessionConfig struct {
	// 整个实例同时打开的 study run 上限
	MaxSlots int `yaml:"max_slots"`
	// cookie 名前缀，后面拼 study UUID
	CookiePrefix string `yaml:"cookie_prefix"`
	// cookie 有效期（秒）
	CookieMaxAge int `yaml:"cookie_max_age"`
}

type RunConfig struct {
	// 单个 component run 结果数据的最大字节数
	MaxResultDataSize int `yaml:"max_result_data_size"`
}

type GroupConfig struct {
	// 每个成员通道的缓冲消息数，满了就丢弃（best-effort）
	ChannelBuffer int `yaml:"channel_buffer"`
}

func LoadConfig(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

// Default 返回全部默认值的配置，测试和无配置文件时使用
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ENGINE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("ENGINE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ENGINE_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGINE_SERVER_PORT 不是数字: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ENGINE_MAX_OPEN_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGINE_MAX_OPEN_RUNS 不是数字: %w", err)
		}
		c.Session.MaxSlots = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 9000
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Session.MaxSlots <= 0 {
		c.Session.MaxSlots = 100
	}
	if c.Session.CookiePrefix == "" {
		c.Session.CookiePrefix = "JATOS_RUN_"
	}
	if c.Session.CookieMaxAge <= 0 {
		c.Session.CookieMaxAge = 60 * 60 * 24 * 30
	}
	if c.Run.MaxResultDataSize <= 0 {
		c.Run.MaxResultDataSize = 5 * 1024 * 1024
	}
	if c.Group.ChannelBuffer <= 0 {
		c.Group.ChannelBuffer = 64
	}
}
