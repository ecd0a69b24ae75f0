// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultChunkSize 是客户端与服务端共享的默认分片大小 (100MB)。
// 合并时按 index*ChunkSize 计算写入偏移，两端必须一致。
const DefaultChunkSize = 100 * 1024 * 1024

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// AllowOrigins 为空时不启用 CORS 头。
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StorageConfig 描述服务端本地磁盘布局。
type StorageConfig struct {
	PublicDir       string        `mapstructure:"public_dir"`
	TempDir         string        `mapstructure:"temp_dir"`
	ChunkSize       int64         `mapstructure:"chunk_size"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	// SeedDir 下的文件在启动时按标准上传流程导入，留空不启用。
	SeedDir string `mapstructure:"seed_dir"`
}

// DatabaseConfig 存储所有数据库连接的配置。留空表示不启用。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档合并后的文件。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ClientConfig 存储上传客户端的配置。
type ClientConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	ChunkSize   int64  `mapstructure:"chunk_size"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// SetDefaults 注册所有配置项的默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("storage.public_dir", "public")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.chunk_size", DefaultChunkSize)
	v.SetDefault("storage.stale_after", 24*time.Hour)
	v.SetDefault("storage.janitor_interval", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "artifact-merged")
	v.SetDefault("kafka.group_id", "resumable-upload-archiver")
	v.SetDefault("client.server_url", "http://127.0.0.1:8000")
	v.SetDefault("client.chunk_size", DefaultChunkSize)
	v.SetDefault("client.max_attempts", 3)
	v.SetDefault("client.max_file_size", int64(2)*1024*1024*1024)
}

// Load 从指定路径读取 YAML 文件并解析；configPath 为空时只使用默认值和环境变量。
// 环境变量使用 UPLOAD_ 前缀，例如 UPLOAD_STORAGE_CHUNK_SIZE。
func Load(v *viper.Viper, configPath string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("upload")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if cfg.Storage.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("storage.chunk_size 必须大于 0，当前为 %d", cfg.Storage.ChunkSize)
	}
	return cfg, nil
}

// Init 初始化全局配置，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(viper.GetViper(), configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
