package config

import (
	"time"
)

// Config 完整配置
type Config struct {
	App          AppConfig          `mapstructure:"app" validate:"required"`
	Server       ServerConfig       `mapstructure:"server" validate:"required"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Cache        CacheConfig        `mapstructure:"cache" validate:"required"`
	Bus          BusConfig          `mapstructure:"bus" validate:"required"`
	Coordination CoordinationConfig `mapstructure:"coordination" validate:"required"`
	Stores       StoresConfig       `mapstructure:"stores" validate:"required"`
	Vector       VectorConfig       `mapstructure:"vector" validate:"required"`
	Blob         BlobConfig         `mapstructure:"blob"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding" validate:"required"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline" validate:"required"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval" validate:"required"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Env  string `mapstructure:"env" validate:"required,oneof=development staging production test"`
}

// ServerConfig 查询服务配置
type ServerConfig struct {
	Port           string   `mapstructure:"port" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Provider string        `mapstructure:"provider" validate:"required,oneof=redis memory none"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	Provider      string   `mapstructure:"provider" validate:"required,oneof=kafka memory"`
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id" validate:"required"`
	ClientID      string   `mapstructure:"client_id"`
	RecordChannel string   `mapstructure:"record_channel" validate:"required"`
	EntityChannel string   `mapstructure:"entity_channel" validate:"required"`
	SyncChannel   string   `mapstructure:"sync_channel" validate:"required"`
}

// CoordinationConfig 协调存储配置（租约与配置监听）
type CoordinationConfig struct {
	Provider    string        `mapstructure:"provider" validate:"required,oneof=etcd consul memory"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LeasePrefix string        `mapstructure:"lease_prefix" validate:"required"`
	ConfigKey   string        `mapstructure:"config_key"`
}

// StoresConfig 文档存储与图存储后端
type StoresConfig struct {
	Document string `mapstructure:"document" validate:"required,oneof=postgres memory"`
	Graph    string `mapstructure:"graph" validate:"required,oneof=postgres memory"`
}

// VectorConfig 向量存储配置
type VectorConfig struct {
	Provider   string `mapstructure:"provider" validate:"required,oneof=milvus qdrant elasticsearch memory"`
	Address    string `mapstructure:"address"`
	APIKey     string `mapstructure:"api_key"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Collection string `mapstructure:"collection" validate:"required"`
	Dimension  int    `mapstructure:"dimension" validate:"gt=0"`
}

// BlobConfig 原始内容存储配置
type BlobConfig struct {
	Provider  string `mapstructure:"provider" validate:"omitempty,oneof=minio memory none"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// EmbeddingConfig 嵌入后端配置
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider" validate:"required,oneof=openai hashing"`
	Model      string        `mapstructure:"model" validate:"required"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Dimensions int           `mapstructure:"dimensions" validate:"gt=0"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PipelineConfig holds the settings that may change while the process runs.
// It is read through Provider.Pipeline on every use.
type PipelineConfig struct {
	ChunkSize             int           `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap          int           `mapstructure:"chunk_overlap" yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	MinChunkSize          int           `mapstructure:"min_chunk_size" yaml:"min_chunk_size" validate:"gte=0"`
	EmbedBatchSize        int           `mapstructure:"embed_batch_size" yaml:"embed_batch_size" validate:"gt=0"`
	EmbedRatePerSecond    float64       `mapstructure:"embed_rate_per_second" yaml:"embed_rate_per_second" validate:"gte=0"`
	EmbedBurst            int           `mapstructure:"embed_burst" yaml:"embed_burst" validate:"gte=0"`
	EmbeddingModelVersion string        `mapstructure:"embedding_model_version" yaml:"embedding_model_version" validate:"required"`
	MaxAttempts           int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gt=0"`
	BaseBackoff           time.Duration `mapstructure:"base_backoff" yaml:"base_backoff" validate:"gte=0"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
	StageTimeout          time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout" validate:"gt=0"`
	LeaseTTL              time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" validate:"gte=1s"`
	Workers               int           `mapstructure:"workers" yaml:"workers" validate:"gt=0"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	DefaultK        int           `mapstructure:"default_k" yaml:"default_k" validate:"gt=0"`
	MaxK            int           `mapstructure:"max_k" yaml:"max_k" validate:"gtefield=DefaultK"`
	Overfetch       int           `mapstructure:"overfetch" yaml:"overfetch" validate:"gte=1"`
	GraphEnrichment bool          `mapstructure:"graph_enrichment" yaml:"graph_enrichment"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}
