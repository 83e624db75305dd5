package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// 默认监听的 ENS PublicResolver 合约
const DefaultContracts = "0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63,0xDaaF96c344f63131acadD0Ea35170E7892d3dfBA"

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Indexer    IndexerConfig    `yaml:"indexer" json:"indexer"`
	Pinning    PinningConfig    `yaml:"pinning" json:"pinning"`
	IPFS       IPFSConfig       `yaml:"ipfs" json:"ipfs"`
	ENS        ENSConfig        `yaml:"ens" json:"ens"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Log        logger.Config    `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN 构造 gorm postgres DSN
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置，Addr 为空时不启用分布式任务锁
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置，Brokers 为空时不发布状态事件
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" json:"brokers"`
	ClientID    string   `yaml:"client_id" json:"client_id"`
	StatusTopic string   `yaml:"status_topic" json:"status_topic"`
	// SASLMechanism 为空时不认证，支持 PLAIN / SCRAM-SHA-256 / SCRAM-SHA-512
	SASLMechanism string `yaml:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUser      string `yaml:"sasl_user" json:"sasl_user"`
	SASLPassword  string `yaml:"sasl_password" json:"-"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	Network       string        `yaml:"network" json:"network"`
	RPCURL        string        `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string      `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	Contracts     []string      `yaml:"contracts" json:"contracts"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
}

// IndexerConfig 索引配置
type IndexerConfig struct {
	Interval      time.Duration `yaml:"interval" json:"interval"`
	StartBlock    uint64        `yaml:"start_block" json:"start_block"`
	MaxBlockRange uint64        `yaml:"max_block_range" json:"max_block_range"`
	Confirmations uint64        `yaml:"confirmations" json:"confirmations"`
}

// PinningConfig 可用性检查与 pin 配置
type PinningConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" json:"check_interval"`
	PinInterval    time.Duration `yaml:"pin_interval" json:"pin_interval"`
	CheckBatchSize int           `yaml:"check_batch_size" json:"check_batch_size"`
	PinBatchSize   int           `yaml:"pin_batch_size" json:"pin_batch_size"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	PinTimeout     time.Duration `yaml:"pin_timeout" json:"pin_timeout"`
	ClaimTTL       time.Duration `yaml:"claim_ttl" json:"claim_ttl"`
}

// IPFSConfig 存储后端 (Kubo RPC) 配置
type IPFSConfig struct {
	APIURL           string        `yaml:"api_url" json:"api_url"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
}

// ENSConfig 名称服务 (ENS subgraph) 配置
type ENSConfig struct {
	GraphQLURL string        `yaml:"graphql_url" json:"graphql_url"`
	Token      string        `yaml:"token" json:"token"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	RateLimit  float64       `yaml:"rate_limit" json:"rate_limit"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	JobTimeout         time.Duration `yaml:"job_timeout" json:"job_timeout"`
	LockTTL            time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	ExecutionRetention time.Duration `yaml:"execution_retention" json:"execution_retention"`
	PruneSchedule      string        `yaml:"prune_schedule" json:"prune_schedule"`
}

// Load 加载配置，path 为空时只使用环境变量与默认值
func Load(configPath string) (*Config, error) {
	var cfg Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		content := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必须项
func (c *Config) Validate() error {
	if c.Blockchain.RPCURL == "" {
		return fmt.Errorf("blockchain.rpc_url (RPC_URL) is required")
	}
	if c.Pinning.MaxRetries < 1 {
		return fmt.Errorf("pinning.max_retries must be >= 1, got %d", c.Pinning.MaxRetries)
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}
		result = result[:start] + value + result[end+1:]
	}
	return result
}

// applyEnvOverrides 部署环境变量覆盖配置文件
func applyEnvOverrides(cfg *Config) {
	cfg.Blockchain.Network = GetEnvString("NETWORK", cfg.Blockchain.Network)
	cfg.Blockchain.RPCURL = GetEnvString("RPC_URL", cfg.Blockchain.RPCURL)
	if v := os.Getenv("CONTRACTS"); v != "" {
		cfg.Blockchain.Contracts = SplitList(v)
	}

	cfg.IPFS.APIURL = GetEnvString("IPFS_API_URL", cfg.IPFS.APIURL)
	cfg.ENS.GraphQLURL = GetEnvString("ENS_GRAPHQL_URL", cfg.ENS.GraphQLURL)
	cfg.ENS.Token = GetEnvString("ENS_GRAPHQL_TOKEN", cfg.ENS.Token)

	cfg.Indexer.Interval = GetEnvDuration("INDEX_INTERVAL", cfg.Indexer.Interval)
	cfg.Indexer.MaxBlockRange = GetEnvUint64("MAX_BLOCK_RANGE", cfg.Indexer.MaxBlockRange)
	cfg.Indexer.StartBlock = GetEnvUint64("START_BLOCK", cfg.Indexer.StartBlock)
	cfg.Pinning.CheckInterval = GetEnvDuration("CHECK_INTERVAL", cfg.Pinning.CheckInterval)
	cfg.Pinning.PinInterval = GetEnvDuration("PIN_INTERVAL", cfg.Pinning.PinInterval)
	cfg.Pinning.CheckBatchSize = GetEnvInt("CHECK_BATCH_SIZE", cfg.Pinning.CheckBatchSize)
	cfg.Pinning.PinBatchSize = GetEnvInt("PIN_BATCH_SIZE", cfg.Pinning.PinBatchSize)
	cfg.Pinning.MaxRetries = GetEnvInt("MAX_RETRIES", cfg.Pinning.MaxRetries)
	cfg.ENS.Interval = GetEnvDuration("ENS_INTERVAL", cfg.ENS.Interval)
	cfg.ENS.BatchSize = GetEnvInt("ENS_BATCH_SIZE", cfg.ENS.BatchSize)

	cfg.Redis.Addr = GetEnvString("REDIS_ADDR", cfg.Redis.Addr)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = SplitList(v)
	}
	cfg.Service.HTTPPort = GetEnvInt("PORT", cfg.Service.HTTPPort)
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "pinning-srv"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 6100
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "dweb"
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.StatusTopic == "" {
		cfg.Kafka.StatusTopic = "contenthash-status"
	}

	if cfg.Blockchain.Network == "" {
		cfg.Blockchain.Network = "mainnet"
	}
	if len(cfg.Blockchain.Contracts) == 0 {
		cfg.Blockchain.Contracts = SplitList(DefaultContracts)
	}
	if cfg.Blockchain.MaxRetries == 0 {
		cfg.Blockchain.MaxRetries = 3
	}
	if cfg.Blockchain.RetryInterval == 0 {
		cfg.Blockchain.RetryInterval = time.Second
	}

	if cfg.Indexer.Interval == 0 {
		cfg.Indexer.Interval = 20 * time.Second
	}
	if cfg.Indexer.MaxBlockRange == 0 {
		cfg.Indexer.MaxBlockRange = 500
	}

	if cfg.Pinning.CheckInterval == 0 {
		cfg.Pinning.CheckInterval = 30 * time.Second
	}
	if cfg.Pinning.PinInterval == 0 {
		cfg.Pinning.PinInterval = 30 * time.Second
	}
	if cfg.Pinning.CheckBatchSize == 0 {
		cfg.Pinning.CheckBatchSize = 20
	}
	if cfg.Pinning.PinBatchSize == 0 {
		cfg.Pinning.PinBatchSize = 10
	}
	if cfg.Pinning.MaxRetries == 0 {
		cfg.Pinning.MaxRetries = 3
	}
	if cfg.Pinning.Concurrency == 0 {
		cfg.Pinning.Concurrency = 5
	}
	if cfg.Pinning.ProbeTimeout == 0 {
		cfg.Pinning.ProbeTimeout = 30 * time.Second
	}
	if cfg.Pinning.PinTimeout == 0 {
		cfg.Pinning.PinTimeout = 60 * time.Second
	}
	if cfg.Pinning.ClaimTTL == 0 {
		cfg.Pinning.ClaimTTL = 10 * time.Minute
	}

	if cfg.IPFS.APIURL == "" {
		cfg.IPFS.APIURL = "http://127.0.0.1:5001"
	}
	if cfg.IPFS.FailureThreshold == 0 {
		cfg.IPFS.FailureThreshold = 5
	}
	if cfg.IPFS.BreakerTimeout == 0 {
		cfg.IPFS.BreakerTimeout = 30 * time.Second
	}

	if cfg.ENS.GraphQLURL == "" {
		cfg.ENS.GraphQLURL = "https://api.thegraph.com/subgraphs/name/ensdomains/ens"
	}
	if cfg.ENS.Interval == 0 {
		cfg.ENS.Interval = time.Minute
	}
	if cfg.ENS.BatchSize == 0 {
		cfg.ENS.BatchSize = 50
	}
	if cfg.ENS.RateLimit == 0 {
		cfg.ENS.RateLimit = 2
	}
	if cfg.ENS.Timeout == 0 {
		cfg.ENS.Timeout = 15 * time.Second
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 5
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 2 * time.Minute
	}
	if cfg.Scheduler.ExecutionRetention == 0 {
		cfg.Scheduler.ExecutionRetention = 7 * 24 * time.Hour
	}
	if cfg.Scheduler.PruneSchedule == "" {
		cfg.Scheduler.PruneSchedule = "0 30 3 * * *"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = cfg.Service.Name
	}
}

// SplitList 拆分逗号分隔列表，忽略空项
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvUint64 获取环境变量 uint64 值 (区块高度)
func GetEnvUint64(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvDuration 获取环境变量时长，接受 "20s" 或毫秒整数
func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
