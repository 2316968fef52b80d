package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/codec"
	"AgentGuard-Chain/internal/storage/mysql"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 AGENTGUARD_SERVER_ADDRESS。
const EnvPrefix = "AGENTGUARD"

// Config 描述了 AgentGuard 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Gateway GatewayConfig `json:"gateway"`
	Audit   AuditConfig   `json:"audit"`
	Codec   CodecConfig   `json:"codec"`
	Web3    Web3Config    `json:"web3"`
	Metrics MetricsConfig `json:"metrics"`
	Auth    AuthConfig    `json:"auth"`
	Logger  logger.Config `json:"logger"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" envconfig:"address"`
}

// StorageConfig 选择委托、执行尝试与审计记录的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver" envconfig:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 对应 mysql.Config，时长以秒为单位。
type MySQLConfig struct {
	DSN                    string `json:"dsn" envconfig:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	// AutoMigrate 为 true 时 serve 启动前先执行内嵌迁移。
	AutoMigrate bool `json:"auto_migrate" envconfig:"auto_migrate"`
}

// GatewayConfig 控制执行网关的超时与幂等键存储。
type GatewayConfig struct {
	SubmitTimeoutSeconds  int               `json:"submit_timeout_seconds" envconfig:"submit_timeout_seconds"`
	IdempotencyTTLSeconds int               `json:"idempotency_ttl_seconds"`
	Idempotency           IdempotencyConfig `json:"idempotency"`
}

// IdempotencyConfig 选择幂等键后端，多实例部署时应使用 redis。
type IdempotencyConfig struct {
	Driver string      `json:"driver" envconfig:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" envconfig:"address"`
	Password string `json:"password" envconfig:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// AuditConfig 控制审计记录的对外广播。
type AuditConfig struct {
	Publisher PublisherConfig `json:"publisher"`
}

// PublisherConfig 目前支持 none 与 rabbitmq。
type PublisherConfig struct {
	Driver   string         `json:"driver" envconfig:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述审计广播的 exchange。
type RabbitMQConfig struct {
	URL      string `json:"url" envconfig:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// CodecConfig 描述 EIP-712 域以及托管签名私钥所在的环境变量。
type CodecConfig struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           int64    `json:"chain_id" envconfig:"chain_id"`
	VerifyingContract string   `json:"verifying_contract" envconfig:"verifying_contract"`
	SignerKeyEnvs     []string `json:"signer_key_envs" envconfig:"signer_key_envs"`
}

// Web3Config 指向链定义文件与默认链。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" envconfig:"chain_config"`
	DefaultChain string `json:"default_chain" envconfig:"default_chain"`
}

// MetricsConfig 非空时额外启动独立的指标监听。
type MetricsConfig struct {
	Address string `json:"address" envconfig:"address"`
}

// AuthConfig 控制 API 的 Bearer 认证。令牌与 JWT 密钥只从环境变量读取，配置文件里只写变量名。
type AuthConfig struct {
	Mode   string            `json:"mode" envconfig:"mode"`
	Tokens []AuthTokenConfig `json:"tokens" ignored:"true"`
	JWT    AuthJWTConfig     `json:"jwt"`
}

// AuthTokenConfig 把环境变量中的静态令牌绑定到地址。
type AuthTokenConfig struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	TokenEnv string `json:"token_env"`
}

// AuthJWTConfig 描述 HS256 令牌的签发参数。
type AuthJWTConfig struct {
	SecretEnv  string `json:"secret_env" envconfig:"secret_env"`
	Issuer     string `json:"issuer" envconfig:"issuer"`
	TTLSeconds int    `json:"ttl_seconds" envconfig:"ttl_seconds"`
}

type ctxKey string

const configContextKey ctxKey = "agentguard.config"

// WithContext 把配置挂到上下文上，供 cobra 子命令读取。
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext 取出 WithContext 保存的配置。
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// DefaultPath 返回配置文件路径，优先读取 AGENTGUARD_CONFIG。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); path != "" {
		return path
	}
	return filepath.Join("configs", "agentguard.json")
}

// Load 负责解析指定路径的 JSON 配置文件，再应用默认值与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("读取环境变量覆盖失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Gateway.SubmitTimeoutSeconds <= 0 {
		c.Gateway.SubmitTimeoutSeconds = 30
	}
	if c.Gateway.IdempotencyTTLSeconds <= 0 {
		c.Gateway.IdempotencyTTLSeconds = 24 * 60 * 60
	}
	if c.Gateway.Idempotency.Driver == "" {
		c.Gateway.Idempotency.Driver = "memory"
	}
	if c.Gateway.Idempotency.Redis.Prefix == "" {
		c.Gateway.Idempotency.Redis.Prefix = "agentguard:idem:"
	}

	if c.Audit.Publisher.Driver == "" {
		c.Audit.Publisher.Driver = "none"
	}
	if c.Audit.Publisher.RabbitMQ.Exchange == "" {
		c.Audit.Publisher.RabbitMQ.Exchange = "agentguard.audit"
	}

	if c.Codec.Name == "" {
		c.Codec.Name = "AgentGuard"
	}
	if c.Codec.Version == "" {
		c.Codec.Version = "1"
	}
	if c.Codec.ChainID == 0 {
		c.Codec.ChainID = 1
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "agentguard"
	}
	if c.Auth.JWT.TTLSeconds <= 0 {
		c.Auth.JWT.TTLSeconds = 60 * 60
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

// Validate 检查配置组合是否可用，错误会在启动阶段直接终止进程。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.driver 为 mysql 时必须配置 storage.mysql.dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Gateway.Idempotency.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Gateway.Idempotency.Redis.Address) == "" {
			return errors.New("幂等键使用 redis 时必须配置 gateway.idempotency.redis.address")
		}
	default:
		return fmt.Errorf("未知的幂等键驱动: %s", c.Gateway.Idempotency.Driver)
	}

	switch c.Audit.Publisher.Driver {
	case "none":
	case "rabbitmq":
		if strings.TrimSpace(c.Audit.Publisher.RabbitMQ.URL) == "" {
			return errors.New("审计广播使用 rabbitmq 时必须配置 audit.publisher.rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的审计广播驱动: %s", c.Audit.Publisher.Driver)
	}

	switch auth.Mode(c.Auth.Mode) {
	case auth.ModeDisabled:
	case auth.ModeToken:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.mode 为 token 时必须配置 auth.tokens")
		}
		for i, token := range c.Auth.Tokens {
			if !common.IsHexAddress(token.Address) {
				return fmt.Errorf("auth.tokens[%d].address 不是合法地址: %s", i, token.Address)
			}
			if strings.TrimSpace(token.TokenEnv) == "" {
				return fmt.Errorf("auth.tokens[%d] 缺少 token_env", i)
			}
		}
	case auth.ModeJWT:
		if strings.TrimSpace(c.Auth.JWT.SecretEnv) == "" {
			return errors.New("auth.mode 为 jwt 时必须配置 auth.jwt.secret_env")
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}

	if c.Codec.ChainID <= 0 {
		return fmt.Errorf("codec.chain_id 必须为正数，实际 %d", c.Codec.ChainID)
	}
	if v := c.Codec.VerifyingContract; v != "" && !common.IsHexAddress(v) {
		return fmt.Errorf("codec.verifying_contract 不是合法地址: %s", v)
	}
	return nil
}

// SubmitTimeout 返回链上提交的截止时长。
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Gateway.SubmitTimeoutSeconds) * time.Second
}

// IdempotencyTTL 返回幂等键的保留时长。
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Gateway.IdempotencyTTLSeconds) * time.Second
}

// Connection 转换为 mysql.Open 使用的连接参数。
func (m MySQLConfig) Connection() mysql.Config {
	return mysql.Config{
		DSN:             m.DSN,
		MaxOpenConns:    m.MaxOpenConns,
		MaxIdleConns:    m.MaxIdleConns,
		ConnMaxLifetime: time.Duration(m.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(m.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

// Domain 返回 EIP-712 域参数。
func (c CodecConfig) Domain() codec.Domain {
	domain := codec.Domain{Name: c.Name, Version: c.Version, ChainID: c.ChainID}
	if c.VerifyingContract != "" {
		domain.VerifyingContract = common.HexToAddress(c.VerifyingContract)
	}
	return domain
}

// Options 从环境变量解析令牌与密钥，转换为 auth.New 使用的配置。
func (a AuthConfig) Options() (auth.Config, error) {
	cfg := auth.Config{
		Mode: auth.Mode(a.Mode),
		JWT: auth.JWTOptions{
			Issuer: a.JWT.Issuer,
			TTL:    time.Duration(a.JWT.TTLSeconds) * time.Second,
		},
	}
	switch cfg.Mode {
	case auth.ModeToken:
		for _, token := range a.Tokens {
			value := strings.TrimSpace(os.Getenv(token.TokenEnv))
			if value == "" {
				return auth.Config{}, fmt.Errorf("令牌环境变量 %s 未设置", token.TokenEnv)
			}
			cfg.Tokens = append(cfg.Tokens, auth.TokenBinding{
				Name:    token.Name,
				Address: common.HexToAddress(token.Address),
				Token:   value,
			})
		}
	case auth.ModeJWT:
		cfg.JWT.Secret = os.Getenv(a.JWT.SecretEnv)
		if cfg.JWT.Secret == "" {
			return auth.Config{}, fmt.Errorf("JWT 密钥环境变量 %s 未设置", a.JWT.SecretEnv)
		}
	}
	return cfg, nil
}
