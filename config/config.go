package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"digitalvault/features"

	"github.com/spf13/viper"
)

// MinKDFIterations is the lowest PBKDF2 iteration count accepted for the
// signature-derived wrapping key.
const MinKDFIterations = 100000

// Config holds configuration for the vault CLI and the ledger server
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Crypto        CryptoConfig        `mapstructure:"crypto"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Signer        SignerConfig        `mapstructure:"signer"`
	Location      LocationConfig      `mapstructure:"location"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig identifies the service
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // dev, staging, production
}

// ServerConfig holds ledger server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	GracefulStop time.Duration `mapstructure:"graceful_stop"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig holds TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	Color bool   `mapstructure:"color"`
}

// CryptoConfig holds the envelope encryption parameters. Changing salt,
// iterations or challenge makes previously sealed capsules unrecoverable.
type CryptoConfig struct {
	KDFIterations int    `mapstructure:"kdf_iterations"`
	Salt          string `mapstructure:"salt"`
	Challenge     string `mapstructure:"challenge"`
}

// LedgerConfig describes how the CLI reaches the ledger server
type LedgerConfig struct {
	Address   string        `mapstructure:"address"`
	Timeout   time.Duration `mapstructure:"timeout"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// StorageConfig selects the content-addressed store
type StorageConfig struct {
	Type    string        `mapstructure:"type"` // memory, file, pinata
	Timeout time.Duration `mapstructure:"timeout"`
	Dir     string        `mapstructure:"dir"`
	Pinata  PinataConfig  `mapstructure:"pinata"`
}

// PinataConfig holds pinning service credentials and read gateways
type PinataConfig struct {
	APIURL    string   `mapstructure:"api_url"`
	JWT       string   `mapstructure:"jwt"`
	APIKey    string   `mapstructure:"api_key"`
	APISecret string   `mapstructure:"api_secret"`
	Gateways  []string `mapstructure:"gateways"`
}

// SignerConfig selects where the signing identity's key lives
type SignerConfig struct {
	Type    string        `mapstructure:"type"` // file, aws
	KeyFile string        `mapstructure:"key_file"`
	Confirm bool          `mapstructure:"confirm"`
	Timeout time.Duration `mapstructure:"timeout"`
	AWS     AWSKeyConfig  `mapstructure:"aws"`
}

// AWSKeyConfig locates a PEM private key in AWS Secrets Manager
type AWSKeyConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	SecretID string `mapstructure:"secret_id"`
	KeyField string `mapstructure:"key_field"`
}

// LocationConfig selects the location provider
type LocationConfig struct {
	Type           string        `mapstructure:"type"` // none, static, file
	Latitude       float64       `mapstructure:"latitude"`
	Longitude      float64       `mapstructure:"longitude"`
	AccuracyMeters float64       `mapstructure:"accuracy_meters"`
	FixFile        string        `mapstructure:"fix_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig holds ledger database connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"` // sqlite file
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
}

// CacheConfig holds ledger listing cache settings
type CacheConfig struct {
	Type    string        `mapstructure:"type"` // none, memory, redis
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PolicyConfig selects the ledger's eligibility engine
type PolicyConfig struct {
	Engine     string `mapstructure:"engine"` // native, rego
	RegoModule string `mapstructure:"rego_module"`
}

// SecurityConfig holds security-related settings
type SecurityConfig struct {
	RateLimiting RateLimitConfig `mapstructure:"rate_limiting"`
	CORS         CORSConfig      `mapstructure:"cors"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requests_per_min"`
	Burst          int  `mapstructure:"burst"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing settings
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Load loads configuration with precedence: environment variables, config
// file, then defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("digitalvault")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/digitalvault/")
		v.AddConfigPath("$HOME/.digitalvault")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DIGITALVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	applyFeatureFlags(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "digitalvault")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_stop", "30s")
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.color", true)

	v.SetDefault("crypto.kdf_iterations", MinKDFIterations)
	v.SetDefault("crypto.salt", "digital_vault_salt")
	v.SetDefault("crypto.challenge", "Digital Vault - Authorize file access")

	v.SetDefault("ledger.address", "http://localhost:8420")
	v.SetDefault("ledger.timeout", "15s")
	v.SetDefault("ledger.issuer", "digitalvault")
	v.SetDefault("ledger.token_ttl", "2m")

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.timeout", "60s")
	v.SetDefault("storage.dir", "$HOME/.digitalvault/objects")
	v.SetDefault("storage.pinata.api_url", "https://api.pinata.cloud")
	v.SetDefault("storage.pinata.gateways", []string{
		"https://gateway.pinata.cloud/ipfs/",
		"https://ipfs.io/ipfs/",
		"https://cloudflare-ipfs.com/ipfs/",
	})

	v.SetDefault("signer.type", "file")
	v.SetDefault("signer.key_file", "$HOME/.digitalvault/identity.pem")
	v.SetDefault("signer.confirm", false)
	v.SetDefault("signer.timeout", "60s")
	v.SetDefault("signer.aws.key_field", "private_key")

	v.SetDefault("location.type", "none")
	v.SetDefault("location.accuracy_meters", 10.0)
	v.SetDefault("location.timeout", "15s")
	v.SetDefault("location.max_age", "60s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "digitalvault")
	v.SetDefault("database.user", "digitalvault")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "ledger.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.connect_retries", 5)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "digitalvault:capsules:")

	v.SetDefault("policy.engine", "native")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_min", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.cors.enabled", true)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"Authorization", "Content-Type"})
	v.SetDefault("security.cors.max_age", "12h")

	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.address", ":9090")
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
		if !fileExists(cfg.Server.TLS.CertFile) {
			return fmt.Errorf("TLS certificate file not found: %s", cfg.Server.TLS.CertFile)
		}
		if !fileExists(cfg.Server.TLS.KeyFile) {
			return fmt.Errorf("TLS key file not found: %s", cfg.Server.TLS.KeyFile)
		}
	}

	if cfg.Crypto.KDFIterations < MinKDFIterations {
		return fmt.Errorf("crypto.kdf_iterations must be at least %d", MinKDFIterations)
	}
	if cfg.Crypto.Salt == "" || cfg.Crypto.Challenge == "" {
		return fmt.Errorf("crypto.salt and crypto.challenge are required")
	}

	switch strings.ToLower(cfg.Storage.Type) {
	case "memory":
	case "file":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for file storage")
		}
	case "pinata":
		if cfg.Storage.Pinata.JWT == "" && (cfg.Storage.Pinata.APIKey == "" || cfg.Storage.Pinata.APISecret == "") {
			return fmt.Errorf("storage.pinata requires jwt or api_key and api_secret")
		}
		if len(cfg.Storage.Pinata.Gateways) == 0 {
			return fmt.Errorf("storage.pinata.gateways must not be empty")
		}
	default:
		return fmt.Errorf("unsupported storage.type %q", cfg.Storage.Type)
	}

	switch strings.ToLower(cfg.Signer.Type) {
	case "file":
		if cfg.Signer.KeyFile == "" {
			return fmt.Errorf("signer.key_file is required for file signer")
		}
	case "aws":
		if cfg.Signer.AWS.SecretID == "" {
			return fmt.Errorf("signer.aws.secret_id is required for aws signer")
		}
	default:
		return fmt.Errorf("unsupported signer.type %q", cfg.Signer.Type)
	}

	switch strings.ToLower(cfg.Location.Type) {
	case "", "none":
	case "static":
		if cfg.Location.Latitude < -90 || cfg.Location.Latitude > 90 {
			return fmt.Errorf("location.latitude must be between -90 and 90")
		}
		if cfg.Location.Longitude < -180 || cfg.Location.Longitude > 180 {
			return fmt.Errorf("location.longitude must be between -180 and 180")
		}
	case "file":
		if cfg.Location.FixFile == "" {
			return fmt.Errorf("location.fix_file is required for file location provider")
		}
	default:
		return fmt.Errorf("unsupported location.type %q", cfg.Location.Type)
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.Database == "" {
			return fmt.Errorf("database.host and database.database are required for postgres")
		}
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}

	switch strings.ToLower(cfg.Cache.Type) {
	case "", "none", "memory":
	case "redis":
		if cfg.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache.type %q", cfg.Cache.Type)
	}

	switch strings.ToLower(cfg.Policy.Engine) {
	case "native", "rego":
	default:
		return fmt.Errorf("unsupported policy.engine %q", cfg.Policy.Engine)
	}

	for name, d := range map[string]time.Duration{
		"ledger.timeout":   cfg.Ledger.Timeout,
		"storage.timeout":  cfg.Storage.Timeout,
		"signer.timeout":   cfg.Signer.Timeout,
		"location.timeout": cfg.Location.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// GetDatabaseURL returns the DSN for the configured driver
func (c *Config) GetDatabaseURL() string {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.Database.User,
			c.Database.Password,
			c.Database.Host,
			c.Database.Port,
			c.Database.Database,
			c.Database.SSLMode,
		)
	case "sqlite":
		return os.ExpandEnv(c.Database.Path)
	default:
		return ""
	}
}

// StorageDir returns the file store directory with environment variables expanded
func (c *Config) StorageDir() string {
	return os.ExpandEnv(c.Storage.Dir)
}

// SignerKeyFile returns the signer key path with environment variables expanded
func (c *Config) SignerKeyFile() string {
	return os.ExpandEnv(c.Signer.KeyFile)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Service.Environment == "development" || c.Service.Environment == "dev"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production" || c.Service.Environment == "prod"
}

// MaskSensitive returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitive() *Config {
	masked := *c
	masked.Database.Password = "***"
	masked.Cache.Redis.Password = "***"
	masked.Ledger.JWTSecret = "***"
	masked.Storage.Pinata.JWT = "***"
	masked.Storage.Pinata.APISecret = "***"
	return &masked
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	expandedPath := os.ExpandEnv(path)
	if !filepath.IsAbs(expandedPath) {
		return false
	}
	_, err := os.Stat(expandedPath)
	return err == nil
}

// applyFeatureFlags applies build-time feature flags to override configuration
func applyFeatureFlags(cfg *Config) {
	if !features.ShouldEnableMetrics() {
		cfg.Observability.Metrics.Enabled = false
	}

	if !features.ShouldEnableObservability() {
		cfg.Observability.Tracing.Enabled = false
	}

	if features.ShouldUseShortTimeouts() {
		cfg.Server.ReadTimeout = 5 * time.Second
		cfg.Server.WriteTimeout = 5 * time.Second
		cfg.Server.IdleTimeout = 30 * time.Second
		cfg.Server.GracefulStop = 5 * time.Second

		cfg.Ledger.Timeout = 5 * time.Second
		cfg.Storage.Timeout = 10 * time.Second
		cfg.Signer.Timeout = 10 * time.Second
		cfg.Location.Timeout = 5 * time.Second
	}

	if features.ShouldEnableRateLimiting() {
		cfg.Security.RateLimiting.Enabled = true
	}

	if features.ShouldUseRegoPolicy() {
		cfg.Policy.Engine = "rego"
	}

	if !features.ShouldEnableCaching() {
		cfg.Cache.Type = "none"
		cfg.Cache.TTL = 0
		cfg.Cache.Redis.Address = ""
		cfg.Cache.Redis.Password = ""
	}
}
