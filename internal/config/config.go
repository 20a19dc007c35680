package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Render    RenderConfig
	Registry  RegistryConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Ledger    LedgerConfig
	Engine    EngineConfig
	R2        R2Config
	Storage   StorageConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	// ProxyHeader carries the client address set by the fronting proxy;
	// empty means the peer address is the client
	ProxyHeader string
	// TrustedProxies limits which peers may set ProxyHeader; empty trusts
	// the immediate peer, like a single-hop platform proxy
	TrustedProxies []string
}

// RenderConfig holds the job orchestration knobs.
type RenderConfig struct {
	TempDir        string
	Cost           int
	Retention      time.Duration
	ReaperInterval time.Duration
	PollInterval   time.Duration // advisory only, reported to clients
	RenderTimeout  time.Duration // 0 disables the ceiling
	UploadTimeout  time.Duration // 0 disables the ceiling
	MaxConcurrent  int
	DispatchMode   string // "local" or "asynq"
}

type RegistryConfig struct {
	Driver string // "memory" or "redis"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
	// JWKSURL skips discovery when set
	JWKSURL string
}

type LedgerConfig struct {
	Driver             string // "supabase", "postgres" or "redis"
	SupabaseURL        string
	SupabaseServiceKey string
	DatabaseURL        string
	Timeout            int // seconds
}

type EngineConfig struct {
	URL     string
	Timeout int // seconds, 0 means no client timeout
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	// Endpoint overrides the account endpoint for other S3-compatible stores
	Endpoint string
}

type StorageConfig struct {
	LocalRoot string
	PublicURL string
}

type RateLimitConfig struct {
	RenderPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("SUPABASE_SERVICE_ROLE_KEY")
	readSecret("DATABASE_URL")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.proxy_header", "PROXY_HEADER")
	_ = v.BindEnv("server.trusted_proxies", "TRUSTED_PROXIES")
	_ = v.BindEnv("render.temp_dir", "TEMP_DIR")
	_ = v.BindEnv("render.cost", "RENDER_COST")
	_ = v.BindEnv("render.retention", "RETENTION")
	_ = v.BindEnv("render.reaper_interval", "REAPER_INTERVAL")
	_ = v.BindEnv("render.poll_interval", "POLL_INTERVAL")
	_ = v.BindEnv("render.render_timeout", "RENDER_TIMEOUT")
	_ = v.BindEnv("render.upload_timeout", "UPLOAD_TIMEOUT")
	_ = v.BindEnv("render.max_concurrent", "MAX_CONCURRENT_RENDERS")
	_ = v.BindEnv("render.dispatch_mode", "DISPATCH_MODE")
	_ = v.BindEnv("registry.driver", "REGISTRY_DRIVER")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("oidc.jwks_url", "OIDC_JWKS_URL")
	_ = v.BindEnv("ledger.driver", "LEDGER_DRIVER")
	_ = v.BindEnv("ledger.supabase_url", "SUPABASE_URL")
	_ = v.BindEnv("ledger.supabase_service_key", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("ledger.database_url", "DATABASE_URL")
	_ = v.BindEnv("ledger.timeout", "LEDGER_TIMEOUT")
	_ = v.BindEnv("engine.url", "ENGINE_URL")
	_ = v.BindEnv("engine.timeout", "ENGINE_TIMEOUT")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("storage.local_root", "STORAGE_LOCAL_ROOT")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")

	// Defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.proxy_header", "X-Forwarded-For")
	v.SetDefault("render.temp_dir", filepath.Join(os.TempDir(), "magistory-render"))
	v.SetDefault("render.cost", 5)
	v.SetDefault("render.retention", 30*time.Minute)
	v.SetDefault("render.reaper_interval", 30*time.Minute)
	v.SetDefault("render.poll_interval", 3*time.Second)
	v.SetDefault("render.render_timeout", time.Duration(0))
	v.SetDefault("render.upload_timeout", time.Duration(0))
	v.SetDefault("render.max_concurrent", 4)
	v.SetDefault("render.dispatch_mode", "local")
	v.SetDefault("registry.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ledger.driver", "supabase")
	v.SetDefault("ledger.timeout", 10)
	v.SetDefault("engine.timeout", 0)
	v.SetDefault("storage.local_root", "./data/public")
	v.SetDefault("storage.public_url", "http://localhost:8080/files")
	v.SetDefault("ratelimit.render_per_hour", 30)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			Env:            v.GetString("server.env"),
			LogLevel:       v.GetString("server.log_level"),
			LogFormat:      v.GetString("server.log_format"),
			ProxyHeader:    v.GetString("server.proxy_header"),
			TrustedProxies: splitList(v.GetString("server.trusted_proxies")),
		},
		Render: RenderConfig{
			TempDir:        v.GetString("render.temp_dir"),
			Cost:           v.GetInt("render.cost"),
			Retention:      v.GetDuration("render.retention"),
			ReaperInterval: v.GetDuration("render.reaper_interval"),
			PollInterval:   v.GetDuration("render.poll_interval"),
			RenderTimeout:  v.GetDuration("render.render_timeout"),
			UploadTimeout:  v.GetDuration("render.upload_timeout"),
			MaxConcurrent:  v.GetInt("render.max_concurrent"),
			DispatchMode:   strings.ToLower(v.GetString("render.dispatch_mode")),
		},
		Registry: RegistryConfig{
			Driver: strings.ToLower(v.GetString("registry.driver")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
			JWKSURL:  v.GetString("oidc.jwks_url"),
		},
		Ledger: LedgerConfig{
			Driver:             strings.ToLower(v.GetString("ledger.driver")),
			SupabaseURL:        strings.TrimRight(v.GetString("ledger.supabase_url"), "/"),
			SupabaseServiceKey: v.GetString("ledger.supabase_service_key"),
			DatabaseURL:        v.GetString("ledger.database_url"),
			Timeout:            v.GetInt("ledger.timeout"),
		},
		Engine: EngineConfig{
			URL:     strings.TrimRight(v.GetString("engine.url"), "/"),
			Timeout: v.GetInt("engine.timeout"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        strings.TrimRight(v.GetString("r2.endpoint"), "/"),
		},
		Storage: StorageConfig{
			LocalRoot: v.GetString("storage.local_root"),
			PublicURL: strings.TrimRight(v.GetString("storage.public_url"), "/"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
		},
	}

	if cfg.Render.MaxConcurrent <= 0 {
		cfg.Render.MaxConcurrent = 1
	}

	return cfg, nil
}

// splitList parses a comma separated env value, dropping blanks
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
