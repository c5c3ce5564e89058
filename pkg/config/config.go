package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Pointer[Config]
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development"
	configType   = "yaml"

	listenersMu sync.Mutex
	listeners   []func(*Config)
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		Tracing        bool   `mapstructure:"TRACING"`
		Metrics        struct {
			Enable bool   `mapstructure:"ENABLE"`
			Port   uint32 `mapstructure:"PORT"`
		} `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Storefront struct {
		BaseURL       string        `mapstructure:"BASE_URL"`
		AccessToken   string        `mapstructure:"ACCESS_TOKEN"`
		WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`
		APIVersion    string        `mapstructure:"API_VERSION"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"STOREFRONT"`
	Scheduler struct {
		Timezone        string `mapstructure:"TIMEZONE"`
		RankSweep       string `mapstructure:"RANK_SWEEP"`
		MilestoneSweep  string `mapstructure:"MILESTONE_SWEEP"`
		RenewalSweep    string `mapstructure:"RENEWAL_SWEEP"`
		BatchSize       int    `mapstructure:"BATCH_SIZE"`
		EnqueueParallel int    `mapstructure:"ENQUEUE_PARALLEL"`
	} `mapstructure:"SCHEDULER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "referral-ledger")
	config.SetDefault("HTTP_SERVER.ADDR", "8080")
	config.SetDefault("GRPC_SERVER.ADDR", "9090")
	config.SetDefault("DATABASE.TYPE", "postgres")
	config.SetDefault("DATABASE.METRICS.PORT", 9464)
	config.SetDefault("STOREFRONT.API_VERSION", "2024-01")
	config.SetDefault("STOREFRONT.TIMEOUT", 5*time.Second)
	config.SetDefault("SCHEDULER.TIMEZONE", "Asia/Kolkata")
	config.SetDefault("SCHEDULER.RANK_SWEEP", "0 2 * * 1")
	config.SetDefault("SCHEDULER.MILESTONE_SWEEP", "0 1 * * *")
	config.SetDefault("SCHEDULER.RENEWAL_SWEEP", "0 3 1 * *")
	config.SetDefault("SCHEDULER.BATCH_SIZE", 250)
	config.SetDefault("SCHEDULER.ENQUEUE_PARALLEL", 8)
}

func LoadConfig(p Params) *Config {
	// a missing .env is fine; real deployments inject the environment directly
	_ = godotenv.Load()

	setDefaults()
	config.SetConfigName("config")
	config.SetConfigType(configType)
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config file not found, using environment only")
	}

	cfg, err := unmarshal()
	if err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
			os.Exit(1)
		}
	}
	configHolder.Store(cfg)

	config.OnConfigChange(func(e fsnotify.Event) {
		zap.L().Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		reload(p.Vault, cfg)
	})
	if config.ConfigFileUsed() != "" {
		config.WatchConfig()
	}

	return cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	setDefaults()
	config.SetConfigType(configType)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		zap.L().Error("failed to add remote config provider", zap.Error(err))
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	cfg, err := unmarshal()
	if err != nil {
		os.Exit(1)
	}
	if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
		os.Exit(1)
	}
	configHolder.Store(cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}
			reload(p.Vault, cfg)
		}
	}()

	return cfg
}

func unmarshal() (*Config, error) {
	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// reload keeps secrets from the previous snapshot; vault is only read at start.
func reload(v *vault.Client, prev *Config) {
	next, err := unmarshal()
	if err != nil {
		zap.L().Error("failed to unmarshal reloaded config", zap.Error(err))
		return
	}
	if v != nil {
		next.Database.User = prev.Database.User
		next.Database.Password = prev.Database.Password
		next.Redis.Password = prev.Redis.Password
		next.Flagsmith.ApiKey = prev.Flagsmith.ApiKey
		next.Storefront.AccessToken = prev.Storefront.AccessToken
		next.Storefront.WebhookSecret = prev.Storefront.WebhookSecret
	}
	configHolder.Store(next)

	listenersMu.Lock()
	fns := append([]func(*Config){}, listeners...)
	listenersMu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Storefront.AccessToken = get("storefront_access_token", cfg.Storefront.AccessToken)
	cfg.Storefront.WebhookSecret = get("storefront_webhook_secret", cfg.Storefront.WebhookSecret)
	return nil
}

// Current returns the latest loaded snapshot.
func Current() *Config {
	return configHolder.Load()
}

// OnChange registers fn to run after every successful reload of the config source.
func OnChange(fn func(*Config)) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	listeners = append(listeners, fn)
}

// Lookup resolves a flat key such as POINTS_PER_RUPEE from the config file or the environment.
func Lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	if config.IsSet(key) {
		return config.GetString(key), true
	}
	return "", false
}
