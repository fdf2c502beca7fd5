package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	OAuth     OAuthSettings     `mapstructure:"oauth"`
	Resolver  ResolverSettings  `mapstructure:"resolver"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name        string   `mapstructure:"name"`
	Env         string   `mapstructure:"env"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and the key prefixes the nonce
// cache and refresh queue live under.
type RedisSettings struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	DB          int    `mapstructure:"db"`
	Password    string `mapstructure:"password"`
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	NoncePrefix string `mapstructure:"nonce_prefix"`
	QueuePrefix string `mapstructure:"queue_prefix"`
}

// KafkaSettings configures the Kafka producer.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// OAuthSettings configures the client identity and session lifetimes.
type OAuthSettings struct {
	// ClientID is the public URL of the client metadata document.
	ClientID string `mapstructure:"client_id"`
	// RedirectURI is the callback the authorization server sends users to.
	RedirectURI string `mapstructure:"redirect_uri"`
	// SigningKeyJWK is the private client-assertion key as a JSON JWK. Empty
	// means an ephemeral key is generated at startup.
	SigningKeyJWK string `mapstructure:"signing_key_jwk"`
	// RequestTTL bounds how long a pushed authorization awaits its callback.
	RequestTTL time.Duration `mapstructure:"request_ttl"`
	// SessionCeiling is the hard session lifetime cap.
	SessionCeiling time.Duration `mapstructure:"session_ceiling"`
	// RefreshBatch caps how many due sessions one worker pass refreshes.
	RefreshBatch int64 `mapstructure:"refresh_batch"`
	// RefreshInterval is the worker's polling cadence.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// ResolverSettings configures identity resolution.
type ResolverSettings struct {
	// PLCHost is the DID PLC directory endpoint.
	PLCHost string `mapstructure:"plc_host"`
	// IdentityMaxAge bounds how old a cached identity may be before a network
	// refresh is attempted.
	IdentityMaxAge time.Duration `mapstructure:"identity_max_age"`
	// HTTPTimeout bounds each outbound resolution or record fetch.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type TelemetrySettings struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	ServiceName string `mapstructure:"service_name"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("BEACON")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.cors_origins",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.nonce_prefix",
		"redis.queue_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"oauth.client_id",
		"oauth.redirect_uri",
		"oauth.signing_key_jwk",
		"oauth.request_ttl",
		"oauth.session_ceiling",
		"oauth.refresh_batch",
		"oauth.refresh_interval",
		"resolver.plc_host",
		"resolver.identity_max_age",
		"resolver.http_timeout",
		"telemetry.metrics_port",
		"telemetry.service_name",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "beacon")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.cors_origins", []string{"*"})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "beacon")
	v.SetDefault("postgres.password", "beacon_password")
	v.SetDefault("postgres.database", "beacon")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.nonce_prefix", "beacon:dpop_nonce")
	v.SetDefault("redis.queue_prefix", "beacon:refresh")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "beacon")
	v.SetDefault("kafka.async", true)

	v.SetDefault("oauth.client_id", "http://localhost:8080/oauth/client-metadata.json")
	v.SetDefault("oauth.redirect_uri", "http://localhost:8080/oauth/callback")
	v.SetDefault("oauth.signing_key_jwk", "")
	v.SetDefault("oauth.request_ttl", "10m")
	v.SetDefault("oauth.session_ceiling", "24h")
	v.SetDefault("oauth.refresh_batch", 25)
	v.SetDefault("oauth.refresh_interval", "30s")

	v.SetDefault("resolver.plc_host", "https://plc.directory")
	v.SetDefault("resolver.identity_max_age", "24h")
	v.SetDefault("resolver.http_timeout", "10s")

	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.service_name", "beacon")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "BEACON_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
