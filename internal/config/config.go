package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// APIURL is the coordination server's HTTP base, used by clients.
	APIURL string `mapstructure:"api_url"`

	CORS        CORSConfig        `mapstructure:"cors"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Signal      SignalConfig      `mapstructure:"signal"`
	Health      HealthConfig      `mapstructure:"health"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
	ICE         ICEConfig         `mapstructure:"ice"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	// AllowAnonymous accepts signaling connections that carry no token.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type RelayConfig struct {
	URL         string        `mapstructure:"url"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type SignalConfig struct {
	URL        string        `mapstructure:"url"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type HealthConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type EntitlementConfig struct {
	WebhookSecret string        `mapstructure:"webhook_secret"`
	TTL           time.Duration `mapstructure:"ttl"`
	SourceURL     string        `mapstructure:"source_url"`
}

type ICEConfig struct {
	STUNURLs []string `mapstructure:"stun_urls"`
}

var ErrNoTokenSecret = errors.New("auth.token_secret is required unless auth.allow_anonymous is set")

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("api_url", "http://localhost:8080")

	// Secrets get empty defaults so AutomaticEnv can see them on Unmarshal.
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("relay.url", "ws://localhost:8080/api/ws/relay")
	v.SetDefault("relay.token_secret", "")
	v.SetDefault("relay.token_ttl", "6h")

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.base_delay", "2s")
	v.SetDefault("signal.max_delay", "30s")
	v.SetDefault("signal.heartbeat", "25s")
	v.SetDefault("signal.ack_timeout", "10s")

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.timeout", "5s")
	v.SetDefault("health.max_retries", 3)

	v.SetDefault("entitlement.webhook_secret", "")
	v.SetDefault("entitlement.ttl", "24h")
	v.SetDefault("entitlement.source_url", "")
	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302"})
}

// Flags registers the command-line overrides shared by every binary.
func Flags(fs *pflag.FlagSet) {
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("mode", "release", "gin mode: debug or release")
	fs.String("redis-url", "", "entitlement cache redis url")
	fs.String("signal-url", "", "coordination server websocket url")
	fs.Bool("allow-anonymous", false, "accept signaling connections without a token")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	binds := map[string]string{
		"port":                 "port",
		"mode":                 "mode",
		"redis.url":            "redis-url",
		"signal.url":           "signal-url",
		"auth.allow_anonymous": "allow-anonymous",
	}
	for key, flag := range binds {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults, then
// QV_* environment variables (QV_REDIS_URL for redis.url) and finally any
// flags set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := load(fs)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient is Load without the server-only secret checks.
func LoadClient(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := load(fs)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("QV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Bool("allow_anonymous", cfg.Auth.AllowAnonymous).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" && !c.Auth.AllowAnonymous {
		return ErrNoTokenSecret
	}
	return c.validateClient()
}

func (c *Config) validateClient() error {
	if c.Health.MaxRetries < 1 {
		return fmt.Errorf("health.max_retries must be >= 1, got %d", c.Health.MaxRetries)
	}
	if c.Signal.BaseDelay <= 0 || c.Signal.MaxDelay < c.Signal.BaseDelay {
		return fmt.Errorf("signal delays invalid: base=%s max=%s", c.Signal.BaseDelay, c.Signal.MaxDelay)
	}
	return nil
}
