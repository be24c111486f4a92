package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with PAGECRAFT_CONFIG.
var ConfigPath = configPathFromEnv("services/payment/config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	LogLevel                   string   `yaml:"logLevel"`
	DatabaseURL                string   `yaml:"databaseURL"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	AuthJWKSURL                string   `yaml:"authJwksUrl"`
	JWTIssuer                  string   `yaml:"jwtIssuer"`
	JWTAudience                string   `yaml:"jwtAudience"`
	JWTLeeway                  string   `yaml:"jwtLeeway"`
	PayuMerchantKey            string   `yaml:"payuMerchantKey"`
	PayuMerchantSalt           string   `yaml:"payuMerchantSalt"`
	PayuURL                    string   `yaml:"payuUrl"`
	CallbackURL                string   `yaml:"callbackUrl"`
	AppBaseURL                 string   `yaml:"appBaseUrl"`
	DefaultPayerEmail          string   `yaml:"defaultPayerEmail"`
	InitiateRateLimitPerMinute int      `yaml:"initiateRateLimitPerMinute"`
	TrustedProxies             []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("PAYU_MERCHANT_KEY"); v != "" {
		cfg.PayuMerchantKey = v
	}
	if v := os.Getenv("PAYU_MERCHANT_SALT"); v != "" {
		cfg.PayuMerchantSalt = v
	}
	if v := os.Getenv("PAYU_URL"); v != "" {
		cfg.PayuURL = v
	}
	if v := os.Getenv("PAYMENT_CALLBACK_URL"); v != "" {
		cfg.CallbackURL = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		cfg.AppBaseURL = v
	}
	if v := os.Getenv("PAYMENT_INITIATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InitiateRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if cfg.PayuURL == "" {
		cfg.PayuURL = "https://test.payu.in/_payment"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksUrl is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.PayuMerchantKey) == "" || strings.TrimSpace(cfg.PayuMerchantSalt) == "" {
		return errors.New("config: payuMerchantKey and payuMerchantSalt are required (set PAYU_MERCHANT_KEY and PAYU_MERCHANT_SALT)")
	}
	for name, raw := range map[string]string{"callbackUrl": cfg.CallbackURL, "appBaseUrl": cfg.AppBaseURL, "payuUrl": cfg.PayuURL} {
		if err := requireAbsoluteURL(name, raw); err != nil {
			return err
		}
	}
	if cfg.InitiateRateLimitPerMinute < 0 {
		return errors.New("config: initiateRateLimitPerMinute must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

func requireAbsoluteURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("config: %s is required (set in config.yaml)", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", name)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func configPathFromEnv(fallback string) string {
	if v := strings.TrimSpace(os.Getenv("PAGECRAFT_CONFIG")); v != "" {
		return v
	}
	return fallback
}
