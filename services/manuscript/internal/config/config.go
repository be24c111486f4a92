package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with PAGECRAFT_CONFIG.
var ConfigPath = configPathFromEnv("services/manuscript/config.yaml")

const (
	defaultAIProvider     = "openai-compat"
	defaultAIBaseURL      = "https://openrouter.ai/api/v1"
	defaultAIModel        = "google/gemini-2.5-flash"
	defaultExtractTimeout = "5m"
	defaultMaxUploadBytes = 50 << 20
	defaultQueueWorkers   = 1
	defaultQueueRetries   = 1
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	DatabaseURL       string   `yaml:"databaseURL"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	AuthJWKSURL       string   `yaml:"authJwksUrl"`
	JWTIssuer         string   `yaml:"jwtIssuer"`
	JWTAudience       string   `yaml:"jwtAudience"`
	JWTLeeway         string   `yaml:"jwtLeeway"`
	MinioEndpoint     string   `yaml:"minioEndpoint"`
	MinioAccessKey    string   `yaml:"minioAccessKey"`
	MinioSecretKey    string   `yaml:"minioSecretKey"`
	MinioBucket       string   `yaml:"minioBucket"`
	MinioUseSSL       bool     `yaml:"minioUseSSL"`
	AIProvider        string   `yaml:"aiProvider"`
	AIBaseURL         string   `yaml:"aiBaseUrl"`
	AIAPIKey          string   `yaml:"aiApiKey"`
	AIModel           string   `yaml:"aiModel"`
	ExtractTimeout    string   `yaml:"extractTimeout"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
	QueueConcurrency  int      `yaml:"queueConcurrency"`
	QueueMaxRetries   int      `yaml:"queueMaxRetries"`
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
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.AIProvider = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AIBaseURL = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("SEGMENT_EXTRACT_TIMEOUT"); v != "" {
		cfg.ExtractTimeout = v
	}
	if v := os.Getenv("SEGMENT_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.AIProvider == "" {
		cfg.AIProvider = defaultAIProvider
	}
	if cfg.AIBaseURL == "" && cfg.AIProvider != "gemini" {
		cfg.AIBaseURL = defaultAIBaseURL
	}
	if cfg.AIModel == "" {
		cfg.AIModel = defaultAIModel
	}
	if cfg.ExtractTimeout == "" {
		cfg.ExtractTimeout = defaultExtractTimeout
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf"}
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = defaultQueueWorkers
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = defaultQueueRetries
	}
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
	if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required")
	}
	if strings.TrimSpace(cfg.AIAPIKey) == "" {
		return errors.New("config: aiApiKey is required (set AI_API_KEY)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AIProvider)) {
	case "gemini", "openai-compat", "openai", "openrouter":
	default:
		return fmt.Errorf("config: unsupported aiProvider %q", cfg.AIProvider)
	}
	if _, err := ParseExtractTimeout(cfg.ExtractTimeout); err != nil {
		return err
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueConcurrency and queueMaxRetries must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseExtractTimeout parses the extraction timeout duration string.
func ParseExtractTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		raw = defaultExtractTimeout
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid extractTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: extractTimeout must be positive")
	}
	return dur, nil
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
