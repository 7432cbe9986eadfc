package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marking-backend/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port                  string
	Env                   string
	CORSAllowOrigin       []string
	DatabaseURL           string
	MappingDatabaseURL    string
	ObjectStoreType       string
	LocalStoreDir         string
	AWSRegion             string
	S3Bucket              string
	S3Prefix              string
	SSEKMSKeyID           string
	MappingKey            string
	MappingPassphrase     string
	MappingKDFSalt        string
	RubricsFile           string
	WorkerCommand         string
	WorkerArgs            []string
	WorkerReuse           bool
	AnalysisTimeout       time.Duration
	MaxConcurrentAnalyses int
	AnalysisQueueSize     int
	SnapshotInterval      int
	MaxContentBytes       int
	RedactContent         bool
	LogLevel              string
	LogPretty             bool
	AMQPURL               string
	AMQPExchange          string
	AMQPRoutingKey        string
}

// Load reads configuration from environment variables, an optional config.yaml
// and local .env files, with sensible defaults.
func Load() Config {
	v := viper.New()
	setDefaults(v)

	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			telemetry.Warn("config.read_failed", map[string]any{"error": err.Error()})
		}
	}
	v.AutomaticEnv()

	cfg, err := fromViper(v)
	if err != nil {
		telemetry.Warn("config.invalid_value", map[string]any{"error": err.Error()})
	}
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		telemetry.Warn("config.missing_database_url", map[string]any{"env": cfg.Env})
	}
	return cfg
}

func fromViper(v *viper.Viper) (Config, error) {
	timeout, err := time.ParseDuration(strings.TrimSpace(v.GetString("ANALYSIS_TIMEOUT")))
	if err != nil || timeout <= 0 {
		timeout = 60 * time.Second
		err = fmt.Errorf("invalid ANALYSIS_TIMEOUT, using %s", timeout)
	}

	return Config{
		Port:                  v.GetString("PORT"),
		Env:                   normalizeEnv(v.GetString("ENV")),
		CORSAllowOrigin:       splitAndTrim(v.GetString("CORS_ALLOW_ORIGINS")),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		MappingDatabaseURL:    strings.TrimSpace(v.GetString("MAPPING_DATABASE_URL")),
		ObjectStoreType:       normalizeStoreType(v.GetString("OBJECT_STORE")),
		LocalStoreDir:         v.GetString("LOCAL_STORE_DIR"),
		AWSRegion:             v.GetString("AWS_REGION"),
		S3Bucket:              v.GetString("S3_BUCKET"),
		S3Prefix:              v.GetString("S3_PREFIX"),
		SSEKMSKeyID:           v.GetString("SSE_KMS_KEY_ID"),
		MappingKey:            strings.TrimSpace(v.GetString("MAPPING_KEY")),
		MappingPassphrase:     v.GetString("MAPPING_PASSPHRASE"),
		MappingKDFSalt:        v.GetString("MAPPING_KDF_SALT"),
		RubricsFile:           strings.TrimSpace(v.GetString("RUBRICS_FILE")),
		WorkerCommand:         strings.TrimSpace(v.GetString("WORKER_COMMAND")),
		WorkerArgs:            strings.Fields(v.GetString("WORKER_ARGS")),
		WorkerReuse:           v.GetBool("WORKER_REUSE"),
		AnalysisTimeout:       timeout,
		MaxConcurrentAnalyses: positive(v.GetInt("MAX_CONCURRENT_ANALYSES"), 2),
		AnalysisQueueSize:     positive(v.GetInt("ANALYSIS_QUEUE_SIZE"), 64),
		SnapshotInterval:      positive(v.GetInt("SNAPSHOT_INTERVAL"), 50),
		MaxContentBytes:       positive(v.GetInt("MAX_CONTENT_BYTES"), 100*1024),
		RedactContent:         v.GetBool("REDACT_CONTENT"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogPretty:             v.GetBool("LOG_PRETTY"),
		AMQPURL:               strings.TrimSpace(v.GetString("AMQP_URL")),
		AMQPExchange:          v.GetString("AMQP_EXCHANGE"),
		AMQPRoutingKey:        v.GetString("AMQP_ROUTING_KEY"),
	}, err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "dev")
	v.SetDefault("CORS_ALLOW_ORIGINS", "http://localhost:5173")
	v.SetDefault("OBJECT_STORE", "local")
	v.SetDefault("LOCAL_STORE_DIR", "./data")
	v.SetDefault("WORKER_COMMAND", "analysis-worker")
	v.SetDefault("WORKER_REUSE", true)
	v.SetDefault("ANALYSIS_TIMEOUT", "60s")
	v.SetDefault("MAX_CONCURRENT_ANALYSES", 2)
	v.SetDefault("ANALYSIS_QUEUE_SIZE", 64)
	v.SetDefault("SNAPSHOT_INTERVAL", 50)
	v.SetDefault("MAX_CONTENT_BYTES", 100*1024)
	v.SetDefault("REDACT_CONTENT", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("AMQP_EXCHANGE", "marking")
	v.SetDefault("AMQP_ROUTING_KEY", "document.status")
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
