package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	BlobMemory = "memory"
	BlobMinio  = "minio"

	NotifyLog   = "log"
	NotifyRedis = "redis"

	AuthzCasbin = "casbin"
	AuthzRego   = "rego"
)

const (
	defaultConfigPath     = "config/app.yaml"
	defaultRulesPath      = "config/rules/filing_rules.yaml"
	defaultAuthzModelPath = "config/authz/model.conf"
	defaultAuthzPolicy    = "config/authz/policy.csv"
	defaultAuthzRegoPath  = "config/authz/filing.rego"
)

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Authz      AuthzConfig      `mapstructure:"authz"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Log        LogConfig        `mapstructure:"log"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	DatabaseURL string `mapstructure:"database_url"`
}

type BlobConfig struct {
	Backend         string `mapstructure:"backend"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	RetentionMode   string `mapstructure:"retention_mode"`
}

type NotifyConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type AuthzConfig struct {
	Backend             string `mapstructure:"backend"`
	Mode                string `mapstructure:"mode"`
	UnsafeAllowDisabled bool   `mapstructure:"unsafe_allow_disabled"`
	ModelPath           string `mapstructure:"model_path"`
	PolicyPath          string `mapstructure:"policy_path"`
	RegoPath            string `mapstructure:"rego_path"`
}

type RulesConfig struct {
	Path string `mapstructure:"path"`
}

type RetentionConfig struct {
	Years int `mapstructure:"years"`
}

type BatchConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	ConflictRetries uint64        `mapstructure:"conflict_retries"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ComplianceConfig struct {
	Jurisdictions []JurisdictionConfig `mapstructure:"jurisdictions"`
}

type JurisdictionConfig struct {
	Code        string  `mapstructure:"code"`
	CapRatio    float64 `mapstructure:"cap_ratio"`
	WindowYears int     `mapstructure:"window_years"`
}

// envBindings maps config keys onto the environment variables that override them.
var envBindings = map[string][]string{
	"http.addr":                   {"HTTP_ADDR"},
	"store.backend":               {"STORE_BACKEND"},
	"store.database_url":          {"DATABASE_URL"},
	"blob.backend":                {"BLOB_BACKEND"},
	"blob.endpoint":               {"MINIO_ENDPOINT"},
	"blob.access_key_id":          {"MINIO_ACCESS_KEY"},
	"blob.secret_access_key":      {"MINIO_SECRET_KEY"},
	"blob.bucket":                 {"MINIO_BUCKET"},
	"blob.region":                 {"MINIO_REGION"},
	"blob.use_ssl":                {"MINIO_USE_SSL"},
	"blob.retention_mode":         {"MINIO_RETENTION_MODE"},
	"notify.backend":              {"NOTIFY_BACKEND"},
	"notify.redis_addr":           {"REDIS_ADDR"},
	"notify.redis_password":       {"REDIS_PASSWORD"},
	"notify.redis_db":             {"REDIS_DB"},
	"notify.channel_prefix":       {"NOTIFY_CHANNEL_PREFIX"},
	"authz.backend":               {"AUTHZ_BACKEND"},
	"authz.mode":                  {"AUTHZ_MODE"},
	"authz.unsafe_allow_disabled": {"AUTHZ_UNSAFE_ALLOW_DISABLED"},
	"authz.model_path":            {"AUTHZ_MODEL_PATH"},
	"authz.policy_path":           {"AUTHZ_POLICY_PATH"},
	"authz.rego_path":             {"AUTHZ_REGO_PATH"},
	"rules.path":                  {"RULES_PATH"},
	"retention.years":             {"RETENTION_YEARS"},
	"batch.concurrency":           {"BATCH_CONCURRENCY"},
	"batch.conflict_retries":      {"BATCH_CONFLICT_RETRIES"},
	"batch.retry_base":            {"BATCH_RETRY_BASE"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("blob.backend", BlobMemory)
	v.SetDefault("blob.bucket", "filing-archive")
	v.SetDefault("blob.retention_mode", "GOVERNANCE")
	v.SetDefault("notify.backend", NotifyLog)
	v.SetDefault("notify.redis_addr", "127.0.0.1:6379")
	v.SetDefault("notify.channel_prefix", "property-ledger:")
	v.SetDefault("authz.backend", AuthzCasbin)
	v.SetDefault("authz.mode", "enforce")
	v.SetDefault("retention.years", 10)
	v.SetDefault("batch.concurrency", 8)
	v.SetDefault("batch.conflict_retries", 3)
	v.SetDefault("batch.retry_base", "10ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads CONFIG_PATH (or config/app.yaml found from the working
// directory upward) and applies environment overrides. A missing default
// file is not an error; a missing explicit CONFIG_PATH is.
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	explicit := path != ""
	if !explicit {
		if p, err := findUpward(defaultConfigPath); err == nil {
			path = p
		}
	}
	if explicit {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file; an empty path means defaults and
// environment only.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	normalize(&cfg)
	if cfg.Store.Backend == StorePostgres && cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = dbDSNFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Blob.Backend = strings.ToLower(strings.TrimSpace(cfg.Blob.Backend))
	cfg.Notify.Backend = strings.ToLower(strings.TrimSpace(cfg.Notify.Backend))
	cfg.Authz.Backend = strings.ToLower(strings.TrimSpace(cfg.Authz.Backend))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unsupported %q", c.Store.Backend))
	}
	switch c.Blob.Backend {
	case BlobMemory:
	case BlobMinio:
		if c.Blob.Endpoint == "" {
			errs = append(errs, errors.New("blob.endpoint is required for minio"))
		}
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend: unsupported %q", c.Blob.Backend))
	}
	switch c.Notify.Backend {
	case NotifyLog, NotifyRedis:
	default:
		errs = append(errs, fmt.Errorf("notify.backend: unsupported %q", c.Notify.Backend))
	}
	switch c.Authz.Backend {
	case AuthzCasbin, AuthzRego:
	default:
		errs = append(errs, fmt.Errorf("authz.backend: unsupported %q", c.Authz.Backend))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q", c.Log.Format))
	}
	if c.Retention.Years <= 0 {
		errs = append(errs, errors.New("retention.years must be positive"))
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, errors.New("batch.concurrency must be positive"))
	}
	for i, j := range c.Compliance.Jurisdictions {
		if strings.TrimSpace(j.Code) == "" {
			errs = append(errs, fmt.Errorf("compliance.jurisdictions[%d].code is required", i))
		}
		if j.CapRatio < 0 {
			errs = append(errs, fmt.Errorf("compliance.jurisdictions[%d].cap_ratio must be non-negative", i))
		}
	}
	return errors.Join(errs...)
}

func (c AuthzConfig) ResolveModelPath() (string, error) {
	return resolvePath(c.ModelPath, defaultAuthzModelPath)
}

func (c AuthzConfig) ResolvePolicyPath() (string, error) {
	return resolvePath(c.PolicyPath, defaultAuthzPolicy)
}

func (c AuthzConfig) ResolveRegoPath() (string, error) {
	return resolvePath(c.RegoPath, defaultAuthzRegoPath)
}

func (c RulesConfig) ResolvePath() (string, error) {
	return resolvePath(c.Path, defaultRulesPath)
}

func resolvePath(configured string, def string) (string, error) {
	if p := strings.TrimSpace(configured); p != "" {
		return p, nil
	}
	return findUpward(def)
}

func findUpward(path string) (string, error) {
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", fmt.Errorf("config: %s not found", filepath.Base(path))
}
