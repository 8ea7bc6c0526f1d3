package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

// Config is the full process configuration. Values come from defaults, then an
// optional YAML file (VERIFACTU_CONFIG_FILE), then VERIFACTU_* environment
// variables.
type Config struct {
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	Redis       RedisConfig `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	ObjectStore ObjectStore `yaml:"object_store"`
	Vault       Vault       `yaml:"vault"`
	Authority   Authority   `yaml:"authority"`
	Software    Software    `yaml:"software"`
	Chain       Chain       `yaml:"chain"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr        string `yaml:"addr"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Database is optional; an empty URL selects the in-memory stores.
type Database struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig is optional; an empty URL selects the in-process chain lock.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Kafka is optional; no brokers disables the audit event stream.
type Kafka struct {
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"audit_topic"`
}

// ObjectStore is optional; an empty endpoint disables the raw payload archive.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type Vault struct {
	MasterSecret           string `yaml:"-"`
	Iterations             int    `yaml:"iterations"`
	AllowInsecureDevSecret bool   `yaml:"allow_insecure_dev_secret"`
}

type Authority struct {
	// SubmitURL overrides the fixed endpoint for the selected environment.
	SubmitURL        string        `yaml:"submit_url"`
	Timeout          time.Duration `yaml:"timeout"`
	CAFile           string        `yaml:"ca_file"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Software identifies the invoicing system in every record
// (SistemaInformatico block).
type Software struct {
	ProducerName       string `yaml:"producer_name"`
	ProducerNIF        string `yaml:"producer_nif"`
	SystemName         string `yaml:"system_name"`
	SystemID           string `yaml:"system_id"`
	Version            string `yaml:"version"`
	InstallationNumber string `yaml:"installation_number"`
}

type Chain struct {
	LegalTimezone string        `yaml:"legal_timezone"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	// SingleProcess declares that one process owns the chain store, so
	// production may run without Redis.
	SingleProcess bool `yaml:"single_process"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:        ":8080",
			Environment: EnvSandbox,
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Database: Database{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{AuditTopic: "verifactu.audit"},
		ObjectStore: ObjectStore{
			Region: "us-east-1",
			Bucket: "verifactu-submissions",
		},
		Vault: Vault{Iterations: 100_000},
		Authority: Authority{
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Software: Software{
			SystemName:         "VeriFactu Core",
			SystemID:           "01",
			Version:            "1.0",
			InstallationNumber: "1",
		},
		Chain: Chain{
			LegalTimezone: "Europe/Madrid",
			LockTimeout:   5 * time.Second,
			LockTTL:       30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then validates it.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("VERIFACTU_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.Server.Addr = envString("VERIFACTU_ADDR", c.Server.Addr)
	c.Server.Environment = strings.ToLower(envString("VERIFACTU_ENVIRONMENT", c.Server.Environment))
	c.Server.LogLevel = envString("VERIFACTU_LOG_LEVEL", c.Server.LogLevel)
	c.Server.LogFormat = envString("VERIFACTU_LOG_FORMAT", c.Server.LogFormat)

	c.Database.URL = envString("VERIFACTU_DATABASE_URL", c.Database.URL)
	if c.Database.MaxOpenConns, err = envInt("VERIFACTU_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns); err != nil {
		return err
	}

	c.Redis.URL = envString("VERIFACTU_REDIS_URL", c.Redis.URL)
	if c.Redis.PoolSize, err = envInt("VERIFACTU_REDIS_POOL_SIZE", c.Redis.PoolSize); err != nil {
		return err
	}

	c.Kafka.Brokers = envList("VERIFACTU_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.AuditTopic = envString("VERIFACTU_KAFKA_AUDIT_TOPIC", c.Kafka.AuditTopic)

	c.ObjectStore.Endpoint = envString("VERIFACTU_MINIO_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = envString("VERIFACTU_MINIO_ACCESS_KEY", c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = envString("VERIFACTU_MINIO_SECRET_KEY", c.ObjectStore.SecretKey)
	c.ObjectStore.Region = envString("VERIFACTU_MINIO_REGION", c.ObjectStore.Region)
	c.ObjectStore.Bucket = envString("VERIFACTU_MINIO_BUCKET", c.ObjectStore.Bucket)
	if c.ObjectStore.UseSSL, err = envBool("VERIFACTU_MINIO_USE_SSL", c.ObjectStore.UseSSL); err != nil {
		return err
	}

	c.Vault.MasterSecret = envString("VERIFACTU_VAULT_MASTER_SECRET", c.Vault.MasterSecret)
	if c.Vault.Iterations, err = envInt("VERIFACTU_VAULT_ITERATIONS", c.Vault.Iterations); err != nil {
		return err
	}
	if c.Vault.AllowInsecureDevSecret, err = envBool("VERIFACTU_VAULT_ALLOW_INSECURE_DEV_SECRET", c.Vault.AllowInsecureDevSecret); err != nil {
		return err
	}

	c.Authority.SubmitURL = envString("VERIFACTU_AUTHORITY_SUBMIT_URL", c.Authority.SubmitURL)
	c.Authority.CAFile = envString("VERIFACTU_AUTHORITY_CA_FILE", c.Authority.CAFile)
	if c.Authority.Timeout, err = envDuration("VERIFACTU_AUTHORITY_TIMEOUT", c.Authority.Timeout); err != nil {
		return err
	}

	c.Software.ProducerName = envString("VERIFACTU_SOFTWARE_PRODUCER_NAME", c.Software.ProducerName)
	c.Software.ProducerNIF = envString("VERIFACTU_SOFTWARE_PRODUCER_NIF", c.Software.ProducerNIF)
	c.Software.SystemName = envString("VERIFACTU_SOFTWARE_SYSTEM_NAME", c.Software.SystemName)
	c.Software.Version = envString("VERIFACTU_SOFTWARE_VERSION", c.Software.Version)

	c.Chain.LegalTimezone = envString("VERIFACTU_LEGAL_TIMEZONE", c.Chain.LegalTimezone)
	if c.Chain.LockTimeout, err = envDuration("VERIFACTU_CHAIN_LOCK_TIMEOUT", c.Chain.LockTimeout); err != nil {
		return err
	}
	if c.Chain.SingleProcess, err = envBool("VERIFACTU_CHAIN_SINGLE_PROCESS", c.Chain.SingleProcess); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration is usable. The environment selector is
// required and must be one of sandbox or production. Production never runs on
// in-memory stores, and needs Redis unless it is declared single-process.
func (c Config) Validate() error {
	switch c.Server.Environment {
	case EnvSandbox, EnvProduction:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q", EnvSandbox, EnvProduction, c.Server.Environment)
	}
	if _, err := time.LoadLocation(c.Chain.LegalTimezone); err != nil {
		return fmt.Errorf("legal timezone %q: %w", c.Chain.LegalTimezone, err)
	}
	if c.Vault.Iterations < 100_000 {
		return errors.New("vault iterations must be at least 100000")
	}
	if c.IsProduction() && c.Vault.AllowInsecureDevSecret {
		return errors.New("insecure dev secret is not allowed in production")
	}
	if c.IsProduction() && c.Database.URL == "" {
		return errors.New("production requires a database url")
	}
	if c.IsProduction() && c.Redis.URL == "" && !c.Chain.SingleProcess {
		return errors.New("production requires a redis url unless chain.single_process is set")
	}
	if c.ObjectStore.Endpoint != "" && strings.Contains(c.ObjectStore.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.ObjectStore.Endpoint)
	}
	if c.Chain.LockTimeout <= 0 {
		return errors.New("chain lock timeout must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}
