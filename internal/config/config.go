package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Storage       StorageConfig       `yaml:"storage"`
	Debricked     DebrickedConfig     `yaml:"debricked"`
	Workers       WorkersConfig       `yaml:"workers"`
	Rules         RulesConfig         `yaml:"rules"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	Charset            string        `yaml:"charset"`
	ParseTime          bool          `yaml:"parse_time"`
	Loc                string        `yaml:"loc"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnectionLifetime time.Duration `yaml:"connection_lifetime"`
}

type RedisConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	UploadQueue string `yaml:"upload_queue"`
	DLQSuffix   string `yaml:"dlq_suffix"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DebrickedConfig struct {
	BaseURL                  string        `yaml:"base_url"`
	LoginEndpoint            string        `yaml:"login_endpoint"`
	SupportedFormatsEndpoint string        `yaml:"supported_formats_endpoint"`
	UploadEndpoint           string        `yaml:"upload_endpoint"`
	FinishEndpoint           string        `yaml:"finish_endpoint"`
	StatusEndpoint           string        `yaml:"status_endpoint"`
	Username                 string        `yaml:"username"`
	Password                 string        `yaml:"password"`
	TokenExpires             time.Duration `yaml:"token_expires"`
	Timeout                  time.Duration `yaml:"timeout"`
	UploadTimeout            time.Duration `yaml:"upload_timeout"`
	RetryAttempts            int           `yaml:"retry_attempts"`
	RetryDelay               time.Duration `yaml:"retry_delay"`
}

type WorkersConfig struct {
	Upload    UploadWorkerConfig    `yaml:"upload"`
	Reconcile ReconcileWorkerConfig `yaml:"reconcile"`
}

type UploadWorkerConfig struct {
	Count       int `yaml:"count"`
	Concurrency int `yaml:"concurrency"`
}

type ReconcileWorkerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	PageSize   int           `yaml:"page_size"`
	RunOnStart bool          `yaml:"run_on_start"`
}

type RulesConfig struct {
	VulnerabilityThreshold int `yaml:"vulnerability_threshold"`
}

type NotificationsConfig struct {
	Mail  MailConfig  `yaml:"mail"`
	Slack SlackConfig `yaml:"slack"`
}

type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Workers.Upload.Count <= 0 {
		c.Workers.Upload.Count = 2
	}
	if c.Workers.Upload.Concurrency <= 0 {
		c.Workers.Upload.Concurrency = 4
	}
	if c.Workers.Reconcile.PageSize <= 0 {
		c.Workers.Reconcile.PageSize = 100
	}
	if c.Debricked.Timeout <= 0 {
		c.Debricked.Timeout = 30 * time.Second
	}
	if c.Debricked.UploadTimeout <= 0 {
		c.Debricked.UploadTimeout = 60 * time.Second
	}
	if c.Rules.VulnerabilityThreshold <= 0 {
		c.Rules.VulnerabilityThreshold = 5
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 20 << 20
	}
}

// MySQL DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.Charset, c.Database.ParseTime, c.Database.Loc)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) MailAddr() string {
	return fmt.Sprintf("%s:%d", c.Notifications.Mail.Host, c.Notifications.Mail.Port)
}
