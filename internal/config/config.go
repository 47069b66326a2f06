package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

type Config struct {
	Server struct {
		Port        int      `yaml:"port" validate:"min=1,max=65535"`
		CORSOrigins []string `yaml:"corsOrigins"`
		// RateLimit is requests per second per client; 0 disables limiting.
		RateLimit float64 `yaml:"rateLimit" validate:"min=0"`
		RateBurst int     `yaml:"rateBurst" validate:"min=0"`
		// APIKeys maps tenant to API key; empty disables authentication.
		APIKeys map[string]string `yaml:"apiKeys"`
		// MaxUploadMB bounds one multipart upload request.
		MaxUploadMB int `yaml:"maxUploadMB" validate:"min=0"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format string `yaml:"format" validate:"omitempty,oneof=text json logfmt"`
	} `yaml:"log"`

	Database struct {
		Driver   string `yaml:"driver" validate:"required,oneof=mysql postgres sqlite"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
		// Path is the database file for the sqlite driver.
		Path string `yaml:"path"`
	} `yaml:"database"`

	Storage struct {
		Driver string `yaml:"driver" validate:"required,oneof=local minio s3 gcs"`
		// Dir is the root for the local driver.
		Dir   string `yaml:"dir"`
		Minio struct {
			Endpoint   string `yaml:"endpoint"`
			AccessKey  string `yaml:"accessKey"`
			SecretKey  string `yaml:"secretKey"`
			BucketName string `yaml:"bucketName"`
			Region     string `yaml:"region"`
			UseSSL     bool   `yaml:"useSSL"`
		} `yaml:"minio"`
		S3 struct {
			Region       string `yaml:"region"`
			Bucket       string `yaml:"bucket"`
			AccessKey    string `yaml:"accessKey"`
			SecretKey    string `yaml:"secretKey"`
			Endpoint     string `yaml:"endpoint"`
			UsePathStyle bool   `yaml:"usePathStyle"`
		} `yaml:"s3"`
		GCS struct {
			Bucket          string `yaml:"bucket"`
			CredentialsFile string `yaml:"credentialsFile"`
		} `yaml:"gcs"`
	} `yaml:"storage"`

	Scryfall struct {
		BaseURL         string `yaml:"baseURL" validate:"omitempty,url"`
		TimeoutMs       int    `yaml:"timeoutMs" validate:"min=0"`
		MinIntervalMs   int    `yaml:"minIntervalMs" validate:"min=0"`
		CacheTTLMinutes int    `yaml:"cacheTTLMinutes" validate:"min=-1"` // 0 means 60, -1 disables the cache
		UserAgent       string `yaml:"userAgent"`
	} `yaml:"scryfall"`

	Vision VisionConfig `yaml:"vision"`
}

// VisionConfig is the typed recognition chain configuration.
type VisionConfig struct {
	Primary                  string                   `yaml:"primary" validate:"required"`
	Fallback                 string                   `yaml:"fallback"`
	Concurrency              int                      `yaml:"concurrency" validate:"min=0,max=32"`
	RetryPrimaryAfterMinutes int                      `yaml:"retryPrimaryAfterMinutes" validate:"min=0"`
	Backends                 map[string]BackendConfig `yaml:"backends" validate:"required,min=1,dive"`
}

// BackendConfig configures one vision provider.
type BackendConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TimeoutMs int    `yaml:"timeoutMs" validate:"min=0"`
	APIKey    string `yaml:"apiKey"`
	Model     string `yaml:"model"`
	// ExtraParams carries provider specifics: baseURL, seed, project, region, credentialsFile.
	ExtraParams map[string]string `yaml:"extraParams"`
}

// Timeout returns the per-attempt bound, defaulting to 60s.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Load baca file config.yaml. ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 64
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = int(c.Server.RateLimit * 2)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/cardscan.db"
	}
	if c.Database.Driver == "postgres" && c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "local"
	}
	if c.Storage.Driver == "local" && c.Storage.Dir == "" {
		c.Storage.Dir = "data/images"
	}
	if c.Scryfall.TimeoutMs == 0 {
		c.Scryfall.TimeoutMs = 10000
	}
	if c.Scryfall.MinIntervalMs == 0 {
		c.Scryfall.MinIntervalMs = 100
	}
	if c.Scryfall.CacheTTLMinutes == 0 {
		c.Scryfall.CacheTTLMinutes = 60
	}
	if c.Vision.Concurrency == 0 {
		c.Vision.Concurrency = 1
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs tag validation and the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	for id := range c.Vision.Backends {
		if !vision.BackendID(id).Known() {
			errs = append(errs, fmt.Errorf("vision.backends: unknown backend %q", id))
		}
	}
	primary, ok := c.Vision.Backends[c.Vision.Primary]
	switch {
	case !vision.BackendID(c.Vision.Primary).Known():
		errs = append(errs, fmt.Errorf("vision.primary: unknown backend %q", c.Vision.Primary))
	case !ok:
		errs = append(errs, fmt.Errorf("vision.primary: backend %q is not configured", c.Vision.Primary))
	case !primary.Enabled:
		errs = append(errs, fmt.Errorf("vision.primary: backend %q is disabled", c.Vision.Primary))
	}
	if fb := c.Vision.Fallback; fb != "" {
		if !vision.BackendID(fb).Known() {
			errs = append(errs, fmt.Errorf("vision.fallback: unknown backend %q", fb))
		} else if _, ok := c.Vision.Backends[fb]; !ok {
			errs = append(errs, fmt.Errorf("vision.fallback: backend %q is not configured", fb))
		}
	}
	for id, b := range c.Vision.Backends {
		if !b.Enabled {
			continue
		}
		switch vision.BackendID(id) {
		case vision.BackendOpenAI, vision.BackendClaude:
			if b.APIKey == "" {
				errs = append(errs, fmt.Errorf("vision.backends.%s: apiKey is required", id))
			}
		case vision.BackendGoogle:
			if b.ExtraParams["project"] == "" || b.ExtraParams["region"] == "" {
				errs = append(errs, fmt.Errorf("vision.backends.%s: extraParams.project and extraParams.region are required", id))
			}
		}
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database: host and name are required for %s", c.Database.Driver))
		}
	}
	switch c.Storage.Driver {
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.BucketName == "" {
			errs = append(errs, errors.New("storage.minio: endpoint and bucketName are required"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3: bucket and region are required"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs: bucket is required"))
		}
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	port := c.Database.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, port, c.Database.User, c.Database.Password, c.Database.Name, c.Database.SSLMode)
}
