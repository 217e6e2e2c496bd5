package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main Driftlake configuration
type Config struct {
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Frontend    FrontendConfig    `yaml:"frontend,omitempty"`
	Misc        MiscConfig        `yaml:"misc,omitempty"`
}

// ObjectStoreConfig holds object storage configuration
type ObjectStoreConfig struct {
	Type   string        `yaml:"type"`
	Local  *LocalConfig  `yaml:"local,omitempty"`
	Memory *MemoryConfig `yaml:"memory,omitempty"`
	S3     *S3Config     `yaml:"s3,omitempty"`
}

// LocalConfig holds local filesystem storage configuration
type LocalConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MemoryConfig holds in-memory storage configuration
type MemoryConfig struct {
	// No specific configuration needed for memory storage
}

// S3Config holds S3-compatible storage configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UseSSL          bool   `yaml:"use_ssl,omitempty"`
}

// CatalogConfig holds metadata store configuration
type CatalogConfig struct {
	Type   string        `yaml:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig holds SQLite catalog configuration
type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}

// InMemory reports whether the catalog lives in process memory.
func (c *SQLiteConfig) InMemory() bool {
	return strings.Contains(c.DSN, ":memory:")
}

// FrontendConfig holds the request-serving frontends
type FrontendConfig struct {
	HTTP *HTTPFrontendConfig `yaml:"http,omitempty"`
}

// HTTPFrontendConfig holds the HTTP frontend bind address and access policy
type HTTPFrontendConfig struct {
	BindHost    string         `yaml:"bind_host"`
	BindPort    int            `yaml:"bind_port"`
	ReadAccess  AccessSettings `yaml:"read_access"`
	WriteAccess AccessSettings `yaml:"write_access"`
}

// MiscConfig holds engine tunables
type MiscConfig struct {
	// MaxPartitionSize is the maximum number of rows written into a single
	// partition object.
	MaxPartitionSize int64 `yaml:"max_partition_size"`
	// GCInterval is the period between garbage collection passes.
	// Zero disables the collector.
	GCInterval Duration `yaml:"gc_interval"`
}

// Duration is a time.Duration that decodes from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// AccessKind discriminates the per-action access settings.
type AccessKind int

const (
	// AccessAny allows the action for everyone, credential or not.
	AccessAny AccessKind = iota
	// AccessOff disables the action entirely for anonymous principals.
	AccessOff
	// AccessPassword gates the action behind a SHA-256 hashed password.
	AccessPassword
)

// AccessSettings is one action's access setting: "any", "off", or a
// 64-hex-character SHA-256 password hash.
type AccessSettings struct {
	Kind       AccessKind
	SHA256Hash string
}

// UnmarshalYAML parses the literal forms "any", "off" or a password hash.
func (a *AccessSettings) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "any":
		*a = AccessSettings{Kind: AccessAny}
	case "off":
		*a = AccessSettings{Kind: AccessOff}
	default:
		if !isHexHash(s) {
			return fmt.Errorf("invalid access setting %q: expected \"any\", \"off\" or a 64-character hex SHA-256 hash", s)
		}
		*a = AccessSettings{Kind: AccessPassword, SHA256Hash: s}
	}
	return nil
}

// MarshalYAML renders the settings back into their literal form.
func (a AccessSettings) MarshalYAML() (interface{}, error) {
	switch a.Kind {
	case AccessAny:
		return "any", nil
	case AccessOff:
		return "off", nil
	default:
		return a.SHA256Hash, nil
	}
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// HexHash returns the lowercase hex SHA-256 digest of a password or token.
func HexHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WithRandomPassword generates a password-protected setting, logging the
// generated password once so the operator can record it.
func WithRandomPassword() AccessSettings {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate random password: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	password := string(buf)
	hash := HexHash(password)

	log.Printf("Writing to Driftlake will require a password. Randomly generated password: %s", password)
	log.Printf("The SHA-256 hash can be stored in the config as follows:")
	log.Printf("frontend.http.write_access: %q", hash)

	return AccessSettings{Kind: AccessPassword, SHA256Hash: hash}
}

// DefaultHTTPFrontend returns the HTTP frontend settings used when the
// config omits the frontend section.
func DefaultHTTPFrontend() *HTTPFrontendConfig {
	return &HTTPFrontendConfig{
		BindHost:    "127.0.0.1",
		BindPort:    8080,
		ReadAccess:  AccessSettings{Kind: AccessAny},
		WriteAccess: WithRandomPassword(),
	}
}

const (
	// DefaultMaxPartitionSize is the row threshold per partition object.
	DefaultMaxPartitionSize = 1048576
)

func (c *Config) applyDefaults() {
	if c.Frontend.HTTP == nil {
		c.Frontend.HTTP = DefaultHTTPFrontend()
	}
	if c.Frontend.HTTP.BindHost == "" {
		c.Frontend.HTTP.BindHost = "127.0.0.1"
	}
	if c.Frontend.HTTP.BindPort == 0 {
		c.Frontend.HTTP.BindPort = 8080
	}
	if c.Misc.MaxPartitionSize == 0 {
		c.Misc.MaxPartitionSize = DefaultMaxPartitionSize
	}
}

// Validate checks config consistency. Violations are fatal at startup: a
// half-valid configuration must never serve requests.
func (c *Config) Validate() error {
	switch c.ObjectStore.Type {
	case "local":
		if c.ObjectStore.Local == nil || c.ObjectStore.Local.DataDir == "" {
			return fmt.Errorf("object store type %q requires local.data_dir", c.ObjectStore.Type)
		}
	case "memory":
	case "s3":
		if c.ObjectStore.S3 == nil || c.ObjectStore.S3.Bucket == "" {
			return fmt.Errorf("object store type %q requires s3.bucket", c.ObjectStore.Type)
		}
		if c.ObjectStore.S3.Region == "" && c.ObjectStore.S3.Endpoint == "" {
			return fmt.Errorf("s3 object store requires at least one of region or endpoint")
		}
	default:
		return fmt.Errorf("unsupported object store type: %q", c.ObjectStore.Type)
	}

	switch c.Catalog.Type {
	case "sqlite":
		if c.Catalog.SQLite == nil || c.Catalog.SQLite.DSN == "" {
			return fmt.Errorf("catalog type %q requires sqlite.dsn", c.Catalog.Type)
		}
	default:
		return fmt.Errorf("unsupported catalog type: %q", c.Catalog.Type)
	}

	inMemoryCatalog := c.Catalog.SQLite.InMemory()
	inMemoryStore := c.ObjectStore.Type == "memory"
	if inMemoryCatalog != inMemoryStore {
		return fmt.Errorf("you are using an in-memory catalog with a non in-memory " +
			"object store or vice versa; this will cause consistency issues " +
			"if the process is restarted")
	}

	if c.Misc.MaxPartitionSize < 1 {
		return fmt.Errorf("max_partition_size must be at least 1, got %d", c.Misc.MaxPartitionSize)
	}
	if c.Misc.GCInterval < 0 {
		return fmt.Errorf("gc_interval must not be negative, got %s", c.Misc.GCInterval)
	}
	return nil
}

// ReadConfig reads and validates a configuration from a YAML file
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a configuration from YAML bytes
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfig writes a configuration to a YAML file
func WriteConfig(path string, cfg *Config) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	defer encoder.Close()

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
