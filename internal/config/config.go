package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "SHELLPROXY_"

// Cache backends
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the application configuration.
// It is loaded once and never mutated afterwards: a changed file produces a new Config.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Admin      AdminConfig      `yaml:"admin" envPrefix:"ADMIN_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Origin     string           `yaml:"origin" env:"ORIGIN"`
	Cache      CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Namespaces NamespacesConfig `yaml:"namespaces" envPrefix:"NAMESPACES_"`
	// Relative paths precached on install, resolved against Origin
	AppShell []string `yaml:"app_shell"`
	// Third-party hostnames served stale-while-revalidate
	AllowList       []string `yaml:"allow_list" env:"ALLOW_LIST" envSeparator:","`
	NavigationShell string   `yaml:"navigation_shell"`
	OfflinePage     string   `yaml:"offline_page"`
	Watch           bool     `yaml:"watch" env:"WATCH"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `yaml:"port" env:"PORT"`
	HTTPS HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CACertFile      string `yaml:"ca_cert_file"`
	CAKeyFile       string `yaml:"ca_key_file"`
	TransparentPort int    `yaml:"transparent_port"`
}

// AdminConfig contains the inspection listener configuration. Port 0 disables it.
type AdminConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// CacheConfig contains cache storage configuration
type CacheConfig struct {
	Backend  string `yaml:"backend" env:"BACKEND"`
	Folder   string `yaml:"folder" env:"FOLDER"`
	Database string `yaml:"database" env:"DATABASE"`
}

// NamespacesConfig names the current cache namespaces
type NamespacesConfig struct {
	Precache PrecacheConfig `yaml:"precache" envPrefix:"PRECACHE_"`
	Runtime  string         `yaml:"runtime" env:"RUNTIME"`
}

// PrecacheConfig identifies the app shell namespace. Bump Version on every deployment.
type PrecacheConfig struct {
	Name    string `yaml:"name" env:"NAME"`
	Version string `yaml:"version" env:"VERSION"`
}

// Default returns the configuration used for every key the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:  8080,
			HTTPS: HTTPSConfig{Enabled: true},
		},
		Log: LogConfig{Level: "info"},
		Cache: CacheConfig{
			Backend:  BackendDisk,
			Folder:   "./cache",
			Database: "./cache.db",
		},
		Namespaces: NamespacesConfig{
			Precache: PrecacheConfig{Name: "app-shell", Version: "v1"},
			Runtime:  "app-runtime-v1",
		},
		NavigationShell: "./index.html",
		OfflinePage:     "./offline.html",
	}
}

// Load loads configuration from a YAML file on top of the defaults,
// then applies environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return &config, nil
}

// PrecacheNamespace returns the versioned name of the current precache namespace
func (c *Config) PrecacheNamespace() string {
	return c.Namespaces.Precache.Name + "-" + c.Namespaces.Precache.Version
}

// OriginURL parses the serving origin
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", c.Origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin must be an http(s) URL, got: %q", c.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin has no host: %q", c.Origin)
	}
	return u, nil
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	if c.Server.HTTPS.TransparentPort < 0 || c.Server.HTTPS.TransparentPort > 65535 {
		return fmt.Errorf("invalid transparent HTTPS port: %d", c.Server.HTTPS.TransparentPort)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("ca_cert_file and ca_key_file must be set together")
	}

	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if _, err := c.OriginURL(); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case BackendDisk:
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case BackendSQLite:
		if c.Cache.Database == "" {
			return fmt.Errorf("cache database is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("cache backend must be 'disk', 'memory' or 'sqlite', got: %s", c.Cache.Backend)
	}

	if c.Namespaces.Precache.Name == "" || c.Namespaces.Precache.Version == "" {
		return fmt.Errorf("precache namespace name and version are required")
	}

	if c.Namespaces.Runtime == "" {
		return fmt.Errorf("runtime namespace is required")
	}

	if c.Namespaces.Runtime == c.PrecacheNamespace() {
		return fmt.Errorf("runtime and precache namespaces must differ, both are: %s", c.Namespaces.Runtime)
	}

	for i, p := range c.AppShell {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("app_shell entry %d is empty", i)
		}
	}

	for i, h := range c.AllowList {
		if strings.TrimSpace(h) == "" || strings.Contains(h, "/") {
			return fmt.Errorf("allow_list entry %d is not a hostname: %q", i, h)
		}
	}

	if c.NavigationShell == "" {
		return fmt.Errorf("navigation_shell is required")
	}

	return nil
}

// String renders the effective configuration as YAML
func (c *Config) String() string {
	b, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(b)
}
