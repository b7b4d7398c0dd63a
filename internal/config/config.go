package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "RHUBARBE_CONFIG"
	DefaultConfigPath = "/etc/rhubarbe/rhubarbe.yaml"

	defaultCertPath    = "~/.omf/user_cert.pem"
	defaultKeyPath     = "~/.ssh/id_rsa"
	defaultLogFile     = "rhubarbe.log"
	defaultMonitorLog  = "/var/log/monitor.log"
	defaultMetricsAddr = "127.0.0.1:9310"
	defaultRender      = "text"
)

type Config struct {
	Authorization AuthorizationConfig `yaml:"authorization"`
	Logging       LoggingConfig       `yaml:"logging"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Inventory     InventoryConfig     `yaml:"inventory"`
}

// AuthorizationConfig locates the allocation authority and the credentials
// used for mutating requests.
type AuthorizationConfig struct {
	LeasesServer      string  `yaml:"leases_server"`
	LeasesPort        int     `yaml:"leases_port"`
	ComponentName     string  `yaml:"component_name"`
	CertPath          string  `yaml:"cert_path"`
	KeyPath           string  `yaml:"key_path"`
	CAPath            string  `yaml:"ca_path"`
	VerifyTLS         bool    `yaml:"verify_tls"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MonitorFile string `yaml:"monitor_file"`
}

type MonitorConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	Render      string `yaml:"render"`
}

type InventoryConfig struct {
	Path string `yaml:"path"`
}

// ServerURL returns the base URL of the allocation authority.
func (a AuthorizationConfig) ServerURL() string {
	if a.LeasesServer == "" {
		return ""
	}
	if a.LeasesPort <= 0 {
		return "https://" + a.LeasesServer
	}
	return fmt.Sprintf("https://%s:%d", a.LeasesServer, a.LeasesPort)
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.Defaults()
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// ResolvePath picks the explicit path, then the environment, then the default.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(envConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Defaults fills empty values and expands "~" in paths.
func (c *Config) Defaults() {
	if c.Authorization.CertPath == "" {
		c.Authorization.CertPath = defaultCertPath
	}
	if c.Authorization.KeyPath == "" {
		c.Authorization.KeyPath = defaultKeyPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.File == "" {
		c.Logging.File = defaultLogFile
	}
	if c.Logging.MonitorFile == "" {
		c.Logging.MonitorFile = defaultMonitorLog
	}
	if c.Monitor.MetricsAddr == "" {
		c.Monitor.MetricsAddr = defaultMetricsAddr
	}
	if c.Monitor.Render == "" {
		c.Monitor.Render = defaultRender
	}
	c.Authorization.CertPath = ExpandHome(c.Authorization.CertPath)
	c.Authorization.KeyPath = ExpandHome(c.Authorization.KeyPath)
	c.Authorization.CAPath = ExpandHome(c.Authorization.CAPath)
	c.Inventory.Path = ExpandHome(c.Inventory.Path)
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
