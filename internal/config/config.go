// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Default configuration values.
const (
	DefaultListen            = "[::]:5000"
	DefaultAppName           = "Koala Cloud"
	DefaultAria2URL          = "http://host.docker.internal:6800/jsonrpc"
	DefaultAria2Timeout      = 10 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultBroadcastInterval = 2 * time.Second
	DefaultListLimit         = 100
	DefaultMaxUploadMB       = 51200
	DefaultMediaBinary       = "yt-dlp"
	DefaultSessionTTL        = 7 * 24 * time.Hour
)

// DefaultAllowedExtensions are the upload extensions accepted when none are configured.
//
//nolint:gochecknoglobals // default lookup table
var DefaultAllowedExtensions = []string{
	"txt", "pdf", "png", "jpg", "jpeg", "gif", "mp4", "mkv", "avi", "zip", "rar", "7z", "srt", "ass",
}

// Config is the application configuration.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Downloads DownloadsConfig          `mapstructure:"downloads"`
	Aria2     Aria2Config              `mapstructure:"aria2"`
	Media     MediaConfig              `mapstructure:"media"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Broadcast BroadcastConfig          `mapstructure:"broadcast"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Host      HostConfig               `mapstructure:"host"`
	Log       LogConfig                `mapstructure:"log"`
	Services  map[string]ServiceConfig `mapstructure:"services"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen  string `mapstructure:"listen"`
	AppName string `mapstructure:"appName"`
}

// StorageConfig describes the browsable storage root.
type StorageConfig struct {
	Root              string   `mapstructure:"root"`
	DefaultUploadDir  string   `mapstructure:"defaultUploadDir"` // relative to root
	MaxUploadMB       int64    `mapstructure:"maxUploadMB"`
	AllowedExtensions []string `mapstructure:"allowedExtensions"`
}

// DownloadsConfig describes where remote and local jobs write their output.
type DownloadsConfig struct {
	Root string `mapstructure:"root"`
}

// Aria2Config holds the JSON-RPC endpoint of the download daemon.
type Aria2Config struct {
	URL          string        `mapstructure:"url"`
	Secret       string        `mapstructure:"secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	ListLimit    int           `mapstructure:"listLimit"` // max entries fetched from waiting/stopped lists
}

// MediaConfig configures local media extraction.
type MediaConfig struct {
	Binary      string        `mapstructure:"binary"`
	GraceWindow time.Duration `mapstructure:"graceWindow"` // how long finished tasks stay visible; 0 = one broadcast interval
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BroadcastConfig controls the live push cadence.
type BroadcastConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// AuthConfig holds login credentials. Users maps a username to a bcrypt hash.
type AuthConfig struct {
	Users        map[string]string `mapstructure:"users"`
	SessionTTL   time.Duration     `mapstructure:"sessionTTL"`
	SecureCookie bool              `mapstructure:"secureCookie"`
}

// HostConfig controls how host commands are run.
type HostConfig struct {
	// UseNsenter runs service commands inside the host's namespaces (PID 1).
	UseNsenter bool `mapstructure:"useNsenter"`
}

// LogConfig configures the optional log file served by the admin log endpoint.
type LogConfig struct {
	File string `mapstructure:"file"`
}

// ServiceKind is the closed set of service managers.
type ServiceKind string

const (
	// ServiceSystemd is a systemd unit controlled with systemctl.
	ServiceSystemd ServiceKind = "systemd"
	// ServiceDocker is a docker compose project directory.
	ServiceDocker ServiceKind = "docker"
)

// ServiceConfig describes one managed service. Unit applies to systemd
// services and Dir to docker compose services.
type ServiceConfig struct {
	Type ServiceKind `mapstructure:"type"`
	Unit string      `mapstructure:"unit"`
	Dir  string      `mapstructure:"dir"`
}

// DriveServiceName is the reserved name of the built-in drive toggle.
const DriveServiceName = "drive"

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches $HOME, the current directory and /config for config.yaml.
//
// Environment variables with prefix KOALA_ override config file values.
// Services can be declared with KOALA_SERVICES=jellyfin,smbd plus
// KOALA_SERVICES_JELLYFIN_TYPE, KOALA_SERVICES_JELLYFIN_UNIT and so on.
// They can also be declared in one variable, KOALA_SERVICE_UNITS, using
// "name:type:value" items (or legacy "name:unit" for systemd) separated by
// commas. Users can be declared in KOALA_AUTH_USERS as "name:bcrypt-hash" items.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("KOALA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars for dynamic map keys (services)
	bindServiceEnvVars(v)

	// The compact lists would collide with the auth.users key, so take them
	// out of the environment before viper sees them.
	lists := readEnvLists()

	// Set defaults
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.appName", DefaultAppName)
	v.SetDefault("storage.root", "./storage")
	v.SetDefault("storage.defaultUploadDir", "Video")
	v.SetDefault("storage.maxUploadMB", DefaultMaxUploadMB)
	v.SetDefault("downloads.root", "/mnt/drive")
	v.SetDefault("aria2.url", DefaultAria2URL)
	v.SetDefault("aria2.timeout", DefaultAria2Timeout)
	v.SetDefault("aria2.pollInterval", DefaultPollInterval)
	v.SetDefault("aria2.listLimit", DefaultListLimit)
	v.SetDefault("media.binary", DefaultMediaBinary)
	v.SetDefault("database.path", "./koalacloud.db")
	v.SetDefault("broadcast.interval", DefaultBroadcastInterval)
	v.SetDefault("auth.sessionTTL", DefaultSessionTTL)
	v.SetDefault("host.useNsenter", true)

	// Read config file. A missing file in the default locations is fine; an
	// explicitly requested file must exist.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := applyEnvLists(&cfg, lists); err != nil {
		return Config{}, err
	}

	setDefaultsOnListConfigs(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// envLists holds the raw compact list variables.
type envLists struct {
	serviceUnits string
	users        string
}

func readEnvLists() envLists {
	lists := envLists{
		serviceUnits: os.Getenv("KOALA_SERVICE_UNITS"),
		users:        os.Getenv("KOALA_AUTH_USERS"),
	}
	if lists.users != "" {
		_ = os.Unsetenv("KOALA_AUTH_USERS")
	}
	return lists
}

// applyEnvLists merges the compact list variables into the config.
func applyEnvLists(cfg *Config, lists envLists) error {
	if lists.serviceUnits != "" {
		services, err := ParseServiceUnits(lists.serviceUnits)
		if err != nil {
			return err
		}
		if cfg.Services == nil {
			cfg.Services = make(map[string]ServiceConfig, len(services))
		}
		for name, svc := range services {
			cfg.Services[name] = svc
		}
	}

	if lists.users != "" {
		if cfg.Auth.Users == nil {
			cfg.Auth.Users = make(map[string]string)
		}
		for item := range strings.SplitSeq(lists.users, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			name, hash, ok := strings.Cut(item, ":")
			if !ok || name == "" || hash == "" {
				return fmt.Errorf("KOALA_AUTH_USERS: malformed entry %q", item)
			}
			cfg.Auth.Users[name] = hash
		}
	}

	return nil
}

// ParseServiceUnits parses "name:type:value" items separated by commas.
// Two-part items ("name:unit") are systemd units.
func ParseServiceUnits(raw string) (map[string]ServiceConfig, error) {
	out := make(map[string]ServiceConfig)

	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.SplitN(item, ":", 3)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch len(parts) {
		case 2:
			out[parts[0]] = ServiceConfig{Type: ServiceSystemd, Unit: parts[1]}
		case 3:
			kind := ServiceKind(parts[1])
			switch kind {
			case ServiceSystemd:
				out[parts[0]] = ServiceConfig{Type: kind, Unit: parts[2]}
			case ServiceDocker:
				out[parts[0]] = ServiceConfig{Type: kind, Dir: parts[2]}
			default:
				return nil, fmt.Errorf("service %q: unknown type %q", parts[0], parts[1])
			}
		default:
			return nil, fmt.Errorf("malformed service entry %q", item)
		}
	}

	return out, nil
}

// setDefaultsOnListConfigs applies default values to config fields that can't
// be set with viper.SetDefault.
func setDefaultsOnListConfigs(cfg *Config) {
	if len(cfg.Storage.AllowedExtensions) == 0 {
		cfg.Storage.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}

	if cfg.Media.GraceWindow == 0 {
		cfg.Media.GraceWindow = cfg.Broadcast.Interval
	}
}

// Valid service kinds.
//
//nolint:gochecknoglobals // validation lookup table
var validServiceKinds = map[ServiceKind]bool{
	ServiceSystemd: true,
	ServiceDocker:  true,
}

// validate checks that the configuration is valid.
//
//nolint:gocognit // validation requires checking many fields
func validate(cfg *Config) error {
	var errs []error

	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if cfg.Downloads.Root == "" {
		errs = append(errs, errors.New("downloads.root is required"))
	}
	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if cfg.Storage.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("storage.maxUploadMB must be positive"))
	}

	if cfg.Aria2.URL == "" {
		errs = append(errs, errors.New("aria2.url is required"))
	} else if u, err := url.Parse(cfg.Aria2.URL); err != nil {
		errs = append(errs, fmt.Errorf("aria2.url: invalid url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("aria2.url: unsupported scheme %q", u.Scheme))
	}
	if cfg.Aria2.Timeout <= 0 {
		errs = append(errs, errors.New("aria2.timeout must be positive"))
	}
	if cfg.Aria2.PollInterval <= 0 {
		errs = append(errs, errors.New("aria2.pollInterval must be positive"))
	}
	if cfg.Aria2.ListLimit <= 0 {
		errs = append(errs, errors.New("aria2.listLimit must be positive"))
	}
	if cfg.Broadcast.Interval <= 0 {
		errs = append(errs, errors.New("broadcast.interval must be positive"))
	}
	if cfg.Media.Binary == "" {
		errs = append(errs, errors.New("media.binary is required"))
	}

	for name, hash := range cfg.Auth.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			errs = append(errs, fmt.Errorf("auth user %q: password must be a bcrypt hash: %w", name, err))
		}
	}

	for name, svc := range cfg.Services {
		if name == DriveServiceName {
			errs = append(errs, fmt.Errorf("service %q: name is reserved", name))
			continue
		}
		if svc.Type == "" {
			errs = append(errs, fmt.Errorf("service %q: type is required", name))
			continue
		}
		if !validServiceKinds[svc.Type] {
			errs = append(errs, fmt.Errorf("service %q: unknown type %q", name, svc.Type))
			continue
		}
		if svc.Type == ServiceSystemd && svc.Unit == "" {
			errs = append(errs, fmt.Errorf("service %q: unit is required for systemd services", name))
		}
		if svc.Type == ServiceDocker && svc.Dir == "" {
			errs = append(errs, fmt.Errorf("service %q: dir is required for docker services", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// serviceEnvFields lists all ServiceConfig fields for env var binding.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var serviceEnvFields = []string{
	"type",
	"unit",
	"dir",
}

// bindServiceEnvVars reads KOALA_SERVICES to get the list of service names,
// then binds every service field for each name using MustBindEnv, so that
// KOALA_SERVICES_JELLYFIN_UNIT and friends reach the services map.
// The list env var is unset after reading to prevent viper from treating it as
// the "services" config key.
func bindServiceEnvVars(v *viper.Viper) {
	servicesEnv := os.Getenv("KOALA_SERVICES")
	if servicesEnv == "" {
		return
	}

	_ = os.Unsetenv("KOALA_SERVICES")

	for name := range strings.SplitSeq(servicesEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range serviceEnvFields {
			v.MustBindEnv("services." + name + "." + field)
		}
	}
}
