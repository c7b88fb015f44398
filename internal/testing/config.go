package testing

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/koalacloud/koalacloud/internal/config"
)

// TestPassword is the plaintext password of the user created by ValidConfig.
const TestPassword = "hunter2"

// HashPassword returns a low-cost bcrypt hash of password.
func HashPassword(t *testing.T, password string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	return string(hash)
}

// ValidConfig returns a fully populated, valid config.Config struct.
// The returned config passes all validation checks and can be used as a starting
// point for tests that need to modify specific fields.
//
// Storage, downloads and the database live in a per-test temp dir.
func ValidConfig(t *testing.T) config.Config {
	t.Helper()

	dir := t.TempDir()

	return config.Config{
		Server: config.ServerConfig{
			Listen:  "127.0.0.1:0",
			AppName: config.DefaultAppName,
		},
		Storage: config.StorageConfig{
			Root:              filepath.Join(dir, "storage"),
			DefaultUploadDir:  "Video",
			MaxUploadMB:       config.DefaultMaxUploadMB,
			AllowedExtensions: append([]string(nil), config.DefaultAllowedExtensions...),
		},
		Downloads: config.DownloadsConfig{
			Root: filepath.Join(dir, "drive"),
		},
		Aria2: config.Aria2Config{
			URL:          "http://aria2.example.com:6800/jsonrpc",
			Secret:       "rpc-secret",
			Timeout:      config.DefaultAria2Timeout,
			PollInterval: config.DefaultPollInterval,
			ListLimit:    config.DefaultListLimit,
		},
		Media: config.MediaConfig{
			Binary:      config.DefaultMediaBinary,
			GraceWindow: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(dir, "koalacloud.db"),
		},
		Broadcast: config.BroadcastConfig{
			Interval: config.DefaultBroadcastInterval,
		},
		Auth: config.AuthConfig{
			Users:      map[string]string{"admin": HashPassword(t, TestPassword)},
			SessionTTL: config.DefaultSessionTTL,
		},
		Host: config.HostConfig{
			UseNsenter: false,
		},
		Services: map[string]config.ServiceConfig{
			"jellyfin": {Type: config.ServiceSystemd, Unit: "jellyfin.service"},
			"immich":   {Type: config.ServiceDocker, Dir: "/opt/immich"},
		},
	}
}

// ConfigToYAML converts a config.Config struct to a YAML string.
// This is useful for tests that need to load config via the YAML parser.
// Note: config.Config uses mapstructure tags which yaml.Marshal handles correctly.
func ConfigToYAML(t *testing.T, cfg config.Config) string {
	t.Helper()

	//nolint:musttag // config.Config uses mapstructure tags, yaml.Marshal uses field names
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config to YAML: %v", err)
	}

	return string(data)
}
