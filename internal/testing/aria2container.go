package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// aria2 container configuration constants.
const (
	aria2ContainerStartupTimeout = 60 * time.Second
	aria2RPCPort                 = "6800/tcp"
)

// Aria2Container holds references to a running aria2 daemon for integration tests.
type Aria2Container struct {
	Container   testcontainers.Container
	URL         string // JSON-RPC endpoint reachable from the host
	Secret      string
	DownloadDir string // download directory inside the container
}

// Aria2ContainerConfig configures the aria2 container.
type Aria2ContainerConfig struct {
	// Secret is the RPC secret (default: "koala-test")
	Secret string
	// DownloadDir is the default download directory (default: "/downloads")
	DownloadDir string
	// HostPorts are host ports the daemon can reach at testcontainers.HostInternal.
	HostPorts []int
}

// DefaultAria2ContainerConfig returns the default configuration.
func DefaultAria2ContainerConfig() Aria2ContainerConfig {
	return Aria2ContainerConfig{
		Secret:      "koala-test",
		DownloadDir: "/downloads",
	}
}

// StartAria2Container starts an aria2 daemon with its JSON-RPC interface enabled.
func StartAria2Container(ctx context.Context, cfg Aria2ContainerConfig) (*Aria2Container, error) {
	if cfg.Secret == "" {
		cfg.Secret = "koala-test"
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "/downloads"
	}

	req := testcontainers.ContainerRequest{
		Image:        "p3terx/aria2-pro:latest",
		ExposedPorts: []string{aria2RPCPort},
		Env: map[string]string{
			"PUID":       "1000",
			"PGID":       "1000",
			"RPC_SECRET": cfg.Secret,
			"RPC_PORT":   "6800",
			"UMASK_SET":  "022",
			"IPV6_MODE":  "false",
		},
		HostAccessPorts: cfg.HostPorts,
		WaitingFor:      wait.ForListeningPort(aria2RPCPort).WithStartupTimeout(aria2ContainerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start aria2 container: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, aria2RPCPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	exitCode, _, err := container.Exec(ctx, []string{"mkdir", "-p", cfg.DownloadDir})
	if err != nil || exitCode != 0 {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create download directory: %w (exit code: %d)", err, exitCode)
	}

	return &Aria2Container{
		Container:   container,
		URL:         fmt.Sprintf("http://%s:%s/jsonrpc", host, mappedPort.Port()),
		Secret:      cfg.Secret,
		DownloadDir: cfg.DownloadDir,
	}, nil
}

// Cleanup stops the container.
func (a *Aria2Container) Cleanup(ctx context.Context) error {
	if a.Container == nil {
		return nil
	}
	if err := a.Container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}
