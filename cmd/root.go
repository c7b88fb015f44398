// Package cmd provides the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/koalacloud/koalacloud/internal/config"
	"github.com/koalacloud/koalacloud/internal/server"
	"github.com/koalacloud/koalacloud/ui"
)

const defaultShutdownTimeout = 30 * time.Second

// Version information - set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	BuiltBy   = "unknown"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	cfgFile   string
	logLevel  string
	logPretty bool
	listen    string

	showVersion bool
	appConfig   config.Config
	logFile     *os.File
)

// rootCmd represents the base command.
//
//nolint:gochecknoglobals // cobra requires package-level command variable
var rootCmd = &cobra.Command{
	Use:   "koalacloud",
	Short: "A small home cloud for one storage drive",
	Long: `Koala Cloud serves a browsable storage directory over HTTP with uploads,
public share links and file management. Its admin panel queues torrent and
magnet downloads on an aria2 daemon, runs yt-dlp jobs, and turns host
services on and off. Live progress is pushed to the browser over a websocket.`,
	SilenceUsage: true,
	PreRunE:      loadConfig,
	RunE:         run,
}

// Execute runs the root command.
func Execute() {
	// Check for version flag early to avoid config loading
	for _, arg := range os.Args[1:] {
		if arg == "-V" || arg == "--version" {
			printVersion()
			return
		}
	}

	err := rootCmd.Execute()
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in $HOME, . or /config)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print version information and exit")
	rootCmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default \"[::]:5000\")")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", false, "enable pretty (human-readable) logging")

	rootCmd.AddCommand(hashPasswordCmd)
}

func run(_ *cobra.Command, _ []string) error {
	// Handle version flag
	if showVersion {
		printVersion()
		return nil
	}

	opts := server.Options{
		UIFS:    ui.FS,
		UIPath:  "dist",
		Logger:  log.With().Str("component", "main").Logger(),
		Version: Version,
	}

	srv, err := server.New(appConfig, opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Handle repeated signals during shutdown - force exit on second signal
	go func() {
		<-sigCh
		srv.PrepareShutdown()
		cancel()

		<-sigCh
		log.Warn().Msg("received second signal, forcing exit")
		os.Exit(1)
	}()

	runErr := srv.Run(ctx)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	if err = srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

//nolint:forbidigo // CLI version output requires fmt.Printf
func printVersion() {
	fmt.Printf("koalacloud %s\n", Version)
	fmt.Printf("  commit:   %s\n", Commit)
	fmt.Printf("  built:    %s\n", BuildDate)
	fmt.Printf("  built by: %s\n", BuiltBy)
}

func loadConfig(_ *cobra.Command, _ []string) error {
	if showVersion {
		return nil
	}

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply CLI flag overrides
	if listen != "" {
		cfg.Server.Listen = listen
	}

	appConfig = cfg

	setupLogging(cfg.Log.File)
	return nil
}

func setupLogging(path string) {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if logPretty {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if path == "" {
		log.Logger = log.Output(console) //nolint:reassign // standard zerolog pattern
		return
	}

	// The admin log endpoint tails this file, so it always gets JSON lines.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path comes from config
	if err != nil {
		log.Logger = log.Output(console) //nolint:reassign // standard zerolog pattern
		log.Warn().Err(err).Str("path", path).Msg("failed to open log file, logging to stderr only")
		return
	}
	logFile = f

	//nolint:reassign // standard zerolog pattern
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
}
