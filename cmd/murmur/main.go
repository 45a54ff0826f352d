// Command murmur runs the speech recognition and synthesis orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
)

// version is set at build time.
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

const defaultConfigPath = "murmur.yaml"

// cli holds the persistent flags and the process logger shared by all
// subcommands.
type cli struct {
	configPath string
	logLevel   string
	level      *slog.LevelVar
}

func main() {
	os.Exit(run())
}

func run() int {
	c := &cli{level: new(slog.LevelVar)}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "murmur",
		Short: "Real-time speech recognition and synthesis orchestrator",
		Long: `murmur listens on the default microphone through a cascade of recognition
paths (local engine, cloud service, simulated stand-in), turns transcripts into
conversational turns, and speaks replies with persona-driven prosody.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	root.AddCommand(
		c.listenCmd(),
		c.speakCmd(),
		c.voicesCmd(),
		c.functionsCmd(),
		c.serveToolsCmd(),
	)
	return root
}

// loadConfig reads the config file. A missing file at the default path
// yields the default configuration.
func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		slog.Info("config file not found, using defaults", "path", c.configPath)
		cfg, err = config.LoadFromReader(strings.NewReader(""))
		if err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found; see configs/example.yaml", c.configPath)
	case err != nil:
		return nil, err
	}

	level := cfg.Server.LogLevel
	if c.logLevel != "" {
		if l := config.LogLevel(c.logLevel); l.IsValid() {
			level = l
		} else {
			return nil, fmt.Errorf("invalid --log-level %q; valid values: debug, info, warn, error", c.logLevel)
		}
	}
	c.level.Set(app.SlogLevel(level))
	return cfg, nil
}

// newApp loads the config, instantiates the providers and wires the app.
func (c *cli) newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, providers, app.WithLogLevel(c.level))
}

// shutdown stops a within the shutdown timeout.
func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}
