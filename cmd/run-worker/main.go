// cmd/run-worker/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/run-orchestrator/internal/workerclient"
)

var (
	configPath string
	serverURLs []string
	workerID   string
	maxJobs    int
	workDir    string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "run-worker",
		Short:        "Subtask worker that connects to one or more orchestrator instances",
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringSliceVar(&serverURLs, "server", nil, "Orchestrator WebSocket URL (repeatable)")
	rootCmd.Flags().StringVar(&workerID, "id", "", "Worker ID")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 4, "Maximum concurrent subtasks across all servers")
	rootCmd.Flags().StringVar(&workDir, "work-dir", "", "Working directory for subtask commands")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging for heartbeat diagnostics")

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config defines the run-worker configuration file format
type Config struct {
	Server struct {
		URLs []string `toml:"urls"`
	} `toml:"server"`
	Worker struct {
		ID                string `toml:"id"`
		MaxJobs           int    `toml:"max_jobs"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		WorkDir           string `toml:"work_dir"`
	} `toml:"worker"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/run-worker/config.toml",
	"/etc/run-worker.toml",
}

// loadWorkerConfig reads the config file at path, or the first default
// location that exists when path is empty
func loadWorkerConfig(path string) (Config, string, error) {
	var cfg Config
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, path, nil
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	if c.Worker.MaxJobs == 0 {
		c.Worker.MaxJobs = 4
	}
	if c.Worker.ID == "" {
		hostname, _ := os.Hostname()
		c.Worker.ID = hostname
	}
	if c.Worker.HeartbeatInterval == "" {
		c.Worker.HeartbeatInterval = "10s"
	}
	if c.Worker.WorkDir == "" {
		c.Worker.WorkDir = os.TempDir()
	}
}

// validate checks the settings a worker cannot start without
func (c *Config) validate() error {
	if len(c.Server.URLs) == 0 {
		return fmt.Errorf("no server urls configured")
	}
	for _, raw := range c.Server.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("server url %q: %w", raw, err)
		}
		if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("server url %q: want ws:// or wss:// with a host", raw)
		}
	}
	if c.Worker.MaxJobs < 1 {
		return fmt.Errorf("max_jobs must be at least 1, got %d", c.Worker.MaxJobs)
	}
	d, err := time.ParseDuration(c.Worker.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("invalid heartbeat_interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", d)
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, loadedFrom, err := loadWorkerConfig(configPath)
	if err != nil {
		return err
	}
	if loadedFrom != "" {
		log.Printf("loaded config from %s", loadedFrom)
	}

	// CLI flags override config (only if explicitly set)
	if len(serverURLs) > 0 {
		cfg.Server.URLs = serverURLs
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Worker.MaxJobs = maxJobs
	}
	if workDir != "" {
		cfg.Worker.WorkDir = workDir
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	heartbeat, _ := time.ParseDuration(cfg.Worker.HeartbeatInterval)
	if err := os.MkdirAll(cfg.Worker.WorkDir, 0755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	client, err := workerclient.NewMultiClient(workerclient.MultiConfig{
		ServerURLs:        cfg.Server.URLs,
		WorkerID:          cfg.Worker.ID,
		MaxJobs:           cfg.Worker.MaxJobs,
		HeartbeatInterval: heartbeat,
		Debug:             debug,
	}, &shellHandler{workDir: cfg.Worker.WorkDir})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting worker %s for %d servers (max_jobs=%d)",
		cfg.Worker.ID, client.ServerCount(), cfg.Worker.MaxJobs)

	err = client.Run(ctx)
	if ctx.Err() != nil {
		log.Printf("shutting down")
		return nil
	}
	return err
}
