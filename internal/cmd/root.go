// Package cmd provides the command-line interface for kumo.
// It handles command parsing, configuration loading and crawler execution.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/logging"
)

const (
	configName = "kumo"
	envPrefix  = "KUMO"
)

var (
	cfgFile   string
	version   string
	buildTime string

	// dotEnvFile is loaded into the environment before KUMO_* variables are
	// read. Variables already set take precedence.
	dotEnvFile = ".env"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kumo",
	Short: "A concurrent structured web crawler",
	Long: `kumo crawls websites from a set of seed URLs, extracts structured
records from every page and writes them to JSONL, JSON, CSV or SQLite.

Crawls are polite (robots.txt, per-domain rate limits), retry transient
failures, cache responses and can be resumed from a checkpoint.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./kumo.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(crawlCmd, cacheCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(configName)
	}

	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", dotEnvFile, err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		for _, key := range config.UnknownKeys(viper.AllKeys()) {
			fmt.Fprintf(os.Stderr, "Warning: unknown configuration key %q\n", key)
		}
	}
}

// flagBinding ties a viper key to a command-line flag.
type flagBinding struct {
	viperKey string
	flagName string
}

// bindFlags binds flags when the command runs, so commands sharing a
// viper key do not overwrite each other's bindings.
func bindFlags(flags *pflag.FlagSet, bindings []flagBinding) error {
	for _, bind := range bindings {
		flag := flags.Lookup(bind.flagName)
		if flag == nil {
			return fmt.Errorf("unknown flag %s", bind.flagName)
		}
		if err := viper.BindPFlag(bind.viperKey, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", bind.flagName, err)
		}
	}
	return nil
}

// loadConfig layers defaults, config file, environment and flags. Seed URLs
// given as arguments replace the configured ones.
func loadConfig(args []string) (*config.CrawlConfig, error) {
	cfg := config.DefaultConfig()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(args) > 0 {
		cfg.SeedURLs = args
	}

	cfg.LoadHeadersFromEnv()

	if cfg.UserAgent == config.DefaultConfig().UserAgent {
		cfg.UserAgent = generateUserAgent()
	}
	return cfg, nil
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("Kumo/%s", version)
	}
	return config.DefaultConfig().UserAgent
}

// newLogger builds the process logger from the log section and installs it
// as the slog default.
func newLogger(cfg *config.CrawlConfig) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.NewLogger(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func showCurrentConfig(w io.Writer, cfg *config.CrawlConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current kumo configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./%s.yml\n", configName)
	fmt.Fprintf(w, "# Environment variables prefix: %s_\n\n", envPrefix)

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (%s_ prefix)\n", envPrefix)
	fmt.Fprintf(w, "# 3. Configuration file (%s.yml)\n", configName)
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}
