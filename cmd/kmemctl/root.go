package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kernmem/internal/logger"
	"github.com/joshuapare/kernmem/pkg/kmem"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	noColor    bool
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kmemctl",
	Short: "Drive and inspect the kernel memory manager",
	Long: `kmemctl builds a memory manager in a private arena and exercises it:
scripted refcount scenarios, randomized stress workloads, page map dumps and
component statistics. Every run verifies the manager's invariants.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and log to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Manager config file (YAML)")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "Write logs at this level (debug, info, warn, error) to ~/.kmem/logs")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging routes the manager's logs to stderr in verbose mode and to
// the log directory when only a level is given.
func setupLogging(_ *cobra.Command, _ []string) error {
	switch {
	case verbose:
		level := logger.ParseLevel("debug")
		if logLevel != "" {
			level = logger.ParseLevel(logLevel)
		}
		return logger.Init(logger.Options{Enabled: true, Writer: os.Stderr, Level: level})
	case logLevel != "":
		return logger.Init(logger.Options{Enabled: true, Level: logger.ParseLevel(logLevel)})
	}
	return logger.Init(logger.Options{})
}

// loadConfig returns the --config file's settings, or the defaults.
func loadConfig() (kmem.Config, error) {
	if configPath == "" {
		return kmem.DefaultConfig(), nil
	}
	printVerbose("Loading config: %s\n", configPath)
	return kmem.LoadConfig(configPath)
}

// openManager builds a manager from the effective config.
func openManager() (*kmem.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := kmem.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	return m, nil
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
