package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/logging"
)

const Version = "0.1.0"

var (
	logLevelFlags []string // repeatable --log-level flag values
)

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein - Real-time collaborative graph editing server",
	Long: `Skein is the collaboration backbone of a visual workflow platform.
It hosts live graph editing sessions, fans edits out to every connected
editor, and persists the working state to the store.`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Per-package log levels: --log-level debug --log-level session.manager=debug
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		nil,
		"Log level for packages. Use a bare level for the default, or 'package.name=level' for per-package.\n"+
			"Examples: --log-level debug (all), --log-level session.manager=debug --log-level cluster.coordinator=warn")

	rootCmd.AddCommand(serverCmd)
}

// HandleError prints the error to stderr and exits. A nil error is a
// no-op so callers can use it unconditionally.
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// setupLog initializes the logging system with parsed log level flags.
// Priority: CLI flags > environment variables > config file value.
func setupLog(configLevel string, flags []string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(configLevel, flags)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags merges the config file default, LOG_LEVEL_* env
// vars and CLI flags into a default level plus per-package overrides.
//
// CLI format: ["debug"], ["default=info", "session.manager=debug"], or ["info"]
// Env vars: LOG_LEVEL_SESSION_MANAGER=debug (package name uppercased, dots to underscores)
func parseLogLevelFlags(configLevel string, flags []string) (string, map[string]string, error) {
	levels := levelsFromEnv()

	// CLI flags override env vars. A bare level like "debug" sets the default.
	for _, f := range flags {
		if pkg, level, ok := strings.Cut(f, "="); ok {
			levels[pkg] = level
		} else {
			levels["default"] = f
		}
	}

	defaultLevel := "info"
	if configLevel != "" {
		defaultLevel = configLevel
	}
	if level, ok := levels["default"]; ok {
		defaultLevel = level
		delete(levels, "default")
	}

	if _, err := logging.ParseLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range levels {
		if _, err := logging.ParseLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %v", pkg, err)
		}
	}

	return defaultLevel, levels, nil
}

// levelsFromEnv collects LOG_LEVEL_* overrides from the environment,
// mapping LOG_LEVEL_SESSION_MANAGER=debug to session.manager.
func levelsFromEnv() map[string]string {
	levels := make(map[string]string)
	for _, pair := range os.Environ() {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(key, "LOG_LEVEL_") {
			continue
		}
		pkg := strings.TrimPrefix(key, "LOG_LEVEL_")
		levels[strings.ToLower(strings.ReplaceAll(pkg, "_", "."))] = value
	}
	return levels
}
