// Package commands provides the CLI commands for CodePilot.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/xuxu777xu/CodePilot-sub000/internal/config"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "codepilot",
	Short: "CodePilot - streaming session coordinator for coding agents",
	Long: `CodePilot runs a coding agent behind an HTTP server, streams its turns to
clients and routes every tool permission request to a human (or a rule).

Run 'codepilot serve' to start the server, 'codepilot chat' for an interactive
session, or 'codepilot run' to execute a single prompt.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env files are optional
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env when present)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("codepilot %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(debugCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "codepilot %s (%s)\n", Version, BuildTime)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// setupLogging initializes the global logger. Logs go to stderr when
// toStderr or --print-logs is set and are discarded otherwise; a log file is
// kept when the configuration asks for one.
func setupLogging(cfg *types.Config, toStderr bool) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}

	var out io.Writer = io.Discard
	if toStderr || printLogs {
		out = os.Stderr
	}

	logDir := cfg.Log.Dir
	if logDir == "" {
		logDir = config.GetPaths().LogPath()
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(level),
		Output:    out,
		Pretty:    true,
		LogToFile: cfg.Log.File,
		LogDir:    logDir,
	})
	if path := logging.GetLogFilePath(); path != "" {
		logging.Debug().Str("path", path).Msg("Logging to file")
	}
}

// serverURL resolves the server a client talks to: the flag, then the
// configured URL, then the configured port on localhost.
func serverURL(flag string, cfg *types.Config) string {
	if flag != "" {
		return flag
	}
	if cfg.Server.URL != "" {
		return cfg.Server.URL
	}
	port := cfg.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
