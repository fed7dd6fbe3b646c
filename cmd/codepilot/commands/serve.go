package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xuxu777xu/CodePilot-sub000/internal/config"
	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/server"
	"github.com/xuxu777xu/CodePilot-sub000/internal/storage"
	"github.com/xuxu777xu/CodePilot-sub000/internal/workspace"
)

const defaultPort = 4096

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveWatch    bool
	serveAgent    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CodePilot server",
	Long: `Start the CodePilot server.

The server drives the configured agent for each turn (POST /chat), exposes the
session API used by clients (/session/{id}/...) and answers the agent's
permission prompts through the MCP endpoint at /mcp.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", defaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Publish files.changed notifications for the working directory")
	serveCmd.Flags().StringVar(&serveAgent, "agent", "", "Agent kind (claude|script)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	setupLogging(appConfig, true)
	defer logging.Close()

	logging.Info().Str("version", Version).Str("directory", workDir).Msg("Starting CodePilot server")

	if serveAgent != "" {
		appConfig.Agent.Kind = serveAgent
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Directory = workDir
	serverConfig.Hostname = serveHostname
	if !cmd.Flags().Changed("hostname") && appConfig.Server.Hostname != "" {
		serverConfig.Hostname = appConfig.Server.Hostname
	}
	serverConfig.Port = servePort
	if !cmd.Flags().Changed("port") && appConfig.Server.Port != 0 {
		serverConfig.Port = appConfig.Server.Port
	}
	if appConfig.Server.CORS != nil {
		serverConfig.EnableCORS = *appConfig.Server.CORS
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit, err := storage.OpenAudit(ctx, appConfig.Audit.Driver, appConfig.Audit.Path, paths.Data)
	if err != nil {
		return err
	}
	defer audit.Close()

	notes := event.NewBus()
	defer notes.Close()

	srv, err := server.New(serverConfig, appConfig, server.Deps{
		Audit: audit,
		Notes: notes,
	})
	if err != nil {
		return err
	}
	if err := srv.Recover(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to expire stale permission requests")
	}

	if serveWatch {
		watcher, err := workspace.NewWatcher(workDir, notes, workspace.Options{})
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
		logging.Info().Str("directory", workDir).Msg("Watching working directory")
	}

	l, err := srv.Listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("url", srv.URL()).Msg("Server listening")
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logging.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	logging.Info().Msg("Server stopped")
	return nil
}

// exit flushes the log file before leaving with code.
func exit(code int) {
	logging.Close()
	os.Exit(code)
}
