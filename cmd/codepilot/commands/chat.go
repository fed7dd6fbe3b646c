package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xuxu777xu/CodePilot-sub000/internal/cli"
	"github.com/xuxu777xu/CodePilot-sub000/internal/config"
)

var (
	chatURL     string
	chatSession string
	chatWorkDir string
	chatModel   string
	chatMode    string
	chatNoColor bool
	chatQuiet   bool
	chatVerbose bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session against a CodePilot server",
	Long: `Start an interactive session.

Each line is sent as a turn and the reply is streamed as it arrives. When the
agent asks to use a tool you are prompted to allow or deny it. Type /help for
the available commands.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Server URL (default from config, then http://127.0.0.1:4096)")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID")
	chatCmd.Flags().StringVarP(&chatWorkDir, "workdir", "w", "", "Working directory")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model passed to the agent")
	chatCmd.Flags().StringVar(&chatMode, "mode", "", "Permission mode passed to the agent")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "Hide tool activity")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show status updates")
}

func runChat(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(chatWorkDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	setupLogging(appConfig, false)

	model := chatModel
	if model == "" {
		model = appConfig.Agent.Model
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	c := cli.New(cli.Options{
		URL:       serverURL(chatURL, appConfig),
		Session:   chatSession,
		Directory: workDir,
		Model:     model,
		Mode:      chatMode,
		NoColor:   chatNoColor,
		Quiet:     chatQuiet,
		Verbose:   chatVerbose,
		Stream:    appConfig.Stream,
	}, os.Stdin, os.Stdout, os.Stderr)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
