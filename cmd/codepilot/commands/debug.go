package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xuxu777xu/CodePilot-sub000/internal/agent"
	"github.com/xuxu777xu/CodePilot-sub000/internal/config"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting CodePilot configuration and setup.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE:  runDebugConfig,
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show system paths",
	RunE:  runDebugPaths,
}

var debugAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the available agent kinds",
	Run: func(cmd *cobra.Command, args []string) {
		for _, kind := range agent.NewRegistry().List() {
			fmt.Fprintln(cmd.OutOrStdout(), kind)
		}
	},
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
	debugCmd.AddCommand(debugAgentsCmd)
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir("")
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(appConfig, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runDebugPaths(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "CodePilot System Paths:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:   %s\n", config.GetConfigDir())
	fmt.Fprintf(out, "  Data:     %s\n", paths.Data)
	fmt.Fprintf(out, "  Cache:    %s\n", paths.Cache)
	fmt.Fprintf(out, "  State:    %s\n", paths.State)
	fmt.Fprintf(out, "  Logs:     %s\n", paths.LogPath())
	return nil
}
