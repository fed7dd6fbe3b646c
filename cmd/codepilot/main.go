// Package main provides the entry point for the CodePilot CLI.
package main

import (
	"fmt"
	"os"

	"github.com/xuxu777xu/CodePilot-sub000/cmd/codepilot/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
