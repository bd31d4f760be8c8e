// devloop supervises the process graph declared in a workspace manifest: it
// starts/stops/restarts processes in dependency order, exposes their
// status/logs/URL over a uniform op surface, and (per-workspace, when
// reuse is enabled) shares one supervisor across every terminal that opens
// in that workspace instead of spawning a new one per shell.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Build information, overridden via -ldflags at release build time.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgMagenta, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

var (
	manifestPath string
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:     "devloop",
	Short:   "devloop runs and supervises your workspace's dev processes",
	Long:    "devloop reads a workspace manifest describing your dev processes, starts them in dependency order, and keeps them running.",
	Version: fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "devloop.yaml", "path to the workspace manifest")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(urlCmd)
	rootCmd.AddCommand(interactCmd)
	rootCmd.AddCommand(daemonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatal(err error) {
	errorColor.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
