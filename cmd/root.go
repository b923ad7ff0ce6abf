package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/database"
	"github.com/samogod/opustune/pkg/elastic"
	"github.com/samogod/opustune/pkg/orchestrator"
	"github.com/samogod/opustune/pkg/seq2seq"
	"github.com/samogod/opustune/pkg/session"
)

var (
	configFile string
	verbose    bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "opustune",
	Short: "fine-tune and evaluate opus-mt translation models",
	Long:  `fine-tune pretrained MarianMT (opus-mt) translation models on a CSV parallel corpus and score them on a held-out split`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		Verbose = verbose
		if verbose {
			setDebugLogFunctions()
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	printBanner()

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// DebugLog writes to stderr so stdout carries only losses and metrics.
func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	session.DebugLog = DebugLog
	database.DebugLog = DebugLog
	elastic.DebugLog = DebugLog
	seq2seq.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}{{if .HasAvailableLocalFlags}}Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableSubCommands}}Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./opustune.yaml, config/config.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.AddCommand(versionCmd)
}

func newOrchestrator() *orchestrator.Orchestrator {
	orch, err := orchestrator.NewOrchestrator(orchestrator.Options{
		ConfigPath: configFile,
		Verbose:    verbose,
	})
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	return orch
}

// signalContext is cancelled on SIGINT or SIGTERM; the running batch
// finishes and the run aborts without saving.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printBanner() {
	banner := color.CyanString(`
┌─┐┌─┐┬ ┬┌─┐┌┬┐┬ ┬┌┐┌┌─┐
│ │├─┘│ │└─┐ │ │ ││││├┤ 
└─┘┴  └─┘└─┘ ┴ └─┘┘└┘└─┘  @samogod
`)
	info := color.HiBlackString("opus-mt fine-tuning and evaluation")
	fmt.Fprintln(os.Stderr, banner)
	fmt.Fprintln(os.Stderr, info)
	fmt.Fprintln(os.Stderr)
}
