package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/opustune/pkg/database"
	"github.com/samogod/opustune/pkg/metrics"
	"github.com/samogod/opustune/pkg/orchestrator"
)

var (
	runsKind   string
	runsLimit  int
	runsLosses bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Query the run tracking database",
	Long:  `List tracked train and evaluate runs, newest first`,
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsKind, "kind", "", "filter by kind (train, evaluate)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs to list, 0 for all")
	runsCmd.Flags().BoolVar(&runsLosses, "losses", false, "show the per-epoch train losses of each train run")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) {
	orch := newOrchestrator()
	defer orch.Close()

	records, err := orch.QueryRuns(runsKind, runsLimit)
	if err != nil {
		color.Red("Failed to query runs: %v", err)
		orch.Close()
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] No runs tracked yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	header := "ID\tKIND\tMODEL\tPAIR\tSTATUS\tSTARTED\tFINISHED"
	if runsLosses {
		header += "\tLOSSES"
	}
	fmt.Fprintln(w, color.CyanString(header))
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, r := range records {
		statusColor := color.GreenString
		if r.Status == database.StatusFailed {
			statusColor = color.RedString
		} else if r.Status == database.StatusRunning {
			statusColor = color.YellowString
		}

		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s-%s\t%s\t%s\t%s",
			r.ID,
			r.Kind,
			r.Model,
			r.SourceLang,
			r.TargetLang,
			statusColor(r.Status),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			finished,
		)
		if runsLosses {
			fmt.Fprintf(w, "\t%s", runLosses(orch, r))
		}
		fmt.Fprintln(w)
	}
	w.Flush()

	color.Green("\nTotal runs: %d", len(records))
}

// runLosses formats the tracked epoch losses of a train run.
func runLosses(orch *orchestrator.Orchestrator, r database.RunRecord) string {
	if r.Kind != database.KindTrain {
		return "-"
	}
	losses, err := orch.EpochLosses(r.ID)
	if err != nil {
		return color.RedString("error: %v", err)
	}
	if len(losses) == 0 {
		return "-"
	}
	parts := make([]string, len(losses))
	for i, l := range losses {
		parts[i] = metrics.FormatFloat(l)
	}
	return strings.Join(parts, ",")
}
