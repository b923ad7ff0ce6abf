package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/opustune/pkg/orchestrator"
)

var modelPath string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a fine-tuned translation model",
	Long:  `Generate translations for a CSV split with a fine-tuned model and print accuracy, precision, recall and F1`,
	Run:   runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVar(&modelPath, "model_path", "", "directory holding the fine-tuned model and tokenizer")
	evaluateCmd.Flags().StringVar(&dataPath, "data_path", "", "CSV file with source_text and target_text columns")
	evaluateCmd.Flags().StringVar(&sourceLang, "source_lang", "", "source language code (e.g. en)")
	evaluateCmd.Flags().StringVar(&targetLang, "target_lang", "", "target language code (e.g. fr)")
	for _, name := range []string{"model_path", "data_path", "source_lang", "target_lang"} {
		evaluateCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) {
	orch := newOrchestrator()
	defer orch.Close()

	ctx, stop := signalContext()
	defer stop()

	DebugLog("evaluating %s on %s", modelPath, dataPath)
	rep, err := orch.RunEvaluate(ctx, orchestrator.EvalOptions{
		ModelPath:  modelPath,
		DataPath:   dataPath,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	if err != nil {
		color.Red("Evaluation failed: %v", err)
		orch.Close()
		os.Exit(1)
	}

	color.New(color.FgGreen).Fprintf(os.Stderr, "\nEvaluation completed: %d samples in %v (compare: %s)\n",
		rep.Samples, rep.Duration, rep.Compare)
}
