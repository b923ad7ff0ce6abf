package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/opustune/pkg/orchestrator"
)

var (
	dataPath   string
	sourceLang string
	targetLang string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune a pretrained translation model",
	Long:  `Fine-tune the pretrained opus-mt model of a language pair on a CSV with source_text and target_text columns, writing the model and tokenizer to the output directory`,
	Run:   runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&dataPath, "data_path", "", "CSV file with source_text and target_text columns")
	trainCmd.Flags().StringVar(&sourceLang, "source_lang", "", "source language code (e.g. en)")
	trainCmd.Flags().StringVar(&targetLang, "target_lang", "", "target language code (e.g. fr)")
	for _, name := range []string{"data_path", "source_lang", "target_lang"} {
		trainCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) {
	orch := newOrchestrator()
	defer orch.Close()

	ctx, stop := signalContext()
	defer stop()

	DebugLog("training %s-%s on %s", sourceLang, targetLang, dataPath)
	res, err := orch.RunTrain(ctx, orchestrator.TrainOptions{
		DataPath:   dataPath,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	if err != nil {
		color.Red("Training failed: %v", err)
		orch.Close()
		os.Exit(1)
	}

	color.New(color.FgGreen).Fprintf(os.Stderr, "\nTraining completed: %d steps in %v, model saved to %s\n",
		res.Steps, res.Duration, res.OutputDir)
}
