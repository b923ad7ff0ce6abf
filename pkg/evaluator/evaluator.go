// Package evaluator generates translations for a held-out split and scores
// them with accuracy and weighted precision, recall and F1.
package evaluator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/dataset"
	"github.com/samogod/opustune/pkg/metrics"
	"github.com/samogod/opustune/pkg/preprocess"
	"github.com/samogod/opustune/pkg/seq2seq"
	"github.com/samogod/opustune/pkg/tokenizer"
)

type Generator interface {
	Generate(ctx context.Context, inputIDs, attentionMask [][]int64, opts seq2seq.GenerateOptions) ([][]int64, error)
}

type Options struct {
	Model      Generator
	Tokenizer  tokenizer.Tokenizer
	Examples   []dataset.Example
	Evaluation config.Evaluation

	// Out receives the four metric lines.
	Out    io.Writer
	Logger *logrus.Logger
}

type Report struct {
	metrics.Scores
	Samples  int           `json:"samples"`
	Compare  string        `json:"compare"`
	Duration time.Duration `json:"duration_ns"`
}

func Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	cfg := opts.Evaluation
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	if len(opts.Examples) == 0 {
		return nil, dataset.ErrNoRows
	}
	compare := cfg.Compare
	if compare == "" {
		compare = config.CompareLabelIDs
	}
	if compare != config.CompareLabelIDs && compare != config.CompareDecoded {
		return nil, fmt.Errorf("unknown comparison %q", compare)
	}

	encoded, err := preprocess.Encode(opts.Tokenizer, opts.Examples, cfg.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize evaluation data: %w", err)
	}

	var gen seq2seq.GenerateOptions
	if cfg.MaxNewTokens > 0 {
		gen.MaxLength = cfg.MaxNewTokens + 1
	}

	batches := preprocess.Batches(encoded, cfg.BatchSize, nil)
	predictions := make([]string, 0, len(encoded))
	references := make([]string, 0, len(encoded))
	for i, batch := range batches {
		outputs, err := opts.Model.Generate(ctx, batch.InputIDs, batch.AttentionMask, gen)
		if err != nil {
			return nil, fmt.Errorf("batch %d: failed to generate: %w", i+1, err)
		}
		for r, ids := range outputs {
			pred, err := opts.Tokenizer.Decode(ids, true)
			if err != nil {
				return nil, fmt.Errorf("batch %d: failed to decode prediction: %w", i+1, err)
			}
			predictions = append(predictions, pred)

			ref, err := reference(opts.Tokenizer, batch.Labels[r], compare)
			if err != nil {
				return nil, fmt.Errorf("batch %d: failed to decode reference: %w", i+1, err)
			}
			references = append(references, ref)
		}
		logger.Debugf("evaluated batch %d/%d", i+1, len(batches))
	}

	scores, err := metrics.Compute(references, predictions)
	if err != nil {
		return nil, fmt.Errorf("failed to compute metrics: %w", err)
	}

	fmt.Fprintf(out, "Accuracy: %s\n", metrics.FormatFloat(scores.Accuracy))
	fmt.Fprintf(out, "Precision: %s\n", metrics.FormatFloat(scores.Precision))
	fmt.Fprintf(out, "Recall: %s\n", metrics.FormatFloat(scores.Recall))
	fmt.Fprintf(out, "F1 Score: %s\n", metrics.FormatFloat(scores.F1))

	logger.WithFields(logrus.Fields{"samples": len(predictions), "compare": compare}).Info("evaluation complete")
	return &Report{
		Scores:   scores,
		Samples:  len(predictions),
		Compare:  compare,
		Duration: time.Since(start),
	}, nil
}

// reference renders the label row the predictions are compared with:
// label_ids prints the raw id sequence, decoded strips special tokens.
func reference(tok tokenizer.Tokenizer, labels []int64, compare string) (string, error) {
	if compare == config.CompareDecoded {
		return tok.Decode(labels, true)
	}
	return fmt.Sprint(labels), nil
}
