// Package trainer runs the fine-tuning loop: tokenize the split once, then
// for every epoch and batch compute the loss, backpropagate, step AdamW and
// the linear schedule, and finally save the model and tokenizer.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/dataset"
	"github.com/samogod/opustune/pkg/metrics"
	"github.com/samogod/opustune/pkg/optim"
	"github.com/samogod/opustune/pkg/preprocess"
	"github.com/samogod/opustune/pkg/tensor"
	"github.com/samogod/opustune/pkg/tokenizer"
)

// Model is the capability the loop needs from the network.
type Model interface {
	// ForwardBackward returns the batch loss and accumulates its gradient.
	ForwardBackward(ctx context.Context, b preprocess.Batch) (float32, error)
	Parameters() []*tensor.Param
	Save(dir string) error
}

type Options struct {
	Model     Model
	Tokenizer tokenizer.Tokenizer
	Examples  []dataset.Example
	Training  config.Training

	// Out receives the "Epoch i/N" and "Train Loss: x" lines.
	Out    io.Writer
	Logger *logrus.Logger
	// OnEpoch, when set, observes each epoch's mean loss.
	OnEpoch func(epoch int, loss float64)
}

type Result struct {
	EpochLosses []float64
	Steps       int
	OutputDir   string
	Duration    time.Duration
}

func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	cfg := opts.Training
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
	if cfg.BatchSize <= 0 || cfg.Epochs <= 0 {
		return nil, fmt.Errorf("batch size and epochs must be positive, got %d and %d", cfg.BatchSize, cfg.Epochs)
	}

	encoded, err := preprocess.Encode(opts.Tokenizer, opts.Examples, cfg.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize training data: %w", err)
	}

	perEpoch := preprocess.NumBatches(len(encoded), cfg.BatchSize)
	total := perEpoch * cfg.Epochs
	optimizer := optim.NewAdamW(opts.Model.Parameters())
	schedule := optim.NewLinearSchedule(cfg.LearningRate, cfg.WarmupSteps, total)

	var rng *rand.Rand
	if cfg.Shuffle {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}

	logger.Infof("training on %d rows: %d epochs of %d batches", len(encoded), cfg.Epochs, perEpoch)

	result := &Result{OutputDir: cfg.OutputDir}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		var sum float64
		batches := preprocess.Batches(encoded, cfg.BatchSize, rng)
		for i, batch := range batches {
			loss, err := opts.Model.ForwardBackward(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("epoch %d batch %d: %w", epoch, i+1, err)
			}
			if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
				return nil, fmt.Errorf("epoch %d batch %d: loss is %v", epoch, i+1, loss)
			}

			optimizer.Step(schedule.LR())
			schedule.Step()
			optimizer.ZeroGrad()
			sum += float64(loss)

			logger.Debugf("epoch %d batch %d/%d loss %.6f lr %.3g", epoch, i+1, len(batches), loss, schedule.LR())
		}

		mean := sum / float64(len(batches))
		result.EpochLosses = append(result.EpochLosses, mean)
		fmt.Fprintf(out, "Epoch %d/%d\n", epoch, cfg.Epochs)
		fmt.Fprintf(out, "Train Loss: %s\n", metrics.FormatFloat(mean))
		logger.WithFields(logrus.Fields{"epoch": epoch, "loss": mean}).Info("epoch complete")
		if opts.OnEpoch != nil {
			opts.OnEpoch(epoch, mean)
		}
	}
	result.Steps = optimizer.Steps()

	if err := save(opts.Model, opts.Tokenizer, cfg.OutputDir); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	logger.Infof("model saved to %s", cfg.OutputDir)
	return result, nil
}

// save writes the model and tokenizer into a staging directory next to dir
// and renames it into place once both are complete. A previous dir is
// replaced only after the new artifacts are written.
func save(m Model, tok tokenizer.Tokenizer, dir string) error {
	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create output parent directory: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	if err := m.Save(staging); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	if err := tok.Save(staging); err != nil {
		return fmt.Errorf("failed to save tokenizer: %w", err)
	}

	var previous string
	if _, err := os.Stat(dir); err == nil {
		previous = staging + ".old"
		if err := os.Rename(dir, previous); err != nil {
			return fmt.Errorf("failed to move previous output aside: %w", err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if previous != "" {
			_ = os.Rename(previous, dir)
		}
		return fmt.Errorf("failed to move model into %s: %w", dir, err)
	}
	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			return fmt.Errorf("failed to remove previous output: %w", err)
		}
	}
	return nil
}
