package seq2seq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samogod/opustune/pkg/tensor"
)

// sharedAliases are the tied copies of the shared embedding that some
// checkpoints store instead of, or next to, model.shared.weight.
var sharedAliases = []string{
	"model.encoder.embed_tokens.weight",
	"model.decoder.embed_tokens.weight",
	"lm_head.weight",
}

// derivedTensors are recomputed by the runtime and never loaded.
var derivedTensors = map[string]bool{
	"model.encoder.embed_positions.weight": true,
	"model.decoder.embed_positions.weight": true,
}

// LoadPretrained builds a model from a downloaded checkpoint directory.
// Every parameter found in model.safetensors with a matching shape is
// loaded; the rest keep their opts.Seed initialization and are reported as
// warnings.
func LoadPretrained(dir string, opts Options) (*Model, error) {
	cfg, err := ReadConfig(dir, opts.DModel)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, WeightsFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		m.logger.Warnf("No %s in %s, fine-tuning starts from randomly initialized weights", WeightsFile, dir)
		return m, nil
	}

	w, err := openWeights(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pretrained weights: %w", err)
	}

	claimed := map[string]bool{}
	for name := range derivedTensors {
		claimed[name] = true
	}
	for _, name := range sharedAliases {
		claimed[name] = true
	}

	var missing, mismatched []string
	for _, p := range m.params {
		names := []string{p.Name}
		if p.Name == sharedName {
			names = append(names, sharedAliases...)
		}

		var mat *tensor.Matrix
		var found string
		for _, name := range names {
			got, ok, err := w.read(name)
			if err != nil {
				return nil, err
			}
			if ok {
				mat, found = got, name
				break
			}
		}
		claimed[p.Name] = true
		if mat == nil {
			missing = append(missing, p.Name)
			continue
		}
		if mat.Rows != p.Value.Rows || mat.Cols != p.Value.Cols {
			mismatched = append(mismatched, fmt.Sprintf("%s (%v, want %v)", found, mat.Shape(), p.Value.Shape()))
			continue
		}
		copy(p.Value.Data, mat.Data)
	}

	loaded := len(m.params) - len(missing) - len(mismatched)
	if DebugLog != nil {
		DebugLog("loaded %d of %d pretrained tensors from %s", loaded, len(m.params), path)
	}
	if len(missing) > 0 {
		m.logger.Warnf("Pretrained checkpoint lacks %d of %d tensors, initialized from seed: %s",
			len(missing), len(m.params), summarize(missing))
	}
	if len(mismatched) > 0 {
		m.logger.Warnf("Pretrained tensors with unexpected shapes were skipped: %s", summarize(mismatched))
	}
	if extra := unclaimed(w, claimed); len(extra) > 0 {
		m.logger.Warnf("Pretrained checkpoint has %d tensors the model does not use: %s", len(extra), summarize(extra))
	}
	return m, nil
}

// summarize joins the first few names of a list.
func summarize(names []string) string {
	const shown = 5
	if len(names) <= shown {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:shown], ", "), len(names)-shown)
}

// Load restores a model written by Save. Every parameter must be present
// with the shape the config implies.
func Load(dir string, opts Options) (*Model, error) {
	cfg, err := ReadConfig(dir, opts.DModel)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	w, err := openWeights(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open model weights: %w", err)
	}

	for _, p := range m.params {
		mat, ok, err := w.read(p.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTensor, p.Name)
		}
		if mat.Rows != p.Value.Rows || mat.Cols != p.Value.Cols {
			return nil, fmt.Errorf("tensor %s has shape %v, want %v", p.Name, mat.Shape(), p.Value.Shape())
		}
		copy(p.Value.Data, mat.Data)
	}
	return m, nil
}

// Save writes config.json and model.safetensors into dir, creating it.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := m.config.write(dir); err != nil {
		return err
	}
	if err := writeWeights(filepath.Join(dir, WeightsFile), m.params, m.vectors); err != nil {
		return fmt.Errorf("failed to save model weights: %w", err)
	}
	return nil
}
