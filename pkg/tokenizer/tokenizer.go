// Package tokenizer maps text to Marian vocabulary ids and back.
//
// Two implementations share the Tokenizer interface: Marian, which segments
// text with the checkpoint's SentencePiece model (source.spm) and maps the
// pieces through vocab.json, and Word, a whitespace tokenizer over the same
// vocab.json for checkpoints that ship no SentencePiece model.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	VocabFile           = "vocab.json"
	SourceSPMFile       = "source.spm"
	TargetSPMFile       = "target.spm"
	TokenizerConfigFile = "tokenizer_config.json"
	SpecialTokensFile   = "special_tokens_map.json"

	PadToken = "<pad>"
	EOSToken = "</s>"
	UnkToken = "<unk>"
)

// Files lists every artifact a tokenizer directory may hold.
var Files = []string{VocabFile, SourceSPMFile, TargetSPMFile, TokenizerConfigFile, SpecialTokensFile}

var ErrClosed = errors.New("tokenizer closed")

type Tokenizer interface {
	// Encode encodes a single sentence into token IDs.
	// If addEOS is true, EOS token is appended.
	Encode(text string, addEOS bool) ([]int64, error)

	// Decode converts token IDs back to a sentence.
	// If skipSpecial is true, EOS / PAD / UNK are removed before decoding.
	Decode(ids []int64, skipSpecial bool) (string, error)

	PadID() int64
	EOSID() int64
	UnkID() int64
	VocabSize() int

	// Save writes the tokenizer artifacts into dir.
	Save(dir string) error

	// Close releases any underlying resources.
	Close()
}

// Load picks the Marian tokenizer when dir holds source.spm and falls back to
// the whitespace tokenizer otherwise.
func Load(dir string) (Tokenizer, error) {
	dir = filepath.Clean(dir)
	if _, err := os.Stat(filepath.Join(dir, VocabFile)); err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, SourceSPMFile)); err == nil {
		return NewMarian(dir)
	}
	return NewWord(dir)
}

// copyArtifacts copies the tokenizer files present in src into dst.
func copyArtifacts(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create tokenizer directory: %w", err)
	}
	if sameDir(src, dst) {
		return nil
	}
	for _, name := range Files {
		data, err := os.ReadFile(filepath.Join(src, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
