package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Word splits on whitespace and maps each word through vocab.json. Unknown
// words map to <unk>.
type Word struct {
	dir    string
	vocab  *vocab
	closed bool
}

var _ Tokenizer = (*Word)(nil)

func NewWord(dir string) (*Word, error) {
	v, err := loadVocab(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	return &Word{dir: filepath.Clean(dir), vocab: v}, nil
}

// NewWordFromVocab builds a tokenizer from an in-memory vocabulary. Save
// writes the vocabulary as vocab.json.
func NewWordFromVocab(raw map[string]int64) (*Word, error) {
	v, err := newVocab(raw)
	if err != nil {
		return nil, err
	}
	return &Word{vocab: v}, nil
}

func (t *Word) Encode(text string, addEOS bool) ([]int64, error) {
	if t.closed {
		return nil, ErrClosed
	}
	parts := strings.Fields(text)
	ids := make([]int64, 0, len(parts)+1)
	for _, part := range parts {
		ids = append(ids, t.vocab.lookup(part))
	}
	if addEOS {
		ids = append(ids, t.vocab.eos)
	}
	return ids, nil
}

func (t *Word) Decode(ids []int64, skipSpecial bool) (string, error) {
	if t.closed {
		return "", ErrClosed
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if skipSpecial && t.vocab.special(id) {
			continue
		}
		parts = append(parts, t.vocab.piece(id))
	}
	return strings.Join(parts, " "), nil
}

func (t *Word) PadID() int64   { return t.vocab.pad }
func (t *Word) EOSID() int64   { return t.vocab.eos }
func (t *Word) UnkID() int64   { return t.vocab.unk }
func (t *Word) VocabSize() int { return t.vocab.size() }

func (t *Word) Save(dir string) error {
	if t.dir != "" {
		return copyArtifacts(t.dir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tokenizer directory: %w", err)
	}
	data, err := json.MarshalIndent(t.vocab.token2id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, VocabFile), data, 0o644)
}

func (t *Word) Close() {
	t.closed = true
}
