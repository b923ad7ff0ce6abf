package tokenizer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/eliben/go-sentencepiece"
)

// SentencePiece word boundary marker.
const spaceMarker = "▁"

// segmenter splits text into SentencePiece pieces.
type segmenter interface {
	segment(text string) []string
}

// bpe adapts the go-sentencepiece processor, which handles BPE models.
type bpe struct {
	proc *sentencepiece.Processor
}

func (b bpe) segment(text string) []string {
	tokens := b.proc.Encode(text)
	pieces := make([]string, len(tokens))
	for i, tok := range tokens {
		pieces[i] = tok.Text
	}
	return pieces
}

// Marian segments text with source.spm and maps the pieces to vocab.json ids.
// Sources and targets are both segmented with source.spm. Unigram models,
// which OPUS-MT ships, are segmented natively; BPE models go through
// go-sentencepiece.
type Marian struct {
	dir   string
	sp    segmenter
	vocab *vocab
}

// ensure interface implementation
var _ Tokenizer = (*Marian)(nil)

// NewMarian creates a Marian tokenizer from a model directory
// containing: vocab.json, source.spm.
func NewMarian(dir string) (*Marian, error) {
	dir = filepath.Clean(dir)

	v, err := loadVocab(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}

	sp, err := newSegmenter(filepath.Join(dir, SourceSPMFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", SourceSPMFile, err)
	}

	return &Marian{dir: dir, sp: sp, vocab: v}, nil
}

func newSegmenter(path string) (segmenter, error) {
	m, err := readSPModel(path)
	if err != nil {
		return nil, err
	}
	switch m.modelType {
	case modelUnigram:
		return newUnigram(m), nil
	case modelBPE:
		proc, err := sentencepiece.NewProcessorFromPath(path)
		if err != nil {
			return nil, err
		}
		return bpe{proc: proc}, nil
	}
	return nil, fmt.Errorf("unsupported sentencepiece model type %d", m.modelType)
}

func (t *Marian) Encode(text string, addEOS bool) ([]int64, error) {
	if t.sp == nil {
		return nil, ErrClosed
	}

	pieces := t.sp.segment(text)
	ids := make([]int64, 0, len(pieces)+1)
	for _, piece := range pieces {
		ids = append(ids, t.vocab.lookup(piece))
	}
	if addEOS {
		ids = append(ids, t.vocab.eos)
	}
	return ids, nil
}

func (t *Marian) Decode(ids []int64, skipSpecial bool) (string, error) {
	if t.sp == nil {
		return "", ErrClosed
	}

	var b strings.Builder
	for _, id := range ids {
		if skipSpecial && t.vocab.special(id) {
			continue
		}
		b.WriteString(t.vocab.piece(id))
	}
	text := strings.ReplaceAll(b.String(), spaceMarker, " ")
	return strings.TrimSpace(text), nil
}

func (t *Marian) PadID() int64   { return t.vocab.pad }
func (t *Marian) EOSID() int64   { return t.vocab.eos }
func (t *Marian) UnkID() int64   { return t.vocab.unk }
func (t *Marian) VocabSize() int { return t.vocab.size() }

func (t *Marian) Save(dir string) error {
	return copyArtifacts(t.dir, dir)
}

func (t *Marian) Close() {
	t.sp = nil
}
