package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"google.golang.org/protobuf/encoding/protowire"
)

// SentencePiece model types from sentencepiece_model.proto.
const (
	modelUnigram = 1
	modelBPE     = 2
)

// SentencePiece piece types that may appear in a segmentation.
const (
	pieceNormal      = 1
	pieceUserDefined = 4
)

// unkPenalty is subtracted from the lowest piece score to price an
// unknown character.
const unkPenalty = 10

var errNoPieces = errors.New("sentencepiece model has no pieces")

type spPiece struct {
	text  string
	score float32
	kind  int32
}

// spModel holds the fields of a SentencePiece ModelProto the segmenters
// use.
type spModel struct {
	pieces                 []spPiece
	modelType              int32
	addDummyPrefix         bool
	removeExtraWhitespaces bool
	escapeWhitespaces      bool
}

func readSPModel(path string) (*spModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSPModel(data)
}

// parseSPModel decodes the wire format of a ModelProto. Unknown fields are
// skipped.
func parseSPModel(data []byte) (*spModel, error) {
	m := &spModel{
		modelType:              modelUnigram,
		addDummyPrefix:         true,
		removeExtraWhitespaces: true,
		escapeWhitespaces:      true,
	}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			p, err := parsePiece(v)
			if err != nil {
				return err
			}
			m.pieces = append(m.pieces, p)
		case 2:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
				if num == 3 && typ == protowire.VarintType {
					m.modelType = int32(x)
				}
				return nil
			})
		case 3:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
				if typ != protowire.VarintType {
					return nil
				}
				switch num {
				case 3:
					m.addDummyPrefix = protowire.DecodeBool(x)
				case 4:
					m.removeExtraWhitespaces = protowire.DecodeBool(x)
				case 5:
					m.escapeWhitespaces = protowire.DecodeBool(x)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse sentencepiece model: %w", err)
	}
	if len(m.pieces) == 0 {
		return nil, errNoPieces
	}
	return m, nil
}

func parsePiece(data []byte) (spPiece, error) {
	p := spPiece{kind: pieceNormal}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			p.text = string(v)
		case num == 2 && typ == protowire.Fixed32Type:
			p.score = math.Float32frombits(uint32(x))
		case num == 3 && typ == protowire.VarintType:
			p.kind = int32(x)
		}
		return nil
	})
	return p, err
}

// walkFields calls fn for every top-level field of a message. Length
// delimited values arrive in v, scalar values in x.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(data)
			x = uint64(u)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

// normalize applies NFKC and the whitespace rules of the normalizer spec.
func (m *spModel) normalize(text string) string {
	text = norm.NFKC.String(text)
	if m.removeExtraWhitespaces {
		text = strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	}
	if m.addDummyPrefix && text != "" {
		text = " " + text
	}
	if m.escapeWhitespaces {
		text = strings.ReplaceAll(text, " ", spaceMarker)
	}
	return text
}

// unigram segments normalized text into the highest scoring piece sequence.
type unigram struct {
	model    *spModel
	scores   map[string]float32
	maxLen   int
	unkScore float32
}

func newUnigram(m *spModel) *unigram {
	u := &unigram{model: m, scores: map[string]float32{}}
	minScore := float32(math.MaxFloat32)
	for _, p := range m.pieces {
		switch p.kind {
		case pieceNormal, pieceUserDefined:
		default:
			continue
		}
		if p.text == "" {
			continue
		}
		u.scores[p.text] = p.score
		u.maxLen = max(u.maxLen, len(p.text))
		minScore = min(minScore, p.score)
	}
	if len(u.scores) == 0 {
		minScore = 0
	}
	u.unkScore = minScore - unkPenalty
	return u
}

// segment runs Viterbi over byte offsets at rune boundaries. Characters no
// piece covers become unknown pieces; consecutive unknowns are merged.
func (u *unigram) segment(text string) []string {
	text = u.model.normalize(text)
	if text == "" {
		return nil
	}

	type cell struct {
		score float64
		start int
		unk   bool
		ok    bool
	}
	best := make([]cell, len(text)+1)
	best[0].ok = true

	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		if best[i].ok {
			base := best[i].score
			covered := false
			for end := i + 1; end <= len(text) && end-i <= u.maxLen; end++ {
				if end < len(text) && !utf8.RuneStart(text[end]) {
					continue
				}
				s, ok := u.scores[text[i:end]]
				if !ok {
					continue
				}
				if end-i == size {
					covered = true
				}
				if c := base + float64(s); !best[end].ok || c > best[end].score {
					best[end] = cell{score: c, start: i, ok: true}
				}
			}
			if !covered {
				end := i + size
				if c := base + float64(u.unkScore); !best[end].ok || c > best[end].score {
					best[end] = cell{score: c, start: i, unk: true, ok: true}
				}
			}
		}
		i += size
	}

	var pieces []string
	var unk []bool
	for end := len(text); end > 0; {
		c := best[end]
		pieces = append(pieces, text[c.start:end])
		unk = append(unk, c.unk)
		end = c.start
	}

	out := make([]string, 0, len(pieces))
	for i := len(pieces) - 1; i >= 0; i-- {
		if unk[i] && i+1 < len(pieces) && unk[i+1] && len(out) > 0 {
			out[len(out)-1] += pieces[i]
			continue
		}
		out = append(out, pieces[i])
	}
	return out
}
