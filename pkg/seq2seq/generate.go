package seq2seq

import (
	"context"
	"fmt"

	"github.com/samogod/opustune/pkg/tensor"
)

type GenerateOptions struct {
	// MaxLength bounds each output sequence, decoder start token included.
	// Zero uses max_length from the model config.
	MaxLength int
}

// Generate decodes every row greedily. Each output starts with the decoder
// start token, stops after EOS and is padded to the longest row of the batch.
// Single-token bad_words_ids are never emitted.
func (m *Model) Generate(ctx context.Context, inputIDs, attentionMask [][]int64, opts GenerateOptions) ([][]int64, error) {
	if len(attentionMask) != len(inputIDs) {
		return nil, fmt.Errorf("%d attention masks for %d inputs", len(attentionMask), len(inputIDs))
	}

	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = m.config.MaxLength
	}
	maxLen = min(maxLen, m.config.MaxPositionEmbeddings)
	if maxLen < 2 {
		return nil, fmt.Errorf("max length %d leaves no room to generate", maxLen)
	}
	banned := m.config.bannedIDs()

	out := make([][]int64, len(inputIDs))
	longest := 0
	for r, ids := range inputIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(attentionMask[r]) != len(ids) {
			return nil, fmt.Errorf("row %d: %d mask entries for %d input ids", r, len(attentionMask[r]), len(ids))
		}
		if err := m.checkIDs(ids); err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}

		st := m.newDecoderState(ids, attentionMask[r])
		seq := []int64{m.config.DecoderStartTokenID}
		for len(seq) < maxLen {
			next := tensor.Argmax(st.step(seq[len(seq)-1]), banned)
			if next < 0 {
				return nil, fmt.Errorf("row %d: every token is banned", r)
			}
			seq = append(seq, int64(next))
			if int64(next) == m.config.EosTokenID {
				break
			}
		}
		out[r] = seq
		longest = max(longest, len(seq))
		if DebugLog != nil {
			DebugLog("generated %d tokens for row %d", len(seq)-1, r)
		}
	}

	for r, seq := range out {
		for len(seq) < longest {
			seq = append(seq, m.config.PadTokenID)
		}
		out[r] = seq
	}
	return out, nil
}

// decoderState runs the decoder one position at a time. Every layer caches
// the self-attention keys and values of earlier positions and the
// cross-attention projections of the encoder output.
type decoderState struct {
	m       *Model
	tp      *tensor.Tape
	srcMask tensor.Mask
	layers  []layerCache
	pos     int
}

type layerCache struct {
	selfK, selfV   *tensor.Matrix
	crossK, crossV *tensor.Node
}

func (m *Model) newDecoderState(ids, mask []int64) *decoderState {
	tp := tensor.NoGrad(m.workers)
	enc := m.encode(tp, ids, mask)
	st := &decoderState{
		m:       m,
		tp:      tp,
		srcMask: sourceMask(mask),
		layers:  make([]layerCache, len(m.decoder)),
	}
	for i, l := range m.decoder {
		st.layers[i] = layerCache{
			selfK:  &tensor.Matrix{},
			selfV:  &tensor.Matrix{},
			crossK: l.crossAttn.k.apply(tp, enc),
			crossV: l.crossAttn.v.apply(tp, enc),
		}
	}
	return st
}

func attendAll(_, _ int) bool {
	return true
}

// step feeds token at the next position and returns the vocabulary logits.
func (s *decoderState) step(token int64) []float32 {
	m, tp := s.m, s.tp

	y := m.embed(tp, []int64{token}, s.pos)
	s.pos++

	for i, l := range m.decoder {
		c := &s.layers[i]
		c.selfK.AppendRow(l.selfAttn.k.apply(tp, y).Value.Data)
		c.selfV.AppendRow(l.selfAttn.v.apply(tp, y).Value.Data)
		a := l.selfAttn.attend(tp, l.selfAttn.q.apply(tp, y), tp.Const(c.selfK), tp.Const(c.selfV), attendAll)
		y = l.selfNorm.apply(tp, tp.Add(y, a))

		a = l.crossAttn.attend(tp, l.crossAttn.q.apply(tp, y), c.crossK, c.crossV, s.srcMask)
		y = l.crossNorm.apply(tp, tp.Add(y, a))

		y = l.finalNorm.apply(tp, tp.Add(y, l.ffn.apply(tp, y)))
	}
	return m.project(tp, y).Value.Row(0)
}
