// Package seq2seq is the MarianMTModel encoder-decoder: post-norm
// transformer layers over a shared embedding that doubles as the output
// projection. Parameter names and weight layouts follow the Hugging Face
// checkpoints so pretrained OPUS-MT weights load directly.
package seq2seq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/preprocess"
	"github.com/samogod/opustune/pkg/tensor"
)

var DebugLog func(string, ...interface{})

var ErrMissingTensor = errors.New("missing tensor")

const (
	sharedName     = "model.shared.weight"
	logitsBiasName = "final_logits_bias"
	initStd        = 0.02
	layerNormEps   = 1e-5
)

type activation func(tp *tensor.Tape, x *tensor.Node) *tensor.Node

var activations = map[string]activation{
	"swish": (*tensor.Tape).SiLU,
	"silu":  (*tensor.Tape).SiLU,
	"gelu":  (*tensor.Tape).GELU,
	"relu":  (*tensor.Tape).ReLU,
	"tanh":  (*tensor.Tape).Tanh,
}

type Options struct {
	// Workers bounds kernel parallelism.
	Workers int
	// Seed drives the initialization of weights the checkpoint does not
	// provide.
	Seed int64
	// DModel is the width used when config.json has no d_model.
	DModel int
	// Logger receives checkpoint warnings; defaults to the logrus standard
	// logger.
	Logger *logrus.Logger
}

type initKind int

const (
	initXavier initKind = iota
	initNormal
	initZero
	initOne
)

// linear holds an [out, in] weight and an out-wide bias, applied as
// x·Wᵀ + b.
type linear struct {
	w, b *tensor.Param
}

func (l linear) apply(tp *tensor.Tape, x *tensor.Node) *tensor.Node {
	return tp.AddRow(tp.MatMulT(x, tp.Param(l.w)), tp.Param(l.b))
}

type layerNorm struct {
	gain, bias *tensor.Param
}

func (n layerNorm) apply(tp *tensor.Tape, x *tensor.Node) *tensor.Node {
	return tp.LayerNorm(x, tp.Param(n.gain), tp.Param(n.bias), layerNormEps)
}

type attention struct {
	q, k, v, out linear
	heads        int
	scale        float32
}

func (a attention) apply(tp *tensor.Tape, x, kv *tensor.Node, allowed tensor.Mask) *tensor.Node {
	return a.attend(tp, a.q.apply(tp, x), a.k.apply(tp, kv), a.v.apply(tp, kv), allowed)
}

// attend runs scaled dot-product attention per head over projected queries,
// keys and values, then the output projection.
func (a attention) attend(tp *tensor.Tape, q, k, v *tensor.Node, allowed tensor.Mask) *tensor.Node {
	width := q.Value.Cols / a.heads
	outs := make([]*tensor.Node, a.heads)
	for h := range outs {
		qh := tp.SliceCols(q, h*width, width)
		kh := tp.SliceCols(k, h*width, width)
		vh := tp.SliceCols(v, h*width, width)
		p := tp.MaskedSoftmax(tp.Scale(tp.MatMulT(qh, kh), a.scale), allowed)
		outs[h] = tp.MatMul(p, vh)
	}
	joined := outs[0]
	if a.heads > 1 {
		joined = tp.ConcatCols(outs...)
	}
	return a.out.apply(tp, joined)
}

type feedForward struct {
	fc1, fc2 linear
	act      activation
}

func (f feedForward) apply(tp *tensor.Tape, x *tensor.Node) *tensor.Node {
	return f.fc2.apply(tp, f.act(tp, f.fc1.apply(tp, x)))
}

type encoderLayer struct {
	selfAttn  attention
	selfNorm  layerNorm
	ffn       feedForward
	finalNorm layerNorm
}

func (l *encoderLayer) apply(tp *tensor.Tape, x *tensor.Node, mask tensor.Mask) *tensor.Node {
	x = l.selfNorm.apply(tp, tp.Add(x, l.selfAttn.apply(tp, x, x, mask)))
	return l.finalNorm.apply(tp, tp.Add(x, l.ffn.apply(tp, x)))
}

type decoderLayer struct {
	selfAttn  attention
	selfNorm  layerNorm
	crossAttn attention
	crossNorm layerNorm
	ffn       feedForward
	finalNorm layerNorm
}

func (l *decoderLayer) apply(tp *tensor.Tape, y, enc *tensor.Node, srcMask tensor.Mask) *tensor.Node {
	y = l.selfNorm.apply(tp, tp.Add(y, l.selfAttn.apply(tp, y, y, causal)))
	y = l.crossNorm.apply(tp, tp.Add(y, l.crossAttn.apply(tp, y, enc, srcMask)))
	return l.finalNorm.apply(tp, tp.Add(y, l.ffn.apply(tp, y)))
}

type Model struct {
	config  *Config
	workers int
	logger  *logrus.Logger
	rng     *rand.Rand

	shared     *tensor.Param
	logitsBias *tensor.Param
	encoder    []*encoderLayer
	decoder    []*decoderLayer

	params []*tensor.Param
	// vectors are stored one-dimensional in safetensors.
	vectors    map[string]bool
	positions  *tensor.Matrix
	embedScale float32
}

// New builds a randomly initialized model for cfg.
func New(cfg *Config, opts Options) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := cfg.DModel
	m := &Model{
		config:     cfg,
		workers:    max(opts.Workers, 1),
		logger:     logger,
		rng:        rand.New(rand.NewSource(opts.Seed)),
		vectors:    map[string]bool{},
		embedScale: 1,
	}
	if cfg.ScaleEmbedding {
		m.embedScale = float32(math.Sqrt(float64(d)))
	}

	m.shared = m.param(sharedName, cfg.VocabSize, d, initNormal)
	m.logitsBias = m.param(logitsBiasName, 1, cfg.VocabSize, initZero)

	act := activations[cfg.ActivationFunction]
	for i := 0; i < cfg.EncoderLayers; i++ {
		prefix := fmt.Sprintf("model.encoder.layers.%d", i)
		m.encoder = append(m.encoder, &encoderLayer{
			selfAttn:  m.attention(prefix+".self_attn", d, cfg.EncoderAttentionHeads),
			selfNorm:  m.layerNorm(prefix+".self_attn_layer_norm", d),
			ffn:       m.feedForward(prefix, d, cfg.EncoderFFNDim, act),
			finalNorm: m.layerNorm(prefix+".final_layer_norm", d),
		})
	}
	for i := 0; i < cfg.DecoderLayers; i++ {
		prefix := fmt.Sprintf("model.decoder.layers.%d", i)
		m.decoder = append(m.decoder, &decoderLayer{
			selfAttn:  m.attention(prefix+".self_attn", d, cfg.DecoderAttentionHeads),
			selfNorm:  m.layerNorm(prefix+".self_attn_layer_norm", d),
			crossAttn: m.attention(prefix+".encoder_attn", d, cfg.DecoderAttentionHeads),
			crossNorm: m.layerNorm(prefix+".encoder_attn_layer_norm", d),
			ffn:       m.feedForward(prefix, d, cfg.DecoderFFNDim, act),
			finalNorm: m.layerNorm(prefix+".final_layer_norm", d),
		})
	}

	m.positions = sinusoidalPositions(cfg.MaxPositionEmbeddings, d)
	return m, nil
}

func (m *Model) param(name string, rows, cols int, init initKind) *tensor.Param {
	p := tensor.NewParam(name, rows, cols)
	switch init {
	case initXavier:
		p.Value.XavierUniform(m.rng)
	case initNormal:
		p.Value.Normal(m.rng, initStd)
	case initOne:
		for i := range p.Value.Data {
			p.Value.Data[i] = 1
		}
	}
	m.params = append(m.params, p)
	return p
}

func (m *Model) vector(name string, n int, init initKind) *tensor.Param {
	m.vectors[name] = true
	return m.param(name, 1, n, init)
}

func (m *Model) linear(prefix string, in, out int) linear {
	return linear{
		w: m.param(prefix+".weight", out, in, initXavier),
		b: m.vector(prefix+".bias", out, initZero),
	}
}

func (m *Model) layerNorm(prefix string, d int) layerNorm {
	return layerNorm{
		gain: m.vector(prefix+".weight", d, initOne),
		bias: m.vector(prefix+".bias", d, initZero),
	}
}

func (m *Model) attention(prefix string, d, heads int) attention {
	return attention{
		q:     m.linear(prefix+".q_proj", d, d),
		k:     m.linear(prefix+".k_proj", d, d),
		v:     m.linear(prefix+".v_proj", d, d),
		out:   m.linear(prefix+".out_proj", d, d),
		heads: heads,
		scale: float32(1 / math.Sqrt(float64(d/heads))),
	}
}

func (m *Model) feedForward(prefix string, d, ffn int, act activation) feedForward {
	return feedForward{
		fc1: m.linear(prefix+".fc1", d, ffn),
		fc2: m.linear(prefix+".fc2", ffn, d),
		act: act,
	}
}

// sinusoidalPositions lays out sines in the first half of each row and
// cosines in the second, like Marian's positional embedding.
func sinusoidalPositions(n, d int) *tensor.Matrix {
	pe := tensor.New(n, d)
	half := (d + 1) / 2
	for pos := 0; pos < n; pos++ {
		row := pe.Row(pos)
		for j := 0; j < d; j++ {
			k := j
			if j >= half {
				k = j - half
			}
			angle := float64(pos) / math.Pow(10000, float64(2*k)/float64(d))
			if j < half {
				row[j] = float32(math.Sin(angle))
			} else {
				row[j] = float32(math.Cos(angle))
			}
		}
	}
	return pe
}

func (m *Model) Config() *Config {
	return m.config
}

func (m *Model) Parameters() []*tensor.Param {
	return m.params
}

func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

func (m *Model) checkIDs(ids []int64) error {
	if len(ids) > m.config.MaxPositionEmbeddings {
		return fmt.Errorf("sequence of %d tokens exceeds max_position_embeddings %d", len(ids), m.config.MaxPositionEmbeddings)
	}
	for _, id := range ids {
		if id < 0 || id >= int64(m.config.VocabSize) {
			return fmt.Errorf("token id %d outside vocabulary of %d", id, m.config.VocabSize)
		}
	}
	return nil
}

func (m *Model) embed(tp *tensor.Tape, ids []int64, offset int) *tensor.Node {
	d := m.config.DModel
	x := tp.Gather(tp.Param(m.shared), ids)
	if m.embedScale != 1 {
		x = tp.Scale(x, m.embedScale)
	}
	pos := &tensor.Matrix{Rows: len(ids), Cols: d, Data: m.positions.Data[offset*d : (offset+len(ids))*d]}
	return tp.AddConst(x, pos)
}

func sourceMask(mask []int64) tensor.Mask {
	return func(_, j int) bool { return mask[j] != 0 }
}

func causal(i, j int) bool {
	return j <= i
}

func (m *Model) encode(tp *tensor.Tape, ids, mask []int64) *tensor.Node {
	x := m.embed(tp, ids, 0)
	for _, l := range m.encoder {
		x = l.apply(tp, x, sourceMask(mask))
	}
	return x
}

func (m *Model) project(tp *tensor.Tape, y *tensor.Node) *tensor.Node {
	return tp.AddRow(tp.MatMulT(y, tp.Param(m.shared)), tp.Param(m.logitsBias))
}

// logits runs the teacher-forced decoder over decIn and returns one row of
// vocabulary logits per position.
func (m *Model) logits(tp *tensor.Tape, ids, mask, decIn []int64) *tensor.Node {
	enc := m.encode(tp, ids, mask)
	y := m.embed(tp, decIn, 0)
	for _, l := range m.decoder {
		y = l.apply(tp, y, enc, sourceMask(mask))
	}
	return m.project(tp, y)
}

// shiftRight prepends the decoder start token and drops the last label.
func (m *Model) shiftRight(labels []int64) []int64 {
	out := make([]int64, len(labels))
	out[0] = m.config.DecoderStartTokenID
	copy(out[1:], labels[:len(labels)-1])
	return out
}

func (m *Model) checkRow(b preprocess.Batch, r int) error {
	ids, mask, labels := b.InputIDs[r], b.AttentionMask[r], b.Labels[r]
	if len(ids) == 0 || len(labels) == 0 {
		return fmt.Errorf("row %d is empty", r)
	}
	if len(mask) != len(ids) {
		return fmt.Errorf("row %d: %d mask entries for %d input ids", r, len(mask), len(ids))
	}
	if err := m.checkIDs(ids); err != nil {
		return fmt.Errorf("row %d input: %w", r, err)
	}
	if err := m.checkIDs(labels); err != nil {
		return fmt.Errorf("row %d labels: %w", r, err)
	}
	return nil
}

// ForwardBackward computes the mean token cross entropy of the batch, pad
// labels included, and accumulates its gradient into the parameters. Rows
// are processed one at a time so only one row's graph is alive.
func (m *Model) ForwardBackward(ctx context.Context, b preprocess.Batch) (float32, error) {
	return m.loss(ctx, b, true)
}

// Loss computes the same mean token cross entropy without gradients.
func (m *Model) Loss(ctx context.Context, b preprocess.Batch) (float32, error) {
	return m.loss(ctx, b, false)
}

func (m *Model) loss(ctx context.Context, b preprocess.Batch, withGrad bool) (float32, error) {
	if b.Len() == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	if len(b.AttentionMask) != b.Len() || len(b.Labels) != b.Len() {
		return 0, fmt.Errorf("batch fields have different row counts")
	}

	var tokens int
	for r := 0; r < b.Len(); r++ {
		if err := m.checkRow(b, r); err != nil {
			return 0, err
		}
		tokens += len(b.Labels[r])
	}
	scale := 1 / float32(tokens)

	var total float32
	for r := 0; r < b.Len(); r++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tp := tensor.NoGrad(m.workers)
		if withGrad {
			tp = tensor.NewTape(m.workers)
		}
		labels := b.Labels[r]
		logits := m.logits(tp, b.InputIDs[r], b.AttentionMask[r], m.shiftRight(labels))
		loss := tp.CrossEntropy(logits, labels, scale)
		if withGrad {
			if err := tp.Backward(loss); err != nil {
				return 0, fmt.Errorf("failed to backpropagate row %d: %w", r, err)
			}
		}
		total += loss.Scalar()
	}
	return total, nil
}
