package seq2seq

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/samogod/opustune/pkg/preprocess"
	"github.com/samogod/opustune/pkg/tensor"
)

func testConfig() *Config {
	cfg := &Config{
		VocabSize:             10,
		DModel:                8,
		EncoderLayers:         2,
		DecoderLayers:         2,
		EncoderAttentionHeads: 2,
		DecoderAttentionHeads: 2,
		EncoderFFNDim:         12,
		DecoderFFNDim:         12,
		EosTokenID:            0,
		PadTokenID:            9,
		MaxLength:             6,
		MaxPositionEmbeddings: 16,
		ScaleEmbedding:        true,
		BadWordsIDs:           [][]int64{{9}},
	}
	cfg.NormalizeConfig(8)
	return cfg
}

func testModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(testConfig(), Options{Workers: 1, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testBatch() preprocess.Batch {
	return preprocess.Batch{
		InputIDs:      [][]int64{{3, 4, 0, 9}, {5, 0, 9, 9}},
		AttentionMask: [][]int64{{1, 1, 1, 0}, {1, 1, 0, 0}},
		Labels:        [][]int64{{6, 7, 0, 9}, {2, 0, 9, 9}},
	}
}

func TestNormalizeConfig(t *testing.T) {
	dir := t.TempDir()
	body := `{"vocab_size": 10, "pad_token_id": 9, "eos_token_id": 0}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadConfig(dir, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ModelType:             "marian",
		Architectures:         []string{"MarianMTModel"},
		VocabSize:             10,
		DecoderVocabSize:      10,
		DModel:                8,
		EncoderLayers:         6,
		DecoderLayers:         6,
		EncoderFFNDim:         32,
		DecoderFFNDim:         32,
		EncoderAttentionHeads: 8,
		DecoderAttentionHeads: 8,
		ActivationFunction:    "swish",
		MaxPositionEmbeddings: 512,
		PadTokenID:            9,
		DecoderStartTokenID:   9,
		MaxLength:             512,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ReadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.DecoderVocabSize = 20
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted a separate decoder vocabulary")
	}

	cfg = testConfig()
	cfg.PadTokenID = 10
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted a pad id outside the vocabulary")
	}

	cfg = testConfig()
	cfg.DecoderAttentionHeads = 3
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted 3 heads over d_model 8")
	}

	cfg = testConfig()
	cfg.ActivationFunction = "softsign"
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted an unknown activation")
	}
}

func TestDefaultHeadsForOddWidth(t *testing.T) {
	cfg := &Config{VocabSize: 4, DModel: 6}
	cfg.NormalizeConfig(6)
	if cfg.EncoderAttentionHeads != 1 || cfg.DecoderAttentionHeads != 1 {
		t.Errorf("heads = %d/%d, want 1 for d_model 6", cfg.EncoderAttentionHeads, cfg.DecoderAttentionHeads)
	}
}

func TestLayerStack(t *testing.T) {
	m := testModel(t)
	if len(m.encoder) != 2 || len(m.decoder) != 2 {
		t.Fatalf("layers = %d/%d, want 2/2", len(m.encoder), len(m.decoder))
	}
	names := map[string][]int{}
	for _, p := range m.Parameters() {
		names[p.Name] = p.Value.Shape()
	}
	want := map[string][]int{
		"model.encoder.layers.1.self_attn.k_proj.weight":      {8, 8},
		"model.encoder.layers.1.fc1.weight":                   {12, 8},
		"model.encoder.layers.1.fc2.weight":                   {8, 12},
		"model.encoder.layers.0.final_layer_norm.weight":      {1, 8},
		"model.decoder.layers.1.encoder_attn_layer_norm.bias": {1, 8},
		"model.decoder.layers.0.encoder_attn.out_proj.weight": {8, 8},
		"model.decoder.layers.1.fc1.bias":                     {1, 12},
	}
	for name, shape := range want {
		if diff := cmp.Diff(shape, names[name]); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}
	// 2 embedding tensors, 16 per encoder layer, 26 per decoder layer.
	if got := len(m.Parameters()); got != 2+2*16+2*26 {
		t.Errorf("%d parameters, want %d", got, 2+2*16+2*26)
	}
	for _, p := range m.Parameters() {
		if p.Name == "model.encoder.layers.0.self_attn_layer_norm.weight" && p.Value.Data[0] != 1 {
			t.Errorf("layer norm gain initialized to %v, want 1", p.Value.Data[0])
		}
	}
}

func TestIncrementalDecodingMatchesTeacherForcing(t *testing.T) {
	m := testModel(t)
	ids, mask := []int64{3, 4, 0, 9}, []int64{1, 1, 1, 0}
	decIn := []int64{9, 2, 6, 7, 0}

	full := m.logits(tensor.NoGrad(1), ids, mask, decIn).Value
	st := m.newDecoderState(ids, mask)
	for i, tok := range decIn {
		row := st.step(tok)
		for j, v := range row {
			if d := math.Abs(float64(v - full.At(i, j))); d > 1e-5 {
				t.Fatalf("position %d token %d: incremental %v, full %v", i, j, v, full.At(i, j))
			}
		}
	}
}

func TestForwardBackwardMatchesLoss(t *testing.T) {
	m := testModel(t)
	ctx := context.Background()

	want, err := m.Loss(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.ForwardBackward(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("ForwardBackward() = %v, Loss() = %v", got, want)
	}
	if math.IsNaN(float64(got)) || got < 0 {
		t.Errorf("loss = %v, want finite non-negative", got)
	}

	var norm float64
	for _, p := range m.Parameters() {
		for _, g := range p.Grad.Data {
			norm += float64(g * g)
		}
	}
	if norm == 0 {
		t.Error("ForwardBackward() accumulated no gradient")
	}

	m.ZeroGrad()
	for _, p := range m.Parameters() {
		for _, g := range p.Grad.Data {
			if g != 0 {
				t.Fatalf("%s gradient not cleared", p.Name)
			}
		}
	}
}

func TestModelGradientsMatchFiniteDifferences(t *testing.T) {
	m := testModel(t)
	ctx := context.Background()
	if _, err := m.ForwardBackward(ctx, testBatch()); err != nil {
		t.Fatal(err)
	}

	check := map[string]bool{
		sharedName:     true,
		logitsBiasName: true,
		"model.encoder.layers.0.self_attn.q_proj.weight":    true,
		"model.encoder.layers.1.final_layer_norm.weight":    true,
		"model.decoder.layers.0.self_attn_layer_norm.bias":  true,
		"model.decoder.layers.1.encoder_attn.v_proj.weight": true,
		"model.decoder.layers.1.fc2.weight":                 true,
	}
	const eps = 1e-2
	for _, p := range m.Parameters() {
		if !check[p.Name] {
			continue
		}
		best := 0
		for i, g := range p.Grad.Data {
			if math.Abs(float64(g)) > math.Abs(float64(p.Grad.Data[best])) {
				best = i
			}
		}
		analytic := float64(p.Grad.Data[best])

		orig := p.Value.Data[best]
		p.Value.Data[best] = orig + eps
		plus, _ := m.Loss(ctx, testBatch())
		p.Value.Data[best] = orig - eps
		minus, _ := m.Loss(ctx, testBatch())
		p.Value.Data[best] = orig

		numeric := float64(plus-minus) / (2 * eps)
		if math.Abs(numeric-analytic) > 2e-3+0.05*math.Abs(analytic) {
			t.Errorf("%s[%d]: analytic %g, numeric %g", p.Name, best, analytic, numeric)
		}
	}
}

func TestLossRejectsOutOfVocabularyIDs(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	b.Labels[1][0] = 42
	if _, err := m.ForwardBackward(context.Background(), b); err == nil {
		t.Error("ForwardBackward() accepted label id 42 with a vocabulary of 10")
	}
}

func TestLossHonorsCancellation(t *testing.T) {
	m := testModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ForwardBackward(ctx, testBatch()); !errors.Is(err, context.Canceled) {
		t.Errorf("ForwardBackward() error = %v, want context.Canceled", err)
	}
}

func TestGenerate(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	cfg := m.Config()

	out, err := m.Generate(context.Background(), b.InputIDs, b.AttentionMask, GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("Generate() returned %d rows, want 2", len(out))
	}
	for r, seq := range out {
		if len(seq) != len(out[0]) {
			t.Errorf("row %d has length %d, want %d", r, len(seq), len(out[0]))
		}
		if len(seq) > cfg.MaxLength {
			t.Errorf("row %d has length %d beyond max_length %d", r, len(seq), cfg.MaxLength)
		}
		if seq[0] != cfg.DecoderStartTokenID {
			t.Errorf("row %d starts with %d, want decoder start %d", r, seq[0], cfg.DecoderStartTokenID)
		}
		done := false
		for i, id := range seq[1:] {
			switch {
			case done && id != cfg.PadTokenID:
				t.Errorf("row %d position %d: %d after EOS, want pad", r, i+1, id)
			case !done && id == cfg.PadTokenID:
				t.Errorf("row %d position %d: banned pad id generated", r, i+1)
			case id == cfg.EosTokenID:
				done = true
			}
		}
	}

	again, err := m.Generate(context.Background(), b.InputIDs, b.AttentionMask, GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(out, again); diff != "" {
		t.Errorf("Generate() is not deterministic (-first +second):\n%s", diff)
	}
}

func TestGenerateMaxLength(t *testing.T) {
	m := testModel(t)
	b := testBatch()
	out, err := m.Generate(context.Background(), b.InputIDs, b.AttentionMask, GenerateOptions{MaxLength: 2})
	if err != nil {
		t.Fatal(err)
	}
	for r, seq := range out {
		if len(seq) != 2 {
			t.Errorf("row %d has length %d, want 2", r, len(seq))
		}
	}

	if _, err := m.Generate(context.Background(), b.InputIDs, b.AttentionMask, GenerateOptions{MaxLength: 1}); err == nil {
		t.Error("Generate() with max length 1 returned nil error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := testModel(t)
	if _, err := m.ForwardBackward(context.Background(), testBatch()); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "models")
	if err := m.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir, Options{Workers: 2, Seed: 99})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m.Config(), loaded.Config()); diff != "" {
		t.Errorf("config mismatch (-saved +loaded):\n%s", diff)
	}
	for i, p := range m.Parameters() {
		q := loaded.Parameters()[i]
		if diff := cmp.Diff(p.Value, q.Value); diff != "" {
			t.Errorf("%s mismatch (-saved +loaded):\n%s", p.Name, diff)
		}
	}
}

func TestLoadMissingTensor(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()
	if err := m.config.write(dir); err != nil {
		t.Fatal(err)
	}
	if err := writeWeights(filepath.Join(dir, WeightsFile), m.params[1:], m.vectors); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, Options{}); !errors.Is(err, ErrMissingTensor) {
		t.Errorf("Load() error = %v, want ErrMissingTensor", err)
	}
}

func warnings(hook *logtest.Hook) []string {
	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func TestLoadWithoutWeights(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()
	if err := m.config.write(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, Options{}); err == nil {
		t.Error("Load() without model.safetensors returned nil error")
	}

	logger, hook := logtest.NewNullLogger()
	if _, err := LoadPretrained(dir, Options{Logger: logger}); err != nil {
		t.Fatalf("LoadPretrained() without weights: %v", err)
	}
	msgs := warnings(hook)
	if len(msgs) != 1 || !strings.Contains(msgs[0], WeightsFile) {
		t.Errorf("warnings = %q, want one about the missing %s", msgs, WeightsFile)
	}
}

func TestSaveThenLoadPretrainedKeepsEveryWeight(t *testing.T) {
	m := testModel(t)
	if _, err := m.ForwardBackward(context.Background(), testBatch()); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := m.Save(dir); err != nil {
		t.Fatal(err)
	}

	logger, hook := logtest.NewNullLogger()
	loaded, err := LoadPretrained(dir, Options{Workers: 1, Seed: 99, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if msgs := warnings(hook); len(msgs) != 0 {
		t.Errorf("unexpected warnings: %q", msgs)
	}
	for i, p := range m.Parameters() {
		if diff := cmp.Diff(p.Value, loaded.Parameters()[i].Value); diff != "" {
			t.Errorf("%s mismatch (-saved +loaded):\n%s", p.Name, diff)
		}
	}

	ctx := context.Background()
	want, err := m.Loss(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Loss(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("reloaded loss = %v, want %v", got, want)
	}
}

func TestSavedTensorLayout(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()
	if err := m.Save(dir); err != nil {
		t.Fatal(err)
	}
	w, err := openWeights(filepath.Join(dir, WeightsFile))
	if err != nil {
		t.Fatal(err)
	}
	for name, want := range map[string][]uint64{
		sharedName:                                          {10, 8},
		logitsBiasName:                                      {1, 10},
		"model.encoder.layers.0.fc1.weight":                 {12, 8},
		"model.encoder.layers.0.fc1.bias":                   {12},
		"model.decoder.layers.1.final_layer_norm.weight":    {8},
		"model.decoder.layers.1.encoder_attn.q_proj.weight": {8, 8},
	} {
		tv, ok := w.st.Tensor(name)
		if !ok {
			t.Errorf("saved checkpoint has no %s", name)
			continue
		}
		if diff := cmp.Diff(want, tv.Shape()); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestLoadPretrainedPartialCheckpoint(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	if err := cfg.write(dir); err != nil {
		t.Fatal(err)
	}

	shared := tensor.NewParam("model.encoder.embed_tokens.weight", cfg.VocabSize, cfg.DModel)
	for i := range shared.Value.Data {
		shared.Value.Data[i] = float32(i) / 100
	}
	bias := tensor.NewParam(logitsBiasName, 1, cfg.VocabSize)
	for i := range bias.Value.Data {
		bias.Value.Data[i] = -float32(i)
	}
	gain := tensor.NewParam("model.decoder.layers.0.final_layer_norm.weight", 1, cfg.DModel)
	for i := range gain.Value.Data {
		gain.Value.Data[i] = 3
	}
	stray := tensor.NewParam("model.encoder.layers.0.fc1.weight", 3, 3)
	unused := tensor.NewParam("model.encoder.layernorm_embedding.weight", 1, cfg.DModel)
	params := []*tensor.Param{shared, bias, gain, stray, unused}
	vectors := map[string]bool{gain.Name: true, unused.Name: true}
	if err := writeWeights(filepath.Join(dir, WeightsFile), params, vectors); err != nil {
		t.Fatal(err)
	}

	logger, hook := logtest.NewNullLogger()
	m, err := LoadPretrained(dir, Options{Seed: 1, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(shared.Value, m.shared.Value); diff != "" {
		t.Errorf("shared embedding mismatch (-checkpoint +model):\n%s", diff)
	}
	if diff := cmp.Diff(bias.Value, m.logitsBias.Value); diff != "" {
		t.Errorf("logits bias mismatch (-checkpoint +model):\n%s", diff)
	}
	for _, p := range m.params {
		switch p.Name {
		case gain.Name:
			if diff := cmp.Diff(gain.Value, p.Value); diff != "" {
				t.Errorf("layer norm gain mismatch (-checkpoint +model):\n%s", diff)
			}
		case stray.Name:
			if p.Value.Rows != cfg.EncoderFFNDim {
				t.Errorf("mismatched checkpoint tensor replaced %s", p.Name)
			}
		}
	}

	msgs := strings.Join(warnings(hook), "\n")
	for _, want := range []string{"lacks", stray.Name + " ([3 3], want [12 8])", unused.Name} {
		if !strings.Contains(msgs, want) {
			t.Errorf("warnings do not mention %q:\n%s", want, msgs)
		}
	}
}

func TestHalfToFloat(t *testing.T) {
	tests := []struct {
		in   uint16
		want float32
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xc000, -2},
		{0x3800, 0.5},
		{0x7bff, 65504},
		{0x0001, float32(math.Pow(2, -24))},
	}
	for _, tt := range tests {
		if got := halfToFloat(tt.in); got != tt.want {
			t.Errorf("halfToFloat(%#04x) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSinusoidalPositions(t *testing.T) {
	pe := sinusoidalPositions(3, 4)
	if pe.At(0, 0) != 0 || pe.At(0, 2) != 1 {
		t.Errorf("position 0 = %v, want sin 0 then cos 1", pe.Row(0))
	}
	if got, want := pe.At(1, 0), float32(math.Sin(1)); got != want {
		t.Errorf("pe[1][0] = %v, want %v", got, want)
	}
}
