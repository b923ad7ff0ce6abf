package tensor

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func randomParam(rng *rand.Rand, name string, rows, cols int) *Param {
	p := NewParam(name, rows, cols)
	p.Value.Normal(rng, 1)
	return p
}

func randomMatrix(rng *rand.Rand, rows, cols int) *Matrix {
	m := New(rows, cols)
	m.Normal(rng, 1)
	return m
}

// reducer folds a matrix into a scalar with fixed random weights so that
// every entry contributes a distinct amount to the loss.
type reducer struct {
	left, right *Matrix
}

func newReducer(rng *rand.Rand, rows, cols int) reducer {
	return reducer{left: randomMatrix(rng, 1, rows), right: randomMatrix(rng, cols, 1)}
}

func (r reducer) apply(tp *Tape, out *Node) *Node {
	return tp.MatMul(tp.MatMul(tp.Const(r.left), out), tp.Const(r.right))
}

// checkGradients compares the tape gradients of build's scalar output with
// central finite differences.
func checkGradients(t *testing.T, params []*Param, build func(tp *Tape, nodes []*Node) *Node) {
	t.Helper()

	eval := func(tp *Tape) *Node {
		nodes := make([]*Node, len(params))
		for i, p := range params {
			nodes[i] = tp.Param(p)
		}
		return build(tp, nodes)
	}

	for _, p := range params {
		p.ZeroGrad()
	}
	tp := NewTape(2)
	if err := tp.Backward(eval(tp)); err != nil {
		t.Fatal(err)
	}

	const eps = 1e-2
	for _, p := range params {
		analytic := p.Grad.Clone()
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := float64(eval(NoGrad(1)).Scalar())
			p.Value.Data[i] = orig - eps
			minus := float64(eval(NoGrad(1)).Scalar())
			p.Value.Data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			got := float64(analytic.Data[i])
			tol := 5e-3 + 3e-2*math.Max(math.Abs(numeric), math.Abs(got))
			if math.Abs(numeric-got) > tol {
				t.Errorf("%s[%d]: analytic %g, numeric %g", p.Name, i, got, numeric)
			}
		}
	}
}

func TestMatMulValues(t *testing.T) {
	tp := NoGrad(1)
	a := tp.Const(FromRows([][]float32{{1, 2}, {3, 4}, {5, 6}}))
	b := tp.Const(FromRows([][]float32{{1, 0, 2}, {0, 1, 3}}))
	got := tp.MatMul(a, b).Value
	want := FromRows([][]float32{{1, 2, 8}, {3, 4, 18}, {5, 6, 28}})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MatMul() mismatch (-want +got):\n%s", diff)
	}

	bt := tp.Const(FromRows([][]float32{{1, 0}, {0, 1}, {2, 3}}))
	if diff := cmp.Diff(want, tp.MatMulT(a, bt).Value); diff != "" {
		t.Errorf("MatMulT() mismatch (-want +got):\n%s", diff)
	}
}

func TestMatMulGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomParam(rng, "a", 3, 4)
	b := randomParam(rng, "b", 4, 2)
	red := newReducer(rng, 3, 2)
	checkGradients(t, []*Param{a, b}, func(tp *Tape, n []*Node) *Node {
		return red.apply(tp, tp.MatMul(n[0], n[1]))
	})
}

func TestMatMulTGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := randomParam(rng, "a", 3, 4)
	b := randomParam(rng, "b", 5, 4)
	red := newReducer(rng, 3, 5)
	checkGradients(t, []*Param{a, b}, func(tp *Tape, n []*Node) *Node {
		return red.apply(tp, tp.MatMulT(n[0], n[1]))
	})
}

func TestElementwiseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randomParam(rng, "a", 3, 4)
	b := randomParam(rng, "b", 3, 4)
	row := randomParam(rng, "row", 1, 4)
	red := newReducer(rng, 3, 4)
	checkGradients(t, []*Param{a, b, row}, func(tp *Tape, n []*Node) *Node {
		return red.apply(tp, tp.Tanh(tp.Scale(tp.AddRow(tp.Add(n[0], n[1]), n[2]), 0.7)))
	})
}

func TestMaskedSoftmaxGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := randomParam(rng, "a", 4, 4)
	red := newReducer(rng, 4, 4)
	causal := func(i, j int) bool { return j <= i }
	checkGradients(t, []*Param{a}, func(tp *Tape, n []*Node) *Node {
		return red.apply(tp, tp.MaskedSoftmax(n[0], causal))
	})
}

func TestGatherCrossEntropyGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	table := randomParam(rng, "table", 6, 5)
	checkGradients(t, []*Param{table}, func(tp *Tape, n []*Node) *Node {
		return tp.CrossEntropy(tp.Gather(n[0], []int64{1, 3, 1}), []int64{0, 4, 2}, 0.5)
	})
}

func TestMaskedSoftmaxValues(t *testing.T) {
	tp := NoGrad(1)
	a := tp.Const(FromRows([][]float32{{1, 1, 5}, {2, 0, 0}}))
	got := tp.MaskedSoftmax(a, func(i, j int) bool { return i == 0 && j < 2 }).Value
	want := FromRows([][]float32{{0.5, 0.5, 0}, {0, 0, 0}})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MaskedSoftmax() mismatch (-want +got):\n%s", diff)
	}
}

func TestCrossEntropyValue(t *testing.T) {
	tp := NoGrad(1)
	logits := tp.Const(FromRows([][]float32{{0, 0, 0, 0}}))
	got := tp.CrossEntropy(logits, []int64{2}, 1).Scalar()
	if want := float32(math.Log(4)); math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("CrossEntropy() = %v, want %v", got, want)
	}
}

func TestBackwardErrors(t *testing.T) {
	tp := NewTape(1)
	m := tp.Param(NewParam("m", 2, 2))
	if err := tp.Backward(m); err == nil {
		t.Error("Backward() from 2x2 node returned nil error")
	}
	ng := NoGrad(1)
	if err := ng.Backward(ng.Const(New(1, 1))); err == nil {
		t.Error("Backward() on no-grad tape returned nil error")
	}
}

func TestNoGradRecordsNothing(t *testing.T) {
	tp := NoGrad(1)
	p := NewParam("p", 2, 2)
	tp.Tanh(tp.Param(p))
	if tp.Len() != 0 {
		t.Errorf("no-grad tape recorded %d nodes", tp.Len())
	}
}

func TestArgmax(t *testing.T) {
	row := []float32{0.1, 3, 2, 3}
	if got := Argmax(row, nil); got != 1 {
		t.Errorf("Argmax() = %d, want 1", got)
	}
	if got := Argmax(row, map[int]bool{1: true, 3: true}); got != 2 {
		t.Errorf("Argmax() with bans = %d, want 2", got)
	}
}

func TestAppendRow(t *testing.T) {
	var m Matrix
	m.AppendRow([]float32{1, 2})
	m.AppendRow([]float32{3, 4})
	if diff := cmp.Diff(FromRows([][]float32{{1, 2}, {3, 4}}), &m); diff != "" {
		t.Errorf("AppendRow() mismatch (-want +got):\n%s", diff)
	}
}

func TestForRowsVisitsEachRowOnce(t *testing.T) {
	const rows = 1000
	var visits [rows]atomic.Int32
	forRows(8, rows, minParallelWork, func(i int) {
		visits[i].Add(1)
	})
	for i := range visits {
		if n := visits[i].Load(); n != 1 {
			t.Fatalf("row %d visited %d times", i, n)
		}
	}
}

func TestParallelMatMulMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := randomMatrix(rng, 64, 128)
	b := randomMatrix(rng, 128, 96)
	serial := NoGrad(1).MatMul(NoGrad(1).Const(a), NoGrad(1).Const(b)).Value
	par := NoGrad(8)
	parallel := par.MatMul(par.Const(a), par.Const(b)).Value
	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Errorf("parallel MatMul differs (-serial +parallel):\n%s", diff)
	}
}

func TestActivationGradients(t *testing.T) {
	for name, act := range map[string]func(*Tape, *Node) *Node{
		"silu": (*Tape).SiLU,
		"gelu": (*Tape).GELU,
		"tanh": (*Tape).Tanh,
	} {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			a := randomParam(rng, "a", 3, 4)
			red := newReducer(rng, 3, 4)
			checkGradients(t, []*Param{a}, func(tp *Tape, n []*Node) *Node {
				return red.apply(tp, act(tp, n[0]))
			})
		})
	}
}

func TestActivationValues(t *testing.T) {
	tp := NoGrad(1)
	x := tp.Const(FromRows([][]float32{{-1, 0, 2}}))
	if got := tp.ReLU(x).Value.Data; !cmp.Equal(got, []float32{0, 0, 2}) {
		t.Errorf("ReLU() = %v", got)
	}
	silu := tp.SiLU(x).Value.Data
	if want := float32(2 / (1 + math.Exp(-2))); math.Abs(float64(silu[2]-want)) > 1e-6 || silu[1] != 0 {
		t.Errorf("SiLU() = %v", silu)
	}
}

func TestSliceConcatGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a := randomParam(rng, "a", 3, 6)
	b := randomParam(rng, "b", 3, 2)
	red := newReducer(rng, 3, 6)
	checkGradients(t, []*Param{a, b}, func(tp *Tape, n []*Node) *Node {
		left := tp.SliceCols(n[0], 0, 2)
		right := tp.SliceCols(n[0], 4, 2)
		return red.apply(tp, tp.ConcatCols(tp.Tanh(right), n[1], left))
	})
}

func TestSliceConcatValues(t *testing.T) {
	tp := NoGrad(1)
	a := tp.Const(FromRows([][]float32{{1, 2, 3}, {4, 5, 6}}))
	got := tp.ConcatCols(tp.SliceCols(a, 2, 1), tp.SliceCols(a, 0, 2)).Value
	want := FromRows([][]float32{{3, 1, 2}, {6, 4, 5}})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ConcatCols(SliceCols()) mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := randomParam(rng, "x", 4, 5)
	gain := randomParam(rng, "gain", 1, 5)
	bias := randomParam(rng, "bias", 1, 5)
	red := newReducer(rng, 4, 5)
	checkGradients(t, []*Param{x, gain, bias}, func(tp *Tape, n []*Node) *Node {
		return red.apply(tp, tp.LayerNorm(n[0], n[1], n[2], 1e-5))
	})
}

func TestLayerNormValues(t *testing.T) {
	tp := NoGrad(1)
	x := tp.Const(FromRows([][]float32{{1, 2, 3, 4}, {5, 5, 5, 5}}))
	ones := tp.Const(FromRows([][]float32{{1, 1, 1, 1}}))
	zeros := tp.Const(New(1, 4))
	got := tp.LayerNorm(x, ones, zeros, 1e-5).Value

	var mean, sq float64
	for _, v := range got.Row(0) {
		mean += float64(v)
		sq += float64(v * v)
	}
	if math.Abs(mean) > 1e-5 || math.Abs(sq/4-1) > 1e-3 {
		t.Errorf("normalized row = %v, want zero mean and unit variance", got.Row(0))
	}
	for _, v := range got.Row(1) {
		if v != 0 {
			t.Errorf("constant row normalized to %v, want zeros", got.Row(1))
			break
		}
	}
}
