package tensor

import (
	"fmt"
	"math"
)

// Node is a value produced on a Tape. Grad is allocated when a gradient
// first flows into the node.
type Node struct {
	Value *Matrix
	Grad  *Matrix

	requiresGrad bool
	backward     func()
}

func (n *Node) grad() *Matrix {
	if n.Grad == nil {
		n.Grad = New(n.Value.Rows, n.Value.Cols)
	}
	return n.Grad
}

// Scalar returns the single element of a 1x1 node.
func (n *Node) Scalar() float32 {
	return n.Value.Data[0]
}

// Tape records operations in execution order so that Backward can replay
// them in reverse. A tape created by NoGrad evaluates without recording.
type Tape struct {
	workers int
	record  bool
	nodes   []*Node
}

func NewTape(workers int) *Tape {
	return &Tape{workers: max(workers, 1), record: true}
}

func NoGrad(workers int) *Tape {
	return &Tape{workers: max(workers, 1)}
}

func (t *Tape) Len() int {
	return len(t.nodes)
}

// Param wraps a trainable parameter; gradients accumulate into p.Grad.
func (t *Tape) Param(p *Param) *Node {
	return &Node{Value: p.Value, Grad: p.Grad, requiresGrad: t.record}
}

// Const wraps a matrix that receives no gradient.
func (t *Tape) Const(m *Matrix) *Node {
	return &Node{Value: m}
}

func (t *Tape) push(out *Node, backward func(), inputs ...*Node) *Node {
	if !t.record {
		return out
	}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.backward = backward
		t.nodes = append(t.nodes, out)
	}
	return out
}

// Backward seeds loss with gradient 1 and propagates through the tape.
func (t *Tape) Backward(loss *Node) error {
	if loss.Value.Rows != 1 || loss.Value.Cols != 1 {
		return fmt.Errorf("tensor: backward from non-scalar %dx%d", loss.Value.Rows, loss.Value.Cols)
	}
	if !t.record {
		return fmt.Errorf("tensor: backward on a no-grad tape")
	}
	loss.grad().Data[0] += 1
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		if n.Grad != nil && n.backward != nil {
			n.backward()
		}
	}
	t.nodes = nil
	return nil
}

func mustSameShape(op string, a, b *Matrix) {
	if !a.sameShape(b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}

// MatMul returns a·b for a (n×k) and b (k×m).
func (t *Tape) MatMul(a, b *Node) *Node {
	A, B := a.Value, b.Value
	if A.Cols != B.Rows {
		panic(fmt.Sprintf("tensor: matmul %dx%d by %dx%d", A.Rows, A.Cols, B.Rows, B.Cols))
	}
	C := New(A.Rows, B.Cols)
	forRows(t.workers, A.Rows, A.Cols*B.Cols, func(i int) {
		ci := C.Row(i)
		for p, av := range A.Row(i) {
			if av == 0 {
				continue
			}
			bp := B.Row(p)
			for j := range ci {
				ci[j] += av * bp[j]
			}
		}
	})

	out := &Node{Value: C}
	return t.push(out, func() {
		dC := out.Grad
		if a.requiresGrad {
			dA := a.grad()
			// dA = dC · Bᵀ
			forRows(t.workers, A.Rows, A.Cols*B.Cols, func(i int) {
				dci, dai := dC.Row(i), dA.Row(i)
				for p := range dai {
					bp := B.Row(p)
					var s float32
					for j, g := range dci {
						s += g * bp[j]
					}
					dai[p] += s
				}
			})
		}
		if b.requiresGrad {
			dB := b.grad()
			// dB = Aᵀ · dC
			forRows(t.workers, B.Rows, A.Rows*B.Cols, func(p int) {
				dbp := dB.Row(p)
				for i := 0; i < A.Rows; i++ {
					av := A.At(i, p)
					if av == 0 {
						continue
					}
					for j, g := range dC.Row(i) {
						dbp[j] += av * g
					}
				}
			})
		}
	}, a, b)
}

// MatMulT returns a·bᵀ for a (n×k) and b (m×k).
func (t *Tape) MatMulT(a, b *Node) *Node {
	A, B := a.Value, b.Value
	if A.Cols != B.Cols {
		panic(fmt.Sprintf("tensor: matmulT %dx%d by (%dx%d)ᵀ", A.Rows, A.Cols, B.Rows, B.Cols))
	}
	C := New(A.Rows, B.Rows)
	forRows(t.workers, A.Rows, A.Cols*B.Rows, func(i int) {
		ai, ci := A.Row(i), C.Row(i)
		for j := range ci {
			bj := B.Row(j)
			var s float32
			for p, av := range ai {
				s += av * bj[p]
			}
			ci[j] = s
		}
	})

	out := &Node{Value: C}
	return t.push(out, func() {
		dC := out.Grad
		if a.requiresGrad {
			dA := a.grad()
			// dA = dC · B
			forRows(t.workers, A.Rows, A.Cols*B.Rows, func(i int) {
				dai := dA.Row(i)
				for j, g := range dC.Row(i) {
					if g == 0 {
						continue
					}
					for p, bv := range B.Row(j) {
						dai[p] += g * bv
					}
				}
			})
		}
		if b.requiresGrad {
			dB := b.grad()
			// dB = dCᵀ · A
			forRows(t.workers, B.Rows, A.Rows*A.Cols, func(j int) {
				dbj := dB.Row(j)
				for i := 0; i < A.Rows; i++ {
					g := dC.At(i, j)
					if g == 0 {
						continue
					}
					for p, av := range A.Row(i) {
						dbj[p] += g * av
					}
				}
			})
		}
	}, a, b)
}

func (t *Tape) Add(a, b *Node) *Node {
	mustSameShape("add", a.Value, b.Value)
	C := a.Value.Clone()
	for i, v := range b.Value.Data {
		C.Data[i] += v
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		for _, in := range []*Node{a, b} {
			if in.requiresGrad {
				g := in.grad()
				for i, v := range out.Grad.Data {
					g.Data[i] += v
				}
			}
		}
	}, a, b)
}

// AddConst adds a fixed matrix, such as positional encodings, to a.
func (t *Tape) AddConst(a *Node, c *Matrix) *Node {
	return t.Add(a, t.Const(c))
}

// AddRow broadcasts the 1×m row over every row of a.
func (t *Tape) AddRow(a, row *Node) *Node {
	A, R := a.Value, row.Value
	if R.Rows != 1 || R.Cols != A.Cols {
		panic(fmt.Sprintf("tensor: addRow %dx%d with %dx%d", A.Rows, A.Cols, R.Rows, R.Cols))
	}
	C := A.Clone()
	for i := 0; i < C.Rows; i++ {
		ci := C.Row(i)
		for j, v := range R.Data {
			ci[j] += v
		}
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		if a.requiresGrad {
			g := a.grad()
			for i, v := range out.Grad.Data {
				g.Data[i] += v
			}
		}
		if row.requiresGrad {
			g := row.grad()
			for i := 0; i < out.Grad.Rows; i++ {
				for j, v := range out.Grad.Row(i) {
					g.Data[j] += v
				}
			}
		}
	}, a, row)
}

func (t *Tape) Scale(a *Node, s float32) *Node {
	C := a.Value.Clone()
	for i := range C.Data {
		C.Data[i] *= s
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		g := a.grad()
		for i, v := range out.Grad.Data {
			g.Data[i] += s * v
		}
	}, a)
}

// unary applies f elementwise; df returns dy/dx from the input and output.
func (t *Tape) unary(a *Node, f func(x float64) float64, df func(x, y float64) float64) *Node {
	C := New(a.Value.Rows, a.Value.Cols)
	for i, v := range a.Value.Data {
		C.Data[i] = float32(f(float64(v)))
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		g := a.grad()
		for i, x := range a.Value.Data {
			g.Data[i] += out.Grad.Data[i] * float32(df(float64(x), float64(C.Data[i])))
		}
	}, a)
}

func (t *Tape) Tanh(a *Node) *Node {
	return t.unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// SiLU is x·σ(x), the swish activation of Marian feed-forward blocks.
func (t *Tape) SiLU(a *Node) *Node {
	return t.unary(a,
		func(x float64) float64 { return x * sigmoid(x) },
		func(x, _ float64) float64 {
			s := sigmoid(x)
			return s * (1 + x*(1-s))
		})
}

// GELU uses the exact erf form.
func (t *Tape) GELU(a *Node) *Node {
	return t.unary(a,
		func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) },
		func(x, _ float64) float64 {
			return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*math.Exp(-x*x/2)/math.Sqrt(2*math.Pi)
		})
}

func (t *Tape) ReLU(a *Node) *Node {
	return t.unary(a,
		func(x float64) float64 { return math.Max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// SliceCols returns columns [start, start+width) of a.
func (t *Tape) SliceCols(a *Node, start, width int) *Node {
	A := a.Value
	if start < 0 || width < 0 || start+width > A.Cols {
		panic(fmt.Sprintf("tensor: slice columns [%d,%d) of %dx%d", start, start+width, A.Rows, A.Cols))
	}
	C := New(A.Rows, width)
	for i := 0; i < A.Rows; i++ {
		copy(C.Row(i), A.Row(i)[start:start+width])
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		g := a.grad()
		for i := 0; i < C.Rows; i++ {
			gi := g.Row(i)[start : start+width]
			for j, v := range out.Grad.Row(i) {
				gi[j] += v
			}
		}
	}, a)
}

// ConcatCols joins parts side by side; all parts must have the same rows.
func (t *Tape) ConcatCols(parts ...*Node) *Node {
	if len(parts) == 0 {
		panic("tensor: concat of no parts")
	}
	rows, cols := parts[0].Value.Rows, 0
	for _, p := range parts {
		if p.Value.Rows != rows {
			panic(fmt.Sprintf("tensor: concat %d rows with %d", p.Value.Rows, rows))
		}
		cols += p.Value.Cols
	}
	C := New(rows, cols)
	for i := 0; i < rows; i++ {
		ci := C.Row(i)
		for _, p := range parts {
			ci = ci[copy(ci, p.Value.Row(i)):]
		}
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		offset := 0
		for _, p := range parts {
			w := p.Value.Cols
			if p.requiresGrad {
				g := p.grad()
				for i := 0; i < rows; i++ {
					gi := g.Row(i)
					for j, v := range out.Grad.Row(i)[offset : offset+w] {
						gi[j] += v
					}
				}
			}
			offset += w
		}
	}, parts...)
}

// LayerNorm normalizes every row of x to zero mean and unit variance, then
// applies the 1×n gain and bias rows.
func (t *Tape) LayerNorm(x, gain, bias *Node, eps float32) *Node {
	X, G, B := x.Value, gain.Value, bias.Value
	n := X.Cols
	if G.Rows != 1 || G.Cols != n || !G.sameShape(B) {
		panic(fmt.Sprintf("tensor: layer norm of %dx%d with gain %dx%d and bias %dx%d", X.Rows, n, G.Rows, G.Cols, B.Rows, B.Cols))
	}
	C := New(X.Rows, n)
	norm := New(X.Rows, n)
	invStd := make([]float32, X.Rows)
	forRows(t.workers, X.Rows, n, func(i int) {
		xi := X.Row(i)
		var mean float64
		for _, v := range xi {
			mean += float64(v)
		}
		mean /= float64(n)
		var variance float64
		for _, v := range xi {
			d := float64(v) - mean
			variance += d * d
		}
		inv := 1 / math.Sqrt(variance/float64(n)+float64(eps))
		invStd[i] = float32(inv)

		hi, ci := norm.Row(i), C.Row(i)
		for j, v := range xi {
			h := float32((float64(v) - mean) * inv)
			hi[j] = h
			ci[j] = G.Data[j]*h + B.Data[j]
		}
	})

	out := &Node{Value: C}
	return t.push(out, func() {
		dY := out.Grad
		if gain.requiresGrad {
			g := gain.grad()
			for i := 0; i < dY.Rows; i++ {
				hi := norm.Row(i)
				for j, v := range dY.Row(i) {
					g.Data[j] += v * hi[j]
				}
			}
		}
		if bias.requiresGrad {
			g := bias.grad()
			for i := 0; i < dY.Rows; i++ {
				for j, v := range dY.Row(i) {
					g.Data[j] += v
				}
			}
		}
		if !x.requiresGrad {
			return
		}
		dX := x.grad()
		inv := 1 / float32(n)
		forRows(t.workers, X.Rows, n, func(i int) {
			dyi, hi, dxi := dY.Row(i), norm.Row(i), dX.Row(i)
			var sum, dot float32
			for j, v := range dyi {
				d := v * G.Data[j]
				sum += d
				dot += d * hi[j]
			}
			for j, v := range dyi {
				d := v * G.Data[j]
				dxi[j] += invStd[i] * (d - sum*inv - hi[j]*dot*inv)
			}
		})
	}, x, gain, bias)
}

// Mask reports whether column j may be attended to from row i.
type Mask func(i, j int) bool

// MaskedSoftmax applies a row-wise softmax over the allowed columns. Masked
// entries, and rows with no allowed column, are 0.
func (t *Tape) MaskedSoftmax(a *Node, allowed Mask) *Node {
	A := a.Value
	C := New(A.Rows, A.Cols)
	forRows(t.workers, A.Rows, A.Cols, func(i int) {
		ai, ci := A.Row(i), C.Row(i)
		maxV := float32(math.Inf(-1))
		for j, v := range ai {
			if allowed(i, j) && v > maxV {
				maxV = v
			}
		}
		if math.IsInf(float64(maxV), -1) {
			return
		}
		var sum float64
		for j, v := range ai {
			if allowed(i, j) {
				e := math.Exp(float64(v - maxV))
				ci[j] = float32(e)
				sum += e
			}
		}
		inv := float32(1 / sum)
		for j := range ci {
			ci[j] *= inv
		}
	})
	out := &Node{Value: C}
	return t.push(out, func() {
		g := a.grad()
		forRows(t.workers, C.Rows, C.Cols, func(i int) {
			yi, dyi, gi := C.Row(i), out.Grad.Row(i), g.Row(i)
			var dot float32
			for j, y := range yi {
				dot += y * dyi[j]
			}
			for j, y := range yi {
				gi[j] += y * (dyi[j] - dot)
			}
		})
	}, a)
}

// Gather selects rows of table by id.
func (t *Tape) Gather(table *Node, ids []int64) *Node {
	T := table.Value
	C := New(len(ids), T.Cols)
	for i, id := range ids {
		if id < 0 || int(id) >= T.Rows {
			panic(fmt.Sprintf("tensor: gather id %d out of range [0,%d)", id, T.Rows))
		}
		copy(C.Row(i), T.Row(int(id)))
	}
	out := &Node{Value: C}
	return t.push(out, func() {
		g := table.grad()
		for i, id := range ids {
			gr := g.Row(int(id))
			for j, v := range out.Grad.Row(i) {
				gr[j] += v
			}
		}
	}, table)
}

// CrossEntropy returns scale·Σᵢ -log softmax(logitsᵢ)[targetᵢ] as a 1×1 node.
func (t *Tape) CrossEntropy(logits *Node, targets []int64, scale float32) *Node {
	L := logits.Value
	if len(targets) != L.Rows {
		panic(fmt.Sprintf("tensor: cross entropy over %d rows with %d targets", L.Rows, len(targets)))
	}
	lse := make([]float64, L.Rows)
	forRows(t.workers, L.Rows, L.Cols, func(i int) {
		lse[i] = logSumExp(L.Row(i))
	})
	var total float64
	for i, tgt := range targets {
		if tgt < 0 || int(tgt) >= L.Cols {
			panic(fmt.Sprintf("tensor: target %d out of range [0,%d)", tgt, L.Cols))
		}
		total += lse[i] - float64(L.At(i, int(tgt)))
	}
	C := New(1, 1)
	C.Data[0] = float32(total * float64(scale))

	out := &Node{Value: C}
	return t.push(out, func() {
		g := logits.grad()
		up := out.Grad.Data[0] * scale
		forRows(t.workers, L.Rows, L.Cols, func(i int) {
			li, gi := L.Row(i), g.Row(i)
			for j, v := range li {
				gi[j] += up * float32(math.Exp(float64(v)-lse[i]))
			}
			gi[targets[i]] -= up
		})
	}, logits)
}

func logSumExp(row []float32) float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	if math.IsInf(maxV, -1) {
		return maxV
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxV)
	}
	return maxV + math.Log(sum)
}

// Argmax returns the column of the largest entry of row i, skipping banned
// columns.
func Argmax(row []float32, banned map[int]bool) int {
	best, bestV := -1, float32(math.Inf(-1))
	for j, v := range row {
		if banned[j] {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = j, v
		}
	}
	return best
}
