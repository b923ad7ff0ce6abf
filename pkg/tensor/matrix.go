// Package tensor is the float32 runtime behind the seq2seq model: row-major
// matrices, a reverse-mode tape and row-parallel kernels.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromRows copies rows into a new matrix; all rows must have equal length.
func FromRows(rows [][]float32) *Matrix {
	if len(rows) == 0 {
		return New(0, 0)
	}
	m := New(len(rows), len(rows[0]))
	for i, r := range rows {
		if len(r) != m.Cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), m.Cols))
		}
		copy(m.Row(i), r)
	}
	return m
}

func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

func (m *Matrix) Shape() []int {
	return []int{m.Rows, m.Cols}
}

func (m *Matrix) Clone() *Matrix {
	c := New(m.Rows, m.Cols)
	copy(c.Data, m.Data)
	return c
}

func (m *Matrix) Zero() {
	clear(m.Data)
}

// AppendRow grows m by one row.
func (m *Matrix) AppendRow(row []float32) {
	if m.Rows == 0 && m.Cols == 0 {
		m.Cols = len(row)
	}
	if len(row) != m.Cols {
		panic(fmt.Sprintf("tensor: append row of %d columns to matrix of %d", len(row), m.Cols))
	}
	m.Data = append(m.Data, row...)
	m.Rows++
}

func (m *Matrix) sameShape(o *Matrix) bool {
	return m.Rows == o.Rows && m.Cols == o.Cols
}

// XavierUniform fills m from U(-a, a) with a = sqrt(6/(rows+cols)).
func (m *Matrix) XavierUniform(rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(m.Rows+m.Cols))
	for i := range m.Data {
		m.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

func (m *Matrix) Normal(rng *rand.Rand, std float64) {
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// Param is a trainable matrix with its gradient buffer.
type Param struct {
	Name  string
	Value *Matrix
	Grad  *Matrix
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{Name: name, Value: New(rows, cols), Grad: New(rows, cols)}
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}
