package seq2seq

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/nlpodyssey/safetensors"

	"github.com/samogod/opustune/pkg/tensor"
)

// weightsFile is a decoded safetensors checkpoint.
type weightsFile struct {
	st safetensors.SafeTensors
}

func openWeights(path string) (*weightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st, err := safetensors.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &weightsFile{st: st}, nil
}

func (w *weightsFile) names() []string {
	return w.st.Names()
}

// shape2D flattens a tensor shape into rows x cols; vectors become one row.
func shape2D(shape []uint64) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return 1, int(shape[0])
	}
	rows := 1
	for _, d := range shape[:len(shape)-1] {
		rows *= int(d)
	}
	return rows, int(shape[len(shape)-1])
}

// read decodes the named tensor. ok is false when the file has no such tensor.
func (w *weightsFile) read(name string) (m *tensor.Matrix, ok bool, err error) {
	tv, ok := w.st.Tensor(name)
	if !ok {
		return nil, false, nil
	}

	rows, cols := shape2D(tv.Shape())
	buf := tv.Data()
	var width int
	switch tv.DType() {
	case safetensors.F32:
		width = 4
	case safetensors.F16, safetensors.BF16:
		width = 2
	default:
		return nil, true, fmt.Errorf("tensor %s has unsupported dtype %v", name, tv.DType())
	}
	if len(buf) != rows*cols*width {
		return nil, true, fmt.Errorf("tensor %s: %d bytes for shape %v", name, len(buf), tv.Shape())
	}

	m = tensor.New(rows, cols)
	for i := range m.Data {
		switch tv.DType() {
		case safetensors.F32:
			m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		case safetensors.F16:
			m.Data[i] = halfToFloat(binary.LittleEndian.Uint16(buf[2*i:]))
		case safetensors.BF16:
			m.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return m, true, nil
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		v := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			v = -v
		}
		return v
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}

// writeWeights stores params as F32 tensors. Names in vectors are written
// one-dimensional.
func writeWeights(path string, params []*tensor.Param, vectors map[string]bool) error {
	views := make(map[string]safetensors.TensorView, len(params))
	for _, p := range params {
		shape := []uint64{uint64(p.Value.Rows), uint64(p.Value.Cols)}
		if vectors[p.Name] {
			shape = []uint64{uint64(p.Value.Cols)}
		}
		buf := make([]byte, 4*len(p.Value.Data))
		for i, v := range p.Value.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		tv, err := safetensors.NewTensorView(safetensors.F32, shape, buf)
		if err != nil {
			return fmt.Errorf("failed to encode tensor %s: %w", p.Name, err)
		}
		views[p.Name] = tv
	}

	data, err := safetensors.Serialize(views, map[string]string{"format": "pt"})
	if err != nil {
		return fmt.Errorf("failed to encode safetensors: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// unclaimed lists the tensors of a checkpoint that no parameter claimed.
func unclaimed(w *weightsFile, claimed map[string]bool) []string {
	var extra []string
	for _, name := range w.names() {
		if !claimed[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return extra
}
