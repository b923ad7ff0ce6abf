// Package optim holds the AdamW optimizer and the linear learning-rate
// schedule used for fine-tuning.
package optim

import (
	"math"

	"github.com/samogod/opustune/pkg/tensor"
)

// AdamW follows the transformers optimizer defaults: betas (0.9, 0.999),
// eps 1e-6, no weight decay and bias-corrected step sizes.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*tensor.Param
	m, v   [][]float32
	step   int
}

func NewAdamW(params []*tensor.Param) *AdamW {
	a := &AdamW{
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-6,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, len(p.Value.Data))
		a.v[i] = make([]float32, len(p.Value.Data))
	}
	return a
}

// Step applies one update with learning rate lr from the accumulated
// gradients. Gradients are left untouched.
func (a *AdamW) Step(lr float64) {
	a.step++
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	stepSize := lr * math.Sqrt(1-math.Pow(a.Beta2, float64(a.step))) / (1 - math.Pow(a.Beta1, float64(a.step)))
	decay := float32(lr * a.WeightDecay)

	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad.Data {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := math.Sqrt(float64(v[j])) + a.Eps
			p.Value.Data[j] -= float32(stepSize * float64(m[j]) / denom)
			if decay != 0 {
				p.Value.Data[j] -= decay * p.Value.Data[j]
			}
		}
	}
}

func (a *AdamW) Steps() int {
	return a.step
}

func (a *AdamW) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// LinearSchedule warms up linearly to Base over Warmup steps and then decays
// linearly to 0 at Total steps.
type LinearSchedule struct {
	Base   float64
	Warmup int
	Total  int

	current int
}

func NewLinearSchedule(base float64, warmup, total int) *LinearSchedule {
	return &LinearSchedule{Base: base, Warmup: warmup, Total: total}
}

// LR is the learning rate for the current step.
func (s *LinearSchedule) LR() float64 {
	return s.Base * s.factor(s.current)
}

func (s *LinearSchedule) factor(step int) float64 {
	if step < s.Warmup {
		return float64(step) / float64(max(1, s.Warmup))
	}
	return math.Max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}

func (s *LinearSchedule) Step() {
	s.current++
}

func (s *LinearSchedule) Current() int {
	return s.current
}
