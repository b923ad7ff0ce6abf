// Package metrics scores predicted labels against references the way
// scikit-learn does with average="weighted" and zero_division=0.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type Scores struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

type classCount struct {
	tp, predicted, support int
}

// Compute treats every distinct string as a class. Classes come from both
// references and predictions; per-class scores are averaged with weights
// equal to the class support in the references.
func Compute(references, predictions []string) (Scores, error) {
	if len(references) != len(predictions) {
		return Scores{}, fmt.Errorf("%d references for %d predictions", len(references), len(predictions))
	}
	if len(references) == 0 {
		return Scores{}, fmt.Errorf("no samples to score")
	}

	counts := map[string]*classCount{}
	get := func(label string) *classCount {
		c, ok := counts[label]
		if !ok {
			c = &classCount{}
			counts[label] = c
		}
		return c
	}

	var correct int
	for i, ref := range references {
		pred := predictions[i]
		get(ref).support++
		get(pred).predicted++
		if ref == pred {
			get(ref).tp++
			correct++
		}
	}

	var s Scores
	s.Accuracy = float64(correct) / float64(len(references))

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	total := float64(len(references))
	for _, label := range labels {
		c := counts[label]
		if c.support == 0 {
			continue
		}
		w := float64(c.support) / total
		var p, r, f float64
		if c.predicted > 0 {
			p = float64(c.tp) / float64(c.predicted)
		}
		r = float64(c.tp) / float64(c.support)
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}
		s.Precision += w * p
		s.Recall += w * r
		s.F1 += w * f
	}
	return s, nil
}

// FormatFloat renders v the way Python prints a float: the shortest
// round-tripping digits, always with a decimal point or an exponent.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
