// Package preprocess turns raw sentence pairs into fixed-length model inputs.
package preprocess

import (
	"fmt"
	"math/rand"

	"github.com/samogod/opustune/pkg/dataset"
	"github.com/samogod/opustune/pkg/tokenizer"
)

// EncodedExample holds one row padded or truncated to the configured length.
// Labels keep pad ids as literal targets.
type EncodedExample struct {
	InputIDs      []int64
	AttentionMask []int64
	Labels        []int64
}

// Batch stacks encoded examples row by row.
type Batch struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	Labels        [][]int64
}

func (b Batch) Len() int {
	return len(b.InputIDs)
}

// Encode tokenizes every example: sources become input ids and attention
// mask, targets become labels.
func Encode(tok tokenizer.Tokenizer, examples []dataset.Example, maxLength int) ([]EncodedExample, error) {
	if maxLength < 2 {
		return nil, fmt.Errorf("max_length must be at least 2, got %d", maxLength)
	}

	out := make([]EncodedExample, len(examples))
	for i, ex := range examples {
		ids, mask, err := encodeText(tok, ex.SourceText, maxLength)
		if err != nil {
			return nil, fmt.Errorf("row %d source: %w", i+1, err)
		}
		labels, _, err := encodeText(tok, ex.TargetText, maxLength)
		if err != nil {
			return nil, fmt.Errorf("row %d target: %w", i+1, err)
		}
		out[i] = EncodedExample{InputIDs: ids, AttentionMask: mask, Labels: labels}
	}
	return out, nil
}

// encodeText truncates to maxLength-1 pieces, appends EOS and pads to
// maxLength.
func encodeText(tok tokenizer.Tokenizer, text string, maxLength int) ([]int64, []int64, error) {
	pieces, err := tok.Encode(text, false)
	if err != nil {
		return nil, nil, err
	}
	if len(pieces) > maxLength-1 {
		pieces = pieces[:maxLength-1]
	}

	ids := make([]int64, maxLength)
	mask := make([]int64, maxLength)
	n := copy(ids, pieces)
	ids[n] = tok.EOSID()
	n++
	for j := 0; j < maxLength; j++ {
		if j < n {
			mask[j] = 1
		} else {
			ids[j] = tok.PadID()
		}
	}
	return ids, mask, nil
}

// Batches groups encoded rows into batches of batchSize; the last batch may
// be shorter. With a non-nil rng the row order is shuffled first.
func Batches(encoded []EncodedExample, batchSize int, rng *rand.Rand) []Batch {
	if batchSize <= 0 || len(encoded) == 0 {
		return nil
	}

	order := make([]int, len(encoded))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, NumBatches(len(encoded), batchSize))
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		var b Batch
		for _, idx := range order[start:end] {
			b.InputIDs = append(b.InputIDs, encoded[idx].InputIDs)
			b.AttentionMask = append(b.AttentionMask, encoded[idx].AttentionMask)
			b.Labels = append(b.Labels, encoded[idx].Labels)
		}
		batches = append(batches, b)
	}
	return batches
}

func NumBatches(rows, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (rows + batchSize - 1) / batchSize
}
