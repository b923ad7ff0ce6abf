package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
)

type vocab struct {
	token2id map[string]int64
	id2token []string

	pad int64
	eos int64
	unk int64
}

func loadVocab(path string) (*vocab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]int64{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return newVocab(raw)
}

func newVocab(raw map[string]int64) (*vocab, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}

	var maxID int64
	for tok, id := range raw {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		if id > maxID {
			maxID = id
		}
	}
	id2token := make([]string, maxID+1)
	for tok, id := range raw {
		id2token[id] = tok
	}

	v := &vocab{token2id: raw, id2token: id2token}

	var ok bool
	if v.eos, ok = raw[EOSToken]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", EOSToken)
	}
	if v.pad, ok = raw[PadToken]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", PadToken)
	}
	if v.unk, ok = raw[UnkToken]; !ok {
		v.unk = 1
	}
	return v, nil
}

func (v *vocab) lookup(piece string) int64 {
	if id, ok := v.token2id[piece]; ok {
		return id
	}
	return v.unk
}

func (v *vocab) piece(id int64) string {
	if id < 0 || int(id) >= len(v.id2token) || v.id2token[id] == "" {
		return UnkToken
	}
	return v.id2token[id]
}

func (v *vocab) special(id int64) bool {
	return id == v.eos || id == v.pad || id == v.unk
}

func (v *vocab) size() int {
	return len(v.id2token)
}
