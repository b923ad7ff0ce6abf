package seq2seq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// Config mirrors the fields of a Marian config.json that the model uses.
// NumBeams is carried through Save unchanged; decoding is greedy.
type Config struct {
	ModelType             string    `json:"model_type,omitempty"`
	Architectures         []string  `json:"architectures,omitempty"`
	VocabSize             int       `json:"vocab_size"`
	DecoderVocabSize      int       `json:"decoder_vocab_size,omitempty"`
	DModel                int       `json:"d_model"`
	EncoderLayers         int       `json:"encoder_layers"`
	DecoderLayers         int       `json:"decoder_layers"`
	EncoderFFNDim         int       `json:"encoder_ffn_dim,omitempty"`
	DecoderFFNDim         int       `json:"decoder_ffn_dim,omitempty"`
	EncoderAttentionHeads int       `json:"encoder_attention_heads"`
	DecoderAttentionHeads int       `json:"decoder_attention_heads"`
	ActivationFunction    string    `json:"activation_function"`
	MaxPositionEmbeddings int       `json:"max_position_embeddings"`
	ScaleEmbedding        bool      `json:"scale_embedding"`
	EosTokenID            int64     `json:"eos_token_id"`
	BosTokenID            int64     `json:"bos_token_id"`
	PadTokenID            int64     `json:"pad_token_id"`
	DecoderStartTokenID   int64     `json:"decoder_start_token_id"`
	MaxLength             int       `json:"max_length"`
	NumBeams              int       `json:"num_beams,omitempty"`
	BadWordsIDs           [][]int64 `json:"bad_words_ids,omitempty"`
}

// Shape of the OPUS-MT checkpoints, used for fields a config.json omits.
const (
	defaultLayers     = 6
	defaultHeads      = 8
	defaultActivation = "swish"
)

// NormalizeConfig fills the fields a checkpoint may omit. dModel is used
// when the checkpoint carries no d_model.
func (c *Config) NormalizeConfig(dModel int) {
	if c.ModelType == "" {
		c.ModelType = "marian"
	}
	if len(c.Architectures) == 0 {
		c.Architectures = []string{"MarianMTModel"}
	}
	if c.DecoderVocabSize == 0 {
		c.DecoderVocabSize = c.VocabSize
	}
	if c.DModel == 0 {
		c.DModel = dModel
	}
	if c.EncoderLayers == 0 {
		c.EncoderLayers = defaultLayers
	}
	if c.DecoderLayers == 0 {
		c.DecoderLayers = defaultLayers
	}
	if c.EncoderFFNDim == 0 {
		c.EncoderFFNDim = 4 * c.DModel
	}
	if c.DecoderFFNDim == 0 {
		c.DecoderFFNDim = 4 * c.DModel
	}
	if c.EncoderAttentionHeads == 0 {
		c.EncoderAttentionHeads = defaultHeadsFor(c.DModel)
	}
	if c.DecoderAttentionHeads == 0 {
		c.DecoderAttentionHeads = defaultHeadsFor(c.DModel)
	}
	if c.ActivationFunction == "" {
		c.ActivationFunction = defaultActivation
	}
	if c.MaxLength == 0 {
		c.MaxLength = 512
	}
	if c.MaxPositionEmbeddings == 0 {
		c.MaxPositionEmbeddings = max(c.MaxLength, 512)
	}
	if c.BosTokenID == 0 {
		c.BosTokenID = c.EosTokenID
	}
	if c.DecoderStartTokenID == 0 {
		c.DecoderStartTokenID = c.PadTokenID
	}
}

func defaultHeadsFor(dModel int) int {
	if dModel > 0 && dModel%defaultHeads == 0 {
		return defaultHeads
	}
	return 1
}

func (c *Config) validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.DecoderVocabSize != c.VocabSize {
		return fmt.Errorf("separate decoder vocabularies are not supported (%d vs %d)", c.DecoderVocabSize, c.VocabSize)
	}
	if c.DModel <= 0 {
		return fmt.Errorf("d_model must be positive, got %d", c.DModel)
	}
	if c.EncoderLayers < 0 || c.DecoderLayers < 0 {
		return fmt.Errorf("layer counts must not be negative, got %d and %d", c.EncoderLayers, c.DecoderLayers)
	}
	if c.EncoderFFNDim <= 0 || c.DecoderFFNDim <= 0 {
		return fmt.Errorf("ffn dims must be positive, got %d and %d", c.EncoderFFNDim, c.DecoderFFNDim)
	}
	for name, heads := range map[string]int{
		"encoder_attention_heads": c.EncoderAttentionHeads,
		"decoder_attention_heads": c.DecoderAttentionHeads,
	} {
		if heads <= 0 || c.DModel%heads != 0 {
			return fmt.Errorf("%s %d does not divide d_model %d", name, heads, c.DModel)
		}
	}
	if _, ok := activations[c.ActivationFunction]; !ok {
		return fmt.Errorf("unsupported activation_function %q", c.ActivationFunction)
	}
	for name, id := range map[string]int64{
		"eos_token_id":           c.EosTokenID,
		"pad_token_id":           c.PadTokenID,
		"decoder_start_token_id": c.DecoderStartTokenID,
	} {
		if id < 0 || id >= int64(c.VocabSize) {
			return fmt.Errorf("%s %d outside vocabulary of %d", name, id, c.VocabSize)
		}
	}
	return nil
}

// bannedIDs returns the single-token entries of bad_words_ids.
func (c *Config) bannedIDs() map[int]bool {
	banned := map[int]bool{}
	for _, seq := range c.BadWordsIDs {
		if len(seq) == 1 {
			banned[int(seq[0])] = true
		}
	}
	return banned
}

// ReadConfig loads and normalizes dir/config.json.
func ReadConfig(dir string, dModel int) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	c.NormalizeConfig(dModel)
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	return &c, nil
}

func (c *Config) write(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}
	return nil
}
