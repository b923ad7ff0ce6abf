package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

const (
	DefaultModelTemplate = "Helsinki-NLP/opus-mt-{src}-{tgt}"
	DefaultHubEndpoint   = "https://huggingface.co"
	DefaultOutputDir     = "./models"
	DefaultBatchSize     = 16
	DefaultEpochs        = 3
	DefaultLearningRate  = 5e-5
	DefaultMaxLength     = 128
	DefaultSeed          = 42

	CompareLabelIDs = "label_ids"
	CompareDecoded  = "decoded"
)

type Config struct {
	Model      Model      `yaml:"model"`
	Training   Training   `yaml:"training"`
	Evaluation Evaluation `yaml:"evaluation"`
	Hub        Hub        `yaml:"hub"`
	Database   Database   `yaml:"database"`
	Elastic    Elastic    `yaml:"elastic"`
}

type Model struct {
	// Template is expanded with {src} and {tgt} into a hub repository id.
	Template string `yaml:"template"`
	Device   string `yaml:"device"`
	// DModel is used only when the pretrained config.json carries no d_model.
	DModel int `yaml:"d_model"`
}

type Training struct {
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	MaxLength    int     `yaml:"max_length"`
	OutputDir    string  `yaml:"output_dir"`
	Shuffle      bool    `yaml:"shuffle"`
	Seed         int64   `yaml:"seed"`
}

type Evaluation struct {
	BatchSize int    `yaml:"batch_size"`
	MaxLength int    `yaml:"max_length"`
	Compare   string `yaml:"compare"`
	// MaxNewTokens caps generation; 0 uses max_length from the model config.
	MaxNewTokens int `yaml:"max_new_tokens"`
}

type Hub struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	CacheDir string `yaml:"cache_dir"`
	Timeout  int    `yaml:"timeout"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// Default returns the configuration used when no file is present. The
// hyperparameters are batch 16, 3 epochs and learning rate 5e-5.
func Default() *Config {
	return &Config{
		Model: Model{
			Template: DefaultModelTemplate,
			Device:   "auto",
			DModel:   512,
		},
		Training: Training{
			BatchSize:    DefaultBatchSize,
			Epochs:       DefaultEpochs,
			LearningRate: DefaultLearningRate,
			MaxLength:    DefaultMaxLength,
			OutputDir:    DefaultOutputDir,
			Shuffle:      true,
			Seed:         DefaultSeed,
		},
		Evaluation: Evaluation{
			BatchSize: DefaultBatchSize,
			MaxLength: DefaultMaxLength,
			Compare:   CompareLabelIDs,
		},
		Hub: Hub{
			Endpoint: DefaultHubEndpoint,
			CacheDir: GetModelCacheDir(),
			Timeout:  300,
		},
		Database: Database{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
		},
		Elastic: Elastic{
			Index: "opustune_runs",
		},
	}
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// LoadConfig reads the YAML file on top of the defaults. A missing file is
// an error only when the path was given explicitly.
func (m *Manager) LoadConfig() error {
	explicit := m.configPath != ""
	if !explicit {
		m.configPath = m.findConfigFile()
	}

	config := Default()

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		if explicit {
			return fmt.Errorf("config file not found at %s", m.configPath)
		}
		if DebugLog != nil {
			DebugLog("no config file found, using defaults")
		}
		m.config = config
		return nil
	}

	if DebugLog != nil {
		DebugLog("loading config from %s", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := m.validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) ConfigPath() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("opustune.yaml"); err == nil {
		return "opustune.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if _, err := os.Stat(GetDefaultConfigPath()); err == nil {
		return GetDefaultConfigPath()
	}

	return "opustune.yaml"
}

func (m *Manager) validateConfig(config *Config) error {
	if config.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be greater than 0")
	}
	if config.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be greater than 0")
	}
	if config.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be greater than 0")
	}
	if config.Training.WarmupSteps < 0 {
		return fmt.Errorf("training.warmup_steps must not be negative")
	}
	if config.Training.MaxLength < 2 {
		return fmt.Errorf("training.max_length must be at least 2")
	}
	if config.Evaluation.BatchSize <= 0 {
		return fmt.Errorf("evaluation.batch_size must be greater than 0")
	}
	if config.Evaluation.MaxLength < 2 {
		return fmt.Errorf("evaluation.max_length must be at least 2")
	}
	switch config.Evaluation.Compare {
	case CompareLabelIDs, CompareDecoded:
	default:
		return fmt.Errorf("evaluation.compare must be %q or %q", CompareLabelIDs, CompareDecoded)
	}
	switch strings.ToLower(config.Model.Device) {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("model.device must be auto, cpu or cuda")
	}
	if !strings.Contains(config.Model.Template, "{src}") || !strings.Contains(config.Model.Template, "{tgt}") {
		if _, err := os.Stat(config.Model.Template); err != nil {
			return fmt.Errorf("model.template must contain {src} and {tgt} or name a local directory")
		}
	}
	if config.Hub.CacheDir == "" {
		config.Hub.CacheDir = GetModelCacheDir()
	}
	config.Hub.CacheDir = filepath.Clean(config.Hub.CacheDir)

	return nil
}
