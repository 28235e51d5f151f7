package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"oncorisk/logging"
	"oncorisk/ml"
	"oncorisk/pipeline"
)

type Config struct {
	HTTP struct {
		Port         int           `yaml:"port"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Log   logging.Config `yaml:"log"`
	Model struct {
		ArtifactPath string `yaml:"artifact_path"`
		FeaturesPath string `yaml:"features_path"`
	} `yaml:"model"`
	Data struct {
		pipeline.IngestionConfig `yaml:",inline"`
		TrainPath                string   `yaml:"train_path"`
		TestPath                 string   `yaml:"test_path"`
		TestRatio                float64  `yaml:"test_ratio"`
		Seed                     int64    `yaml:"seed"`
		DropDuplicates           bool     `yaml:"drop_duplicates"`
		BinaryFeatures           []string `yaml:"binary_features"` // nil means the default indicator columns
	} `yaml:"data"`
	Training  Training  `yaml:"training"`
	Explainer Explainer `yaml:"explainer"`
	Database  struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Progress struct {
		Addr string `yaml:"addr"`
	} `yaml:"progress"`
}

type Training struct {
	NumTypes     int     `yaml:"num_types"`
	Hidden1      int     `yaml:"hidden1"`
	Hidden2      int     `yaml:"hidden2"`
	Dropout      float64 `yaml:"dropout"`
	BatchSize    int     `yaml:"batch_size"`
	SearchTrials int     `yaml:"search_trials"`
	SearchEpochs int     `yaml:"search_epochs"`
	FinalEpochs  int     `yaml:"final_epochs"`
	LRMin        float64 `yaml:"lr_min"`
	LRMax        float64 `yaml:"lr_max"`
	DefaultLR    float64 `yaml:"default_lr"`
	Workers      int     `yaml:"workers"`
	Seed         int64   `yaml:"seed"`
}

type Explainer struct {
	BackgroundSize int    `yaml:"background_size"`
	Steps          int    `yaml:"steps"`
	Target         string `yaml:"target"`
	CacheSize      int    `yaml:"cache_size"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = 8000
	cfg.HTTP.Timeout = 30 * time.Second
	cfg.HTTP.MaxBodyBytes = 1 << 20
	cfg.Log = logging.DefaultConfig()
	cfg.Model.ArtifactPath = "model/artifact.json"
	cfg.Model.FeaturesPath = "data/features.txt"
	cfg.Data.Encoding = "utf-8"
	cfg.Data.LabelColumn = "label"
	cfg.Data.TypeColumn = "cancer_type"
	cfg.Data.TrainPath = "data/train.csv"
	cfg.Data.TestPath = "data/test.csv"
	cfg.Data.TestRatio = 0.2
	cfg.Data.Seed = 42

	model := ml.DefaultModelConfig(0)
	search := ml.DefaultLearningRateSearch()
	cfg.Training = Training{
		NumTypes:     model.NumTypes,
		Hidden1:      model.Hidden1,
		Hidden2:      model.Hidden2,
		Dropout:      model.Dropout,
		BatchSize:    64,
		SearchTrials: search.Trials,
		SearchEpochs: search.Epochs,
		FinalEpochs:  30,
		LRMin:        search.MinLR,
		LRMax:        search.MaxLR,
		DefaultLR:    1e-3,
		Workers:      search.Workers,
		Seed:         42,
	}

	explainer := ml.DefaultExplainerConfig()
	cfg.Explainer = Explainer{
		BackgroundSize: 100,
		Steps:          explainer.Steps,
		Target:         string(explainer.Target),
		CacheSize:      1024,
	}
	cfg.Database.Path = "data/training.db"
	cfg.Progress.Addr = ""
	return cfg
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Model.ArtifactPath == "" {
		errs = append(errs, errors.New("model.artifact_path is required"))
	}
	if c.Data.TestRatio <= 0 || c.Data.TestRatio >= 1 {
		errs = append(errs, fmt.Errorf("data.test_ratio %v must be in (0,1)", c.Data.TestRatio))
	}
	t := c.Training
	if t.NumTypes < 2 {
		errs = append(errs, fmt.Errorf("training.num_types must be at least 2, got %d", t.NumTypes))
	}
	if t.Hidden1 <= 0 || t.Hidden2 <= 0 {
		errs = append(errs, errors.New("training hidden sizes must be positive"))
	}
	if t.Dropout < 0 || t.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("training.dropout %v must be in [0,1)", t.Dropout))
	}
	if t.BatchSize <= 0 || t.FinalEpochs <= 0 {
		errs = append(errs, errors.New("training batch_size and final_epochs must be positive"))
	}
	if t.LRMin <= 0 || t.LRMax < t.LRMin {
		errs = append(errs, fmt.Errorf("invalid learning rate range [%v, %v]", t.LRMin, t.LRMax))
	}
	if t.DefaultLR <= 0 {
		errs = append(errs, errors.New("training.default_lr must be positive"))
	}
	if c.Explainer.BackgroundSize <= 0 || c.Explainer.Steps <= 0 {
		errs = append(errs, errors.New("explainer background_size and steps must be positive"))
	}
	switch ml.ExplainTarget(c.Explainer.Target) {
	case ml.TargetRisk, ml.TargetTrunk0:
	default:
		errs = append(errs, fmt.Errorf("unknown explainer.target %q", c.Explainer.Target))
	}
	if _, err := pipeline.Decoder(c.Data.Encoding); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ModelConfig is the network shape for inputDim features.
func (c *Config) ModelConfig(inputDim int) ml.ModelConfig {
	return ml.ModelConfig{
		InputDim: inputDim,
		Hidden1:  c.Training.Hidden1,
		Hidden2:  c.Training.Hidden2,
		NumTypes: c.Training.NumTypes,
		Dropout:  c.Training.Dropout,
	}
}

func (c *Config) TrainConfig(inputDim int) ml.TrainConfig {
	return ml.TrainConfig{
		Model:     c.ModelConfig(inputDim),
		BatchSize: c.Training.BatchSize,
		Seed:      c.Training.Seed,
	}
}

func (c *Config) Search() ml.LearningRateSearch {
	return ml.LearningRateSearch{
		Trials:  c.Training.SearchTrials,
		Epochs:  c.Training.SearchEpochs,
		MinLR:   c.Training.LRMin,
		MaxLR:   c.Training.LRMax,
		Workers: c.Training.Workers,
		Seed:    c.Training.Seed,
	}
}

func (c *Config) ExplainerConfig() ml.ExplainerConfig {
	return ml.ExplainerConfig{
		Steps:  c.Explainer.Steps,
		Target: ml.ExplainTarget(c.Explainer.Target),
	}
}
