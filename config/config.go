// Package config holds the frozen settings of a mixture-of-experts
// training job.
//
// A Config is read once at startup, validated, and then passed by
// value to everything that needs it. Nothing consults ambient state.
package config

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/unixpickle/moe-sys/collcomm/allreduce"
	"gopkg.in/yaml.v3"
)

// Wire precisions for gradient all-reduce.
const (
	PrecisionFP64 = "fp64"
	PrecisionFP16 = "fp16"
)

// Config is the immutable job configuration.
type Config struct {
	// WorldSize is the total number of workers.
	WorldSize int `mapstructure:"world_size"`

	// ModelParallelSize is the number of workers that
	// jointly hold shard-split activations.
	ModelParallelSize int `mapstructure:"model_parallel_size"`

	// NumExperts is the total number of experts per MoE
	// sublayer. Zero means unset.
	NumExperts int `mapstructure:"num_experts"`

	// DistributedExperts spreads distinct experts across
	// the data-parallel workers. When false, every worker
	// holds every expert.
	DistributedExperts bool `mapstructure:"distributed_experts"`

	HiddenSize     int `mapstructure:"hidden_size"`
	NumLayers      int `mapstructure:"num_layers"`
	SeqLength      int `mapstructure:"seq_length"`
	MicroBatchSize int `mapstructure:"micro_batch_size"`
	TopK           int `mapstructure:"top_k"`

	Reducer       string  `mapstructure:"reducer"`
	WirePrecision string  `mapstructure:"wire_precision"`
	Timeout       float64 `mapstructure:"timeout"`
	Latency       float64 `mapstructure:"latency"`
	Rate          float64 `mapstructure:"rate"`

	LearningRate float64 `mapstructure:"learning_rate"`
	Steps        int     `mapstructure:"steps"`
	Seed         int64   `mapstructure:"seed"`
}

// Default returns a small, valid configuration except for
// NumExperts, which must always be given explicitly.
func Default() Config {
	return Config{
		WorldSize:          8,
		ModelParallelSize:  2,
		DistributedExperts: true,
		HiddenSize:         8,
		NumLayers:          2,
		SeqLength:          16,
		MicroBatchSize:     4,
		TopK:               2,
		Reducer:            "tree",
		WirePrecision:      PrecisionFP64,
		Latency:            1e-4,
		Rate:               1e9,
		LearningRate:       0.01,
		Steps:              1,
		Seed:               1,
	}
}

// Load reads a YAML configuration file on top of the
// defaults and validates it.
func Load(path string) (Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is like Load, but applies loosely-typed
// overrides on top of the file's settings before
// validating.
func LoadWithOverrides(path string, overrides map[string]interface{}) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	raw, err := parseRaw(data)
	if err != nil {
		return Config{}, err
	}
	for k, v := range overrides {
		raw[k] = v
	}
	return FromMap(raw)
}

// Parse decodes YAML configuration data on top of the
// defaults and validates it.
//
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	raw, err := parseRaw(data)
	if err != nil {
		return Config{}, err
	}
	return FromMap(raw)
}

func parseRaw(data []byte) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if raw == nil {
		// An empty document such as "---" or "~" decodes
		// to a nil map.
		raw = map[string]interface{}{}
	}
	return raw, nil
}

// FromMap decodes loosely-typed settings, such as parsed
// YAML or command-line overrides, on top of the defaults
// and validates the result.
func FromMap(raw map[string]interface{}) (Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "create config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting, returning an *Error
// describing the first problem found.
func (c Config) Validate() error {
	if c.NumExperts == 0 {
		return Errorf("num_experts", "num_experts should be specified")
	}
	positive := []struct {
		key   string
		value int
	}{
		{"world_size", c.WorldSize},
		{"model_parallel_size", c.ModelParallelSize},
		{"num_experts", c.NumExperts},
		{"hidden_size", c.HiddenSize},
		{"num_layers", c.NumLayers},
		{"seq_length", c.SeqLength},
		{"micro_batch_size", c.MicroBatchSize},
		{"top_k", c.TopK},
		{"steps", c.Steps},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return Errorf(p.key, "must be positive but is %d", p.value)
		}
	}
	if c.WorldSize%c.ModelParallelSize != 0 {
		return Errorf("world_size", "%d is not divisible by model_parallel_size %d",
			c.WorldSize, c.ModelParallelSize)
	}
	if (c.SeqLength*c.MicroBatchSize)%c.ModelParallelSize != 0 {
		return Errorf("micro_batch_size", "batch size x sequence length (%d x %d) "+
			"should be a multiple of model_parallel_size %d",
			c.MicroBatchSize, c.SeqLength, c.ModelParallelSize)
	}
	if c.TopK > c.NumExperts {
		return Errorf("top_k", "%d exceeds num_experts %d", c.TopK, c.NumExperts)
	}
	if _, err := allreduce.ByName(c.Reducer); err != nil {
		return Errorf("reducer", "%v", err)
	}
	if c.WirePrecision != PrecisionFP64 && c.WirePrecision != PrecisionFP16 {
		return Errorf("wire_precision", "must be %q or %q, got %q",
			PrecisionFP64, PrecisionFP16, c.WirePrecision)
	}
	nonNegative := []struct {
		key   string
		value float64
	}{
		{"timeout", c.Timeout},
		{"latency", c.Latency},
	}
	for _, n := range nonNegative {
		if n.value < 0 {
			return Errorf(n.key, "must be non-negative but is %v", n.value)
		}
	}
	if c.Rate <= 0 {
		return Errorf("rate", "must be positive but is %v", c.Rate)
	}
	if c.LearningRate <= 0 {
		return Errorf("learning_rate", "must be positive but is %v", c.LearningRate)
	}
	return nil
}

// DataParallelSize is WorldSize / ModelParallelSize.
func (c Config) DataParallelSize() int {
	return c.WorldSize / c.ModelParallelSize
}

// WithNumExperts returns a copy of c with NumExperts set.
func (c Config) WithNumExperts(n int) Config {
	c.NumExperts = n
	return c
}

// WithDistributedExperts returns a copy of c with
// DistributedExperts set.
func (c Config) WithDistributedExperts(distributed bool) Config {
	c.DistributedExperts = distributed
	return c
}

// WithWorld returns a copy of c with new world and
// model-parallel sizes.
func (c Config) WithWorld(worldSize, modelParallelSize int) Config {
	c.WorldSize = worldSize
	c.ModelParallelSize = modelParallelSize
	return c
}
