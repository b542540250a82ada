package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"nflow/mask"
	"nflow/nn/layers"
)

// Flow kinds understood by Config.Kind.
const (
	KindMAF     = "maf"
	KindRealNVP = "realnvp"
)

// Config holds the construction parameters of a flow model.
type Config struct {
	Kind       string  `json:"kind"`
	NBlocks    int     `json:"n_blocks"`
	InputSize  int     `json:"input_size"`
	HiddenSize int     `json:"hidden_size"`
	NHidden    int     `json:"n_hidden"`
	CondSize   int     `json:"cond_size,omitempty"`
	Activation string  `json:"activation"`
	InputOrder string  `json:"input_order"`
	BatchNorm  bool    `json:"batch_norm"`
	Momentum   float64 `json:"momentum"`
	Eps        float64 `json:"eps"`
	Seed       uint64  `json:"seed"`
}

// DefaultConfig returns a MAF configuration with relu activations, sequential
// order and batch normalisation between blocks. Sizes are left for the caller.
func DefaultConfig() Config {
	return Config{
		Kind:       KindMAF,
		NBlocks:    5,
		NHidden:    1,
		Activation: "relu",
		InputOrder: mask.Sequential.String(),
		BatchNorm:  true,
		Momentum:   layers.DefaultMomentum,
		Eps:        layers.DefaultEps,
	}
}

// ParseArchitecture parses "n_blocks input_size hidden_size n_hidden" into the config.
func ParseArchitecture(archStr string, config *Config) error {
	archParts := strings.Fields(archStr)
	if len(archParts) != 4 {
		return fmt.Errorf("architecture needs 4 sizes (blocks input hidden layers), got %d", len(archParts))
	}
	arch := make([]int, len(archParts))
	for i, s := range archParts {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		arch[i] = n
	}
	config.NBlocks, config.InputSize, config.HiddenSize, config.NHidden = arch[0], arch[1], arch[2], arch[3]
	return nil
}

// ValidateConfig validates a flow configuration
func ValidateConfig(config *Config) error {
	switch strings.ToLower(config.Kind) {
	case KindMAF:
		if config.InputSize < 2 {
			return fmt.Errorf("maf needs input size of at least 2, got %d", config.InputSize)
		}
		if _, err := layers.NewActivation(config.Activation); err != nil {
			return err
		}
		if _, err := mask.ParseOrder(config.InputOrder); err != nil {
			return err
		}
	case KindRealNVP:
		if config.InputSize < 1 {
			return fmt.Errorf("input size must be positive")
		}
	default:
		return fmt.Errorf("unknown flow kind %q", config.Kind)
	}

	if config.NBlocks <= 0 {
		return fmt.Errorf("number of blocks must be positive")
	}

	if config.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive")
	}

	if config.NHidden < 0 {
		return fmt.Errorf("number of hidden layers must not be negative")
	}

	if config.CondSize < 0 {
		return fmt.Errorf("conditioning size must not be negative")
	}

	if config.BatchNorm && (config.Momentum < 0 || config.Momentum >= 1 || config.Eps <= 0) {
		return fmt.Errorf("batch norm needs momentum in [0, 1) and positive eps, got %g and %g", config.Momentum, config.Eps)
	}

	return nil
}

// LoadConfig reads a JSON config file on top of DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}
