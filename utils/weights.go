package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// WeightsVersion is written into every snapshot.
const WeightsVersion = "1.0"

// WeightData represents one serializable parameter array
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// LayerWeights holds the parameters of one flow layer, in layer order
type LayerWeights struct {
	Kind   string        `json:"kind"`
	Params []*WeightData `json:"params"`
}

// ModelWeights represents all parameters and running statistics of a flow
type ModelWeights struct {
	Version string         `json:"version"`
	Model   string         `json:"model"`
	Layers  []LayerWeights `json:"layers"`
}

// NewWeightData copies data into a serializable record.
func NewWeightData(name string, shape []int, data []float64) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  append([]float64{}, data...), // copy
	}
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	data, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &weights, nil
}
