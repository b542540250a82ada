package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWeightDataCopies(t *testing.T) {
	src := []float64{0, 0.5, 1, 1.5, 2, 2.5}
	wd := NewWeightData("test_weight", []int{2, 3}, src)

	if wd.Name != "test_weight" {
		t.Errorf("Name = %s, want test_weight", wd.Name)
	}
	if len(wd.Shape) != 2 || wd.Shape[0] != 2 || wd.Shape[1] != 3 {
		t.Errorf("Shape = %v, want [2, 3]", wd.Shape)
	}
	src[0] = 99
	if wd.Data[0] != 0 {
		t.Errorf("Data aliases the source slice")
	}
}

func TestSaveLoadWeights(t *testing.T) {
	tmpDir := t.TempDir()
	weightsFile := filepath.Join(tmpDir, "test_weights.json")

	weights := &ModelWeights{
		Version: WeightsVersion,
		Model:   "MAF",
		Layers: []LayerWeights{
			{
				Kind: "MADE",
				Params: []*WeightData{
					NewWeightData("input.weight", []int{8, 3}, make([]float64, 24)),
					NewWeightData("input.bias", []int{8}, make([]float64, 8)),
				},
			},
			{
				Kind:   "BatchNorm",
				Params: []*WeightData{NewWeightData("log_gamma", []int{3}, []float64{0.1, 0.2, 0.3})},
			},
		},
	}
	for i := range weights.Layers[0].Params[0].Data {
		weights.Layers[0].Params[0].Data[i] = float64(i) * 0.001
	}

	if err := SaveWeights(weightsFile, weights); err != nil {
		t.Fatalf("SaveWeights failed: %v", err)
	}
	loaded, err := LoadWeights(weightsFile)
	if err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}

	if loaded.Version != WeightsVersion || loaded.Model != "MAF" {
		t.Errorf("header = %s/%s, want %s/MAF", loaded.Version, loaded.Model, WeightsVersion)
	}
	if len(loaded.Layers) != 2 {
		t.Fatalf("Layers count = %d, want 2", len(loaded.Layers))
	}
	w := loaded.Layers[0].Params[0]
	if len(w.Shape) != 2 || w.Shape[0] != 8 || w.Shape[1] != 3 {
		t.Errorf("weight shape = %v, want [8, 3]", w.Shape)
	}
	if w.Data[1] != 0.001 {
		t.Errorf("weight Data[1] = %f, want 0.001", w.Data[1])
	}
	if got := loaded.Layers[1].Params[0].Data[2]; got != 0.3 {
		t.Errorf("log_gamma[2] = %f, want 0.3", got)
	}
}

func TestLoadWeightsNotFound(t *testing.T) {
	_, err := LoadWeights("/nonexistent/path/weights.json")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoadWeightsInvalidJSON(t *testing.T) {
	badFile := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(badFile, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := LoadWeights(badFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}
