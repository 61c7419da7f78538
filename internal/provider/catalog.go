// Package provider holds the model catalog and drives streaming chat calls
// against the hosted billing router.
package provider

import (
	"fmt"
	"os"
	"sync"

	"github.com/webcmdk/sidepanel/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Supported provider tags. The set is closed: anything else is rejected
// instead of silently substituting a default.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Model is one selectable provider/model pair with its per-token pricing.
type Model struct {
	Provider           string  `yaml:"provider" json:"provider"`
	ModelID            string  `yaml:"model_id" json:"model_id"`
	InputCostPerToken  float64 `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token" json:"output_cost_per_token"`
}

type fileConfig struct {
	Models []Model `yaml:"models"`
}

// defaultModels is the built-in catalog; a models.yaml file replaces it.
var defaultModels = []Model{
	{Provider: ProviderOpenAI, ModelID: "gpt-4o-mini", InputCostPerToken: 0.00015, OutputCostPerToken: 0.0006},
	{Provider: ProviderOpenAI, ModelID: "gpt-4o", InputCostPerToken: 0.0025, OutputCostPerToken: 0.01},
	{Provider: ProviderAnthropic, ModelID: "claude-sonnet-4-20250514", InputCostPerToken: 0.003, OutputCostPerToken: 0.015},
	{Provider: ProviderGoogle, ModelID: "gemini-2.0-flash", InputCostPerToken: 0.0001, OutputCostPerToken: 0.0004},
}

var (
	stateMu     sync.RWMutex
	initialized bool
	catalog     []Model
)

// InitFromFile loads the catalog, replacing the defaults when path exists
// and parses cleanly.
func InitFromFile(path string) error {
	models, err := loadModels(path)

	stateMu.Lock()
	defer stateMu.Unlock()
	catalog = models
	initialized = true
	return err
}

func loadModels(path string) ([]Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultModels, nil
		}
		return defaultModels, err
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultModels, fmt.Errorf("parse %s: %w", path, err)
	}

	valid := cfg.Models[:0]
	for _, m := range cfg.Models {
		if err := ValidateProvider(m.Provider); err != nil {
			return defaultModels, fmt.Errorf("%s: %w", path, err)
		}
		if m.ModelID == "" {
			return defaultModels, fmt.Errorf("%s: model without model_id", path)
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return defaultModels, nil
	}
	return valid, nil
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if !ok {
		_ = InitFromFile("models.yaml")
	}
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	catalog = nil
}

// Models returns the catalog in declaration order.
func Models() []Model {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Default returns the first catalog entry, the session's starting selection.
func Default() Model {
	models := Models()
	if len(models) == 0 {
		return defaultModels[0]
	}
	return models[0]
}

// Find locates a catalog entry by model id.
func Find(modelID string) (Model, bool) {
	for _, m := range Models() {
		if m.ModelID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// ValidateProvider is the total mapping over the provider enum: known tags
// pass, anything else is a ProviderError.
func ValidateProvider(tag string) error {
	switch tag {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return nil
	default:
		return &protocol.ProviderError{Provider: tag}
	}
}
