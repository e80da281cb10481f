// Package catalog loads the read-only model catalog snapshot consumed by
// the policy engine and dispatcher. Hot-reload of the underlying file is
// handled by whoever calls Load again and swaps the result into the
// Runtime; this package only knows how to parse one.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Auro-rium/aex/internal/domain"
)

type fileModel struct {
	Provider      string `json:"provider"`
	ProviderModel string `json:"provider_model"`
	InputMicro    int64  `json:"input_micro"`
	OutputMicro   int64  `json:"output_micro"`
	MaxTokens     int64  `json:"max_tokens"`
	Streaming     bool   `json:"streaming"`
	Tools         bool   `json:"tools"`
	Vision        bool   `json:"vision"`
}

type fileCatalog struct {
	Models map[string]fileModel `json:"models"`
}

// Load reads configDir/models.json and returns an immutable catalog
// snapshot. The file must list at least one model.
func Load(configDir string) (domain.Catalog, error) {
	path := filepath.Join(configDir, "models.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("read model catalog %s: %w", path, err)
	}

	var fc fileCatalog
	if err := json.Unmarshal(raw, &fc); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	if len(fc.Models) == 0 {
		return domain.Catalog{}, fmt.Errorf("model catalog %s defines no models", path)
	}

	models := make(map[string]domain.ModelInfo, len(fc.Models))
	for name, fm := range fc.Models {
		if fm.Provider == "" || fm.ProviderModel == "" {
			return domain.Catalog{}, fmt.Errorf("model %q: provider and provider_model are required", name)
		}
		models[name] = domain.ModelInfo{
			Provider:      fm.Provider,
			ProviderModel: fm.ProviderModel,
			InputMicro:    fm.InputMicro,
			OutputMicro:   fm.OutputMicro,
			MaxTokens:     fm.MaxTokens,
			Streaming:     fm.Streaming,
			Tools:         fm.Tools,
			Vision:        fm.Vision,
		}
	}

	return domain.Catalog{Models: models}, nil
}
