package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pidgin/internal/providers"
	"github.com/haasonsaas/pidgin/pkg/models"
)

// LoadExperimentSpec reads an experiment spec YAML into a validated
// ExperimentConfig, filling gaps from the settings defaults.
func LoadExperimentSpec(path string, settings *Settings) (*models.ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read spec %s: %w", path, err)
	}

	if settings == nil {
		settings = DefaultSettings()
	}

	expanded := os.ExpandEnv(string(data))
	var spec models.ExperimentConfig
	if err := decodeStrict(expanded, &spec); err != nil {
		return nil, fmt.Errorf("config: parse spec %s: %w", path, err)
	}

	// An explicit max_turns of 0 is a valid choice (end before any turn
	// runs), so only an absent key falls back to the settings default.
	var presence struct {
		MaxTurns *int `yaml:"max_turns"`
	}
	_ = yaml.Unmarshal([]byte(expanded), &presence)
	if presence.MaxTurns == nil {
		spec.MaxTurns = settings.Defaults.MaxTurns
	}

	ApplyDefaults(&spec, settings)

	// Awareness values naming a YAML file are inlined here so the rest
	// of the runtime only ever sees presets or literal prompt text.
	specDir := filepath.Dir(path)
	if spec.AwarenessA, err = resolveAwareness(spec.AwarenessA, specDir); err != nil {
		return nil, err
	}
	if spec.AwarenessB, err = resolveAwareness(spec.AwarenessB, specDir); err != nil {
		return nil, err
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// resolveAwareness loads a file-path awareness value into its prompt
// text. Presets and literal prompts pass through unchanged. The file is
// a YAML document holding either a system_prompt key or a bare string,
// resolved relative to the spec file when not absolute.
func resolveAwareness(level models.AwarenessLevel, specDir string) (models.AwarenessLevel, error) {
	if level == "" || level.IsPreset() {
		return level, nil
	}
	name := string(level)
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return level, nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(specDir, name)
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("config: awareness file %s: %w", name, err)
	}

	var doc struct {
		SystemPrompt string `yaml:"system_prompt"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && strings.TrimSpace(doc.SystemPrompt) != "" {
		return models.AwarenessLevel(strings.TrimSpace(doc.SystemPrompt)), nil
	}
	var text string
	if err := yaml.Unmarshal(data, &text); err == nil && strings.TrimSpace(text) != "" {
		return models.AwarenessLevel(strings.TrimSpace(text)), nil
	}
	return "", fmt.Errorf("config: awareness file %s: expected a system_prompt key or a string document", name)
}

// ApplyDefaults fills unset spec fields from the settings.
func ApplyDefaults(spec *models.ExperimentConfig, settings *Settings) {
	if settings == nil {
		settings = DefaultSettings()
	}
	if spec.Repetitions == 0 {
		spec.Repetitions = 1
	}
	if spec.MaxParallel == 0 {
		spec.MaxParallel = settings.Defaults.MaxParallel
	}
	if spec.ConvergenceProfile == "" {
		spec.ConvergenceProfile = settings.Convergence.Profile
	}
	if spec.ConvergenceProfile == "custom" && len(spec.CustomWeights) == 0 {
		spec.CustomWeights = settings.Convergence.CustomWeights
	}
	if spec.ConvergenceThreshold == 0 {
		spec.ConvergenceThreshold = settings.Convergence.Threshold
	}
	if spec.ConvergenceAction == "" && settings.Convergence.Action != "" {
		spec.ConvergenceAction = models.ConvergenceAction(settings.Convergence.Action)
	}
	if !spec.AllowTruncation {
		spec.AllowTruncation = settings.ContextManagement.AllowTruncation
	}
}

// ValidateAPIKeys fails fast when a requested provider's key is absent
// from the environment, before any conversation begins. Local and
// synthetic providers need no key.
func ValidateAPIKeys(spec *models.ExperimentConfig) error {
	var missing []string
	seen := map[string]bool{}

	for _, model := range []string{spec.AgentAModel, spec.AgentBModel} {
		provider := providers.InferProvider(model)
		if seen[provider] {
			continue
		}
		seen[provider] = true

		env, ok := providers.APIKeyEnv[provider]
		if !ok {
			continue
		}
		if os.Getenv(env) == "" {
			missing = append(missing, fmt.Sprintf("%s (set %s)", provider, env))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing API keys: %s", strings.Join(missing, ", "))
	}
	return nil
}
