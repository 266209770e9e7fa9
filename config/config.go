// Package config provides configuration loading and management for dtseval.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete dtseval configuration
type Config struct {
	// Output is the root of the package workspaces and corpus metrics.
	Output      string            `yaml:"output" validate:"required"`
	GroundTruth GroundTruthConfig `yaml:"ground_truth"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Stages      StagesConfig      `yaml:"stages"`
	Examples    ExamplesConfig    `yaml:"examples"`
	LLM         LLMConfig         `yaml:"llm"`
	Tools       ToolsConfig       `yaml:"tools"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Run         RunConfig         `yaml:"run"`
	NATS        NATSConfig        `yaml:"nats"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// GroundTruthConfig locates the reference declaration corpus
type GroundTruthConfig struct {
	// Path is the local checkout (cloned when missing)
	Path string `yaml:"path" validate:"required"`
	// URL is cloned when Path is empty
	URL string `yaml:"url" validate:"required"`
	// Commit is the checkout required in reproduction mode
	Commit string `yaml:"commit" validate:"required,hexadecimal,len=40"`
}

// SweepConfig selects the packages of a corpus sweep
type SweepConfig struct {
	Start int `yaml:"start" validate:"gte=0"`
	// Length of the window; 0 means every remaining package
	Length  int    `yaml:"length" validate:"gte=0"`
	Shuffle bool   `yaml:"shuffle"`
	Seed    uint64 `yaml:"seed"`
}

// StagesConfig toggles pipeline stages
type StagesConfig struct {
	Examples     bool `yaml:"examples"`
	Declarations bool `yaml:"declarations"`
	Comparisons  bool `yaml:"comparisons"`
	Aggregates   bool `yaml:"aggregates"`
}

// ExamplesConfig configures example acquisition
type ExamplesConfig struct {
	ExtractFromReadme bool `yaml:"extract_from_readme"`
	GenerateWithLLM   bool `yaml:"generate_with_llm"`
	EvaluatePackage   bool `yaml:"evaluate_package"`
	Combine           bool `yaml:"combine"`
	CombinedOnly      bool `yaml:"combined_only"`

	MaxAttempts        int `yaml:"max_attempts" validate:"gte=1,lte=20"`
	MaxPromptFileChars int `yaml:"max_prompt_file_chars" validate:"gte=0"`
	MaxTestFiles       int `yaml:"max_test_files" validate:"gte=0"`
}

// LLMConfig configures the completion service
type LLMConfig struct {
	// Provider is one of openai, anthropic, ollama or gemini
	Provider string `yaml:"provider" validate:"required,oneof=openai anthropic ollama gemini"`
	Model    string `yaml:"model" validate:"required"`
	// URL overrides the provider's default endpoint
	URL string `yaml:"url" validate:"omitempty,url"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv   string        `yaml:"api_key_env"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	// Cache enables the persistent response cache in CacheDir
	Cache    bool   `yaml:"cache"`
	CacheDir string `yaml:"cache_dir" validate:"required_if=Cache true"`
}

// ToolsConfig holds the external tool commands. Relative program paths are
// resolved against the directory of the config file that set them.
type ToolsConfig struct {
	// Transpile rewrites index.js to ES5 in place; empty skips transpiling
	Transpile            []string `yaml:"transpile"`
	RuntimeInfo          []string `yaml:"runtime_info"`
	DeclarationGenerator []string `yaml:"declaration_generator"`
	Comparator           []string `yaml:"comparator" validate:"min=1"`
	// ComparatorScripts is copied into every comparison sandbox
	ComparatorScripts string `yaml:"comparator_scripts"`
}

// TimeoutsConfig bounds external commands
type TimeoutsConfig struct {
	Execution    time.Duration `yaml:"execution" validate:"gt=0"`
	Installation time.Duration `yaml:"installation" validate:"gt=0"`
	Command      time.Duration `yaml:"command" validate:"gt=0"`
	Comparison   time.Duration `yaml:"comparison" validate:"gt=0"`
}

// RunConfig holds run-wide policies
type RunConfig struct {
	// Reproduce reruns packages from their recorded inputs
	Reproduce bool `yaml:"reproduce"`
	// RemoveCache deletes each package's cache after its run
	RemoveCache bool `yaml:"remove_cache"`
	// Interactive pauses on unclassified failures
	Interactive bool `yaml:"interactive"`
}

// NATSConfig configures outcome publication
type NATSConfig struct {
	// URL is the NATS server URL (empty = do not publish)
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	// Listen is the address of the /metrics server (empty = disabled)
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// LogConfig configures console logging
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Output: "output/evaluation",
		GroundTruth: GroundTruthConfig{
			Path:   "output/DefinitelyTyped",
			URL:    "https://github.com/DefinitelyTyped/DefinitelyTyped.git",
			Commit: "3b48ce35f1236733d9c1940eb95e6647b8a30852",
		},
		Sweep: SweepConfig{
			Shuffle: true,
			Seed:    42,
		},
		Stages: StagesConfig{
			Examples:     true,
			Declarations: true,
			Comparisons:  true,
			Aggregates:   true,
		},
		Examples: ExamplesConfig{
			ExtractFromReadme:  true,
			GenerateWithLLM:    true,
			EvaluatePackage:    true,
			Combine:            true,
			MaxAttempts:        3,
			MaxPromptFileChars: 10000,
			MaxTestFiles:       3,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   3 * time.Minute,
			CacheDir:  "output/llm-cache",
		},
		Tools: ToolsConfig{
			Transpile:            []string{"node", "tools/transpile.js"},
			RuntimeInfo:          []string{"tools/getRunTimeInformation.sh"},
			DeclarationGenerator: []string{"tools/generateDeclarationFile.sh"},
			Comparator:           []string{"npx", "tsx", "compare.ts"},
			ComparatorScripts:    "tools/compare",
		},
		Timeouts: TimeoutsConfig{
			Execution:    60 * time.Second,
			Installation: 600 * time.Second,
			Command:      60 * time.Second,
			Comparison:   120 * time.Second,
		},
		Run: RunConfig{
			RemoveCache: true,
		},
		NATS: NATSConfig{
			SubjectPrefix: "dtseval.package",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Stages.Declarations && (len(c.Tools.RuntimeInfo) == 0 || len(c.Tools.DeclarationGenerator) == 0) {
		return fmt.Errorf("tools.runtime_info and tools.declaration_generator are required when stages.declarations is enabled")
	}
	if c.Examples.CombinedOnly && !c.Examples.Combine {
		return fmt.Errorf("examples.combined_only requires examples.combine")
	}
	return nil
}

// UsesLLM reports whether any enabled stage needs the completion service.
func (c *Config) UsesLLM() bool {
	return c.Stages.Examples && (c.Examples.GenerateWithLLM || c.Examples.EvaluatePackage)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyFile overlays the keys present in a YAML file onto c. Relative
// paths set by the file are resolved against its directory.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var layer Config
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	layer.resolvePaths(filepath.Dir(path))

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.copyPaths(&layer)
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// ResolvePaths makes every relative path absolute against base. Tool
// programs are only resolved when they name a path rather than a command
// looked up in PATH.
func (c *Config) ResolvePaths(base string) {
	c.resolvePaths(base)
}

func (c *Config) resolvePaths(base string) {
	c.Output = resolve(base, c.Output)
	c.GroundTruth.Path = resolve(base, c.GroundTruth.Path)
	c.LLM.CacheDir = resolve(base, c.LLM.CacheDir)
	c.Tools.ComparatorScripts = resolve(base, c.Tools.ComparatorScripts)
	for _, cmd := range [][]string{c.Tools.Transpile, c.Tools.RuntimeInfo, c.Tools.DeclarationGenerator} {
		resolveCommand(base, cmd)
	}
}

// copyPaths takes the resolved paths the layer set.
func (c *Config) copyPaths(layer *Config) {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&c.Output, layer.Output)
	set(&c.GroundTruth.Path, layer.GroundTruth.Path)
	set(&c.LLM.CacheDir, layer.LLM.CacheDir)
	set(&c.Tools.ComparatorScripts, layer.Tools.ComparatorScripts)
	if layer.Tools.Transpile != nil {
		c.Tools.Transpile = layer.Tools.Transpile
	}
	if layer.Tools.RuntimeInfo != nil {
		c.Tools.RuntimeInfo = layer.Tools.RuntimeInfo
	}
	if layer.Tools.DeclarationGenerator != nil {
		c.Tools.DeclarationGenerator = layer.Tools.DeclarationGenerator
	}
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// resolveCommand resolves every argument that looks like a relative file
// path, i.e. contains a separator.
func resolveCommand(base string, cmd []string) {
	for i, arg := range cmd {
		if strings.HasPrefix(arg, "-") || !strings.ContainsRune(arg, '/') {
			continue
		}
		cmd[i] = resolve(base, arg)
	}
}
