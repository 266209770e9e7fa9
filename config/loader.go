package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "dtseval.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/dtseval"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvFile is loaded from the working directory for API keys
	EnvFile = ".env"
)

// envOverrides maps environment variables onto config fields.
var envOverrides = map[string]func(*Config, string){
	"DTSEVAL_OUTPUT":    func(c *Config, v string) { c.Output = v },
	"DTSEVAL_NATS_URL":  func(c *Config, v string) { c.NATS.URL = v },
	"DTSEVAL_LOG_LEVEL": func(c *Config, v string) { c.Log.Level = v },
	"DTSEVAL_LLM_MODEL": func(c *Config, v string) { c.LLM.Model = v },
}

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger

	// workDir and homeDir default to the process values; tests override them.
	workDir string
	homeDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/dtseval/config.yaml)
// 3. Project config (dtseval.yaml in current or parent directories)
// 4. Explicit config file (explicitPath, if not empty)
// 5. Environment variables (DTSEVAL_*), after loading .env
//
// Command-line flags are applied by the caller on the returned config,
// which must then be validated.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()
	cwd := l.cwd()

	if err := godotenv.Load(filepath.Join(cwd, EnvFile)); err == nil {
		l.logger.Debug("Loaded environment file", slog.String("path", filepath.Join(cwd, EnvFile)))
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Failed to load environment file", slog.String("error", err.Error()))
	}

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := config.ApplyFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	if projectConfigPath := l.findProjectConfig(cwd); projectConfigPath != "" {
		if err := config.ApplyFile(projectConfigPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
	} else {
		l.logger.Debug("No project config found")
	}

	if explicitPath != "" {
		if err := config.ApplyFile(explicitPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
	}

	for name, apply := range envOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			apply(config, v)
		}
	}

	// Whatever is still relative, defaults included, is relative to cwd.
	config.ResolvePaths(cwd)
	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for dtseval.yaml in dir and its parents
func (l *Loader) findProjectConfig(dir string) string {
	if dir == "" {
		return ""
	}
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

func (l *Loader) cwd() string {
	if l.workDir != "" {
		return l.workDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}
