package environment

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

// ConfigFileName marks the top directory of a test tree.
const ConfigFileName = "tubes.yaml"

const DefaultWorkDir = "_test"

// Config represents the harness configuration file structure
type Config struct {
	WorkDir  string                   `yaml:"work-dir,omitempty"`
	Nodes    int                      `yaml:"nodes,omitempty"`
	Log      logging.ZapConfig        `yaml:"log,omitempty"`
	Services map[string]ServiceConfig `yaml:"services,omitempty"`
}

// ServiceConfig is either a bare executable path or a mapping with an
// optional executable and a configuration overlay passed to every instance.
type ServiceConfig struct {
	Executable string                 `yaml:"executable,omitempty"`
	Config     map[string]interface{} `yaml:"config,omitempty"`
}

func (s *ServiceConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Executable = node.Value
		return nil
	}
	type plain ServiceConfig
	return node.Decode((*plain)(s))
}

// LoadConfigFromFile loads harness configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if config.Nodes < 0 {
		return errors.NewValidationError("nodes cannot be negative", nil).WithContext("nodes", config.Nodes)
	}
	switch config.Log.Format {
	case "", "json", "console", "logfmt":
	default:
		return errors.NewValidationError("unsupported log format: "+config.Log.Format, nil).
			WithContext("supported_formats", "json, console, logfmt")
	}
	for name := range config.Services {
		if name == "" {
			return errors.NewValidationError("service name cannot be empty", nil)
		}
	}
	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.WorkDir == "" {
		config.WorkDir = DefaultWorkDir
	}
	if config.Log.Level == "" {
		config.Log.Level = "debug"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
	if config.Services == nil {
		config.Services = make(map[string]ServiceConfig)
	}
}

func defaultConfig() *Config {
	config := &Config{}
	setConfigDefaults(config)
	return config
}
