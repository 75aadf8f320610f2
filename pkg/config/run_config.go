// Package config provides configuration loading for runs
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wenhoujx/dagster/pkg/models"
)

// RunConfigFile represents the structure of a run config YAML file
type RunConfigFile struct {
	Nodes     map[string]NodeConfigFile     `yaml:"nodes"`
	Resources map[string]ResourceConfigFile `yaml:"resources"`
}

// NodeConfigFile represents one node's configuration in the YAML file
type NodeConfigFile struct {
	Config map[string]any `yaml:"config"`
	Inputs map[string]any `yaml:"inputs"`
}

// ResourceConfigFile represents one resource's configuration in the YAML file
type ResourceConfigFile struct {
	MaxConcurrent int            `yaml:"max_concurrent"`
	Config        map[string]any `yaml:"config"`
}

// LoadRunConfig loads a run configuration from a YAML file
func LoadRunConfig(filepath string) (models.RunConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return models.RunConfig{}, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	return ParseRunConfig(data)
}

// ParseRunConfig parses run configuration from raw YAML
func ParseRunConfig(data []byte) (models.RunConfig, error) {
	var configFile RunConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return models.RunConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config := models.RunConfig{
		Nodes:     make(map[string]models.NodeRunConfig, len(configFile.Nodes)),
		Resources: make(map[string]models.ResourceConfig, len(configFile.Resources)),
	}

	for alias, node := range configFile.Nodes {
		config.Nodes[alias] = models.NodeRunConfig{
			Config: node.Config,
			Inputs: node.Inputs,
		}
	}

	for key, resource := range configFile.Resources {
		config.Resources[key] = models.ResourceConfig{
			MaxConcurrent: resource.MaxConcurrent,
			Config:        resource.Config,
		}
	}

	if err := ValidateRunConfig(config); err != nil {
		return models.RunConfig{}, err
	}

	return config, nil
}

// LoadRunConfigOrDefault attempts to load run config from file, falling back
// to an empty configuration if the file doesn't exist
func LoadRunConfigOrDefault(filepath string) models.RunConfig {
	config, err := LoadRunConfig(filepath)
	if err != nil {
		return models.RunConfig{
			Nodes:     map[string]models.NodeRunConfig{},
			Resources: map[string]models.ResourceConfig{},
		}
	}

	return config
}

// ValidateRunConfig validates the run configuration
func ValidateRunConfig(config models.RunConfig) error {
	for key, resource := range config.Resources {
		if key == "" {
			return fmt.Errorf("resource with empty key")
		}

		if resource.MaxConcurrent < 0 {
			return fmt.Errorf("resource %q: max_concurrent must not be negative", key)
		}
	}

	for alias := range config.Nodes {
		if alias == "" {
			return fmt.Errorf("node config with empty alias")
		}
	}

	return nil
}
