package config

import (
	"fmt"
	"strings"
)

const DefaultConfigFileName = ".windowed.yml"

// MissingConnectionError is returned when an asset refers to a connection the selected environment lacks.
type MissingConnectionError struct {
	Name            string
	ConfigFilePath  string
	EnvironmentName string
}

func (e *MissingConnectionError) Error() string {
	configFilePath := strings.TrimSpace(e.ConfigFilePath)
	if configFilePath == "" {
		configFilePath = DefaultConfigFileName
	}

	environmentName := strings.TrimSpace(e.EnvironmentName)
	if environmentName == "" {
		environmentName = "default"
	}

	return fmt.Sprintf(
		"connection '%s' not found in config file '%s' under environment '%s'",
		e.Name,
		configFilePath,
		environmentName,
	)
}

func (c *Config) ConnectionNotFoundError(name string) error {
	return &MissingConnectionError{
		Name:            name,
		ConfigFilePath:  c.path,
		EnvironmentName: c.SelectedEnvironmentName,
	}
}
