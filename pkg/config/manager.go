package config

import (
	errors "errors"
	"fmt"
	fs2 "io/fs"
	"path"
	"sort"
	"strings"

	path2 "github.com/bruin-data/windowed/pkg/path"
	errors2 "github.com/pkg/errors"
	"github.com/spf13/afero"
)

type Environment struct {
	Connections *Connections `yaml:"connections" json:"connections" mapstructure:"connections"`
}

type Config struct {
	fs   afero.Fs
	path string

	DefaultEnvironmentName  string                 `yaml:"default_environment" json:"default_environment_name" mapstructure:"default_environment_name"`
	SelectedEnvironmentName string                 `yaml:"-" json:"selected_environment_name"`
	SelectedEnvironment     *Environment           `yaml:"-" json:"selected_environment"`
	Environments            map[string]Environment `yaml:"environments" json:"environments" mapstructure:"environments"`
}

func (c *Config) Path() string {
	return c.path
}

func (c *Config) Persist() error {
	return path2.WriteYaml(c.fs, c.path, c)
}

func (c *Config) SelectEnvironment(name string) error {
	e, ok := c.Environments[name]
	if !ok {
		return fmt.Errorf("environment '%s' not found in the configuration file", name)
	}

	if e.Connections == nil {
		e.Connections = &Connections{}
	}

	c.SelectedEnvironment = &e
	c.SelectedEnvironmentName = name
	return nil
}

// GetEnvironmentNames returns the environment names, sorted.
func (c *Config) GetEnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Validate rejects environments that declare the same connection name twice, across all connection types.
func (c *Config) Validate() error {
	for _, envName := range c.GetEnvironmentNames() {
		env := c.Environments[envName]
		if env.Connections == nil {
			continue
		}

		seen := make(map[string]bool)
		for _, name := range env.Connections.Names() {
			if strings.TrimSpace(name) == "" {
				return errors2.Errorf("environment '%s' has a connection without a name", envName)
			}
			if seen[name] {
				return errors2.Errorf("duplicate connection name '%s' in environment '%s'", name, envName)
			}
			seen[name] = true
		}
	}

	return nil
}

func LoadFromFile(fs afero.Fs, path string) (*Config, error) {
	var config Config

	err := path2.ReadYaml(fs, path, &config)
	if err != nil {
		return nil, err
	}

	config.fs = fs
	config.path = path

	if config.DefaultEnvironmentName == "" {
		config.DefaultEnvironmentName = "default"
	}

	if err := config.Validate(); err != nil {
		return nil, errors2.Wrapf(err, "invalid configuration file '%s'", path)
	}

	if err := config.SelectEnvironment(config.DefaultEnvironmentName); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadOrCreate reads the configuration file, or writes one with an empty default environment when missing.
func LoadOrCreate(fs afero.Fs, path string) (*Config, error) {
	config, err := LoadFromFile(fs, path)
	if err != nil && !errors.Is(err, fs2.ErrNotExist) {
		return nil, err
	}

	if err == nil {
		return config, ensureConfigIsInGitignore(fs, path)
	}

	defaultEnv := Environment{
		Connections: &Connections{},
	}
	config = &Config{
		fs:   fs,
		path: path,

		DefaultEnvironmentName:  "default",
		SelectedEnvironment:     &defaultEnv,
		SelectedEnvironmentName: "default",
		Environments: map[string]Environment{
			"default": defaultEnv,
		},
	}

	err = config.Persist()
	if err != nil {
		return nil, fmt.Errorf("failed to persist config: %w", err)
	}

	return config, ensureConfigIsInGitignore(fs, path)
}

func ensureConfigIsInGitignore(fs afero.Fs, filePath string) error {
	gitignorePath := path.Join(path.Dir(filePath), ".gitignore")
	exists, err := afero.Exists(fs, gitignorePath)
	if err != nil {
		return err
	}

	fileNameToIgnore := path.Base(filePath)
	if !exists {
		return afero.WriteFile(fs, gitignorePath, []byte(fileNameToIgnore+"\n"), 0o644)
	}

	content, err := afero.ReadFile(fs, gitignorePath)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == fileNameToIgnore {
			return nil
		}
	}

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		content = append(content, '\n')
	}

	return afero.WriteFile(fs, gitignorePath, append(content, []byte(fileNameToIgnore+"\n")...), 0o644)
}
