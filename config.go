package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// --- Configuration ---

type Config struct {
	Mantis   MantisConfig   `yaml:"mantis"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`

	// DryRun skips the database entirely.
	DryRun bool `yaml:"-"`
}

type MantisConfig struct {
	URL      string `yaml:"url"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	Path        string `yaml:"path"` // sqlite only
	CreateTable bool   `yaml:"create_table"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Driver: driverMySQL, Port: 3306},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current value.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every missing setting at once so a misconfigured run
// fails before any connection is opened.
func (c Config) Validate() error {
	var errs []error
	if c.Mantis.URL == "" {
		errs = append(errs, errors.New("mantis url is required"))
	}
	if c.Mantis.Token == "" && c.Mantis.Login == "" {
		errs = append(errs, errors.New("mantis token or login is required"))
	}

	switch {
	case c.DryRun:
	case c.Database.Driver == driverMySQL:
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database host is required"))
		}
		if c.Database.User == "" {
			errs = append(errs, errors.New("database user is required"))
		}
		if c.Database.Name == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	case c.Database.Driver == driverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid database driver %q: must be mysql or sqlite", c.Database.Driver))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
