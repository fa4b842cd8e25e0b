// Package settings loads the declared remote connections from the user's
// settings file. The records are read-only seed data for building targets;
// the bootstrap core never writes them back.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moorlab/moor/internal/remote"
)

// Settings models the moor settings file.
type Settings struct {
	Connections []Connection `yaml:"connections"`
}

// Connection is one declared remote host.
type Connection struct {
	Host     string    `yaml:"host"`
	Username string    `yaml:"username,omitempty"`
	Port     int       `yaml:"port,omitempty"`
	Projects []Project `yaml:"projects,omitempty"`
	// Nickname names this server in command arguments and display.
	Nickname string `yaml:"nickname,omitempty"`
}

// Project groups remote paths opened together on a connection.
type Project struct {
	Paths []string `yaml:"paths"`
}

// DefaultPath is $HOME/.moor/settings.yaml, overridable via MOOR_SETTINGS.
func DefaultPath() string {
	if v := strings.TrimSpace(os.Getenv("MOOR_SETTINGS")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".moor", "settings.yaml")
	}
	return filepath.Join(home, ".moor", "settings.yaml")
}

// Load decodes the settings file. A missing file yields empty settings.
func Load(path string) (*Settings, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultPath()
	}
	data, err := os.ReadFile(trimmed)
	if errors.Is(err, os.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &s, nil
}

// Find matches a connection by nickname first, then by host.
func (s *Settings) Find(name string) (Connection, bool) {
	for _, c := range s.Connections {
		if c.Nickname != "" && c.Nickname == name {
			return c, true
		}
	}
	for _, c := range s.Connections {
		if c.Host == name {
			return c, true
		}
	}
	return Connection{}, false
}

// Target converts the record into a bootstrap target. Passwords never come
// from settings.
func (c Connection) Target() remote.Target {
	return remote.Target{
		Host:     c.Host,
		Username: c.Username,
		Port:     c.Port,
	}
}

// DisplayName prefers the nickname.
func (c Connection) DisplayName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.Target().ConnectionString()
}
