package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL = "http://localhost:8000/api"
	defaultPort    = "8080"
)

type config struct {
	BaseURL     string     `yaml:"baseURL"`
	WSURL       string     `yaml:"wsURL"`
	Port        string     `yaml:"port"`
	Mode        chat.Mode  `yaml:"-"`
	LogLevel    slog.Level `yaml:"-"`
	SessionFile string     `yaml:"sessionFile"`
	ArchivePath string     `yaml:"archivePath"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		BaseURL     string `yaml:"baseURL"`
		WSURL       string `yaml:"wsURL"`
		Port        string `yaml:"port"`
		Mode        string `yaml:"mode"`
		LogLevel    string `yaml:"logLevel"`
		SessionFile string `yaml:"sessionFile"`
		ArchivePath string `yaml:"archivePath"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.BaseURL = rawConfig.BaseURL
	c.WSURL = rawConfig.WSURL
	c.Port = rawConfig.Port
	c.SessionFile = rawConfig.SessionFile
	c.ArchivePath = rawConfig.ArchivePath

	switch rawConfig.Mode {
	case "", "streaming":
		c.Mode = chat.ModeStreaming
	case "request":
		c.Mode = chat.ModeRequestResponse
	default:
		return fmt.Errorf("unknown mode: %s", rawConfig.Mode)
	}

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}

	return nil
}

// loadConfig reads the config file at path. A missing file yields the defaults. The directory holding
// the file is also the default location for the session file and the archive.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyDefaults(filepath.Dir(path)); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults(dir string) error {
	if v := os.Getenv("MARDATA_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.WSURL == "" {
		wsURL, err := websocketURL(c.BaseURL)
		if err != nil {
			return err
		}
		c.WSURL = wsURL
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(dir, "session.yaml")
	}
	if c.ArchivePath == "" {
		c.ArchivePath = filepath.Join(dir, "archive.db")
	}
	return nil
}

// websocketURL derives the stream endpoint from the HTTP base URL.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid baseURL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid baseURL scheme: %q", u.Scheme)
	}
	return u.String(), nil
}
