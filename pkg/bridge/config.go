// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/registry"
	"github.com/aiku/linkbridge/pkg/router"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalidConfig is returned by Load and Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the whole linkbridge configuration file.
type Config struct {
	Mattermost   MattermostConfig  `yaml:"mattermost"`
	Matrix       MatrixConfig      `yaml:"matrix"`
	Credentials  credstore.Config  `yaml:"credentials"`
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

// MattermostConfig configures the team-chat side.
type MattermostConfig struct {
	ServerURL       string `yaml:"server_url"`
	GreetingChannel string `yaml:"greeting_channel"`
	// BotPrefix is a username prefix for echo prevention. Posts from any
	// username starting with it are never relayed.
	BotPrefix           string  `yaml:"bot_prefix"`
	DisplaynameTemplate string  `yaml:"displayname_template"`
	SendRate            float64 `yaml:"send_rate"`
	SendBurst           int     `yaml:"send_burst"`
	TokenHelpURL        string  `yaml:"token_help_url"`
}

// MatrixConfig configures the direct-message side.
type MatrixConfig struct {
	HomeserverURL         string `yaml:"homeserver_url"`
	TokenHelpURL          string `yaml:"token_help_url"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// ConnectTimeout returns the Matrix connect timeout, falling back to the
// registry default.
func (c *MatrixConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return registry.DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "greeting_channel")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "displayname_template")
	helper.Copy(up.Float|up.Int, "mattermost", "send_rate")
	helper.Copy(up.Int, "mattermost", "send_burst")
	helper.Copy(up.Str, "mattermost", "token_help_url")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "token_help_url")
	helper.Copy(up.Int, "matrix", "connect_timeout_seconds")
	helper.Copy(up.Str, "credentials", "backend")
	helper.Copy(up.Str|up.Null, "credentials", "cache_dir")
	helper.Copy(up.Str|up.Null, "credentials", "config_dir")
	helper.Copy(up.Str|up.Null, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

var upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"matrix"},
		{"credentials"},
		{"admin_api_addr"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config at path. Missing keys are filled in from the
// example config, and the upgraded file is written back when save is set.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateExample writes the example config to path.
func GenerateExample(path string) error {
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Mattermost.ServerURL, "http://") && !strings.HasPrefix(c.Mattermost.ServerURL, "https://") {
		return fmt.Errorf("%w: mattermost.server_url must be an http(s) URL", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Matrix.HomeserverURL, "http://") && !strings.HasPrefix(c.Matrix.HomeserverURL, "https://") {
		return fmt.Errorf("%w: matrix.homeserver_url must be an http(s) URL", ErrInvalidConfig)
	}
	if _, err := template.New("displayname").Parse(c.Mattermost.DisplaynameTemplate); err != nil {
		return fmt.Errorf("%w: mattermost.displayname_template: %w", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Credentials.Backend) {
	case "", "file", "keyring":
	default:
		return fmt.Errorf("%w: unknown credentials.backend %q", ErrInvalidConfig, c.Credentials.Backend)
	}
	return nil
}

// routerOptions maps the config onto the router.
func (c *Config) routerOptions() router.Options {
	return router.Options{
		GreetingChannel:    c.Mattermost.GreetingChannel,
		BotPrefix:          c.Mattermost.BotPrefix,
		MattermostTokenURL: c.Mattermost.TokenHelpURL,
		MatrixTokenURL:     c.Matrix.TokenHelpURL,
	}
}
