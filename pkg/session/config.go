// Copyright 2024-2026 Aiku AI

package session

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
)

//go:embed example-config.yaml
var ExampleConfig string

// BackupDownloadStrategy decides when the server-side key backup is fetched.
type BackupDownloadStrategy string

const (
	BackupDownloadAfterDecryptionFailure BackupDownloadStrategy = "after_decryption_failure"
	BackupDownloadOneShot                BackupDownloadStrategy = "one_shot"
	BackupDownloadManual                 BackupDownloadStrategy = "manual"
)

// Config holds the session manager configuration.
type Config struct {
	SessionFile    string `yaml:"session_file"`
	StoreDir       string `yaml:"store_dir"`
	DeviceName     string `yaml:"device_name"`
	SSORedirectURL string `yaml:"sso_redirect_url"`

	Sync       SyncConfig        `yaml:"sync"`
	Encryption EncryptionConfig  `yaml:"encryption"`
	Logging    zeroconfig.Config `yaml:"logging"`

	deviceNameTemplate *template.Template `yaml:"-"`
}

// SyncConfig holds the defaults applied to every sync pass.
type SyncConfig struct {
	Timeout  time.Duration  `yaml:"timeout"`
	Presence event.Presence `yaml:"presence"`
}

// EncryptionConfig controls the end-to-end encryption auto-setup.
type EncryptionConfig struct {
	PickleKey        string                 `yaml:"pickle_key"`
	AutoCrossSigning bool                   `yaml:"auto_cross_signing"`
	AutoBackups      bool                   `yaml:"auto_backups"`
	BackupDownload   BackupDownloadStrategy `yaml:"backup_download"`
}

// DeviceNameParams holds the parameters for rendering the device name template.
type DeviceNameParams struct {
	Localpart string
	Hostname  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles the device name template.
func (c *Config) PostProcess() error {
	if c.SessionFile == "" {
		return errors.New("session_file must not be empty")
	}
	if c.StoreDir == "" {
		return errors.New("store_dir must not be empty")
	}
	redirect, err := url.Parse(c.SSORedirectURL)
	if err != nil {
		return fmt.Errorf("invalid sso_redirect_url: %w", err)
	} else if redirect.Scheme == "" || redirect.Host == "" {
		return fmt.Errorf("sso_redirect_url %q is not an absolute URL", c.SSORedirectURL)
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout)
	}
	switch c.Sync.Presence {
	case event.PresenceOnline, event.PresenceOffline, event.PresenceUnavailable:
	default:
		return fmt.Errorf("unknown sync.presence %q", c.Sync.Presence)
	}
	switch c.Encryption.BackupDownload {
	case BackupDownloadAfterDecryptionFailure, BackupDownloadOneShot, BackupDownloadManual:
	default:
		return fmt.Errorf("unknown encryption.backup_download %q", c.Encryption.BackupDownload)
	}
	if c.Encryption.PickleKey == "" {
		return errors.New("encryption.pickle_key must not be empty")
	}
	c.deviceNameTemplate, err = template.New("device_name").Parse(c.DeviceName)
	return err
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "session_file")
	helper.Copy(up.Str, "store_dir")
	helper.Copy(up.Str, "device_name")
	helper.Copy(up.Str, "sso_redirect_url")
	helper.Copy(up.Str, "sync", "timeout")
	helper.Copy(up.Str, "sync", "presence")
	helper.Copy(up.Str, "encryption", "pickle_key")
	helper.Copy(up.Bool, "encryption", "auto_cross_signing")
	helper.Copy(up.Bool, "encryption", "auto_backups")
	helper.Copy(up.Str, "encryption", "backup_download")
	helper.Copy(up.Map, "logging")
}

// DefaultConfig returns the example config, post-processed.
func DefaultConfig() (*Config, error) {
	return parseConfig([]byte(ExampleConfig))
}

// LoadConfig reads the config at path, filling anything missing from the
// example config. A missing file yields the example config unchanged.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig()
	}
	data, _, err := up.Do(path, false, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// FormatDeviceName renders the device name template. It falls back to
// "mscript" if the template was never compiled or fails to render.
func (c *Config) FormatDeviceName(params DeviceNameParams) string {
	if c.deviceNameTemplate == nil {
		return "mscript"
	}
	var buf strings.Builder
	if err := c.deviceNameTemplate.Execute(&buf, params); err != nil || buf.Len() == 0 {
		return "mscript"
	}
	return buf.String()
}

// syncDefaults returns the settings every pass starts from.
func (c *Config) syncDefaults() SyncSettings {
	return SyncSettings{
		Timeout:  c.Sync.Timeout,
		Presence: c.Sync.Presence,
	}
}
