// Package config loads the switcher's settings from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/dvswitch/internal/dv"
)

// Environment variables.
const (
	EnvConfigFile = "DVSWITCH_CONFIG"
	EnvListenAddr = "LISTEN_ADDR"
	EnvAPIAddr    = "API_ADDR"
	EnvH3Addr     = "H3_ADDR"
	EnvSRTAddr    = "SRT_ADDR"
	EnvFormat     = "FORMAT"
	EnvDebug      = "DEBUG"
)

// FormatAuto adopts the format of the first source frame.
const FormatAuto = "auto"

// Errors returned by Validate.
var (
	ErrUnknownFormat = errors.New("unknown format")
	ErrInvalidHash   = errors.New("invalid bcrypt password hash")
	ErrMissingAddr   = errors.New("address required")
)

// SourcePreset names a source slot. Presets are applied when a source
// registers under ID.
type SourcePreset struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Auth enables HTTP basic auth on the control API when User is set.
type Auth struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"passwordHash"`
}

// Enabled reports whether basic auth is configured.
func (a Auth) Enabled() bool { return a.User != "" }

// Config is the switcher's configuration.
type Config struct {
	ListenAddr string         `yaml:"listenAddr"`
	APIAddr    string         `yaml:"apiAddr"`
	H3Addr     string         `yaml:"h3Addr"`
	SRTAddr    string         `yaml:"srtAddr"`
	Format     string         `yaml:"format"`
	Debug      bool           `yaml:"debug"`
	Sources    []SourcePreset `yaml:"sources"`
	Auth       Auth           `yaml:"auth"`

	// CertValidity is the lifetime of the generated certificate.
	CertValidity time.Duration `yaml:"certValidity"`
	CertHosts    []string      `yaml:"certHosts"`
}

// Defaults.
const (
	DefaultListenAddr   = ":2000"
	DefaultAPIAddr      = ":4444"
	DefaultH3Addr       = ":4443"
	DefaultSRTAddr      = ":6000"
	DefaultCertValidity = 14 * 24 * time.Hour
)

// Load reads the file named by DVSWITCH_CONFIG, if set, applies the
// environment overrides and validates the result.
func Load() (*Config, error) {
	var data []byte
	if path := os.Getenv(EnvConfigFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse builds a Config from YAML data (which may be empty) and the
// environment as seen through lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	c := &Config{
		ListenAddr:   DefaultListenAddr,
		APIAddr:      DefaultAPIAddr,
		H3Addr:       DefaultH3Addr,
		SRTAddr:      DefaultSRTAddr,
		Format:       FormatAuto,
		CertValidity: DefaultCertValidity,
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	override := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	override(EnvListenAddr, &c.ListenAddr)
	override(EnvAPIAddr, &c.APIAddr)
	override(EnvH3Addr, &c.H3Addr)
	override(EnvSRTAddr, &c.SRTAddr)
	override(EnvFormat, &c.Format)
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		// Any value that is not a boolean enables debug.
		c.Debug = debug || err != nil
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr: %w", ErrMissingAddr)
	}
	if c.APIAddr == "" {
		return fmt.Errorf("apiAddr: %w", ErrMissingAddr)
	}
	if _, err := c.System(); err != nil {
		return err
	}
	if c.Auth.Enabled() {
		if _, err := bcrypt.Cost([]byte(c.Auth.PasswordHash)); err != nil {
			return fmt.Errorf("auth.passwordHash: %w: %v", ErrInvalidHash, err)
		}
	}
	seen := make(map[int]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID < 0 {
			return fmt.Errorf("sources: negative id %d", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources: duplicate id %d", s.ID)
		}
		seen[s.ID] = true
	}
	if c.CertValidity < 0 {
		return fmt.Errorf("certValidity: negative duration %s", c.CertValidity)
	}
	return nil
}

// System returns the configured DV system, or nil for automatic detection.
func (c *Config) System() (*dv.System, error) {
	if c.Format == "" || c.Format == FormatAuto {
		return nil, nil
	}
	sys, ok := dv.SystemByName(c.Format)
	if !ok {
		return nil, fmt.Errorf("format %q: %w", c.Format, ErrUnknownFormat)
	}
	return sys, nil
}

// Preset returns the preset for a source id.
func (c *Config) Preset(id int) (SourcePreset, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourcePreset{}, false
}
