// Package config loads invitesync settings from a YAML file on top of
// defaults. Environment variables and command-line flags are layered over the
// result by the command, so the precedence is flags, env, file, defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RemoteGoogle = "google"
	RemoteCalDAV = "caldav"
)

// Config holds the configuration for the sync tool.
type Config struct {
	StateFile    string        `yaml:"state_file"`
	LockFile     string        `yaml:"lock_file"` // Defaults to <state_file>.lock
	LogLevel     string        `yaml:"log_level"`
	TimeZone     string        `yaml:"timezone"`
	Interval     time.Duration `yaml:"interval"`
	Tolerance    time.Duration `yaml:"tolerance"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	Source     SourceConfig     `yaml:"source"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Remote     RemoteConfig     `yaml:"remote"`
}

// SourceConfig locates the local calendar export.
type SourceConfig struct {
	Path      string        `yaml:"path"`      // .ics file or http(s) feed
	Calendar  string        `yaml:"calendar"`  // Name reported for events of an unnamed export
	Lookback  time.Duration `yaml:"lookback"`  // Read window into the past
	Lookahead time.Duration `yaml:"lookahead"` // Read window into the future
	Watch     bool          `yaml:"watch"`     // Wake the monitor when the export file changes
}

// ClassifierConfig tunes the invitation predicate.
type ClassifierConfig struct {
	LocalUsers []string `yaml:"local_users"`
	Keywords   []string `yaml:"keywords"` // Unset keeps the defaults, an empty list disables keywords
}

// RemoteConfig selects and configures the remote calendar.
type RemoteConfig struct {
	Type          string       `yaml:"type"`     // "google" or "caldav"
	Calendar      string       `yaml:"calendar"` // Calendar name or id
	SubjectPrefix string       `yaml:"subject_prefix"`
	Google        GoogleConfig `yaml:"google"`
	CalDAV        CalDAVConfig `yaml:"caldav"`
}

// GoogleConfig holds the OAuth client and token location.
type GoogleConfig struct {
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	CredentialsFile string `yaml:"credentials_file"`
	TokenDir        string `yaml:"token_dir"`
	Account         string `yaml:"account"`
}

// CalDAVConfig holds the CalDAV account.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateFile: "sync-state.json",
		LogLevel:  "info",
		TimeZone:  "UTC",
		Interval:  300 * time.Second,
		Tolerance: 5 * time.Minute,
		Source: SourceConfig{
			Calendar:  "Calendar",
			Lookback:  24 * time.Hour,
			Lookahead: 7 * 24 * time.Hour,
		},
		Remote: RemoteConfig{
			Type:          RemoteGoogle,
			Calendar:      "primary",
			SubjectPrefix: "📧 ",
			Google: GoogleConfig{
				CredentialsFile: "credentials.json",
				TokenDir:        ".",
				Account:         "default",
			},
			CalDAV: CalDAVConfig{
				Endpoint: "https://caldav.icloud.com/",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Unknown keys are rejected so typos do not go unnoticed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LockPath returns the lock file location.
func (c *Config) LockPath() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return c.StateFile + ".lock"
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.TimeZone, err)
	}
	return loc, nil
}

// Validate reports every setting that would prevent a sync cycle.
func (c *Config) Validate() error {
	var errs []error
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file must be set"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be positive, got %s", c.Tolerance))
	}
	if c.CycleTimeout < 0 {
		errs = append(errs, fmt.Errorf("cycle_timeout must not be negative, got %s", c.CycleTimeout))
	}
	if c.Source.Path == "" {
		errs = append(errs, errors.New("source.path must be provided via --source flag, INVITESYNC_SOURCE environment variable, or config file"))
	}
	if c.Source.Lookback < 0 || c.Source.Lookahead < 0 {
		errs = append(errs, errors.New("source.lookback and source.lookahead must not be negative"))
	}
	if len(c.Classifier.LocalUsers) == 0 {
		errs = append(errs, errors.New("classifier.local_users must list your own addresses via --local-user flag, INVITESYNC_LOCAL_USERS environment variable, or config file"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	switch c.Remote.Type {
	case RemoteGoogle:
		if c.Remote.Google.Account == "" {
			errs = append(errs, errors.New("remote.google.account must be set"))
		}
	case RemoteCalDAV:
		if c.Remote.Calendar == "" || c.Remote.Calendar == "primary" {
			errs = append(errs, fmt.Errorf("remote.calendar must name a CalDAV calendar, got '%s'; run 'invitesync setup' to list the available calendars", c.Remote.Calendar))
		}
		if c.Remote.CalDAV.Username == "" || c.Remote.CalDAV.Password == "" {
			errs = append(errs, errors.New("remote.caldav.username and remote.caldav.password must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.type must be '%s' or '%s', got '%s'", RemoteGoogle, RemoteCalDAV, c.Remote.Type))
	}
	return errors.Join(errs...)
}
