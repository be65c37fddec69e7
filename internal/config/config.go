package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mailchat/config.toml.
type Config struct {
	Addr        string `toml:"addr"`
	DisplayName string `toml:"display_name"`

	IMAP Endpoint `toml:"imap"`
	SMTP Endpoint `toml:"smtp"`

	Sync SyncConfig `toml:"sync"`
	Jobs JobsConfig `toml:"jobs"`
}

// Endpoint describes a mail server endpoint.
type Endpoint struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"` // implicit TLS; false means STARTTLS
}

// Addr returns the host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SyncConfig controls the folder sync state machine.
type SyncConfig struct {
	Folders          []string `toml:"folders"`
	BatchSize        int      `toml:"batch_size"`
	PollIntervalSecs int      `toml:"poll_interval_secs"`
	DedupWindowHours int      `toml:"dedup_window_hours"`

	// MoveFolder, when set, is the server folder chat messages are moved
	// to after ingestion, keeping them out of the regular inbox. The
	// folder must already exist on the server. Empty disables moving.
	MoveFolder string `toml:"move_folder"`
}

// PollInterval returns the interval between scheduled folder syncs.
func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

// DedupWindow returns the recency window for content-hash fallback dedup.
func (s SyncConfig) DedupWindow() time.Duration {
	return time.Duration(s.DedupWindowHours) * time.Hour
}

// JobsConfig controls the job scheduler and its retry policy.
type JobsConfig struct {
	Workers        int     `toml:"workers"`
	MaxAttempts    int     `toml:"max_attempts"`
	BaseDelaySecs  int     `toml:"base_delay_secs"`
	MaxDelaySecs   int     `toml:"max_delay_secs"`
	JitterFraction float64 `toml:"jitter_fraction"`
}

// BaseDelay returns the retry backoff base delay.
func (j JobsConfig) BaseDelay() time.Duration {
	return time.Duration(j.BaseDelaySecs) * time.Second
}

// MaxDelay returns the retry backoff cap.
func (j JobsConfig) MaxDelay() time.Duration {
	return time.Duration(j.MaxDelaySecs) * time.Second
}

// Default returns a config with all policy knobs set to their defaults.
// Endpoint and account fields must still be filled in by the user.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Folders:          []string{"INBOX"},
			BatchSize:        50,
			PollIntervalSecs: 60,
			DedupWindowHours: 48,
		},
		Jobs: JobsConfig{
			Workers:        4,
			MaxAttempts:    6,
			BaseDelaySecs:  1,
			MaxDelaySecs:   30,
			JitterFraction: 0.2,
		},
	}
}

// Load reads config from the given path, applying defaults for unset
// policy fields. Returns an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks account fields and policy ranges.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.IMAP.Host == "" || c.SMTP.Host == "" {
		return fmt.Errorf("config: imap and smtp hosts are required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive")
	}
	if len(c.Sync.Folders) == 0 {
		return fmt.Errorf("config: sync.folders must name at least one folder")
	}
	if c.Jobs.Workers <= 0 || c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("config: jobs.workers and jobs.max_attempts must be positive")
	}
	if c.Jobs.BaseDelaySecs <= 0 || c.Jobs.MaxDelaySecs < c.Jobs.BaseDelaySecs {
		return fmt.Errorf("config: invalid backoff delays")
	}
	if c.Jobs.JitterFraction < 0 || c.Jobs.JitterFraction > 1 {
		return fmt.Errorf("config: jobs.jitter_fraction must be in [0,1]")
	}
	return nil
}
