package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Addr = "alice@example.org"
	cfg.IMAP = Endpoint{Host: "imap.example.org", Port: 993, Username: "alice", Password: "pw", TLS: true}
	cfg.SMTP = Endpoint{Host: "smtp.example.org", Port: 465, Username: "alice", Password: "pw", TLS: true}
	return cfg
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := validConfig()
	cfg.Sync.BatchSize = 25
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Addr != "alice@example.org" {
		t.Errorf("Addr = %q, want alice@example.org", loaded.Addr)
	}
	if loaded.Sync.BatchSize != 25 {
		t.Errorf("Sync.BatchSize = %d, want 25", loaded.Sync.BatchSize)
	}
	if loaded.Jobs.MaxDelaySecs != 30 {
		t.Errorf("Jobs.MaxDelaySecs = %d, want default 30", loaded.Jobs.MaxDelaySecs)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
addr = "bob@example.org"

[imap]
host = "imap.example.org"
port = 993

[smtp]
host = "smtp.example.org"
port = 587
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Sync.Folders; len(got) != 1 || got[0] != "INBOX" {
		t.Errorf("Sync.Folders = %v, want [INBOX]", got)
	}
	if cfg.Jobs.Workers != 4 {
		t.Errorf("Jobs.Workers = %d, want default 4", cfg.Jobs.Workers)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Addr = "" }},
		{"missing imap host", func(c *Config) { c.IMAP.Host = "" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"no folders", func(c *Config) { c.Sync.Folders = nil }},
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }},
		{"cap below base", func(c *Config) { c.Jobs.MaxDelaySecs = 0 }},
		{"jitter out of range", func(c *Config) { c.Jobs.JitterFraction = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, validConfig()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
