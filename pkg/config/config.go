package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const xdgAppName = "tasksync"

// Google holds Google Tasks credentials and list settings.
type Google struct {
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
	DefaultList     string `toml:"default_list"`
}

// NotionProperties names the database properties the sync reads and writes.
// The integration fields (foreign ids, last synced, deleted) must exist on
// the database; the setup instructions cover creating them.
type NotionProperties struct {
	Title         string `toml:"title"`
	Done          string `toml:"done"`
	Category      string `toml:"category"`
	DueDate       string `toml:"due_date"`
	Description   string `toml:"description"`
	ForeignTaskID string `toml:"foreign_task_id"`
	ForeignListID string `toml:"foreign_list_id"`
	LastSynced    string `toml:"last_synced"`
	Deleted       string `toml:"deleted"`
}

// Notion holds Notion API access settings.
type Notion struct {
	Token      string           `toml:"token"`
	DatabaseID string           `toml:"database_id"`
	BaseURL    string           `toml:"base_url"`
	Version    string           `toml:"version"`
	Properties NotionProperties `toml:"properties"`
}

// Sync bounds and toggles for a reconciliation pass. Week bounds of -1
// disable that side of the window.
type Sync struct {
	PastWeeks        int  `toml:"past_weeks"`
	FutureWeeks      int  `toml:"future_weeks"`
	SyncDeletions    bool `toml:"sync_deletions"`
	StampSkewSeconds int  `toml:"stamp_skew_seconds"`
}

// Log controls logger construction.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full application configuration. It is loaded once at
// startup and passed explicitly into the orchestrator; nothing reads it
// through process-wide state.
type Config struct {
	DataDir string `toml:"data_dir"`
	Google  Google `toml:"google"`
	Notion  Notion `toml:"notion"`
	Sync    Sync   `toml:"sync"`
	Log     Log    `toml:"log"`
}

// Default returns the configuration baseline before the file is applied.
func Default() Config {
	return Config{
		Google: Google{
			DefaultList: "My Tasks",
		},
		Notion: Notion{
			BaseURL: "https://api.notion.com",
			Version: "2022-06-28",
			Properties: NotionProperties{
				Title:         "Task Name",
				Done:          "Done",
				Category:      "List",
				DueDate:       "Date",
				Description:   "Description",
				ForeignTaskID: "GTasks Task ID",
				ForeignListID: "GTasks List ID",
				LastSynced:    "Last Synced",
				Deleted:       "Deleted",
			},
		},
		Sync: Sync{
			PastWeeks:        4,
			FutureWeeks:      12,
			SyncDeletions:    true,
			StampSkewSeconds: 60,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName, "config.toml"), nil
}

// DefaultDataDir returns where the mapping cache and lock file live when
// data_dir is unset.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName), nil
}

// Load reads the configuration file at path (or the default location when
// path is empty), applies it over Default, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found; copy config.toml.example and fill in your Notion token and database id", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = filepath.Join(c.DataDir, "credentials.json")
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = filepath.Join(c.DataDir, "token.json")
	}
	return nil
}

// Validate collects every configuration problem before failing.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Notion.Token) == "" {
		problems = append(problems, "notion.token is required")
	}
	if strings.TrimSpace(c.Notion.DatabaseID) == "" {
		problems = append(problems, "notion.database_id is required")
	}
	if strings.TrimSpace(c.Google.DefaultList) == "" {
		problems = append(problems, "google.default_list must not be empty")
	}
	if c.Sync.StampSkewSeconds < 0 {
		problems = append(problems, "sync.stamp_skew_seconds must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format: unsupported value %q", c.Log.Format))
	}

	props := map[string]string{
		"notion.properties.title":           c.Notion.Properties.Title,
		"notion.properties.done":            c.Notion.Properties.Done,
		"notion.properties.foreign_task_id": c.Notion.Properties.ForeignTaskID,
		"notion.properties.foreign_list_id": c.Notion.Properties.ForeignListID,
		"notion.properties.last_synced":     c.Notion.Properties.LastSynced,
	}
	for key, value := range props {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" must not be empty")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// StampSkew returns the sync stamp skew as a duration.
func (c *Config) StampSkew() time.Duration {
	return time.Duration(c.Sync.StampSkewSeconds) * time.Second
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

// MappingDBPath is the category mapping cache location.
func (c *Config) MappingDBPath() string {
	return filepath.Join(c.DataDir, "mappings.db")
}

// LockPath is the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "tasksync.lock")
}
