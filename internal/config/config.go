package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultMinGroupSize                    = 3
	DefaultMaxGroupSize                    = 18
	DefaultMaxConnectionsPossibleInReality = 6
	DefaultMaxQuality                      = 0.25
	DefaultMinConnectionsToBeOnGroup       = 2
	DefaultReceiveNewUsersDays             = 3
	DefaultFetchConcurrency                = 1
	DefaultSlotReleaseSeconds              = 60 * 60 * 24 * 21 // three weeks
)

// Slot describes one user-capacity tier: how many concurrent groups of a
// given size band a user may belong to, and for how long a created group
// keeps the slot occupied.
type Slot struct {
	// MinimumSize is the smallest group this tier accepts. 0 means the
	// global minimum applies.
	MinimumSize int `toml:"minimum_size"`

	// MaximumSize is the largest group this tier accepts. 0 means the
	// global maximum applies.
	MaximumSize int `toml:"maximum_size"`

	// Amount is how many concurrent groups of this tier a user may be in.
	Amount int `toml:"amount"`

	// ReleaseTimeSeconds is how long after group creation the slot stays
	// occupied.
	ReleaseTimeSeconds int64 `toml:"release_time_seconds"`
}

// MinSize returns the effective minimum size for this slot.
func (s Slot) MinSize(globalMin int) int {
	if s.MinimumSize > 0 {
		return s.MinimumSize
	}
	return globalMin
}

// MaxSize returns the effective maximum size for this slot.
func (s Slot) MaxSize(globalMax int) int {
	if s.MaximumSize > 0 {
		return s.MaximumSize
	}
	return globalMax
}

// ReleaseTime returns the slot release time as a duration.
func (s Slot) ReleaseTime() time.Duration {
	return time.Duration(s.ReleaseTimeSeconds) * time.Second
}

// FinderConfig holds the group finder tunables.
type FinderConfig struct {
	MinGroupSize                    int
	MaxGroupSize                    int
	MaxConnectionsPossibleInReality int

	// MaxQuality is the worst accepted connections-metaconnections
	// distance, lower quality values are better.
	MaxQuality float64

	// MinConnectionsToBeOnGroup is how many matches inside a candidate an
	// added user needs.
	MinConnectionsToBeOnGroup int

	// SearchBadQualityGroups also searches circle-shaped low quality
	// candidates when enabled.
	SearchBadQualityGroups bool

	// BiggerSlotsFirst processes slot indexes ordered by descending minimum
	// size so larger tiers are attempted first.
	BiggerSlotsFirst bool

	// BiggerGroupsFirstOrdering ranks candidates primarily by average
	// connections amount instead of quality.
	BiggerGroupsFirstOrdering bool

	// ReceiveNewUsersFor is the freshness window during which an open group
	// still accepts new members.
	ReceiveNewUsersFor time.Duration

	// FetchConcurrency bounds concurrent per-user candidate fetches.
	// 1 means sequential.
	FetchConcurrency int

	Slots []Slot
}

// Config holds the application configuration.
type Config struct {
	DataDir    string
	DBPath     string
	LogLevel   string
	LogFile    string
	ConfigPath string

	// RunIntervalSeconds is how often the scheduler triggers a search.
	RunIntervalSeconds int

	Finder FinderConfig
}

// RunInterval returns the scheduler tick interval.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalSeconds) * time.Second
}

type fileConfig struct {
	Storage struct {
		DataDir string `toml:"data_dir"`
		DBPath  string `toml:"db_path"`
	} `toml:"storage"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Scheduler struct {
		RunIntervalSeconds int `toml:"run_interval_seconds"`
	} `toml:"scheduler"`
	Finder struct {
		MinGroupSize                    int     `toml:"min_group_size"`
		MaxGroupSize                    int     `toml:"max_group_size"`
		MaxConnectionsPossibleInReality int     `toml:"max_connections_possible_in_reality"`
		MaxQuality                      float64 `toml:"max_quality"`
		MinConnectionsToBeOnGroup       int     `toml:"min_connections_to_be_on_group"`
		SearchBadQualityGroups          bool    `toml:"search_bad_quality_groups"`
		BiggerSlotsFirst                *bool   `toml:"bigger_slots_first"`
		BiggerGroupsFirstOrdering       *bool   `toml:"bigger_groups_first_ordering"`
		ReceiveNewUsersDays             int     `toml:"receive_new_users_days"`
		FetchConcurrency                int     `toml:"fetch_concurrency"`
		Slots                           []Slot  `toml:"slots"`
	} `toml:"finder"`
}

// DefaultSlots returns the shipped capacity tiers: two concurrent small
// groups and one large group per user.
func DefaultSlots() []Slot {
	return []Slot{
		{MaximumSize: 5, Amount: 2, ReleaseTimeSeconds: DefaultSlotReleaseSeconds},
		{MinimumSize: 6, Amount: 1, ReleaseTimeSeconds: DefaultSlotReleaseSeconds},
	}
}

// Load reads configuration from the given TOML file (when it exists), applies
// environment overrides and validates the result. An empty path uses
// ./groupdate.toml.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "groupdate.toml"
	}

	cfg := &Config{
		DataDir:            "data",
		LogLevel:           "info",
		ConfigPath:         configPath,
		RunIntervalSeconds: 60 * 60,
		Finder: FinderConfig{
			MinGroupSize:                    DefaultMinGroupSize,
			MaxGroupSize:                    DefaultMaxGroupSize,
			MaxConnectionsPossibleInReality: DefaultMaxConnectionsPossibleInReality,
			MaxQuality:                      DefaultMaxQuality,
			MinConnectionsToBeOnGroup:       DefaultMinConnectionsToBeOnGroup,
			SearchBadQualityGroups:          false,
			BiggerSlotsFirst:                true,
			BiggerGroupsFirstOrdering:       false,
			ReceiveNewUsersFor:              DefaultReceiveNewUsersDays * 24 * time.Hour,
			FetchConcurrency:                DefaultFetchConcurrency,
			Slots:                           DefaultSlots(),
		},
	}

	if _, err := os.Stat(configPath); err == nil {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var parsed fileConfig
		if err := toml.Unmarshal(fileData, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}

		if parsed.Storage.DataDir != "" {
			cfg.DataDir = parsed.Storage.DataDir
		}
		if parsed.Storage.DBPath != "" {
			cfg.DBPath = parsed.Storage.DBPath
		}
		if parsed.Logging.Level != "" {
			cfg.LogLevel = parsed.Logging.Level
		}
		if parsed.Logging.File != "" {
			cfg.LogFile = parsed.Logging.File
		}
		if parsed.Scheduler.RunIntervalSeconds > 0 {
			cfg.RunIntervalSeconds = parsed.Scheduler.RunIntervalSeconds
		}
		if parsed.Finder.MinGroupSize > 0 {
			cfg.Finder.MinGroupSize = parsed.Finder.MinGroupSize
		}
		if parsed.Finder.MaxGroupSize > 0 {
			cfg.Finder.MaxGroupSize = parsed.Finder.MaxGroupSize
		}
		if parsed.Finder.MaxConnectionsPossibleInReality > 0 {
			cfg.Finder.MaxConnectionsPossibleInReality = parsed.Finder.MaxConnectionsPossibleInReality
		}
		if parsed.Finder.MaxQuality > 0 {
			cfg.Finder.MaxQuality = parsed.Finder.MaxQuality
		}
		if parsed.Finder.MinConnectionsToBeOnGroup > 0 {
			cfg.Finder.MinConnectionsToBeOnGroup = parsed.Finder.MinConnectionsToBeOnGroup
		}
		cfg.Finder.SearchBadQualityGroups = parsed.Finder.SearchBadQualityGroups
		if parsed.Finder.BiggerSlotsFirst != nil {
			cfg.Finder.BiggerSlotsFirst = *parsed.Finder.BiggerSlotsFirst
		}
		if parsed.Finder.BiggerGroupsFirstOrdering != nil {
			cfg.Finder.BiggerGroupsFirstOrdering = *parsed.Finder.BiggerGroupsFirstOrdering
		}
		if parsed.Finder.ReceiveNewUsersDays > 0 {
			cfg.Finder.ReceiveNewUsersFor = time.Duration(parsed.Finder.ReceiveNewUsersDays) * 24 * time.Hour
		}
		if parsed.Finder.FetchConcurrency > 0 {
			cfg.Finder.FetchConcurrency = parsed.Finder.FetchConcurrency
		}
		if len(parsed.Finder.Slots) > 0 {
			cfg.Finder.Slots = parsed.Finder.Slots
		}
	}

	if v := os.Getenv("GROUPDATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GROUPDATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GROUPDATE_RUN_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RunIntervalSeconds = n
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "groupdate.sqlite3")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "groupdate.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects inconsistent configuration before any run starts.
func (c *Config) Validate() error {
	f := c.Finder
	if f.MinGroupSize < 2 {
		return fmt.Errorf("finder.min_group_size must be at least 2, got %d", f.MinGroupSize)
	}
	if f.MaxGroupSize < f.MinGroupSize {
		return fmt.Errorf("finder.max_group_size %d is below finder.min_group_size %d", f.MaxGroupSize, f.MinGroupSize)
	}
	if f.MaxQuality <= 0 {
		return fmt.Errorf("finder.max_quality must be positive, got %v", f.MaxQuality)
	}
	if f.MinConnectionsToBeOnGroup < 1 {
		return fmt.Errorf("finder.min_connections_to_be_on_group must be at least 1, got %d", f.MinConnectionsToBeOnGroup)
	}
	if len(f.Slots) == 0 {
		return fmt.Errorf("finder.slots must not be empty")
	}
	for i, s := range f.Slots {
		if s.Amount < 1 {
			return fmt.Errorf("finder.slots[%d].amount must be at least 1, got %d", i, s.Amount)
		}
		if s.ReleaseTimeSeconds <= 0 {
			return fmt.Errorf("finder.slots[%d].release_time_seconds must be positive, got %d", i, s.ReleaseTimeSeconds)
		}
		if s.MaximumSize > 0 && s.MinimumSize > s.MaximumSize {
			return fmt.Errorf("finder.slots[%d] minimum_size %d exceeds maximum_size %d", i, s.MinimumSize, s.MaximumSize)
		}
	}
	return nil
}
