package vulndb

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath         string            `toml:"db_path"`
	IndexPath      string            `toml:"index_path"`
	AutoIndex      bool              `toml:"auto_index"`
	LogLevel       string            `toml:"log_level"`
	Importer       ImporterConfig    `toml:"importer"`
	VersionSchemes map[string]string `toml:"version_schemes"`
	Rewriters      []Rewriter
}

type ImporterConfig struct {
	BatchSize int  `toml:"batch_size"`
	Progress  bool `toml:"progress"`
}

type Rewriter struct {
	Field       string
	Predicate   string
	RewriteRule string `toml:"rewrite_rule"`
}

// DefaultConfig is the configuration used for keys a config file leaves out.
func DefaultConfig() Config {
	return Config{
		DBPath:    "data/vulndb.db",
		IndexPath: "data/vulndb.index",
		AutoIndex: true,
		LogLevel:  "info",
		Importer: ImporterConfig{
			BatchSize: 500,
		},
	}
}

func ParseConfig(config io.Reader) (c Config, err error) {
	c = DefaultConfig()
	tomlData, err := io.ReadAll(config)
	if err != nil {
		return c, fmt.Errorf("could not read config file: %w", err)
	}
	_, err = toml.Decode(string(tomlData), &c)
	if err != nil {
		return c, fmt.Errorf("could not decode toml: %w", err)
	}
	if c.Importer.BatchSize <= 0 {
		return c, fmt.Errorf("importer.batch_size must be positive, got %d", c.Importer.BatchSize)
	}
	return c, nil
}

func ParseConfigFromFile(path string) (c Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// SlogLevel maps log_level onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewMatcher builds a version matcher with the configured version_schemes
// applied over the defaults.
func (c Config) NewMatcher() (*Matcher, error) {
	m := NewMatcher()
	for packageType, scheme := range c.VersionSchemes {
		if err := m.RegisterScheme(packageType, scheme); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Open opens the database described by the config.
func (c Config) Open() (*DB, error) {
	matcher, err := c.NewMatcher()
	if err != nil {
		return nil, err
	}
	return Open(c.DBPath, c.IndexPath, WithMatcher(matcher), WithAutoIndex(c.AutoIndex))
}
