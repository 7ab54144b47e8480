// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "eplua.toml"

// Config holds all configuration settings for eplua.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`

	logger *logrus.Logger
}

// EngineConfig holds script engine settings.
type EngineConfig struct {
	PollInterval Duration `toml:"poll_interval"` // Upper bound on one loop wait
	LuaPath      string   `toml:"lua_path"`      // Extra package.path entries, ';' separated
	Watch        bool     `toml:"watch"`         // Re-run changed script files

	Script     string   `toml:"-"` // Main script (CLI only)
	ScriptArgs []string `toml:"-"` // Arguments after the script, exposed as arg
	Fragments  []string `toml:"-"` // -e fragments, run before the script
	NoGUI      bool     `toml:"-"`
}

// ServerConfig holds REST API settings.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// StorageConfig holds script key/value storage settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=quiet, 1=lifecycle, 2=callbacks, 3=timers
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// stringList implements flag.Value for repeatable string flags.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			PollInterval: Duration(100 * time.Millisecond),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "eplua.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	cfg.logger = newLogger(cfg.Logging.Level)
	return cfg
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// Flags must come before the script; everything after it is passed to the script.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("eplua", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")

	// Engine flags
	var fragments stringList
	fs.Var(&fragments, "e", "Execute Lua fragment (repeatable)")
	fs.String("l", "", "Ignored (compatibility with standard lua)")
	noGUI := fs.Bool("no-gui", false, "Force disable GUI mode")
	pollInterval := fs.Duration("poll-interval", 0, "Maximum loop wait")
	luaPath := fs.String("lua-path", "", "Extra Lua package.path entries")
	watch := fs.Bool("watch", false, "Re-run script files when they change")

	// Server flags
	api := fs.Bool("api", false, "Start the REST API")
	host := fs.String("host", "", "REST API listen address")
	port := fs.Int("port", 0, "REST API listen port")

	// Storage flags
	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = DefaultConfigFile
	}
	if err := cfg.loadTOML(path); err != nil {
		if *configPath != "" || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if len(fragments) > 0 {
		cfg.Engine.Fragments = fragments
	}
	if *noGUI {
		cfg.Engine.NoGUI = true
	}
	if *pollInterval > 0 {
		cfg.Engine.PollInterval = Duration(*pollInterval)
	}
	if *luaPath != "" {
		cfg.Engine.LuaPath = *luaPath
	}
	if *watch {
		cfg.Engine.Watch = true
	}
	if *api {
		cfg.Server.Enabled = true
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
		if *logLevel == "" {
			cfg.Logging.Level = "debug"
		}
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.Engine.Script = rest[0]
		cfg.Engine.ScriptArgs = rest[1:]
	}

	if cfg.Engine.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Engine.PollInterval)
	}

	cfg.logger = newLogger(cfg.Logging.Level)
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("EPLUA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("EPLUA_LUA_PATH"); v != "" {
		c.Engine.LuaPath = v
	}
	if v := os.Getenv("EPLUA_WATCH"); v != "" {
		c.Engine.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("EPLUA_API"); v != "" {
		c.Server.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EPLUA_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("EPLUA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("EPLUA_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("EPLUA_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EPLUA_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("EPLUA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EPLUA_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Addr returns the REST API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
