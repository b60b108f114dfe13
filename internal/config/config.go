package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tgbatch/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppFolder     = ".tgbatch"
	defaultProgressEvery = 20
	defaultMaxRange      = 5000
	defaultManifestLimit = 8 << 20
	defaultRetentionCron = "17 * * * *"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Access    AccessConfig    `yaml:"access"`
	Batch     BatchConfig     `yaml:"batch"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MCP       MCPConfig       `yaml:"mcp"`
	Retention RetentionConfig `yaml:"retention"`
}

type TelegramConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	BotToken    string `yaml:"bot_token"`
	BotUsername string `yaml:"bot_username"`
	LogChannel  int64  `yaml:"log_channel"`
}

type AccessConfig struct {
	Public bool    `yaml:"public"`
	Admins []int64 `yaml:"admins"`
}

type BatchConfig struct {
	ProgressEvery    int    `yaml:"progress_every"`
	MaxRange         int    `yaml:"max_range"`
	MaxManifestBytes int64  `yaml:"max_manifest_bytes"`
	TempDir          string `yaml:"temp_dir"`
	LinkQR           bool   `yaml:"link_qr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Schedule string        `yaml:"schedule"`
}

// Load builds the configuration from defaults, an optional YAML file and
// the process environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		expanded, err := expandEnv(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: expanding variables in %s: %w", path, err)
		}
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Batch: BatchConfig{
			ProgressEvery:    defaultProgressEvery,
			MaxRange:         defaultMaxRange,
			MaxManifestBytes: defaultManifestLimit,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Retention: RetentionConfig{
			Schedule: defaultRetentionCron,
		},
	}
}

func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, defaultAppFolder)
}

func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "tgbatch.db")
}

func (c Config) SessionPath() string {
	return filepath.Join(c.DataDir, "telegram", "session.json")
}

func (c Config) ManifestDir() string {
	if strings.TrimSpace(c.Batch.TempDir) != "" {
		return c.Batch.TempDir
	}
	return os.TempDir()
}

// Validate reports every field that prevents the bot from starting.
func (c Config) Validate() error {
	var errs []error
	if c.Telegram.APIID <= 0 || strings.TrimSpace(c.Telegram.APIHash) == "" {
		errs = append(errs, fmt.Errorf("%w: api_id and api_hash are required", domain.ErrNotConfigured))
	}
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		errs = append(errs, fmt.Errorf("%w: bot_token is required", domain.ErrNotConfigured))
	}
	if c.Telegram.LogChannel == 0 {
		errs = append(errs, errors.New("config: telegram.log_channel is required"))
	}
	if !c.Access.Public && len(c.Access.Admins) == 0 {
		errs = append(errs, errors.New("config: access.admins must list at least one user unless access.public is set"))
	}
	if c.Batch.ProgressEvery <= 0 {
		errs = append(errs, errors.New("config: batch.progress_every must be > 0"))
	}
	if c.MCP.Enabled && (c.MCP.Port < 0 || c.MCP.Port > 65535) {
		errs = append(errs, fmt.Errorf("config: mcp.port %d is out of range", c.MCP.Port))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("config: retention.max_age must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() error {
	var errs []error
	if v := strings.TrimSpace(os.Getenv("TGBATCH_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("API_ID")); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: API_ID: %w", err))
		} else {
			c.Telegram.APIID = id
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_HASH")); v != "" {
		c.Telegram.APIHash = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_TOKEN")); v != "" {
		c.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_USERNAME")); v != "" {
		c.Telegram.BotUsername = strings.TrimPrefix(v, "@")
	}
	if v := strings.TrimSpace(os.Getenv("LOG_CHANNEL")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: LOG_CHANNEL: %w", err))
		} else {
			c.Telegram.LogChannel = id
		}
	}
	if v := strings.TrimSpace(os.Getenv("ADMINS")); v != "" {
		admins, err := parseIDList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: ADMINS: %w", err))
		} else {
			c.Access.Admins = admins
		}
	}
	if v := strings.TrimSpace(os.Getenv("PUBLIC_FILE_STORE")); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: PUBLIC_FILE_STORE: %w", err))
		} else {
			c.Access.Public = public
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	return errors.Join(errs...)
}

func (c *Config) fillDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	c.Telegram.BotUsername = strings.TrimPrefix(strings.TrimSpace(c.Telegram.BotUsername), "@")
	if c.Batch.ProgressEvery == 0 {
		c.Batch.ProgressEvery = defaultProgressEvery
	}
	if c.Batch.MaxManifestBytes <= 0 {
		c.Batch.MaxManifestBytes = defaultManifestLimit
	}
	if strings.TrimSpace(c.Retention.Schedule) == "" {
		c.Retention.Schedule = defaultRetentionCron
	}
}

// parseIDList accepts ids separated by spaces or commas.
func parseIDList(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]int64, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error
	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(subs) > 2 && subs[2] != nil {
			return subs[2]
		}
		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})
	return result, errors.Join(errs...)
}
