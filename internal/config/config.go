package config

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Re-encoding policies.
const (
	PolicyConvert  = "convert"
	PolicyPreserve = "preserve"
)

// PolicyOption describes a selectable re-encoding policy.
type PolicyOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Lossy       bool   `json:"lossy"`
	Description string `json:"description"`
}

// Config represents the main configuration structure
type Config struct {
	Directory           string             `mapstructure:"directory"`
	Subdirectories      []string           `mapstructure:"subdirectories"`
	Recursive           bool               `mapstructure:"recursive"`
	Exclude             []string           `mapstructure:"exclude"`
	SupportedExtensions []string           `mapstructure:"supported_extensions"`
	Optimization        OptimizationConfig `mapstructure:"optimization"`
	Metadata            MetadataConfig     `mapstructure:"metadata"`
	Watch               WatchConfig        `mapstructure:"watch"`
	Server              ServerConfig       `mapstructure:"server"`
	Logging             LoggingConfig      `mapstructure:"logging"`
}

// OptimizationConfig contains the size gate and encoder settings
type OptimizationConfig struct {
	Policy      string  `mapstructure:"policy"`
	ThresholdKB float64 `mapstructure:"threshold_kb"`
	Quality     int     `mapstructure:"quality"`
	Background  string  `mapstructure:"background"` // #rrggbb, used when flattening transparency
	DryRun      bool    `mapstructure:"dry_run"`
}

// MetadataConfig controls EXIF carry-over for re-encoded JPEGs
type MetadataConfig struct {
	Preserve   bool   `mapstructure:"preserve"`
	SkipMarked bool   `mapstructure:"skip_marked"`
	Marker     string `mapstructure:"marker"`
}

// WatchConfig contains watch mode timings
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// GetAvailablePolicies returns all available re-encoding policies
func GetAvailablePolicies() []PolicyOption {
	return []PolicyOption{
		{
			ID:          PolicyPreserve,
			Name:        "Preserve format",
			Lossy:       false,
			Description: "PNG files are re-saved losslessly, JPEG files are re-encoded in place at the configured quality",
		},
		{
			ID:          PolicyConvert,
			Name:        "Convert to JPEG",
			Lossy:       true,
			Description: "Every oversized image becomes a .jpg; transparency and palettes are flattened and cannot be recovered",
		},
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		SupportedExtensions: []string{".png", ".jpg", ".jpeg"},
		Optimization: OptimizationConfig{
			Policy:      PolicyPreserve,
			ThresholdKB: 100,
			Quality:     75,
			Background:  "#ffffff",
		},
		Metadata: MetadataConfig{
			Preserve:   false,
			SkipMarked: true,
			Marker:     "asset-optimizer",
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
			Cooldown: 5 * time.Second,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables using
// the global viper instance, so flags bound by the CLI take effect.
func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.GetViper(), configPath)
}

// Load reads defaults, the config file and ASSET_OPTIMIZER_* environment
// variables into a validated Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	config := DefaultConfig()
	setDefaults(v, config)

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.asset-optimizer")
		v.AddConfigPath("/etc/asset-optimizer")
	}

	v.SetEnvPrefix("ASSET_OPTIMIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key with viper; AutomaticEnv only resolves
// keys viper already knows about.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("directory", c.Directory)
	v.SetDefault("subdirectories", c.Subdirectories)
	v.SetDefault("recursive", c.Recursive)
	v.SetDefault("exclude", c.Exclude)
	v.SetDefault("supported_extensions", c.SupportedExtensions)

	v.SetDefault("optimization.policy", c.Optimization.Policy)
	v.SetDefault("optimization.threshold_kb", c.Optimization.ThresholdKB)
	v.SetDefault("optimization.quality", c.Optimization.Quality)
	v.SetDefault("optimization.background", c.Optimization.Background)
	v.SetDefault("optimization.dry_run", c.Optimization.DryRun)

	v.SetDefault("metadata.preserve", c.Metadata.Preserve)
	v.SetDefault("metadata.skip_marked", c.Metadata.SkipMarked)
	v.SetDefault("metadata.marker", c.Metadata.Marker)

	v.SetDefault("watch.debounce", c.Watch.Debounce)
	v.SetDefault("watch.cooldown", c.Watch.Cooldown)

	v.SetDefault("server.port", c.Server.Port)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	c.Optimization.Policy = strings.ToLower(strings.TrimSpace(c.Optimization.Policy))
	if c.Optimization.Policy == "" {
		c.Optimization.Policy = PolicyPreserve
	}
	if c.Optimization.Policy != PolicyConvert && c.Optimization.Policy != PolicyPreserve {
		return fmt.Errorf("invalid policy: %s (valid: convert, preserve)", c.Optimization.Policy)
	}

	if c.Optimization.Quality < 0 || c.Optimization.Quality > 100 {
		return fmt.Errorf("invalid quality: %d (valid: 0-100)", c.Optimization.Quality)
	}

	if c.Optimization.ThresholdKB < 0 {
		return fmt.Errorf("invalid threshold_kb: %v (must not be negative)", c.Optimization.ThresholdKB)
	}

	if c.Optimization.Background == "" {
		c.Optimization.Background = "#ffffff"
	}
	if _, err := ParseHexColor(c.Optimization.Background); err != nil {
		return fmt.Errorf("invalid background: %w", err)
	}

	for _, sub := range c.Subdirectories {
		if sub == "" || sub == "." || sub == ".." || strings.ContainsAny(sub, `/\`) {
			return fmt.Errorf("invalid subdirectory %q: must be the name of an immediate subdirectory", sub)
		}
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		c.SupportedExtensions = DefaultConfig().SupportedExtensions
	}
	for _, ext := range c.SupportedExtensions {
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			return fmt.Errorf("unsupported extension: %s (valid: .png, .jpg, .jpeg)", ext)
		}
	}

	for _, pattern := range c.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	if c.Metadata.Marker == "" {
		c.Metadata.Marker = "asset-optimizer"
	}

	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.Watch.Cooldown <= 0 {
		c.Watch.Cooldown = 5 * time.Second
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = 8080
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsConvertPolicy reports whether oversized assets are turned into JPEGs
func (c *Config) IsConvertPolicy() bool {
	return c.Optimization.Policy == PolicyConvert
}

// ParseHexColor parses #rgb or #rrggbb into an opaque colour.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("expected #rrggbb, got %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("expected #rrggbb, got %q", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Helper functions

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
