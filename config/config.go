package config

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Source configuration: where chunks come from
	Source SourceConfig `mapstructure:"source"`

	// Audio configuration: output path and scheduling geometry
	Audio AudioConfig `mapstructure:"audio"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// SourceConfig selects and parameterizes the chunk source
type SourceConfig struct {
	Kind      string        `mapstructure:"kind"` // tone, dir or http
	URL       string        `mapstructure:"url"`
	Dir       string        `mapstructure:"dir"`
	ChunkMs   int           `mapstructure:"chunk_ms"`
	OverlapMs int           `mapstructure:"overlap_ms"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// Tone source only
	ToneDurationMs int     `mapstructure:"tone_duration_ms"`
	ToneFreq       float64 `mapstructure:"tone_freq"`
}

// AudioConfig holds output and scheduling parameters
type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Voices     int `mapstructure:"voices"`
	LeadMs     int `mapstructure:"lead_ms"`
	TickMs     int `mapstructure:"tick_ms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("source.kind", "tone")
	viper.SetDefault("source.chunk_ms", 5000)
	viper.SetDefault("source.overlap_ms", 0)
	viper.SetDefault("source.timeout", "10s")
	viper.SetDefault("source.tone_duration_ms", 60000)
	viper.SetDefault("source.tone_freq", 440.0)
	viper.SetDefault("audio.sample_rate", 44100)
	viper.SetDefault("audio.voices", 2)
	viper.SetDefault("audio.lead_ms", 50)
	viper.SetDefault("audio.tick_ms", 200)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Read config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.resound")
	viper.AddConfigPath("/etc/resound")

	// Allow environment variables
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RESOUND")

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Debug("No config file found, using defaults and environment variables")
	} else {
		slog.Info("Using config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "tone":
		if c.Source.ToneDurationMs <= 0 {
			return &Error{Field: "source.tone_duration_ms", Message: "tone duration must be > 0"}
		}
	case "dir":
		if c.Source.Dir == "" {
			return &Error{Field: "source.dir", Message: "chunk directory is required"}
		}
	case "http":
		if c.Source.URL == "" {
			return &Error{Field: "source.url", Message: "chunk server URL is required"}
		}
	default:
		return &Error{Field: "source.kind", Message: "must be one of tone, dir, http"}
	}
	if c.Source.ChunkMs <= 0 {
		return &Error{Field: "source.chunk_ms", Message: "chunk size must be > 0"}
	}
	if c.Source.OverlapMs < 0 || c.Source.OverlapMs >= c.Source.ChunkMs {
		return &Error{Field: "source.overlap_ms", Message: "overlap must be >= 0 and smaller than the chunk size"}
	}
	if c.Audio.SampleRate <= 0 {
		return &Error{Field: "audio.sample_rate", Message: "sample rate must be > 0"}
	}
	if c.Audio.Voices < 2 {
		return &Error{Field: "audio.voices", Message: "at least 2 voices are required for gapless handoffs"}
	}
	if c.Audio.LeadMs <= 0 {
		return &Error{Field: "audio.lead_ms", Message: "scheduling lead must be > 0"}
	}
	if c.Audio.TickMs <= 0 {
		return &Error{Field: "audio.tick_ms", Message: "look-ahead interval must be > 0"}
	}
	return nil
}

// Error represents a configuration validation error
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}
