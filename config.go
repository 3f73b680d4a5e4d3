package dastream

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds everything needed to start a StreamSession.
type Config struct {
	Channels        int           `mapstructure:"channels" json:"channels"`
	SamplesPerBlock int           `mapstructure:"samples_per_block" json:"samples_per_block"`
	NumBlocks       int           `mapstructure:"num_blocks" json:"num_blocks"`
	ScanRate        float64       `mapstructure:"scan_rate" json:"scan_rate"`           // scans per second
	TargetSamples   int64         `mapstructure:"target_samples" json:"target_samples"` // post-trigger scans wanted; 0 means run until stopped
	BacklogWarning  int           `mapstructure:"backlog_warning" json:"backlog_warning"`
	MemoryFraction  float64       `mapstructure:"memory_fraction" json:"memory_fraction"`
	Trigger         TriggerConfig `mapstructure:"trigger" json:"trigger"`
}

// SetDefaults registers the default value of every Config key with v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("channels", 4)
	v.SetDefault("samples_per_block", 1000)
	v.SetDefault("num_blocks", 100)
	v.SetDefault("scan_rate", 10000.0)
	v.SetDefault("target_samples", 0)
	v.SetDefault("backlog_warning", 10)
	v.SetDefault("memory_fraction", DefaultMemoryFraction)
	v.SetDefault("trigger.mode", string(NoTrigger))
	v.SetDefault("trigger.channel", 0)
	v.SetDefault("trigger.level", 0.0)
	v.SetDefault("trigger.edge", string(EdgeRising))
	v.SetDefault("trigger.pretrigger_samples", 0)
}

// LoadConfig decodes the stream configuration held by v and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return c, c.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch {
	case c.Channels <= 0:
		return fmt.Errorf("%w: channels=%d, must be positive", ErrBadConfig, c.Channels)
	case c.SamplesPerBlock <= 0:
		return fmt.Errorf("%w: samples_per_block=%d, must be positive", ErrBadConfig, c.SamplesPerBlock)
	case c.NumBlocks <= 0:
		return fmt.Errorf("%w: num_blocks=%d, must be positive", ErrBadConfig, c.NumBlocks)
	case c.ScanRate < 0:
		return fmt.Errorf("%w: scan_rate=%v, must not be negative", ErrBadConfig, c.ScanRate)
	case c.TargetSamples < 0:
		return fmt.Errorf("%w: target_samples=%d, must not be negative", ErrBadConfig, c.TargetSamples)
	case c.MemoryFraction < 0 || c.MemoryFraction > 1:
		return fmt.Errorf("%w: memory_fraction=%v, want (0, 1], or 0 for the default", ErrBadConfig, c.MemoryFraction)
	}
	return c.Trigger.validate(c.Channels)
}
