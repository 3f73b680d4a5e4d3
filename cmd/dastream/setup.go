package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/dastream"
	"github.com/usnistgov/dastream/internal/rundb"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputConfig controls the .npz file writer.
type OutputConfig struct {
	Directory     string        `mapstructure:"directory"` // empty means write nothing
	QueueDepth    int           `mapstructure:"queue_depth"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PublishConfig controls the ZMQ status publisher.
type PublishConfig struct {
	Port           int           `mapstructure:"port"` // 0 means publish nothing
	QueueLimit     int           `mapstructure:"queue_limit"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	BlockSummaries bool          `mapstructure:"block_summaries"`
}

// DatabaseConfig controls the ClickHouse run log.
type DatabaseConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	rundb.Options `mapstructure:",squash"`
}

// RunConfig holds the policies of the acquisition loop.
type RunConfig struct {
	ReadsPerService int `mapstructure:"reads_per_service"`
	TransferRetries int `mapstructure:"transfer_retries"`
	TriggerTimeout  int `mapstructure:"trigger_timeout"` // in blocks; 0 waits forever
}

// AppConfig is everything the dastream program reads from its config file.
type AppConfig struct {
	dastream.Config `mapstructure:",squash"`
	Simulation      dastream.SimSourceConfig `mapstructure:"simulation"`
	Output          OutputConfig             `mapstructure:"output"`
	Publish         PublishConfig            `mapstructure:"publish"`
	Database        DatabaseConfig           `mapstructure:"database"`
	Run             RunConfig                `mapstructure:"run"`
}

// setDefaults registers the default of every AppConfig key with v.
func setDefaults(v *viper.Viper) {
	dastream.SetDefaults(v)
	v.SetDefault("simulation.waveform", "triangle")
	v.SetDefault("simulation.pedestal", 1000.0)
	v.SetDefault("simulation.amplitude", 500.0)
	v.SetDefault("simulation.period", 1000)
	v.SetDefault("simulation.first_pulse", 0)
	v.SetDefault("simulation.counter_channel", -1)
	v.SetDefault("simulation.paced", true)
	v.SetDefault("output.directory", "")
	v.SetDefault("output.queue_depth", 16)
	v.SetDefault("output.flush_interval", "1s")
	v.SetDefault("publish.port", 0)
	v.SetDefault("publish.queue_limit", 1000)
	v.SetDefault("publish.status_interval", "1s")
	v.SetDefault("publish.block_summaries", false)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.addr", "localhost:9000")
	v.SetDefault("database.database", "dastream")
	v.SetDefault("database.dial_timeout", "2s")
	v.SetDefault("run.reads_per_service", 2)
	v.SetDefault("run.transfer_retries", 3)
	v.SetDefault("run.trigger_timeout", 0)
}

// loadAppConfig decodes and validates the configuration held by v.
func loadAppConfig(v *viper.Viper) (AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", dastream.ErrBadConfig, err)
	}
	if err := cfg.Config.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupViper says where to find config files, creating an empty one in the
// user's dot directory if needed, and reads the config. A configFile given
// explicitly must exist. Settings may be overridden by DASTREAM_* environment
// variables, e.g. DASTREAM_TRIGGER_LEVEL for trigger.level.
func setupViper(v *viper.Viper, configFile string) error {
	setDefaults(v)
	v.SetEnvPrefix("DASTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		HOME, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("finding user home dir: %w", err)
		}
		dotDastream := filepath.Join(HOME, ".dastream")
		const filename string = "config"
		const suffix string = ".yaml"
		if _, err := makeFileExist(dotDastream, filename+suffix); err != nil {
			return err
		}
		v.SetConfigName(filename)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.FromSlash("/etc/dastream"))
		v.AddConfigPath(dotDastream)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// startLogger returns a Logger writing to a size-rotated file.
func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// startLogging points the package loggers at problems.log and updates.log in logdir.
func startLogging(logdir string) (problemname, logname string, err error) {
	if problemname, err = makeFileExist(logdir, "problems.log"); err != nil {
		return
	}
	if logname, err = makeFileExist(logdir, "updates.log"); err != nil {
		return
	}
	dastream.ProblemLogger = startLogger(problemname)
	dastream.UpdateLogger = startLogger(logname)
	return
}
