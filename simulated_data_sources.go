package dastream

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SimSourceConfig holds the arguments needed to configure a SimSource.
type SimSourceConfig struct {
	Waveform       string  `mapstructure:"waveform" json:"waveform"` // "triangle" or "pulse"
	Pedestal       float64 `mapstructure:"pedestal" json:"pedestal"`
	Amplitude      float64 `mapstructure:"amplitude" json:"amplitude"`
	Period         int     `mapstructure:"period" json:"period"`                   // scans per cycle
	FirstPulse     int64   `mapstructure:"first_pulse" json:"first_pulse"`         // scan of the first pulse
	CounterChannel int     `mapstructure:"counter_channel" json:"counter_channel"` // channel carrying the pulse count, or -1
	Paced          bool    `mapstructure:"paced" json:"paced"`                     // deliver blocks no faster than the scan rate
}

// SimSource is an Ingester that synthesizes data. A triangle source ramps each
// channel between Pedestal and Pedestal+Amplitude, with channels out of phase.
// A pulse source produces a decaying pulse every Period scans starting at
// FirstPulse; if CounterChannel is set, that channel instead counts the pulses.
type SimSource struct {
	config          SimSourceConfig
	nchan           int
	samplesPerBlock int
	timePerBlock    time.Duration
	nextScan        int64
	nextRead        time.Time
	running         bool
	abort           chan struct{}
	runMutex        sync.Mutex // guards running and abort
}

// NewSimSource creates a SimSource; it must be started before use.
func NewSimSource(config SimSourceConfig) (*SimSource, error) {
	switch config.Waveform {
	case "", "triangle":
		config.Waveform = "triangle"
	case "pulse":
	default:
		return nil, fmt.Errorf("%w: simulated waveform %q not recognized", ErrBadConfig, config.Waveform)
	}
	if config.Period < 2 {
		return nil, fmt.Errorf("%w: simulated period %d, must be at least 2", ErrBadConfig, config.Period)
	}
	return &SimSource{config: config}, nil
}

// Start begins the data supply.
func (ss *SimSource) Start(scanRate float64, nchan, samplesPerBlock int) error {
	ss.runMutex.Lock()
	defer ss.runMutex.Unlock()
	if ss.running {
		return fmt.Errorf("SimSource already running")
	}
	if ss.config.CounterChannel >= nchan {
		return fmt.Errorf("%w: counter channel %d, source has %d channels",
			ErrBadConfig, ss.config.CounterChannel, nchan)
	}
	if ss.config.Paced && scanRate <= 0 {
		return fmt.Errorf("%w: a paced source needs a positive scan rate", ErrBadConfig)
	}
	ss.nchan = nchan
	ss.samplesPerBlock = samplesPerBlock
	ss.nextScan = 0
	if scanRate > 0 {
		blockTime := float64(samplesPerBlock) / scanRate
		ss.timePerBlock = time.Duration(float64(time.Second) * blockTime)
	}
	ss.nextRead = time.Now().Add(ss.timePerBlock)
	ss.abort = make(chan struct{})
	ss.running = true
	return nil
}

// Transfer fills dst with the next block, first waiting until the block would
// have been acquired if the source is paced. The upstream backlog counts
// whole blocks that are overdue.
func (ss *SimSource) Transfer(dst []float64) (Backlog, error) {
	ss.runMutex.Lock()
	running, abort := ss.running, ss.abort
	ss.runMutex.Unlock()
	if !running {
		return Backlog{}, fmt.Errorf("SimSource is not running")
	}
	if len(dst) != ss.nchan*ss.samplesPerBlock {
		return Backlog{}, fmt.Errorf("SimSource.Transfer: len(dst)=%d, want %d", len(dst), ss.nchan*ss.samplesPerBlock)
	}

	var backlog Backlog
	if ss.config.Paced {
		if wait := time.Until(ss.nextRead); wait > 0 {
			select {
			case <-abort:
				return Backlog{}, fmt.Errorf("SimSource stopped during transfer")
			case <-time.After(wait):
			}
		} else if ss.timePerBlock > 0 {
			backlog.Upstream = int(-wait / ss.timePerBlock)
		}
		ss.nextRead = ss.nextRead.Add(ss.timePerBlock)
	}

	for i := 0; i < ss.samplesPerBlock; i++ {
		scan := ss.nextScan + int64(i)
		for c := 0; c < ss.nchan; c++ {
			dst[i*ss.nchan+c] = ss.value(scan, c)
		}
	}
	ss.nextScan += int64(ss.samplesPerBlock)
	return backlog, nil
}

// value computes the sample of channel c at the given scan.
func (ss *SimSource) value(scan int64, c int) float64 {
	cfg := &ss.config
	period := int64(cfg.Period)
	if cfg.Waveform == "triangle" {
		phase := (scan + int64(c)*period/int64(ss.nchan)) % period
		// Distance from the nearest trough; at most period/2, even for odd periods.
		d := min(phase, period-phase)
		return cfg.Pedestal + cfg.Amplitude*float64(2*d)/float64(period)
	}

	since := scan - cfg.FirstPulse
	if c == cfg.CounterChannel {
		if since < 0 {
			return 0
		}
		return float64(since/period + 1)
	}
	if since < 0 {
		return cfg.Pedestal
	}
	decay := float64(period) / 8
	return cfg.Pedestal + cfg.Amplitude*math.Exp(-float64(since%period)/decay)
}

// Stop ends the data supply. Stopping a stopped source is not an error.
func (ss *SimSource) Stop() error {
	ss.runMutex.Lock()
	defer ss.runMutex.Unlock()
	if ss.running {
		close(ss.abort)
		ss.running = false
	}
	return nil
}
