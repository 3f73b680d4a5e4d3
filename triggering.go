package dastream

import "fmt"

// TriggerMode selects what the trigger engine watches.
type TriggerMode string

// Names for the possible values of TriggerMode
const (
	NoTrigger      TriggerMode = "none"    // every block is kept
	LevelTrigger   TriggerMode = "level"   // a level crossing on a monitored channel
	CounterTrigger TriggerMode = "counter" // any increase of an external pulse counter
)

// Edge selects which level crossings fire a LevelTrigger.
type Edge string

// Names for the possible values of Edge
const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeAny     Edge = "any"
)

// TriggerState is the state of a TriggerEngine.
type TriggerState int

// Names for the possible values of TriggerState
const (
	Idle       TriggerState = iota // no trigger configured: pass everything
	PreTrigger                     // filling the pre-trigger buffer
	Armed                          // looking for the trigger event
	Active                         // triggered: pass everything
)

var triggerStateNames = [...]string{"Idle", "PreTrigger", "Armed", "Active"}

func (s TriggerState) String() string {
	if s < 0 || int(s) >= len(triggerStateNames) {
		return fmt.Sprintf("TriggerState(%d)", int(s))
	}
	return triggerStateNames[s]
}

// MarshalText lets a TriggerState appear by name in JSON status messages.
func (s TriggerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision says what to do with a freshly written block.
type Decision int

// Names for the possible values of Decision
const (
	Retain Decision = iota
	Discard
)

// TriggerConfig contains the parameters that control trigger logic.
// For a CounterTrigger, Channel is the channel that carries the counter value.
type TriggerConfig struct {
	Mode              TriggerMode `mapstructure:"mode" json:"mode"`
	Channel           int         `mapstructure:"channel" json:"channel"`
	Level             float64     `mapstructure:"level" json:"level"`
	Edge              Edge        `mapstructure:"edge" json:"edge"`
	PretriggerSamples int64       `mapstructure:"pretrigger_samples" json:"pretrigger_samples"`
}

// validate checks the configuration against a scan of nchan channels.
func (tc *TriggerConfig) validate(nchan int) error {
	switch tc.Mode {
	case NoTrigger, "":
		return nil
	case LevelTrigger:
		switch tc.Edge {
		case EdgeRising, EdgeFalling, EdgeAny:
		default:
			return fmt.Errorf("%w: trigger edge %q not recognized", ErrBadConfig, tc.Edge)
		}
	case CounterTrigger:
	default:
		return fmt.Errorf("%w: trigger mode %q not recognized", ErrBadConfig, tc.Mode)
	}
	if tc.Channel < 0 || tc.Channel >= nchan {
		return fmt.Errorf("%w: trigger channel %d, want 0 to %d", ErrBadConfig, tc.Channel, nchan-1)
	}
	if tc.PretriggerSamples < 0 {
		return fmt.Errorf("%w: pretrigger samples %d, must not be negative", ErrBadConfig, tc.PretriggerSamples)
	}
	return nil
}

// TriggerEngine decides block by block whether new data are kept or thrown away.
// Its memory of the previous scan (above/below level, or the counter value)
// carries across block boundaries, so an event that straddles two blocks is seen.
type TriggerEngine struct {
	TriggerConfig
	nchan           int
	samplesPerBlock int
	state           TriggerState

	primed  bool    // memory holds a real previous scan
	above   bool    // previous scan was above Level
	counter float64 // previous counter value

	scansSeen   int64 // scans evaluated, retained or not
	triggerScan int64 // scansSeen index of the scan that fired, or -1
}

// NewTriggerEngine creates a TriggerEngine for blocks of samplesPerBlock scans
// of nchan channels.
func NewTriggerEngine(config TriggerConfig, nchan, samplesPerBlock int) (*TriggerEngine, error) {
	if nchan <= 0 || samplesPerBlock <= 0 {
		return nil, fmt.Errorf("%w: trigger engine needs positive channels (%d) and block size (%d)",
			ErrBadConfig, nchan, samplesPerBlock)
	}
	if err := config.validate(nchan); err != nil {
		return nil, err
	}
	if config.Mode == "" {
		config.Mode = NoTrigger
	}
	te := &TriggerEngine{TriggerConfig: config, nchan: nchan, samplesPerBlock: samplesPerBlock}
	te.Reset()
	te.arm()
	return te, nil
}

// arm puts a freshly reset engine in its starting state.
func (te *TriggerEngine) arm() {
	switch {
	case te.Mode == NoTrigger:
		te.state = Idle
	case te.PretriggerSamples > 0:
		te.state = PreTrigger
	default:
		te.state = Armed
	}
}

// State returns the current TriggerState.
func (te *TriggerEngine) State() TriggerState {
	return te.state
}

// TriggerScan returns the index (counting every scan evaluated, including
// discarded ones) of the scan that fired the trigger, or -1 if it has not fired.
func (te *TriggerEngine) TriggerScan() int64 {
	return te.triggerScan
}

// Reset returns the engine to Idle and forgets all memory.
func (te *TriggerEngine) Reset() {
	te.state = Idle
	te.primed = false
	te.above = false
	te.counter = 0
	te.scansSeen = 0
	te.triggerScan = -1
}

// Evaluate inspects one block of interleaved scans. The streamed argument is the
// number of scans already retained before this block. The caller must commit
// the block when the answer is Retain and discard it when it is Discard.
func (te *TriggerEngine) Evaluate(block []float64, streamed int64) Decision {
	nscans := len(block) / te.nchan
	defer func() { te.scansSeen += int64(nscans) }()

	switch te.state {
	case PreTrigger:
		if streamed+int64(nscans) >= te.PretriggerSamples {
			if nscans > 0 {
				te.remember(block[(nscans-1)*te.nchan+te.Channel])
			}
			te.state = Armed
			UpdateLogger.Printf("Trigger armed after %d pretrigger samples", streamed+int64(nscans))
		}
		return Retain

	case Armed:
		for i := 0; i < nscans; i++ {
			if te.fires(block[i*te.nchan+te.Channel]) {
				te.state = Active
				te.triggerScan = te.scansSeen + int64(i)
				UpdateLogger.Printf("Trigger fired at scan %d (%s on channel %d)", te.triggerScan, te.Mode, te.Channel)
				return Retain
			}
		}
		return Discard
	}
	return Retain
}

// remember latches the trigger memory from one value of the monitored channel.
func (te *TriggerEngine) remember(value float64) {
	te.primed = true
	te.above = value > te.Level
	te.counter = value
}

// fires updates the memory with the next value of the monitored channel and
// reports whether the transition from the previous value is a trigger.
func (te *TriggerEngine) fires(value float64) bool {
	if !te.primed {
		te.remember(value)
		return false
	}
	if te.Mode == CounterTrigger {
		increased := value > te.counter
		te.counter = value
		return increased
	}
	wasAbove := te.above
	te.above = value > te.Level
	switch te.Edge {
	case EdgeRising:
		return !wasAbove && te.above
	case EdgeFalling:
		return wasAbove && !te.above
	default:
		return wasAbove != te.above
	}
}
