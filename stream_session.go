package dastream

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SessionState is used to indicate the lifecycle state of a StreamSession
type SessionState int

// Names for the possible values of SessionState
const (
	Stopped   SessionState = iota // Session holds no resources
	Starting                      // Session is in transition to Streaming
	Streaming                     // Session is actively acquiring data
	Failed                        // Ingest could not start; Stop acknowledges
)

var sessionStateNames = [...]string{"Stopped", "Starting", "Streaming", "Failed"}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return sessionStateNames[s]
}

// MarshalText lets a SessionState appear by name in JSON status messages.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of a StreamSession. Streamed, Read and Waiting are scan counts.
type Status struct {
	State       SessionState `json:"state"`
	Trigger     TriggerState `json:"trigger"`
	Streamed    int64        `json:"streamed"`
	Read        int64        `json:"read"`
	Waiting     int          `json:"waiting"`
	Capacity    int          `json:"capacity"`
	Acquired    int64        `json:"acquired"`  // every scan transferred, retained or not
	Discarded   int64        `json:"discarded"` // scans thrown away while waiting for the trigger
	Overrun     int64        `json:"overrun"`   // scans overwritten before the consumer read them
	Backlog     Backlog      `json:"backlog"`
	Warnings    int64        `json:"warnings"`
	TriggerScan int64        `json:"trigger_scan"`
	Complete    bool         `json:"complete"`
}

// StreamSession moves blocks from an Ingester through a TriggerEngine into a
// RingBuffer, and hands them to a consumer through Read.
//
// Service and Read are meant to be called from one control loop. Stop may be
// called at any time, from any goroutine.
type StreamSession struct {
	// MemoryProbe limits ring buffer allocation; nil means AvailableMemory.
	MemoryProbe MemoryProbe

	ingest      Ingester
	config      Config
	state       SessionState
	buffer      *RingBuffer
	trigger     *TriggerEngine
	inflight    bool // a Service call is inside the ingest transfer
	backlog     Backlog
	acquired    int64
	discarded   int64
	postTrigger int64
	warnings    int64
	warnLimit   *rate.Limiter
	stateLock   sync.Mutex // guards everything above
}

// NewStreamSession creates a stopped session that will acquire from ingest.
func NewStreamSession(ingest Ingester) *StreamSession {
	return &StreamSession{
		ingest:    ingest,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Start validates config, allocates the ring buffer and trigger engine, and
// starts the ingest source. On a configuration or allocation error the session
// remains Stopped; if the source fails to start, the session is Failed.
func (s *StreamSession) Start(config Config) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != Stopped {
		return fmt.Errorf("session is %s, cannot start (you should call Stop)", s.state)
	}
	if s.ingest == nil {
		return fmt.Errorf("%w: no ingest source", ErrBadConfig)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	s.state = Starting

	buffer, err := newRingBuffer(config.Channels, config.SamplesPerBlock, config.NumBlocks,
		s.MemoryProbe, config.MemoryFraction)
	if err != nil {
		s.state = Stopped
		return err
	}
	trigger, err := NewTriggerEngine(config.Trigger, config.Channels, config.SamplesPerBlock)
	if err != nil {
		s.state = Stopped
		return err
	}

	if err := s.ingest.Start(config.ScanRate, config.Channels, config.SamplesPerBlock); err != nil {
		buffer.Reset()
		s.state = Failed
		ProblemLogger.Printf("Ingest source failed to start: %v", err)
		return fmt.Errorf("starting ingest: %w", err)
	}

	s.config = config
	s.buffer = buffer
	s.trigger = trigger
	s.inflight = false
	s.backlog = Backlog{}
	s.acquired = 0
	s.discarded = 0
	s.postTrigger = 0
	s.warnings = 0
	s.state = Streaming
	UpdateLogger.Printf("Stream started: %d channels, %d blocks of %d scans at %.1f scans/s, trigger %s",
		config.Channels, config.NumBlocks, config.SamplesPerBlock, config.ScanRate, trigger.State())
	return nil
}

// Service transfers one block from the ingest source into the ring buffer, then
// keeps or discards it as the trigger engine decides. A failed transfer is
// returned wrapping ErrTransfer and leaves the buffer exactly as it was; the
// session keeps streaming, and any retry is up to the caller.
func (s *StreamSession) Service() error {
	s.stateLock.Lock()
	if s.state != Streaming {
		state := s.state
		s.stateLock.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotStreaming, state)
	}
	if s.inflight {
		s.stateLock.Unlock()
		return fmt.Errorf("service called while another Service call is transferring")
	}
	buffer := s.buffer
	slot := buffer.BeginWrite()
	s.inflight = true
	s.stateLock.Unlock()

	// The lock is not held here, so Stop can proceed while the source blocks.
	backlog, err := s.ingest.Transfer(slot)

	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != Streaming || s.buffer != buffer {
		return fmt.Errorf("%w: stopped during transfer", ErrNotStreaming)
	}
	s.inflight = false
	if err != nil {
		buffer.DiscardWrite()
		ProblemLogger.Printf("Ingest transfer failed: %v", err)
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	s.noteBacklog(backlog)

	nscans := int64(s.config.SamplesPerBlock)
	s.acquired += nscans
	if s.trigger.Evaluate(slot, buffer.samplesStreamed) == Discard {
		buffer.DiscardWrite()
		s.discarded += nscans
		return nil
	}
	wasFull := buffer.Full()
	buffer.CommitWrite()
	if wasFull {
		s.warn("Ring buffer overrun: %d scans lost so far; the consumer is not keeping up",
			buffer.samplesOverrun)
	}
	if ts := s.trigger.State(); ts == Idle || ts == Active {
		s.postTrigger += nscans
	}
	return nil
}

// noteBacklog records the backlog and warns when upstream falls too far behind.
func (s *StreamSession) noteBacklog(backlog Backlog) {
	s.backlog = backlog
	if s.config.BacklogWarning > 0 && backlog.Upstream >= s.config.BacklogWarning {
		s.warnings++
		s.warn("Ingest backlog of %d blocks upstream, %d downstream (warning threshold %d)",
			backlog.Upstream, backlog.Downstream, s.config.BacklogWarning)
	}
}

// warn logs an advisory problem, at a limited rate.
func (s *StreamSession) warn(format string, args ...interface{}) {
	if s.warnLimit.Allow() {
		ProblemLogger.Printf(format, args...)
	}
}

// Read returns the oldest unread block, or false if none is ready. It never
// blocks. The Block's data alias the ring buffer and stay valid only until the
// next call to Service; use Block.Clone to keep them.
func (s *StreamSession) Read() (Block, bool) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.buffer == nil {
		return Block{}, false
	}
	slot := s.buffer.ReadSlot()
	if slot == nil {
		return Block{}, false
	}
	first := s.buffer.samplesRead + s.buffer.samplesOverrun
	s.buffer.CommitRead()
	return Block{Data: slot, Channels: s.config.Channels, FirstScan: first}, true
}

// Stop halts the ingest source and releases the ring buffer and trigger engine,
// abandoning any block in flight. Stopping a stopped session does nothing.
// Stopping a Failed session returns it to Stopped.
func (s *StreamSession) Stop() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	switch s.state {
	case Stopped:
		return nil
	case Failed:
		s.state = Stopped
		return nil
	}

	err := s.ingest.Stop()
	c := s.buffer.Counters()
	UpdateLogger.Printf("Stream stopped: %d scans streamed, %d read, %d discarded, %d overrun, trigger %s",
		c.Streamed, c.Read, s.discarded, c.Overrun, s.trigger.State())
	s.buffer.DiscardWrite()
	s.buffer.Reset()
	s.buffer = nil
	s.trigger.Reset()
	s.inflight = false
	s.state = Stopped
	if err != nil {
		ProblemLogger.Printf("Ingest source did not stop cleanly: %v", err)
		return fmt.Errorf("stopping ingest: %w", err)
	}
	return nil
}

// IsComplete reports whether the configured number of post-trigger scans has
// been retained. A session with no target is never complete.
func (s *StreamSession) IsComplete() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.isComplete()
}

func (s *StreamSession) isComplete() bool {
	return s.config.TargetSamples > 0 && s.postTrigger >= s.config.TargetSamples
}

// State returns the session's lifecycle state.
func (s *StreamSession) State() SessionState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// TriggerState returns the trigger engine's state, Idle when not streaming.
func (s *StreamSession) TriggerState() TriggerState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.trigger == nil || s.buffer == nil {
		return Idle
	}
	return s.trigger.State()
}

// Config returns the configuration of the current (or most recent) run.
func (s *StreamSession) Config() Config {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.config
}

// Status returns a snapshot of the session. Buffer figures are zero when stopped.
func (s *StreamSession) Status() Status {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	st := Status{State: s.state, TriggerScan: -1}
	if s.buffer == nil {
		return st
	}
	c := s.buffer.Counters()
	st.Trigger = s.trigger.State()
	st.Streamed = c.Streamed
	st.Read = c.Read
	st.Overrun = c.Overrun
	st.Waiting = s.buffer.Waiting()
	st.Capacity = s.buffer.Capacity()
	st.Acquired = s.acquired
	st.Discarded = s.discarded
	st.Backlog = s.backlog
	st.Warnings = s.warnings
	st.TriggerScan = s.trigger.TriggerScan()
	st.Complete = s.isComplete()
	return st
}
