package dastream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedIngester is an Ingester whose data and failures are set by the test.
type scriptedIngester struct {
	gen       func(scan int64, c int) float64
	startErr  error
	stopErr   error
	failOn    map[int]error // transfer number (from 1) -> error
	backlog   Backlog
	started   int
	stopped   int
	transfers int
	nchan     int
	spb       int
	nextScan  int64
	hold      chan struct{} // if set, Transfer waits for it
	entered   chan struct{} // if set, signalled when Transfer begins
	sync.Mutex
}

func newScriptedIngester() *scriptedIngester {
	return &scriptedIngester{
		gen:    func(scan int64, c int) float64 { return float64(1000*scan + int64(c)) },
		failOn: make(map[int]error),
	}
}

func (si *scriptedIngester) Start(scanRate float64, nchan, samplesPerBlock int) error {
	si.Lock()
	defer si.Unlock()
	if si.startErr != nil {
		return si.startErr
	}
	si.started++
	si.nchan = nchan
	si.spb = samplesPerBlock
	si.nextScan = 0
	return nil
}

func (si *scriptedIngester) Transfer(dst []float64) (Backlog, error) {
	si.Lock()
	si.transfers++
	n := si.transfers
	hold, entered := si.hold, si.entered
	si.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}

	si.Lock()
	defer si.Unlock()
	if err, ok := si.failOn[n]; ok {
		for i := range dst {
			dst[i] = -1
		}
		return Backlog{}, err
	}
	for i := 0; i < si.spb; i++ {
		for c := 0; c < si.nchan; c++ {
			dst[i*si.nchan+c] = si.gen(si.nextScan+int64(i), c)
		}
	}
	si.nextScan += int64(si.spb)
	return si.backlog, nil
}

func (si *scriptedIngester) Stop() error {
	si.Lock()
	defer si.Unlock()
	si.stopped++
	return si.stopErr
}

func testConfig(nchan, spb, nblocks int) Config {
	return Config{
		Channels:        nchan,
		SamplesPerBlock: spb,
		NumBlocks:       nblocks,
		ScanRate:        1000,
		BacklogWarning:  10,
		Trigger:         TriggerConfig{Mode: NoTrigger},
	}
}

func startTestSession(t *testing.T, si *scriptedIngester, config Config) *StreamSession {
	t.Helper()
	s := NewStreamSession(si)
	s.MemoryProbe = plentyOfMemory
	if err := s.Start(config); err != nil {
		t.Fatalf("Start(%+v) failed: %v", config, err)
	}
	return s
}

func checkBlock(t *testing.T, b Block, firstScan int64, spb int) {
	t.Helper()
	if b.FirstScan != firstScan {
		t.Errorf("block FirstScan=%d, want %d", b.FirstScan, firstScan)
	}
	if b.Scans() != spb {
		t.Errorf("block has %d scans, want %d", b.Scans(), spb)
	}
	for i := 0; i < b.Scans(); i++ {
		for c, v := range b.Scan(i) {
			if want := float64(1000*(firstScan+int64(i)) + int64(c)); v != want {
				t.Fatalf("block at %d: scan %d channel %d = %v, want %v", firstScan, i, c, v, want)
			}
		}
	}
}

func TestSessionNoDataLoss(t *testing.T) {
	const nchan, spb, nblocks = 3, 4, 3
	si := newScriptedIngester()
	s := startTestSession(t, si, testConfig(nchan, spb, nblocks))
	defer s.Stop()

	next := int64(0)
	for i := 0; i < 40; i++ {
		if err := s.Service(); err != nil {
			t.Fatalf("Service() #%d: %v", i, err)
		}
		// Read every other iteration, then catch up, so the buffer wraps partly full.
		if i%2 == 1 {
			for {
				b, ok := s.Read()
				if !ok {
					break
				}
				checkBlock(t, b, next, spb)
				next += spb
			}
		}
	}
	st := s.Status()
	assert.Equal(t, int64(40*spb), st.Streamed)
	assert.Equal(t, next, st.Read)
	assert.Equal(t, int64(0), st.Overrun)
	assert.Equal(t, 0, st.Waiting)
}

func TestSessionBufferFull(t *testing.T) {
	const spb, nblocks = 2, 3
	si := newScriptedIngester()
	s := startTestSession(t, si, testConfig(1, spb, nblocks))
	defer s.Stop()
	for i := 0; i < nblocks; i++ {
		if err := s.Service(); err != nil {
			t.Fatal(err)
		}
	}
	st := s.Status()
	if st.Waiting != st.Capacity || st.Capacity != spb*nblocks {
		t.Errorf("after %d blocks Waiting=%d Capacity=%d, want both %d", nblocks, st.Waiting, st.Capacity, spb*nblocks)
	}
	if _, ok := s.Read(); !ok {
		t.Fatal("Read() from a full session found nothing")
	}
	if st = s.Status(); st.Waiting != st.Capacity-spb {
		t.Errorf("after one read Waiting=%d, want %d", st.Waiting, st.Capacity-spb)
	}

	// Two more blocks overrun one block; the oldest surviving block follows.
	s.Service()
	s.Service()
	st = s.Status()
	assert.Equal(t, int64(spb), st.Overrun)
	b, ok := s.Read()
	if !ok {
		t.Fatal("Read() after overrun found nothing")
	}
	checkBlock(t, b, 2*spb, spb)
}

func TestSessionTransferFailure(t *testing.T) {
	si := newScriptedIngester()
	si.failOn[2] = fmt.Errorf("cable unplugged")
	s := startTestSession(t, si, testConfig(2, 3, 4))
	defer s.Stop()

	if err := s.Service(); err != nil {
		t.Fatal(err)
	}
	before := s.Status()
	err := s.Service()
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("failed transfer returned %v, want ErrTransfer", err)
	}
	if s.State() != Streaming {
		t.Errorf("after a failed transfer State()=%s, want Streaming", s.State())
	}
	assert.Equal(t, before, s.Status())

	if err := s.Service(); err != nil {
		t.Fatalf("Service() after a failed transfer: %v", err)
	}
	b, _ := s.Read()
	checkBlock(t, b, 0, 3)
	b, _ = s.Read()
	checkBlock(t, b, 3, 3)
	if _, ok := s.Read(); ok {
		t.Error("a failed transfer left a block in the buffer")
	}
}

func TestSessionStop(t *testing.T) {
	si := newScriptedIngester()
	s := startTestSession(t, si, testConfig(2, 3, 4))
	s.Service()
	for i := 0; i < 2; i++ {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() #%d: %v", i, err)
		}
		if s.State() != Stopped {
			t.Errorf("after Stop() #%d State()=%s", i, s.State())
		}
	}
	if si.stopped != 1 {
		t.Errorf("ingest stopped %d times, want 1", si.stopped)
	}
	if err := s.Service(); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Service() on stopped session: %v, want ErrNotStreaming", err)
	}
	if _, ok := s.Read(); ok {
		t.Error("Read() on stopped session returned a block")
	}
	assert.Equal(t, Status{State: Stopped, TriggerScan: -1}, s.Status())
	assert.Equal(t, Idle, s.TriggerState())

	// A stopped session can be started again, with fresh counters.
	if err := s.Start(testConfig(1, 2, 2)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	st := s.Status()
	if st.Streamed != 0 || st.Capacity != 4 {
		t.Errorf("restarted session Streamed=%d Capacity=%d, want 0, 4", st.Streamed, st.Capacity)
	}
	if err := s.Start(testConfig(1, 2, 2)); err == nil {
		t.Error("Start() on a streaming session succeeded")
	}
}

func TestSessionStopError(t *testing.T) {
	si := newScriptedIngester()
	si.stopErr = fmt.Errorf("device busy")
	s := startTestSession(t, si, testConfig(1, 1, 1))
	if err := s.Stop(); err == nil {
		t.Error("Stop() hid the ingest error")
	}
	assert.Equal(t, Stopped, s.State())
}

func TestSessionStartErrors(t *testing.T) {
	bad := []Config{
		testConfig(0, 10, 10),
		testConfig(2, 0, 10),
		testConfig(2, 10, -1),
		{Channels: 2, SamplesPerBlock: 10, NumBlocks: 10, Trigger: TriggerConfig{Mode: LevelTrigger, Edge: EdgeAny, Channel: 2}},
		{Channels: 2, SamplesPerBlock: 10, NumBlocks: 10, MemoryFraction: 1.5},
	}
	for _, config := range bad {
		si := newScriptedIngester()
		s := NewStreamSession(si)
		s.MemoryProbe = plentyOfMemory
		if err := s.Start(config); !errors.Is(err, ErrBadConfig) {
			t.Errorf("Start(%+v) error %v, want ErrBadConfig", config, err)
		}
		if s.State() != Stopped || si.started != 0 {
			t.Errorf("after bad config State()=%s, ingest started %d times", s.State(), si.started)
		}
	}

	si := newScriptedIngester()
	s := NewStreamSession(si)
	s.MemoryProbe = func() (uint64, bool) { return 1 << 20, true }
	if err := s.Start(testConfig(8, 10000, 100)); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Start() of an oversized buffer: %v, want ErrOutOfMemory", err)
	}
	if s.State() != Stopped || si.started != 0 {
		t.Errorf("after out of memory State()=%s, ingest started %d times", s.State(), si.started)
	}

	if err := NewStreamSession(nil).Start(testConfig(1, 1, 1)); !errors.Is(err, ErrBadConfig) {
		t.Errorf("Start() with no ingest source: %v, want ErrBadConfig", err)
	}
}

func TestSessionIngestStartFailure(t *testing.T) {
	si := newScriptedIngester()
	si.startErr = fmt.Errorf("no such device")
	s := NewStreamSession(si)
	s.MemoryProbe = plentyOfMemory
	if err := s.Start(testConfig(1, 10, 10)); err == nil {
		t.Fatal("Start() succeeded with a failing ingest source")
	}
	if s.State() != Failed {
		t.Errorf("State()=%s, want Failed", s.State())
	}
	if err := s.Start(testConfig(1, 10, 10)); err == nil {
		t.Error("Start() on a Failed session succeeded")
	}
	if err := s.Stop(); err != nil || s.State() != Stopped {
		t.Errorf("Stop() on Failed session: %v, State()=%s", err, s.State())
	}
	if si.stopped != 0 {
		t.Errorf("a source that never started was stopped %d times", si.stopped)
	}
	si.startErr = nil
	if err := s.Start(testConfig(1, 10, 10)); err != nil {
		t.Errorf("Start() after acknowledging failure: %v", err)
	}
	s.Stop()
}

func TestSessionTrigger(t *testing.T) {
	record := []float64{0, 0, 6, 6, 0, 0}
	si := newScriptedIngester()
	si.gen = func(scan int64, c int) float64 { return record[scan%int64(len(record))] }
	config := testConfig(1, 1, 8)
	config.Trigger = TriggerConfig{Mode: LevelTrigger, Level: 5, Edge: EdgeRising}
	s := startTestSession(t, si, config)
	defer s.Stop()

	if s.TriggerState() != Armed {
		t.Errorf("TriggerState()=%s, want Armed", s.TriggerState())
	}
	for i := 0; i < 5; i++ {
		if err := s.Service(); err != nil {
			t.Fatal(err)
		}
	}
	var got []float64
	for {
		b, ok := s.Read()
		if !ok {
			break
		}
		got = append(got, b.Data...)
	}
	assert.Equal(t, []float64{6, 6, 0}, got)
	st := s.Status()
	assert.Equal(t, Active, st.Trigger)
	assert.Equal(t, int64(2), st.TriggerScan)
	assert.Equal(t, int64(2), st.Discarded)
	assert.Equal(t, int64(5), st.Acquired)
	assert.Equal(t, int64(3), st.Streamed)
}

func TestSessionComplete(t *testing.T) {
	si := newScriptedIngester()
	config := testConfig(2, 4, 10)
	config.TargetSamples = 8
	s := startTestSession(t, si, config)
	defer s.Stop()
	s.Service()
	if s.IsComplete() {
		t.Error("complete after 4 of 8 target scans")
	}
	s.Service()
	if !s.IsComplete() || !s.Status().Complete {
		t.Error("not complete after 8 of 8 target scans")
	}

	// With a trigger, only scans from the trigger block onward count.
	record := []float64{0, 0, 0, 0, 9, 9, 9, 9}
	si = newScriptedIngester()
	si.gen = func(scan int64, c int) float64 { return record[scan%8] }
	config = testConfig(1, 2, 10)
	config.TargetSamples = 4
	config.Trigger = TriggerConfig{Mode: LevelTrigger, Level: 5, Edge: EdgeRising}
	s = startTestSession(t, si, config)
	defer s.Stop()
	for i := 0; i < 3; i++ {
		s.Service()
	}
	if s.IsComplete() {
		t.Error("triggered session complete after 2 post-trigger scans")
	}
	s.Service()
	assert.True(t, s.IsComplete())

	// No target means never complete.
	si = newScriptedIngester()
	s = startTestSession(t, si, testConfig(1, 1, 1))
	defer s.Stop()
	for i := 0; i < 10; i++ {
		s.Service()
	}
	assert.False(t, s.IsComplete())
}

func TestSessionBacklog(t *testing.T) {
	si := newScriptedIngester()
	s := startTestSession(t, si, testConfig(1, 1, 4))
	defer s.Stop()
	si.backlog = Backlog{Upstream: 3, Downstream: 1}
	if err := s.Service(); err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	assert.Equal(t, Backlog{Upstream: 3, Downstream: 1}, st.Backlog)
	assert.Equal(t, int64(0), st.Warnings)

	si.backlog = Backlog{Upstream: 20}
	if err := s.Service(); err != nil {
		t.Fatalf("a large backlog should only warn, got %v", err)
	}
	assert.Equal(t, int64(1), s.Status().Warnings)
}

// Stop must not wait for a transfer in progress, and that transfer's data must
// not reach the buffer.
func TestSessionStopDuringTransfer(t *testing.T) {
	si := newScriptedIngester()
	s := startTestSession(t, si, testConfig(1, 2, 4))
	si.Lock()
	si.hold = make(chan struct{})
	si.entered = make(chan struct{}, 1)
	si.Unlock()

	result := make(chan error)
	go func() { result <- s.Service() }()
	<-si.entered

	stopped := make(chan error)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop() during transfer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked behind a transfer")
	}
	if err := s.Service(); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("second Service() during stop: %v", err)
	}
	close(si.hold)
	if err := <-result; !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Service() interrupted by Stop returned %v, want ErrNotStreaming", err)
	}
	assert.Equal(t, Stopped, s.State())
}

func TestStatusJSON(t *testing.T) {
	st := Status{State: Streaming, Trigger: Armed, TriggerScan: -1}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Streaming", m["state"])
	assert.Equal(t, "Armed", m["trigger"])
	assert.Equal(t, "Failed", Failed.String())
}
