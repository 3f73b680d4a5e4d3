package dastream

// Backlog counts blocks queued on either side of an ingest transfer. It is
// advisory: a growing upstream backlog means the consumer loop is falling behind.
type Backlog struct {
	Upstream   int `json:"upstream"`   // blocks acquired by the device but not yet transferred
	Downstream int `json:"downstream"` // blocks transferred but not yet consumed, as the device sees it
}

// Ingester is the interface for hardware or simulated sources that deliver
// fixed-size blocks of interleaved scans.
type Ingester interface {
	// Start begins acquisition of nchan channels at scanRate scans per second,
	// delivered samplesPerBlock scans at a time.
	Start(scanRate float64, nchan, samplesPerBlock int) error
	// Transfer fills dst with exactly one block of fresh scans.
	Transfer(dst []float64) (Backlog, error)
	// Stop halts acquisition.
	Stop() error
}
