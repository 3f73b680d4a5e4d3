package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one row per
// program invocation.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information for the runs table: one row per streaming
// session, written when it starts and again when it finishes.
type RunMessage struct {
	ID              string
	Source          string
	Channels        int
	SamplesPerBlock int
	NumBlocks       int
	ScanRate        float64
	TriggerMode     string
	TriggerChannel  int
	TargetSamples   int64
	Streamed        int64
	Discarded       int64
	Overrun         int64
	Outcome         string
	Start           time.Time
	End             time.Time
}
