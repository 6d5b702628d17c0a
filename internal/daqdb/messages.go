package daqdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the daqactivity table: one entry per
// run of the daemon.
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

// RunMessage is the information required to make an entry in the acqruns table.
// One entry is written when analog input starts and again when it stops.
type RunMessage struct {
	ID         string
	Kind       string // "read" or "write"
	SyncMode   string
	Devices    string // comma-separated device idents
	Nchannels  int
	SampleRate float64
	Continuous bool
	Duration   float64
	Start      time.Time
	End        time.Time
	Error      string
}

// OutputMessage describes one output signal written during a run.
type OutputMessage struct {
	ID         string
	RunID      string
	Trace      string
	Device     int
	Channel    int
	SampleRate float64
	Samples    int
	Delay      float64
	Intensity  float64
	Level      float64
	Start      time.Time
}
