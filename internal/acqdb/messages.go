package acqdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the acqactivity table.
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

// SessionMessage is the information for the sessions table.
type SessionMessage struct {
	ID         string
	Family     string
	Serial     string
	Resolution int
	ADCMin     int64
	ADCMax     int64
	Channels   string // e.g. "A:1V,B:200mV"
	Warnings   int64
	Faulted    bool
	Start      time.Time
	End        time.Time
}

// SegmentMessage is the information for the segments table. It describes
// one captured memory segment, never its samples.
type SegmentMessage struct {
	SessionID   string
	CaptureID   string
	Segment     uint64
	PreTrigger  uint64
	PostTrigger uint64
	Timebase    uint32
	Interval    float64
	RatioMode   string
	Ratio       uint64
	Returned    uint64
	Overflow    string // e.g. "A,C"
}
