package capturedb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the cxsdractivity table: one row
// per daemon lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// CaptureRunMessage is the information required to make an entry in the
// captureruns table: one row per capture run on one card.
type CaptureRunMessage struct {
	ID         string // run ULID
	DaemonID   string
	Source     string
	Rate       string
	Input      int
	Gain       int
	PageCount  int
	PageSize   int
	ChunkBytes int
	Start      time.Time
	End        time.Time
}
