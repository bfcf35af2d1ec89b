package tm

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so snapshot ids and timestamps are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current local time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation for sessions and file records.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
