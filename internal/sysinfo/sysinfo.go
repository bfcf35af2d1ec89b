// Package sysinfo identifies the machine a snapshot was taken on.
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"tm-go/internal/tm"
)

// Unknown is reported when no identifier can be determined.
const Unknown = "unknown-hardware"

// DefaultSources are read in order; the first non-empty value wins.
var DefaultSources = []string{
	"/sys/class/dmi/id/product_uuid",
	"/etc/machine-id",
}

// Identifier implements tm.HardwareIdentifier. The value is computed once.
type Identifier struct {
	id string
}

var _ tm.HardwareIdentifier = (*Identifier)(nil)

// NewIdentifier probes sources, then falls back to hostname and CPU count.
func NewIdentifier(sources ...string) *Identifier {
	if len(sources) == 0 {
		sources = DefaultSources
	}
	return &Identifier{id: probe(sources, os.Hostname)}
}

func (i *Identifier) HardwareID() string {
	return i.id
}

func probe(sources []string, hostname func() (string, error)) string {
	for _, path := range sources {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	if host, err := hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s-%dcpu", host, runtime.NumCPU())
	}
	return Unknown
}
