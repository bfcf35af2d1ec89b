package tm

// HardwareIdentifier provides the opaque machine identifier written to each
// snapshot's sidecar.
type HardwareIdentifier interface {
	HardwareID() string
}

// StaticHardwareID is a HardwareIdentifier returning a fixed value.
type StaticHardwareID string

func (s StaticHardwareID) HardwareID() string { return string(s) }
