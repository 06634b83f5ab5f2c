package grbl

import (
	"strings"
)

// Capability is a firmware feature which depends on the Grbl version.
type Capability uint

const (
	CapabilityHoming Capability = 1 << iota
	CapabilityHardLimits
	CapabilitySoftLimits
	CapabilitySoftReset
	// CapabilityRealTime covers realtime pause, resume and status commands, check mode, alarm
	// unlock and parser state.
	CapabilityRealTime
	// CapabilityV1Format is the v1.1 "|" delimited status report and coded errors.
	CapabilityV1Format
	CapabilityJogging
	CapabilityOverrides
)

var capabilityNames = []struct {
	capability Capability
	name       string
}{
	{CapabilityHoming, "HOMING"},
	{CapabilityHardLimits, "HARD_LIMITS"},
	{CapabilitySoftLimits, "SOFT_LIMITS"},
	{CapabilitySoftReset, "SOFT_RESET"},
	{CapabilityRealTime, "REAL_TIME"},
	{CapabilityV1Format, "V1_FORMAT"},
	{CapabilityJogging, "JOGGING"},
	{CapabilityOverrides, "OVERRIDES"},
}

// Capabilities is a set of Capability.
type Capabilities Capability

// CapabilitiesFor returns what version supports.
func CapabilitiesFor(version Version) Capabilities {
	var c Capability
	if version.AtLeast(0.8, "") {
		c |= CapabilityHoming | CapabilityHardLimits | CapabilitySoftReset
	}
	if version.AtLeast(0.8, "c") {
		c |= CapabilityRealTime
	}
	if version.AtLeast(0.9, "") {
		c |= CapabilitySoftLimits
	}
	if version.AtLeast(1.1, "") {
		c |= CapabilityV1Format | CapabilityJogging | CapabilityOverrides
	}
	return Capabilities(c)
}

func (c Capabilities) Has(capability Capability) bool {
	return Capability(c)&capability == capability
}

func (c Capabilities) String() string {
	var names []string
	for _, entry := range capabilityNames {
		if c.Has(entry.capability) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}
