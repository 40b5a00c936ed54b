package transform

import (
	"fmt"

	"github.com/slateboard/slateboard/pkg/engine"
)

// knownCapabilities is the closed set of capability tags the engine
// understands. Descriptors naming anything else are rejected before any
// content is fetched or executed.
var knownCapabilities = []engine.Capability{
	engine.CapabilityNetOutbound,
	engine.CapabilityFSTemp,
	engine.CapabilityFSRead,
	engine.CapabilityEnvRead,
	engine.CapabilityExecSubprocess,
}

// KnownCapabilities returns all capability tags the engine understands.
func KnownCapabilities() []engine.Capability {
	out := make([]engine.Capability, len(knownCapabilities))
	copy(out, knownCapabilities)
	return out
}

// ParseCapability converts a capability tag into its typed form.
func ParseCapability(s string) (engine.Capability, error) {
	for _, c := range knownCapabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", engine.NewPermanentError(
		fmt.Sprintf("unknown capability: %q", s), nil).
		WithCode(engine.ErrCodeValidation)
}

// ParseCapabilities converts capability tags into their typed form. The
// first unknown tag fails the whole set.
func ParseCapabilities(tags []string) ([]engine.Capability, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	caps := make([]engine.Capability, 0, len(tags))
	for _, tag := range tags {
		c, err := ParseCapability(tag)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// MissingCapabilities returns the capabilities a runtime requires that the
// execution spec does not grant. An empty result means the spec satisfies
// the runtime.
func MissingCapabilities(required []engine.Capability, spec engine.ExecutionSpec) []engine.Capability {
	var missing []engine.Capability
	for _, c := range required {
		if !spec.Allows(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
