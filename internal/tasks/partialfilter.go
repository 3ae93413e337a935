package tasks

import (
	"context"
	"os"

	"github.com/adaptive-git/transport-core/internal/events"
)

// CapabilityProbe asks the embedded Git library whether the remote at host
// advertises the partial-clone filter capability. Implementations live in
// gitops, which has access to the go-git client needed to inspect the
// smart-HTTP capability advertisement; tasks only orchestrates the env
// override + probe + fallback sequence spec.md §4.13 and its
// original_source supplement describe.
type CapabilityProbe func(ctx context.Context, host string) (bool, error)

// envPartialFilterSupported and envPartialFilterCapable are the two env var
// overrides of spec.md §6: FWC_PARTIAL_FILTER_SUPPORTED and
// FWC_PARTIAL_FILTER_CAPABLE, both "1" to force the capability on.
const (
	envPartialFilterSupported = "FWC_PARTIAL_FILTER_SUPPORTED"
	envPartialFilterCapable   = "FWC_PARTIAL_FILTER_CAPABLE"
)

func envForcesCapable() bool {
	return os.Getenv(envPartialFilterSupported) == "1" || os.Getenv(envPartialFilterCapable) == "1"
}

// FilterRequest describes one task's partial-clone filter ask.
type FilterRequest struct {
	Spec       string // the requested Git filter spec, e.g. "blob:none"
	HasDepth   bool   // true if a shallow-clone depth constraint is also active
}

// ResolvePartialFilter runs the capability resolution + fallback sequence
// of spec.md §4.13: combine the env var overrides with probe's real
// capability check, emit PartialFilterCapability once, and — when the
// filter was requested but unsupported — emit PartialFilterUnsupported and
// PartialFilterFallback{shallow} before returning the filter spec to use
// (empty string when it must be dropped).
func ResolvePartialFilter(ctx context.Context, bus *events.Bus, id, host string, req FilterRequest, probe CapabilityProbe) (effectiveFilterSpec string, err error) {
	supported := envForcesCapable()
	if !supported && probe != nil {
		supported, err = probe(ctx, host)
		if err != nil {
			return "", err
		}
	}

	publish(bus, events.PartialFilterCapability{ID: id, Supported: supported})

	if req.Spec == "" {
		return "", nil
	}
	if supported {
		return req.Spec, nil
	}

	publish(bus, events.PartialFilterUnsupported{ID: id, Requested: req.Spec})
	publish(bus, events.PartialFilterFallback{
		ID:      id,
		Shallow: req.HasDepth,
		Message: "partial filter capability not supported by remote; filter requirement dropped",
	})
	return "", nil
}
