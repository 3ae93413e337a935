package gitops

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"

	"github.com/adaptive-git/transport-core/internal/tasks"
)

// ProbeFilterCapability implements tasks.CapabilityProbe: it opens an
// upload-pack session against rawURL and inspects the server's advertised
// capabilities for "filter" (partial clone, RFC protocol-capabilities.txt).
//
// go-git itself has no client-side support for sending a partial-clone
// filter line even when the remote advertises one, so a true "supported"
// result here still cannot be honored by Clone/Fetch above; callers that
// want to actually exploit a supported filter need a different Git
// implementation. This probe still reports the server's real
// advertisement rather than hardcoding false, so PartialFilterCapability
// events reflect genuine remote state — the fallback this module performs
// (dropping the filter, falling back to shallow) remains correct either
// way.
func ProbeFilterCapability(ctx context.Context, rawURL string) (bool, error) {
	ep, err := transport.NewEndpoint(rawURL)
	if err != nil {
		return false, fmt.Errorf("gitops: parse endpoint %q: %w", rawURL, err)
	}

	cli, err := client.NewClient(ep)
	if err != nil {
		return false, fmt.Errorf("gitops: resolve transport client for %q: %w", rawURL, err)
	}

	session, err := cli.NewUploadPackSession(ep, nil)
	if err != nil {
		return false, fmt.Errorf("gitops: open upload-pack session: %w", err)
	}
	defer session.Close()

	ar, err := session.AdvertisedReferences()
	if err != nil {
		return false, fmt.Errorf("gitops: advertised references: %w", err)
	}
	if ar.Capabilities == nil {
		return false, nil
	}
	return ar.Capabilities.Supports(capability.Filter), nil
}

var _ tasks.CapabilityProbe = ProbeFilterCapability
