package githttp

import (
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
)

// customScheme is the scheme urlrewrite.Decide rewrites eligible HTTPS URLs
// to, so go-git dispatches them through this package's RoundTripper instead
// of its own default HTTPS client.
const customScheme = "https+custom"

// Register installs rt as go-git's transport for customScheme. Call once at
// startup before any clone/fetch/push runs.
func Register(rt *RoundTripper) {
	client.InstallProtocol(customScheme, gogithttp.NewClient(rt.Client()))
}
