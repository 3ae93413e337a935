// Package gitops is the Git Operation Driver of spec.md §2/SPEC_FULL.md's
// package layout: it calls go-git's clone/fetch/push plumbing, rewriting
// each remote URL through urlrewrite first so eligible requests flow over
// the Custom HTTPS Subtransport registered by githttp.Register, and
// forwards go-git's own progress stream onto the event bus as GitProgress.
//
// This package owns no transport/TLS/IP-pool logic of its own — all of
// that lives in githttp/ippool/fallback, exactly as the teacher's
// internal/agent orchestrator owns no watcher/queue/transport logic,
// composing components built elsewhere instead.
package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/adaptive-git/transport-core/internal/coreerr"
	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/urlrewrite"
)

// Driver runs clone/fetch/push operations against a working directory,
// publishing GitProgress events tagged with a caller-supplied task id.
type Driver struct {
	bus        *events.Bus
	rewriteCfg urlrewrite.Config
}

// NewDriver constructs a Driver. bus may be nil, in which case progress is
// computed but never published.
func NewDriver(bus *events.Bus, rewriteCfg urlrewrite.Config) *Driver {
	return &Driver{bus: bus, rewriteCfg: rewriteCfg}
}

// eligibleURL runs rawURL through the URL Rewriter (spec.md §4.4) and
// returns the URL go-git should actually dial: rewritten to https+custom
// when eligible, unchanged otherwise. The adaptive transport disengages
// transparently, per spec §1's Non-goals, whenever a proxy is configured.
func (d *Driver) eligibleURL(rawURL string) string {
	result, _ := urlrewrite.Decide(d.rewriteCfg, rawURL, urlrewrite.ProxyPresent())
	return result
}

// CloneOptions configures one clone operation.
type CloneOptions struct {
	TaskID   string
	URL      string
	Dir      string
	Depth    int    // 0 means full history
	Branch   string // empty means the remote's default branch
	Username string
	Password string
}

// Clone performs a git clone into opts.Dir, returning a coreerr-classified
// error on failure.
func (d *Driver) Clone(ctx context.Context, opts CloneOptions) (*git.Repository, error) {
	gitOpts := &git.CloneOptions{
		URL:          d.eligibleURL(opts.URL),
		Progress:     newProgressWriter(d.bus, opts.TaskID),
		Depth:        opts.Depth,
		SingleBranch: opts.Branch != "",
	}
	if opts.Branch != "" {
		gitOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}
	if opts.Username != "" {
		gitOpts.Auth = &gogithttp.BasicAuth{Username: opts.Username, Password: opts.Password}
	}

	repo, err := git.PlainCloneContext(ctx, opts.Dir, false, gitOpts)
	if err != nil {
		return nil, classifyGitError(err)
	}
	return repo, nil
}

// FetchOptions configures one fetch operation against an already-cloned
// repository. The remote URL itself is not overridden here: it comes from
// the named remote's own configuration, which Clone already routed through
// the URL Rewriter when the remote was first added.
type FetchOptions struct {
	TaskID     string
	RemoteName string // defaults to "origin"
	Depth      int
	Username   string
	Password   string
}

// Fetch runs git fetch against repo. A nil return signals either new data
// was retrieved or the remote had nothing new (git.NoErrAlreadyUpToDate is
// swallowed, matching plumbing's own "nothing to do" semantics).
func (d *Driver) Fetch(ctx context.Context, repo *git.Repository, opts FetchOptions) error {
	remoteName := opts.RemoteName
	if remoteName == "" {
		remoteName = "origin"
	}

	gitOpts := &git.FetchOptions{
		RemoteName: remoteName,
		Progress:   newProgressWriter(d.bus, opts.TaskID),
		Depth:      opts.Depth,
	}
	if opts.Username != "" {
		gitOpts.Auth = &gogithttp.BasicAuth{Username: opts.Username, Password: opts.Password}
	}

	err := repo.FetchContext(ctx, gitOpts)
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		return classifyGitError(err)
	}
	return nil
}

// PushOptions configures one push operation.
type PushOptions struct {
	TaskID     string
	RemoteName string
	RefSpecs   []string // e.g. "refs/heads/main:refs/heads/main"
	Username   string
	Password   string
}

// Push runs git push against repo. Credentials are attached as go-git's own
// BasicAuth method, the idiomatic way to authenticate a push with this
// library; per spec.md §4.5's per-thread-header requirement the same
// credentials are also available to any caller bypassing go-git entirely
// via githttp.WithPushAuth, scoped to the lifetime of one context.
func (d *Driver) Push(ctx context.Context, repo *git.Repository, opts PushOptions) error {
	remoteName := opts.RemoteName
	if remoteName == "" {
		remoteName = "origin"
	}

	gitOpts := &git.PushOptions{
		RemoteName: remoteName,
		Progress:   newProgressWriter(d.bus, opts.TaskID),
		RefSpecs:   toRefSpecs(opts.RefSpecs),
	}
	if opts.Username != "" {
		gitOpts.Auth = &gogithttp.BasicAuth{Username: opts.Username, Password: opts.Password}
	}

	err := repo.PushContext(ctx, gitOpts)
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		return classifyGitError(err)
	}
	return nil
}

func toRefSpecs(specs []string) []config.RefSpec {
	out := make([]config.RefSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, config.RefSpec(s))
	}
	return out
}

// classifyKind maps a go-git/transport error into a coreerr.Kind, string-
// matching the same way the rest of this module classifies library errors
// at its boundary (spec.md §7's propagation rule).
func classifyKind(err error) coreerr.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "authorization") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return coreerr.Auth
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline"):
		return coreerr.Cancel
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") || strings.Contains(msg, "x509"):
		return coreerr.Verify
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "dial") || strings.Contains(msg, "no such host"):
		return coreerr.Network
	default:
		return coreerr.Protocol
	}
}

func classifyGitError(err error) error {
	return coreerr.Wrap(classifyKind(err), fmt.Sprintf("gitops: operation failed: %v", err), err)
}
