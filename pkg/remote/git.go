// Package remote resolves and checks out upstream skill repositories with
// the git command line.
package remote

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/osutil"
)

const (
	// DefaultLsRemoteTimeout bounds a single ref lookup.
	DefaultLsRemoteTimeout = 30 * time.Second
	// DefaultRetryAttempts is the number of tries for a failing git transport call.
	DefaultRetryAttempts = 2
	// DefaultRetryDelay is the initial delay between retries.
	DefaultRetryDelay = time.Second
)

// ErrRefNotFound is returned when no form of a ref resolves on the remote.
var ErrRefNotFound = errors.New("ref not found on remote")

// gitEnv keeps git from prompting for credentials on a private or missing
// repository.
var gitEnv = []string{"GIT_TERMINAL_PROMPT=0"}

// Options configures Git.
type Options struct {
	// Binary is the git executable, "git" when empty.
	Binary string
	// RetryAttempts is the total number of tries per transport call.
	RetryAttempts uint
	RetryDelay    time.Duration
	// LsRemoteTimeout bounds one ls-remote call.
	LsRemoteTimeout time.Duration
	// CloneTimeout bounds one clone attempt. Zero leaves clones to the
	// transport's own timeouts.
	CloneTimeout time.Duration
}

// Git runs remote operations through the git binary.
type Git struct {
	opts Options
}

// New creates a Git with defaults applied.
func New(opts Options) *Git {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.LsRemoteTimeout <= 0 {
		opts.LsRemoteTimeout = DefaultLsRemoteTimeout
	}
	return &Git{opts: opts}
}

// RefCandidates lists the names tried when resolving ref: the branch ref,
// the tag ref, then the bare name. A fully qualified ref is tried as-is.
func RefCandidates(ref string) []string {
	if strings.HasPrefix(ref, "refs/") {
		return []string{ref}
	}
	return []string{"refs/heads/" + ref, "refs/tags/" + ref, ref}
}

// ResolveTip returns the commit ref currently points to on repo.
func (g *Git) ResolveTip(ctx context.Context, repo, ref string) (string, error) {
	log := logger.G(ctx).WithField(logger.FieldRepo, repo).WithField(logger.FieldRef, ref)

	var lastErr error
	for _, candidate := range RefCandidates(ref) {
		var out string
		err := g.withRetry(ctx, "git ls-remote", func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.LsRemoteTimeout)
			defer cancel()
			var err error
			out, err = g.git(callCtx, "", "ls-remote", repo, candidate, candidate+"^{}")
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.WithError(err).WithField("candidate", candidate).Debug("ls-remote failed")
			lastErr = err
			continue
		}
		if sha := pickCommit(out, candidate); sha != "" {
			return sha, nil
		}
	}
	if lastErr != nil {
		return "", errors.Wrapf(ErrRefNotFound, "%s@%s: %v", repo, ref, lastErr)
	}
	return "", errors.Wrapf(ErrRefNotFound, "%s@%s", repo, ref)
}

// pickCommit chooses the commit from ls-remote output. The peeled entry of
// an annotated tag wins over the tag object itself.
func pickCommit(out, candidate string) string {
	var exact, first string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sha, name := fields[0], fields[1]
		switch {
		case name == candidate+"^{}":
			return sha
		case name == candidate && exact == "":
			exact = sha
		case first == "":
			first = sha
		}
	}
	if exact != "" {
		return exact
	}
	return first
}

// Checkout places repo at ref into dir, which must not exist yet. An empty
// ref means the remote's default branch. A shallow
// clone of the branch or tag is tried first; refs that cannot be cloned
// directly fall back to a full clone plus checkout. When commit is set the
// working tree is moved to exactly that commit.
func (g *Git) Checkout(ctx context.Context, repo, ref, commit, dir string) error {
	log := logger.G(ctx).WithField(logger.FieldRepo, repo).WithField(logger.FieldRef, ref)

	shallow := []string{"clone", "--quiet", "--depth", "1"}
	if ref != "" && ref != "HEAD" {
		shallow = append(shallow, "--branch", ref)
	}
	err := g.clone(ctx, dir, append(shallow, repo, dir)...)
	if err != nil {
		log.WithError(err).Info("shallow clone failed, falling back to full clone")
		if err := g.clone(ctx, dir, "clone", "--quiet", repo, dir); err != nil {
			return errors.Wrapf(err, "failed to clone %s", repo)
		}
		if ref != "" {
			if _, err := g.git(ctx, dir, "checkout", "--quiet", ref); err != nil {
				return errors.Wrapf(err, "failed to check out %s in %s", ref, repo)
			}
		}
	}

	if commit == "" {
		return nil
	}
	head, err := g.Head(ctx, dir)
	if err != nil {
		return err
	}
	if sameCommit(head, commit) {
		return nil
	}

	log.WithField(logger.FieldCommit, commit).WithField("head", head).Debug("ref moved, checking out pinned commit")
	if _, err := g.git(ctx, dir, "fetch", "--quiet", "--depth", "1", "origin", commit); err == nil {
		if _, err := g.git(ctx, dir, "checkout", "--quiet", "--detach", "FETCH_HEAD"); err != nil {
			return errors.Wrapf(err, "failed to check out %s", commit)
		}
	} else {
		// Servers that refuse to serve unadvertised commits need the full history.
		if g.isShallow(ctx, dir) {
			if _, err := g.git(ctx, dir, "fetch", "--quiet", "--unshallow", "origin"); err != nil {
				return errors.Wrapf(err, "failed to fetch history for %s", commit)
			}
		}
		if _, err := g.git(ctx, dir, "checkout", "--quiet", "--detach", commit); err != nil {
			return errors.Wrapf(err, "failed to check out %s", commit)
		}
	}

	head, err = g.Head(ctx, dir)
	if err != nil {
		return err
	}
	if !sameCommit(head, commit) {
		return errors.Errorf("checked out %s but expected %s", head, commit)
	}
	return nil
}

// Head returns the commit checked out in dir.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrap(err, "failed to read HEAD")
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) isShallow(ctx context.Context, dir string) bool {
	out, err := g.git(ctx, dir, "rev-parse", "--is-shallow-repository")
	return err == nil && strings.TrimSpace(out) == "true"
}

// clone runs one clone command with retries, clearing dir between attempts.
func (g *Git) clone(ctx context.Context, dir string, args ...string) error {
	return g.withRetry(ctx, "git clone", func() error {
		if err := os.RemoveAll(dir); err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "failed to clear %s", dir))
		}
		callCtx := ctx
		if g.opts.CloneTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.opts.CloneTimeout)
			defer cancel()
		}
		_, err := g.git(callCtx, "", args...)
		return err
	})
}

func (g *Git) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(g.opts.RetryAttempts),
		retry.Delay(g.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).WithField("op", op).Warn("retrying git transport call")
		}),
	)
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "advice.detachedHead=false"}, args...)
	return osutil.RunEnv(ctx, dir, gitEnv, g.opts.Binary, full...)
}

// sameCommit compares a full SHA with a possibly abbreviated one.
func sameCommit(full, want string) bool {
	full, want = strings.ToLower(full), strings.ToLower(want)
	return full == want || (len(want) >= 7 && strings.HasPrefix(full, want))
}
