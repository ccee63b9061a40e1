package github

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
)

// MaxCompareFiles is the number of files GitHub returns for a comparison
// before it silently truncates the list.
const MaxCompareFiles = 300

// ErrUnsupportedRemote is returned for repositories not hosted on GitHub.
var ErrUnsupportedRemote = errors.New("compare API is only available for GitHub repositories")

// ErrTruncated is returned when GitHub capped the changed-file list.
var ErrTruncated = errors.New("comparison truncated by GitHub")

var repoURLPattern = regexp.MustCompile(`github\.com[/:]([^/]+)/([^/?#]+)`)

// ParseRepoURL extracts owner and repository name from a GitHub clone or web
// URL. The ".git" suffix is stripped.
func ParseRepoURL(repoURL string) (owner, repo string, ok bool) {
	m := repoURLPattern.FindStringSubmatch(repoURL)
	if m == nil {
		return "", "", false
	}
	repo = strings.TrimSuffix(strings.TrimSuffix(m[2], "/"), ".git")
	if m[1] == "" || repo == "" {
		return "", "", false
	}
	return m[1], repo, true
}

// ChangedFiles lists the paths touched between base and head. Renamed files
// report both their old and new path.
func (c *Client) ChangedFiles(ctx context.Context, repoURL, base, head string) ([]string, error) {
	owner, repo, ok := ParseRepoURL(repoURL)
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedRemote, repoURL)
	}

	cmp, _, err := c.client.Repositories.CompareCommits(ctx, owner, repo, base, head, &github.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compare %s...%s in %s/%s", base, head, owner, repo)
	}
	if len(cmp.Files) >= MaxCompareFiles {
		return nil, errors.Wrapf(ErrTruncated, "%s/%s %s...%s returned %d files", owner, repo, base, head, len(cmp.Files))
	}

	files := make([]string, 0, len(cmp.Files))
	for _, f := range cmp.Files {
		if name := f.GetFilename(); name != "" {
			files = append(files, name)
		}
		if prev := f.GetPreviousFilename(); prev != "" {
			files = append(files, prev)
		}
	}
	return files, nil
}
