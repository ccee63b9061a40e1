// Package sync keeps externally sourced skills in step with their upstream
// repositories: a detector decides which skills changed and a fetcher copies
// their content into the local cache. The two stages communicate through a
// result file so either can run on its own.
package sync

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/manifest"
)

// DefaultResultFile is the detection record, relative to the registry root.
const DefaultResultFile = ".sync-result.json"

// ErrNoResult is returned by ReadResult when no detection has been recorded.
var ErrNoResult = errors.New("no sync result recorded")

// Reason explains why a skill needs a fetch.
type Reason string

const (
	// ReasonInitial marks a skill that was never synced.
	ReasonInitial Reason = "initial"
	// ReasonAPIFallback marks a skill whose change set could not be
	// determined and is fetched to be safe.
	ReasonAPIFallback Reason = "api-fallback"
	// ReasonFilesChanged marks a skill with upstream changes under its path.
	ReasonFilesChanged Reason = "files-changed"
	// ReasonHydrate marks a skill whose recorded commit is missing from the
	// local cache.
	ReasonHydrate Reason = "hydrate"
)

// Candidate is one skill that needs its content fetched.
type Candidate struct {
	ID string `json:"id"`
	// File is the manifest path relative to the registry root.
	File         string                 `json:"file"`
	Source       manifest.SourceBinding `json:"source"`
	LatestCommit string                 `json:"latestCommit"`
	Reason       Reason                 `json:"reason"`
	ChangedFiles []string               `json:"changedFiles,omitempty"`
}

// Result is the durable detection record.
type Result struct {
	RunID     string      `json:"runId"`
	Timestamp time.Time   `json:"timestamp"`
	Skills    []Candidate `json:"skills"`
	// Unresolved lists repo@ref pairs skipped because no tip was found.
	Unresolved []string `json:"unresolved,omitempty"`
}

// WriteResult atomically replaces the record at path.
func WriteResult(path string, r *Result) error {
	if r.Skills == nil {
		r.Skills = []Candidate{}
	}
	return errors.Wrap(fsutil.WriteJSON(path, r), "failed to write sync result")
}

// ReadResult loads the record at path.
func ReadResult(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNoResult, path)
		}
		return nil, errors.Wrapf(err, "failed to read sync result %s", path)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrapf(err, "failed to parse sync result %s", path)
	}
	if r.Skills == nil {
		r.Skills = []Candidate{}
	}
	return &r, nil
}
