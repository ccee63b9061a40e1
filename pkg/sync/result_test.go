package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferera/skills-repo/pkg/manifest"
)

func TestResultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultResultFile)
	in := &Result{
		RunID:     "run-1",
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Skills: []Candidate{{
			ID:           "pdf-extractor",
			File:         "skills/tools/pdf-extractor/.x_skill.yaml",
			Source:       manifest.SourceBinding{Repo: acme, Path: "tools/pdf", Ref: "main"},
			LatestCommit: "def456",
			Reason:       ReasonFilesChanged,
			ChangedFiles: []string{"tools/pdf/SKILL.md"},
		}},
	}
	require.NoError(t, WriteResult(path, in))

	out, err := ReadResult(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWriteResult_EmptyStillWritesSkills(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultResultFile)
	require.NoError(t, WriteResult(path, &Result{RunID: "x"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"skills": []`)
}

func TestReadResult_Missing(t *testing.T) {
	_, err := ReadResult(filepath.Join(t.TempDir(), DefaultResultFile))
	assert.True(t, errors.Is(err, ErrNoResult))
}

func TestReadResult_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultResultFile)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := ReadResult(path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoResult))
}
