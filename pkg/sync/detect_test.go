package sync

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/registry"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveTip(ctx context.Context, repo, ref string) (string, error) {
	args := m.Called(ctx, repo, ref)
	return args.String(0), args.Error(1)
}

type mockComparer struct {
	mock.Mock
}

func (m *mockComparer) ChangedFiles(ctx context.Context, repo, base, head string) ([]string, error) {
	args := m.Called(ctx, repo, base, head)
	files, _ := args.Get(0).([]string)
	return files, args.Error(1)
}

const acme = "https://github.com/acme/skills"

func sourced(id, repo, path, ref, synced string) *registry.Skill {
	return &registry.Skill{
		Manifest: manifest.Manifest{
			ID:       id,
			Category: "tools",
			Source:   &manifest.SourceBinding{Repo: repo, Path: path, Ref: ref, SyncedCommit: synced},
		},
		ManifestPath: "skills/tools/" + id + "/" + manifest.FileName,
	}
}

func newTestDetector(t *testing.T, r TipResolver, c Comparer, opts DetectorOptions) *Detector {
	t.Helper()
	d, err := NewDetector(r, c, opts)
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return d
}

func TestDetect_FilesChangedFiltersByPath(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil).Once()
	c := new(mockComparer)
	c.On("ChangedFiles", mock.Anything, acme, "abc123", "def456").
		Return([]string{"tools/pdf/SKILL.md", "other/unrelated.txt"}, nil).Once()

	skills := []*registry.Skill{
		sourced("pdf-extractor", acme, "tools/pdf", "main", "abc123"),
		sourced("untouched", acme, "tools/csv", "main", "abc123"),
	}

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), skills)
	require.NoError(t, err)

	require.Len(t, res.Skills, 1)
	got := res.Skills[0]
	assert.Equal(t, "pdf-extractor", got.ID)
	assert.Equal(t, ReasonFilesChanged, got.Reason)
	assert.Equal(t, "def456", got.LatestCommit)
	assert.Equal(t, []string{"tools/pdf/SKILL.md"}, got.ChangedFiles)
	assert.Equal(t, "skills/tools/pdf-extractor/.x_skill.yaml", got.File)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2026, res.Timestamp.Year())

	r.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestDetect_UpToDateRepositorySkipsCompare(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("abc123", nil)
	c := new(mockComparer)

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("a", acme, "a", "main", "abc123"),
		sourced("b", acme, "b", "main", "abc123"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Skills)
	c.AssertNotCalled(t, "ChangedFiles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDetect_SyncedAtTipProducesNoCandidate(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)
	c := new(mockComparer)
	c.On("ChangedFiles", mock.Anything, acme, "abc123", "def456").Return([]string{"stale/SKILL.md"}, nil)

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("current", acme, "current", "main", "def456"),
		sourced("stale", acme, "stale", "main", "abc123"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, "stale", res.Skills[0].ID)
}

func TestDetect_NeverSyncedIsInitialWithoutCompare(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)
	c := new(mockComparer)
	c.On("ChangedFiles", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("fresh", acme, ".", "main", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, ReasonInitial, res.Skills[0].Reason)
	c.AssertNotCalled(t, "ChangedFiles", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDetect_CompareFailureFallsBack(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)
	c := new(mockComparer)
	c.On("ChangedFiles", mock.Anything, acme, "abc123", "def456").Return(nil, errors.New("502 bad gateway")).Once()

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("a", acme, "a", "main", "abc123"),
		sourced("b", acme, "b", "main", "abc123"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 2)
	for _, cand := range res.Skills {
		assert.Equal(t, ReasonAPIFallback, cand.Reason)
		assert.Empty(t, cand.ChangedFiles)
	}
	c.AssertNumberOfCalls(t, "ChangedFiles", 1)
}

func TestDetect_NilComparerFallsBack(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)

	res, err := newTestDetector(t, r, nil, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("a", acme, "a", "main", "abc123"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, ReasonAPIFallback, res.Skills[0].Reason)
}

func TestDetect_WholeRepositoryBinding(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)
	c := new(mockComparer)
	c.On("ChangedFiles", mock.Anything, acme, "abc123", "def456").Return([]string{"README.md"}, nil)

	res, err := newTestDetector(t, r, c, DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("root", acme, ".", "main", "abc123"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, []string{"README.md"}, res.Skills[0].ChangedFiles)
}

func TestDetect_UnresolvedRepositoryIsSkipped(t *testing.T) {
	other := "https://github.com/acme/other"
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("", errors.New("ref not found"))
	r.On("ResolveTip", mock.Anything, other, "v1").Return("def456", nil)

	res, err := newTestDetector(t, r, new(mockComparer), DetectorOptions{}).Detect(context.Background(), []*registry.Skill{
		sourced("broken", acme, "x", "main", ""),
		sourced("ok", other, "y", "v1", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{acme + "@main"}, res.Unresolved)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, "ok", res.Skills[0].ID)
}

func TestDetect_GroupsByRepoAndRef(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("aaaa", nil).Once()
	r.On("ResolveTip", mock.Anything, acme, "dev").Return("bbbb", nil).Once()

	res, err := newTestDetector(t, r, new(mockComparer), DetectorOptions{Concurrency: 1}).Detect(context.Background(), []*registry.Skill{
		sourced("a", acme, "a", "main", ""),
		sourced("b", acme, "b", "dev", ""),
		sourced("c", acme, "c", "main", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{res.Skills[0].ID, res.Skills[1].ID, res.Skills[2].ID})
	assert.Equal(t, "bbbb", res.Skills[2].LatestCommit)
	r.AssertExpectations(t)
}

func TestDetect_IgnoresUntrackedAndFiltered(t *testing.T) {
	r := new(mockResolver)
	r.On("ResolveTip", mock.Anything, acme, "main").Return("def456", nil)

	local := &registry.Skill{Manifest: manifest.Manifest{ID: "local"}}
	noRef := sourced("no-ref", acme, "x", "", "")

	res, err := newTestDetector(t, r, nil, DetectorOptions{Only: "pdf-*"}).Detect(context.Background(), []*registry.Skill{
		local,
		noRef,
		sourced("pdf-extractor", acme, "tools/pdf", "main", ""),
		sourced("csv-reader", acme, "tools/csv", "main", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Skills, 1)
	assert.Equal(t, "pdf-extractor", res.Skills[0].ID)
}

func TestNewDetector_InvalidFilter(t *testing.T) {
	_, err := NewDetector(new(mockResolver), nil, DetectorOptions{Only: "[unclosed"})
	assert.Error(t, err)
}

func TestDetect_BatchesAreJoinPoints(t *testing.T) {
	repos := []string{"https://github.com/a/1", "https://github.com/a/2", "https://github.com/a/3"}
	started := make(chan string, len(repos))
	release := make(chan struct{})

	r := new(mockResolver)
	for _, repo := range repos {
		r.On("ResolveTip", mock.Anything, repo, "main").
			Run(func(args mock.Arguments) {
				started <- args.String(1)
				if args.String(1) != repos[2] {
					<-release
				}
			}).
			Return("ffff", nil)
	}

	var skills []*registry.Skill
	for i, repo := range repos {
		skills = append(skills, sourced(string(rune('a'+i)), repo, ".", "main", ""))
	}

	done := make(chan *Result)
	go func() {
		res, err := newTestDetector(t, r, nil, DetectorOptions{Concurrency: 2}).Detect(context.Background(), skills)
		assert.NoError(t, err)
		done <- res
	}()

	first := map[string]bool{<-started: true, <-started: true}
	assert.True(t, first[repos[0]] && first[repos[1]])
	select {
	case repo := <-started:
		t.Fatalf("second batch started before the first finished: %s", repo)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	res := <-done
	assert.Len(t, res.Skills, 3)
}
