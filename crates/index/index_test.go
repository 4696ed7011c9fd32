package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cratemine/crates"
	cmtest "github.com/teranos/cratemine/internal/testing"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
)

const cksum = "a3f1c0d2e4b5968778695a4b3c2d1e0f0a1b2c3d4e5f60718293a4b5c6d7e8f9"

func line(name, version string, yanked bool) string {
	y := "false"
	if yanked {
		y = "true"
	}
	return `{"name":"` + name + `","vers":"` + version + `","deps":[],"cksum":"` + cksum + `","features":{},"yanked":` + y + `}`
}

type indexRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	n    int
}

func newIndexRepo(t *testing.T) *indexRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &indexRepo{t: t, dir: dir, repo: repo}
}

// commit writes files (path -> lines) and returns the commit hash.
func (r *indexRepo) commit(files map[string][]string) string {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)
	for name, lines := range files {
		full := filepath.Join(r.dir, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(r.t, os.WriteFile(full, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
		_, err := wt.Add(name)
		require.NoError(r.t, err)
	}
	r.n++
	hash, err := wt.Commit("update index", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "index bot",
			Email: "bot@example.com",
			When:  time.Date(2026, 1, 1, 0, r.n, 0, 0, time.UTC),
		},
	})
	require.NoError(r.t, err)
	return hash.String()
}

func collect(t *testing.T, src Source, since string) (string, []string, int) {
	t.Helper()
	head, seq, err := src.Changes(context.Background(), since)
	require.NoError(t, err)
	var keys []string
	bad := 0
	for m, err := range seq {
		if err != nil {
			bad++
			continue
		}
		keys = append(keys, m.Key())
	}
	return head, keys, bad
}

func TestGitSource_FullWalkThenDiff(t *testing.T) {
	r := newIndexRepo(t)
	first := r.commit(map[string][]string{
		"config.json":    {`{"dl":"https://static.crates.io/crates"}`},
		"3/f/foo":        {line("foo", "1.0.0", false)},
		"se/rd/serde":    {line("serde", "1.0.0", false), line("serde", "1.0.1", false)},
		".github/README": {"not an index file"},
	})

	src := &GitSource{Path: r.dir, Logger: zaptest.NewLogger(t).Sugar()}
	head, keys, bad := collect(t, src, "")
	assert.Equal(t, first, head)
	assert.ElementsMatch(t, []string{"foo:1.0.0", "serde:1.0.0", "serde:1.0.1"}, keys)
	assert.Zero(t, bad)

	second := r.commit(map[string][]string{
		"se/rd/serde": {line("serde", "1.0.0", false), line("serde", "1.0.1", true), line("serde", "1.0.2", false)},
		"3/b/bar":     {line("bar", "0.1.0", false), "{not json"},
	})
	head, keys, bad = collect(t, src, first)
	assert.Equal(t, second, head)
	assert.ElementsMatch(t, []string{"serde:1.0.1", "serde:1.0.2", "bar:0.1.0"}, keys)
	assert.Equal(t, 1, bad)

	head, keys, _ = collect(t, src, second)
	assert.Equal(t, second, head)
	assert.Empty(t, keys)
}

func TestGitSource_UnknownSinceFallsBackToFullWalk(t *testing.T) {
	r := newIndexRepo(t)
	r.commit(map[string][]string{"3/f/foo": {line("foo", "1.0.0", false)}})

	src := &GitSource{Path: r.dir}
	_, keys, _ := collect(t, src, "0123456789abcdef0123456789abcdef01234567")
	assert.Equal(t, []string{"foo:1.0.0"}, keys)
}

func TestGitSource_MissingRepoWithoutURL(t *testing.T) {
	src := &GitSource{Path: filepath.Join(t.TempDir(), "index")}
	_, _, err := src.Changes(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index repository")
}

func TestAddedLines(t *testing.T) {
	before := []byte("a\nb\nc\n")
	after := []byte("a\nB\nc\nd\n\n")
	assert.Equal(t, "B\nd\n", string(addedLines(before, after)))
	assert.Empty(t, addedLines(after, after))
}

func TestIndexFile(t *testing.T) {
	assert.True(t, indexFile("se/rd/serde"))
	assert.True(t, indexFile("1/a"))
	assert.False(t, indexFile("config.json"))
	assert.False(t, indexFile(".github/workflows/ci.yml"))
}

func TestDiscoverer_RecordsPositionAndSeedsStages(t *testing.T) {
	ctx := context.Background()
	s := store.NewStore(cmtest.CreateTestDB(t), task.DefaultRetryPolicy)
	src := Static{
		{Name: "foo", Version: "1.0.0", Checksum: cksum},
		{Name: "foo", Version: "1.1.0", Checksum: cksum},
		{Name: "bar", Version: "not-semver"},
		{Name: "baz", Version: "0.2.0", Checksum: cksum},
	}

	var seen []string
	d := NewDiscoverer(s, src, zaptest.NewLogger(t).Sugar())
	d.OnVersion = func(m crates.Metadata, _ store.UpsertResult) { seen = append(seen, m.Key()) }

	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Seen)
	assert.Equal(t, 3, res.NewVersions)
	assert.Equal(t, 2, res.NewCrates)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"foo:1.0.0", "foo:1.1.0", "baz:0.2.0"}, seen)

	pos, ok, err := s.GetState(ctx, store.KeyIndexLastSeen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", pos)

	v, err := s.GetVersion(ctx, "foo", "1.1.0")
	require.NoError(t, err)
	for _, stage := range task.Stages {
		assert.Equal(t, task.StatePending, v.Stage(stage).State, stage.String())
	}

	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Seen)
	assert.Zero(t, res.NewVersions)
}

func TestDiscoverer_ResumesFromGitPosition(t *testing.T) {
	ctx := context.Background()
	s := store.NewStore(cmtest.CreateTestDB(t), task.DefaultRetryPolicy)
	r := newIndexRepo(t)
	r.commit(map[string][]string{"3/f/foo": {line("foo", "1.0.0", false)}})

	d := NewDiscoverer(s, &GitSource{Path: r.dir}, nil)
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewVersions)

	head := r.commit(map[string][]string{"3/f/foo": {line("foo", "1.0.0", false), line("foo", "1.0.1", false)}})
	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Seen)
	assert.Equal(t, 1, res.NewVersions)
	assert.Zero(t, res.NewCrates)
	assert.Equal(t, head, res.Head)
}
