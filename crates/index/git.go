package index

import (
	"bytes"
	"context"
	"io"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
)

// DefaultIndexURL is the crates.io index repository.
const DefaultIndexURL = "https://github.com/rust-lang/crates.io-index"

// GitSource reads a local clone of a registry index.
//
// The first Changes call (empty position) walks the whole tree at HEAD.
// Later calls diff the recorded commit against HEAD and yield only lines
// added to each changed file. If the recorded commit is gone, which happens
// when the upstream index is squashed, it falls back to a full walk.
type GitSource struct {
	Path string
	// URL is cloned into Path when Path holds no repository.
	URL string
	// Pull fetches upstream changes before reading.
	Pull   bool
	Logger *zap.SugaredLogger
}

func (g *GitSource) logger() *zap.SugaredLogger {
	if g.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return g.Logger
}

// Ensure makes Path a usable clone, fetching it if needed.
func (g *GitSource) Ensure(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(g.Path)
	if err == nil {
		if g.Pull {
			g.pull(ctx, repo)
		}
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.Wrapf(err, "open index at %s", g.Path)
	}
	if g.URL == "" {
		return nil, errors.WithHint(
			errors.Newf("no index repository at %s", g.Path),
			"set index.url to clone one, or point index.path at an existing clone")
	}
	if err := g.fetch(ctx); err != nil {
		return nil, err
	}
	repo, err = git.PlainOpen(g.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open fetched index at %s", g.Path)
	}
	return repo, nil
}

func (g *GitSource) fetch(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(g.Path), 0o755); err != nil {
		return errors.Wrap(err, "create index parent directory")
	}
	src := g.URL
	if !strings.HasPrefix(src, "git::") {
		src = "git::" + src
	}
	g.logger().Infow("Fetching index repository", "url", g.URL, "destination", g.Path)

	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     g.Path,
		Mode:    getter.ClientModeDir,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "fetch index from %s", g.URL)
	}
	return nil
}

// pull is best effort: an unreachable upstream leaves the local clone as is.
func (g *GitSource) pull(ctx context.Context, repo *git.Repository) {
	wt, err := repo.Worktree()
	if err != nil {
		g.logger().Warnw("index worktree unavailable, skipping pull", "error", err)
		return
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: git.DefaultRemoteName})
	switch {
	case err == nil:
		g.logger().Infow("Index updated")
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		g.logger().Debugw("Index already up to date")
	default:
		g.logger().Warnw("index pull failed, using local clone", "error", err)
	}
}

// Changes implements Source.
func (g *GitSource) Changes(ctx context.Context, since string) (string, iter.Seq2[crates.Metadata, error], error) {
	repo, err := g.Ensure(ctx)
	if err != nil {
		return "", nil, err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", nil, errors.Wrap(err, "resolve index HEAD")
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", nil, errors.Wrap(err, "load index HEAD commit")
	}
	headTree, err := head.Tree()
	if err != nil {
		return "", nil, errors.Wrap(err, "load index HEAD tree")
	}
	headHash := ref.Hash().String()

	if since == headHash {
		return headHash, func(func(crates.Metadata, error) bool) {}, nil
	}
	if since != "" {
		prev, err := repo.CommitObject(plumbing.NewHash(since))
		if err == nil {
			prevTree, err := prev.Tree()
			if err != nil {
				return "", nil, errors.Wrapf(err, "load tree of %s", shortHash(since))
			}
			return headHash, diffEntries(ctx, prevTree, headTree), nil
		}
		g.logger().Warnw("last seen index commit not found, walking full tree",
			"since", shortHash(since), "error", err)
	}
	return headHash, treeEntries(ctx, headTree), nil
}

// indexFile reports whether a tree path holds crate entries.
func indexFile(name string) bool {
	if name == "config.json" {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

func treeEntries(ctx context.Context, tree *object.Tree) iter.Seq2[crates.Metadata, error] {
	return func(yield func(crates.Metadata, error) bool) {
		files := tree.Files()
		defer files.Close()
		for {
			if err := ctx.Err(); err != nil {
				yield(crates.Metadata{}, err)
				return
			}
			f, err := files.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(crates.Metadata{}, errors.Wrap(err, "walk index tree"))
				return
			}
			if !indexFile(f.Name) {
				continue
			}
			data, err := fileBytes(f)
			if err != nil {
				yield(crates.Metadata{}, err)
				return
			}
			if !parseLines(data, yield) {
				return
			}
		}
	}
}

func diffEntries(ctx context.Context, from, to *object.Tree) iter.Seq2[crates.Metadata, error] {
	return func(yield func(crates.Metadata, error) bool) {
		changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
		if err != nil {
			yield(crates.Metadata{}, errors.Wrap(err, "diff index trees"))
			return
		}
		for _, ch := range changes {
			if err := ctx.Err(); err != nil {
				yield(crates.Metadata{}, err)
				return
			}
			action, err := ch.Action()
			if err != nil {
				yield(crates.Metadata{}, errors.Wrap(err, "classify index change"))
				return
			}
			if action == merkletrie.Delete || !indexFile(path.Clean(ch.To.Name)) {
				continue
			}
			before, after, err := ch.Files()
			if err != nil {
				yield(crates.Metadata{}, errors.Wrapf(err, "load changed file %s", ch.To.Name))
				return
			}
			newData, err := fileBytes(after)
			if err != nil {
				yield(crates.Metadata{}, err)
				return
			}
			if before != nil {
				oldData, err := fileBytes(before)
				if err != nil {
					yield(crates.Metadata{}, err)
					return
				}
				newData = addedLines(oldData, newData)
			}
			if !parseLines(newData, yield) {
				return
			}
		}
	}
}

// addedLines returns the lines of after that do not appear in before.
// A rewritten line, such as a yank flag flip, counts as added.
func addedLines(before, after []byte) []byte {
	seen := make(map[string]struct{})
	for _, line := range bytes.Split(before, []byte("\n")) {
		seen[string(bytes.TrimSpace(line))] = struct{}{}
	}
	var out bytes.Buffer
	for _, line := range bytes.Split(after, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if _, ok := seen[string(line)]; ok {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func fileBytes(f *object.File) ([]byte, error) {
	r, err := f.Reader()
	if err != nil {
		return nil, errors.Wrapf(err, "open index file %s", f.Name)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read index file %s", f.Name)
	}
	return data, nil
}
