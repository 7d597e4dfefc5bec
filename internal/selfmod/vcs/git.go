// internal/selfmod/vcs/git.go
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// ErrNothingToCommit is returned when the staged files carry no changes.
var ErrNothingToCommit = errors.New("nothing to commit")

// Committer records applied changes in version control.
type Committer interface {
	Commit(ctx context.Context, files []string, message string) (*models.CommitInfo, error)
}

// Author identifies who commits on behalf of the pipeline.
type Author struct {
	Name  string
	Email string
}

// GitCommitter commits workspace files into the enclosing git repository.
type GitCommitter struct {
	root   string
	author Author
	logger *zap.Logger
	now    func() time.Time
}

// NewGitCommitter creates a committer for the workspace at root. The
// repository is discovered by walking up from root.
func NewGitCommitter(root string, author Author, logger *zap.Logger) *GitCommitter {
	if author.Name == "" {
		author.Name = "selfmod"
	}
	if author.Email == "" {
		author.Email = "selfmod@localhost"
	}
	return &GitCommitter{
		root:   root,
		author: author,
		logger: logger.Named("git"),
		now:    time.Now,
	}
}

func (g *GitCommitter) open() (*git.Repository, *git.Worktree, string, error) {
	repo, err := git.PlainOpenWithOptions(g.root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to open git repository at %s: %w", g.root, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get worktree: %w", err)
	}
	return repo, wt, wt.Filesystem.Root(), nil
}

// repoPath converts a workspace-relative path into a worktree-relative one.
func (g *GitCommitter) repoPath(wtRoot, file string) (string, error) {
	abs := file
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, file)
	}
	// Resolve symlinked temp dirs so both sides share a prefix.
	if resolvedRoot, err := filepath.EvalSymlinks(wtRoot); err == nil {
		wtRoot = resolvedRoot
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	rel, err := filepath.Rel(wtRoot, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to worktree: %w", file, err)
	}
	return filepath.ToSlash(rel), nil
}

// Commit stages files (additions, modifications and deletions) and creates a
// commit with message.
func (g *GitCommitter) Commit(ctx context.Context, files []string, message string) (*models.CommitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, wt, wtRoot, err := g.open()
	if err != nil {
		return nil, err
	}

	staged := make([]string, 0, len(files))
	for _, f := range files {
		p, err := g.repoPath(wtRoot, f)
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(filepath.Join(wtRoot, filepath.FromSlash(p))); os.IsNotExist(statErr) {
			if _, err := wt.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return nil, fmt.Errorf("failed to stage removal of %s: %w", p, err)
			}
		} else if _, err := wt.Add(p); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", p, err)
		}
		staged = append(staged, p)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: g.author.Name, Email: g.author.Email, When: g.now()},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil, ErrNothingToCommit
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	g.logger.Info("Committed changes.", zap.String("hash", hash.String()), zap.Strings("files", staged))
	return &models.CommitInfo{Hash: hash.String(), Message: message, Files: staged}, nil
}

// ChangedFiles lists worktree-relative paths with staged, unstaged or
// untracked changes, sorted.
func (g *GitCommitter) ChangedFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, wt, _, err := g.open()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	var changed []string
	for p, s := range status {
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Nop is a Committer that records nothing.
type Nop struct{}

func (Nop) Commit(context.Context, []string, string) (*models.CommitInfo, error) {
	return nil, nil
}
