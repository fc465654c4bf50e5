package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// GitConfig configures a GitSyncer.
type GitConfig struct {
	// Checkout is a clone of the repository the runner plans from. The
	// workspace root must lie inside it.
	Checkout string

	// Remote and Branch name where commits are pushed. Branch is the ref the
	// runner checks out.
	Remote string
	Branch string

	// Username and Token authenticate HTTP pushes. Both empty disables auth.
	Username string
	Token    string

	AuthorName  string
	AuthorEmail string

	Clock  clock.Clock
	Logger zerolog.Logger
}

// GitSyncer commits materialized workspaces to a repository checkout and
// pushes them, so a runner that plans from the repository sees them.
type GitSyncer struct {
	checkout string
	remote   string
	branch   string
	auth     transport.AuthMethod
	author   string
	email    string
	clock    clock.Clock
	logger   zerolog.Logger

	// mu serializes index updates, commits and pushes on the checkout.
	mu   sync.Mutex
	repo *git.Repository
}

var _ Syncer = (*GitSyncer)(nil)

// NewGitSyncer opens the checkout.
func NewGitSyncer(cfg GitConfig) (*GitSyncer, error) {
	if cfg.Checkout == "" {
		return nil, fmt.Errorf("git checkout is required")
	}
	if cfg.Branch == "" {
		return nil, fmt.Errorf("git branch is required")
	}
	if cfg.Remote == "" {
		cfg.Remote = git.DefaultRemoteName
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "vmpool"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "vmpool@localhost"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	checkout, err := filepath.Abs(cfg.Checkout)
	if err != nil {
		return nil, fmt.Errorf("invalid git checkout: %w", err)
	}
	repo, err := git.PlainOpen(checkout)
	if err != nil {
		return nil, fmt.Errorf("failed to open git checkout %s: %w", checkout, err)
	}
	if _, err := repo.Remote(cfg.Remote); err != nil {
		return nil, fmt.Errorf("git checkout %s has no remote %q: %w", checkout, cfg.Remote, err)
	}

	var auth transport.AuthMethod
	if cfg.Username != "" || cfg.Token != "" {
		auth = &githttp.BasicAuth{Username: cfg.Username, Password: cfg.Token}
	}

	return &GitSyncer{
		checkout: checkout,
		remote:   cfg.Remote,
		branch:   cfg.Branch,
		auth:     auth,
		author:   cfg.AuthorName,
		email:    cfg.AuthorEmail,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With().Str("component", "git-sync").Logger(),
		repo:     repo,
	}, nil
}

// Upload commits localDir when it changed and pushes the checkout's HEAD to
// the configured branch.
func (s *GitSyncer) Upload(ctx context.Context, localDir, requestID string) error {
	rel, err := s.relative(localDir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if _, err := wt.Add(rel); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rel, err)
	}

	changed, err := stagedUnder(wt, rel)
	if err != nil {
		return err
	}
	if changed {
		hash, err := wt.Commit("Add workspace for request "+requestID, &git.CommitOptions{
			Author: &object.Signature{Name: s.author, Email: s.email, When: s.clock.Now()},
		})
		if err != nil {
			return fmt.Errorf("failed to commit %s: %w", rel, err)
		}
		s.logger.Debug().Str("request_id", requestID).Str("commit", hash.String()).Msg("workspace committed")
	}

	head, err := s.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	spec := gitconfig.RefSpec(head.Name().String() + ":" + plumbing.NewBranchReferenceName(s.branch).String())
	err = s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: s.remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       s.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push to %s/%s: %w", s.remote, s.branch, err)
	}

	s.logger.Debug().Str("request_id", requestID).Str("branch", s.branch).Msg("workspace pushed")
	return nil
}

// relative returns localDir as a slash-separated path inside the checkout.
func (s *GitSyncer) relative(localDir string) (string, error) {
	abs, err := filepath.Abs(localDir)
	if err != nil {
		return "", fmt.Errorf("invalid workspace dir: %w", err)
	}
	rel, err := filepath.Rel(s.checkout, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace %s is outside the git checkout %s", localDir, s.checkout)
	}
	return filepath.ToSlash(rel), nil
}

func stagedUnder(wt *git.Worktree, rel string) (bool, error) {
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	for path, fs := range status {
		if !strings.HasPrefix(path, rel+"/") {
			continue
		}
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}
