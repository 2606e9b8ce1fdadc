// Package gitstore is the artifactstore.Store implementation backed by
// go-git/v5: a local working clone that branches per request, writes the
// stage's files, commits, and pushes. Retries follow the teacher's
// exponential-backoff shape (internal/jobs/orchestrator/engine.go's
// computeBackoff) since clone/fetch/push are the network calls in this
// package most likely to hit a transient failure.
package gitstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/yungbote/devpipe/internal/pipeline"
	"github.com/yungbote/devpipe/internal/platform/apperr"
	"github.com/yungbote/devpipe/internal/platform/backoff"
	"github.com/yungbote/devpipe/internal/platform/envutil"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

const stageName = "artifactstore"

type Config struct {
	RepoURL     string
	WorkDir     string
	BaseBranch  string
	AuthUser    string
	AuthToken   string
	MaxAttempts int
	Backoff     backoff.Policy
	CommitName  string
	CommitEmail string
}

// ConfigFromEnv reads the ARTIFACT_REPO_* env vars; the test-stage worker is
// the process that wires gitstore.
func ConfigFromEnv() Config {
	return Config{
		RepoURL:     envutil.String("ARTIFACT_REPO_URL", ""),
		WorkDir:     envutil.String("ARTIFACT_REPO_WORKDIR", "/var/lib/devpipe/artifact-repo"),
		BaseBranch:  envutil.String("ARTIFACT_REPO_BASE_BRANCH", "main"),
		AuthUser:    envutil.String("ARTIFACT_REPO_AUTH_USER", "devpipe"),
		AuthToken:   envutil.String("ARTIFACT_REPO_AUTH_TOKEN", ""),
		MaxAttempts: envutil.Int("ARTIFACT_REPO_MAX_ATTEMPTS", 5),
		CommitName:  envutil.String("ARTIFACT_REPO_COMMIT_NAME", "devpipe-bot"),
		CommitEmail: envutil.String("ARTIFACT_REPO_COMMIT_EMAIL", "devpipe-bot@users.noreply.github.com"),
	}
}

type Store struct {
	cfg  Config
	log  *logger.Logger
	repo *git.Repository
	mu   sync.Mutex
}

// New opens cfg.WorkDir as a git working clone, cloning cfg.RepoURL into it
// first if it doesn't exist yet.
func New(cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}

	s := &Store{cfg: cfg, log: log.With("component", "gitstore")}

	repo, err := git.PlainOpen(cfg.WorkDir)
	if err == nil {
		s.repo = repo
		return s, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, fmt.Errorf("gitstore: open %s: %w", cfg.WorkDir, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.WorkDir), 0o755); err != nil {
		return nil, fmt.Errorf("gitstore: mkdir: %w", err)
	}
	repo, err = git.PlainClone(cfg.WorkDir, false, &git.CloneOptions{
		URL:           cfg.RepoURL,
		Auth:          s.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(cfg.BaseBranch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("gitstore: clone %s: %w", cfg.RepoURL, err)
	}
	s.repo = repo
	return s, nil
}

func (s *Store) auth() *githttp.BasicAuth {
	if s.cfg.AuthToken == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: s.cfg.AuthUser, Password: s.cfg.AuthToken}
}

// Write creates branch req/<requestID> at the base branch's head (resetting
// it there if it already exists), writes
// files into the working tree, commits, and pushes. Only one Write runs at a
// time per Store since they all share one working-tree checkout.
func (s *Store) Write(ctx context.Context, requestID string, branch string, files map[string][]byte, message string) (pipeline.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch == "" {
		branch = "req/" + requestID
	}

	var ref pipeline.ArtifactRef
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		ref, lastErr = s.writeOnce(ctx, requestID, branch, files, message)
		if lastErr == nil {
			return ref, nil
		}
		if !apperr.Retryable(apperr.KindOf(lastErr)) {
			return pipeline.ArtifactRef{}, lastErr
		}
		delay := s.cfg.Backoff.Compute(attempt)
		s.log.Warn("gitstore write failed, retrying", "request_id", requestID, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return pipeline.ArtifactRef{}, ctx.Err()
		}
	}
	return pipeline.ArtifactRef{}, lastErr
}

func (s *Store) writeOnce(ctx context.Context, requestID, branch string, files map[string][]byte, message string) (pipeline.ArtifactRef, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(s.cfg.BaseBranch),
		Force:  true,
	}); err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("checkout base: %w", err))
	}

	// Point the branch at the base head whether or not a prior attempt on
	// this request already created it, so each write starts from base.
	branchRef := plumbing.NewBranchReferenceName(branch)
	base, err := s.repo.Head()
	if err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("resolve base: %w", err))
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(branchRef, base.Hash())); err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("reset %s: %w", branch, err))
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("checkout %s: %w", branch, err))
	}

	paths, err := writeFiles(s.cfg.WorkDir, files)
	if err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.Validation, stageName, err)
	}

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("add %s: %w", p, err))
		}
	}

	commitMsg := fmt.Sprintf("%s\n\nrequest_id: %s\nwritten_at: %s", message, requestID, time.Now().UTC().Format(time.RFC3339))
	hash, err := wt.Commit(commitMsg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.cfg.CommitName,
			Email: s.cfg.CommitEmail,
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("commit: %w", err))
	}

	if s.cfg.RepoURL != "" {
		err = s.repo.PushContext(ctx, &git.PushOptions{
			RemoteName: "origin",
			Auth:       s.auth(),
			RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", branchRef, branchRef))},
			Force:      true,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return pipeline.ArtifactRef{}, apperr.New(apperr.TransientExternal, stageName, fmt.Errorf("push: %w", err))
		}
	}

	return pipeline.ArtifactRef{
		RepoURL:    s.cfg.RepoURL,
		Branch:     branch,
		CommitHash: hash.String(),
		Paths:      paths,
	}, nil
}

// writeFiles writes files (relative path -> contents) under root and returns
// the relative paths written, rejecting any path that would escape root.
func writeFiles(root string, files map[string][]byte) ([]string, error) {
	paths := make([]string, 0, len(files))
	for rel, contents := range files {
		clean := filepath.Clean(rel)
		if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, fmt.Errorf("writeFiles: unsafe path %q", rel)
		}
		full := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("writeFiles: mkdir for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, contents, 0o644); err != nil {
			return nil, fmt.Errorf("writeFiles: write %s: %w", rel, err)
		}
		paths = append(paths, clean)
	}
	return paths, nil
}
