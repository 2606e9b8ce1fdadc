package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/platform/backoff"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

func initLocalRepo(t *testing.T, dir string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func TestWriteCreatesRequestBranchAndCommitsFiles(t *testing.T) {
	dir := t.TempDir()
	initLocalRepo(t, dir)

	store, err := New(Config{
		WorkDir:     dir,
		BaseBranch:  "main",
		MaxAttempts: 1,
		Backoff:     backoff.Policy{Min: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0},
		CommitName:  "test",
		CommitEmail: "test@example.com",
	}, testLogger(t))
	require.NoError(t, err)

	ref, err := store.Write(context.Background(), "req-1", "", map[string][]byte{
		"src/main.go": []byte("package main\n"),
	}, "analysis output")
	require.NoError(t, err)
	require.Equal(t, "req/req-1", ref.Branch)
	require.NotEmpty(t, ref.CommitHash)
	require.Contains(t, ref.Paths, "src/main.go")

	written, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	require.Equal(t, "package main\n", string(written))
}

func TestWriteFilesRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := writeFiles(dir, map[string][]byte{"../escape.txt": []byte("x")})
	require.Error(t, err)
}
