package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/forgeci/internal/model"
)

func initRepo(t *testing.T) (*git.Worktree, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)
	return w, dir
}

func commitFile(t *testing.T, w *git.Worktree, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err := w.Add(name)
	require.NoError(t, err)
	hash, err := w.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestGitPollerEmitsOnHeadMove(t *testing.T) {
	w, dir := initRepo(t)
	commitFile(t, w, dir, "a.txt", "one")

	var changes []*model.Change
	p := NewGitPoller(GitPollerConfig{
		Name: "local", URL: dir, Interval: time.Hour, Codebase: "app",
	}, func(_ context.Context, c *model.Change) {
		changes = append(changes, c)
	})

	// First poll primes without emitting.
	require.NoError(t, p.Poll(context.Background()))
	assert.Empty(t, changes)

	second := commitFile(t, w, dir, "b.txt", "two")
	require.NoError(t, p.Poll(context.Background()))

	require.Len(t, changes, 1)
	assert.Equal(t, second, changes[0].Revision)
	assert.Equal(t, dir, changes[0].Repository)
	assert.Equal(t, "app", changes[0].Codebase)

	// No movement, no change.
	require.NoError(t, p.Poll(context.Background()))
	assert.Len(t, changes, 1)
}

func TestGitPollerFiltersBranches(t *testing.T) {
	w, dir := initRepo(t)
	commitFile(t, w, dir, "a.txt", "one")

	var changes []*model.Change
	p := NewGitPoller(GitPollerConfig{
		Name: "local", URL: dir, Interval: time.Hour,
		Branches: []string{"release"},
	}, func(_ context.Context, c *model.Change) {
		changes = append(changes, c)
	})

	require.NoError(t, p.Poll(context.Background()))
	commitFile(t, w, dir, "b.txt", "two")
	require.NoError(t, p.Poll(context.Background()))

	// The default branch is not in the filter; nothing is emitted.
	assert.Empty(t, changes)
}

func TestGitPollerFailsOnMissingRemote(t *testing.T) {
	p := NewGitPoller(GitPollerConfig{
		Name: "broken", URL: filepath.Join(t.TempDir(), "nope"), Interval: time.Hour,
	}, func(context.Context, *model.Change) {})

	require.Error(t, p.Poll(context.Background()))
}
