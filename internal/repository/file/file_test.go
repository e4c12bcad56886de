package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardfs/internal/index"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

func newTestRepo(t *testing.T, role model.Role) *Repository {
	t.Helper()
	logger := zaptest.NewLogger(t)
	node := model.Node{Name: "S2", Role: role, Root: t.TempDir(), Extension: ".pdf"}
	repo, err := NewRepo(node, index.New(logger, 0), time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestNewRepo_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home", "s2")
	logger := zaptest.NewLogger(t)
	repo, err := NewRepo(model.Node{Root: root, Role: model.RoleStorage}, index.New(logger, 0), 0, logger)
	require.NoError(t, err)
	defer repo.Close()

	assert.True(t, repo.IsDir(root))
	assert.Equal(t, root, repo.Root())
}

func TestLocate_SearchesTree(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	want := write(t, repo.Root(), "deep/er/report.pdf", "x")

	loc, err := repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, want, loc.Path)
	assert.Equal(t, filepath.Join("deep", "er", "report.pdf"), loc.Display)

	// served from the locator cache the second time
	loc, err = repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, want, loc.Path)
}

func TestLocate_StaleCacheEntry(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	old := write(t, repo.Root(), "a/report.pdf", "x")

	_, err := repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)

	require.NoError(t, os.Remove(old))
	moved := write(t, repo.Root(), "b/report.pdf", "y")

	loc, err := repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, moved, loc.Path)
}

func TestLocate_FallsBackToJoin(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)

	loc, err := repo.Locate(context.Background(), "missing.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo.Root(), "missing.pdf"), loc.Path)
	assert.False(t, repo.Exists(loc.Path))
}

func TestLocate_GatewayDoesNotSearch(t *testing.T) {
	repo := newTestRepo(t, model.RoleGateway)
	write(t, repo.Root(), "sub/main.c", "int main;")

	loc, err := repo.Locate(context.Background(), "main.c")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo.Root(), "main.c"), loc.Path)
}

func TestLocate_HomeAndAbsoluteForms(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	inTree := write(t, repo.Root(), "docs/a.pdf", "x")
	outside := write(t, t.TempDir(), "b.pdf", "y")

	loc, err := repo.Locate(context.Background(), "~/s1/docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, inTree, loc.Path)

	loc, err = repo.Locate(context.Background(), outside)
	require.NoError(t, err)
	assert.Equal(t, outside, loc.Path)
}

func TestReadFile(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	p := write(t, repo.Root(), "a.pdf", "hello")

	data, err := repo.ReadFile(p, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = repo.ReadFile(p, 5)
	assert.ErrorIs(t, err, repository.ErrOversize)
	assert.Equal(t, "File too large to transfer", repository.Message(err))

	_, err = repo.ReadFile(filepath.Join(repo.Root(), "nope.pdf"), 1024)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.ReadFile(repo.Root(), 1024)
	assert.ErrorIs(t, err, repository.ErrNotFound, "directories are not files")
}

func TestSaveFile(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)

	target, err := repo.SaveFile("~/s1/docs/2024", "report.pdf", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo.Root(), "docs", "2024", "report.pdf"), target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestSaveFile_UsesBaseName(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)

	target, err := repo.SaveFile("in", "../../escape.pdf", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo.Root(), "in", "escape.pdf"), target)
}

func TestSaveFile_InvalidatesLocator(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	write(t, repo.Root(), "old/report.pdf", "x")

	_, err := repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(repo.Root(), "old")))

	target, err := repo.SaveFile("new", "report.pdf", []byte("y"))
	require.NoError(t, err)

	loc, err := repo.Locate(context.Background(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, target, loc.Path)
}

func TestSaveFile_ConcurrentWritersSamePath(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
			_, err := repo.SaveFile("shared", "same.pdf", content)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(repo.Root(), "shared", "same.pdf"))
	require.NoError(t, err)
	require.Len(t, data, 64*1024)
	assert.Equal(t, bytes.Repeat(data[:1], len(data)), data, "one writer's content, never interleaved")
	assert.Empty(t, repo.locks.locks)
}

func TestDeleteFile(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	p := write(t, repo.Root(), "a.pdf", "x")

	require.NoError(t, repo.DeleteFile(p, "a.pdf"))
	assert.False(t, repo.Exists(p))

	err := repo.DeleteFile(p, "a.pdf")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "File a.pdf does not exist", repository.Message(err))
}

func TestDeleteFile_Failure(t *testing.T) {
	repo := newTestRepo(t, model.RoleStorage)
	dir := filepath.Join(repo.Root(), "full.pdf")
	write(t, dir, "inner.pdf", "x")

	err := repo.DeleteFile(dir, "full.pdf")
	assert.ErrorIs(t, err, repository.ErrIO)
	assert.Contains(t, repository.Message(err), fmt.Sprintf("Failed to delete file %s:", "full.pdf"))
}
