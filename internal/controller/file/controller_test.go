package file

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardfs/internal/archive"
	"shardfs/internal/index"
	"shardfs/internal/repository"
	filerepo "shardfs/internal/repository/file"
	"shardfs/pkg/model"
)

const testCap = 4096

func newController(t *testing.T) *Controller {
	t.Helper()
	logger := zaptest.NewLogger(t)
	node := model.Node{Name: "S2", Role: model.RoleStorage, Root: t.TempDir(), Extension: ".pdf"}
	repo, err := filerepo.NewRepo(node, index.New(logger, 0), 0, logger)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	builder := archive.NewTarBuilder(t.TempDir(), logger)
	return NewController(node, repo, builder, Limits{MaxContent: testCap, MaxFiles: 100}, logger)
}

func put(t *testing.T, c *Controller, rel, content string) {
	t.Helper()
	p := filepath.Join(c.repo.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestUploadThenDownload(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	for _, size := range []int{1, testCap / 2, testCap - 1} {
		data := bytes.Repeat([]byte{'z'}, size)
		msg, err := c.Upload(ctx, &model.UploadRequest{Filename: "a.pdf", DestDir: "docs", Data: data})
		require.NoError(t, err)
		assert.Equal(t, "File saved successfully in S2", msg)

		f, err := c.Download(ctx, "a.pdf")
		require.NoError(t, err)
		assert.Equal(t, "a.pdf", f.Name)
		assert.Equal(t, data, f.Data)
	}
}

func TestUpload_Rejections(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	_, err := c.Upload(ctx, &model.UploadRequest{Filename: "a.txt", DestDir: "d", Data: []byte("x")})
	assert.ErrorIs(t, err, repository.ErrUnsupportedType)
	assert.Equal(t, "Only .pdf files supported", repository.Message(err))

	_, err = c.Upload(ctx, &model.UploadRequest{Filename: "a.pdf", DestDir: "d"})
	assert.ErrorIs(t, err, repository.ErrInvalidLength)

	_, err = c.Upload(ctx, &model.UploadRequest{Filename: "a.pdf", DestDir: "d", Data: make([]byte, testCap)})
	assert.ErrorIs(t, err, repository.ErrOversize)
	assert.NoFileExists(t, filepath.Join(c.repo.Root(), "d", "a.pdf"))

	_, err = c.Upload(ctx, &model.UploadRequest{Filename: "a.pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, repository.ErrBadRequest)
	assert.Equal(t, "Filename and path must be specified", repository.Message(err))
}

func TestCheckUpload(t *testing.T) {
	c := newController(t)

	assert.NoError(t, c.CheckUpload(model.Request{Command: model.CommandUpload, Name: "a.pdf", DestDir: "x"}))
	assert.ErrorIs(t, c.CheckUpload(model.Request{Command: model.CommandUpload, Name: "a.zip", DestDir: "x"}), repository.ErrUnsupportedType)
	assert.ErrorIs(t, c.CheckUpload(model.Request{Command: model.CommandUpload, Name: "a.pdf"}), repository.ErrBadRequest)
}

func TestDownload_Errors(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	_, err := c.Download(ctx, "")
	assert.Equal(t, "Filename not specified", repository.Message(err))

	_, err = c.Download(ctx, "x.c")
	assert.ErrorIs(t, err, repository.ErrUnsupportedType)

	_, err = c.Download(ctx, "nope.pdf")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "File not found", repository.Message(err))

	put(t, c, "big.pdf", strings.Repeat("b", testCap))
	_, err = c.Download(ctx, "big.pdf")
	assert.ErrorIs(t, err, repository.ErrOversize)
}

func TestDownload_FindsNestedFile(t *testing.T) {
	c := newController(t)
	put(t, c, "x/y/nested.pdf", "deep")

	f, err := c.Download(context.Background(), "nested.pdf")
	require.NoError(t, err)
	assert.Equal(t, "deep", string(f.Data))
}

func TestList(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	put(t, c, "docs/a.pdf", "1")
	put(t, c, "docs/sub/B.PDF", "2")
	put(t, c, "docs/skip.txt", "3")
	require.NoError(t, os.MkdirAll(filepath.Join(c.repo.Root(), "empty"), 0755))

	out, err := c.List(ctx, "docs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{"B.PDF", "a.pdf"}, lines)

	out, err = c.List(ctx, "/empty")
	require.NoError(t, err)
	assert.Equal(t, "No .pdf files found in /empty", out)

	_, err = c.List(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "Directory missing does not exist", repository.Message(err))

	_, err = c.List(ctx, "")
	assert.Equal(t, "Path not specified", repository.Message(err))
}

func TestDelete(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	put(t, c, "d/gone.pdf", "x")

	msg, err := c.Delete(ctx, "gone.pdf")
	require.NoError(t, err)
	assert.Equal(t, "File gone.pdf deleted from S2", msg)

	_, err = c.Delete(ctx, "gone.pdf")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "File gone.pdf does not exist", repository.Message(err))

	_, err = c.Delete(ctx, "gone.txt")
	assert.ErrorIs(t, err, repository.ErrUnsupportedType)
}

func TestArchive(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	_, err := c.Archive(ctx, ".pdf")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "No .pdf files found in S2", repository.Message(err))

	put(t, c, "a.pdf", "first")
	put(t, c, "sub/b.pdf", "second")
	put(t, c, "sub/c.txt", "other")

	f, err := c.Archive(ctx, ".pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf_files.tar", f.Name)

	var names []string
	tr := tar.NewReader(bytes.NewReader(f.Data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.pdf", "sub/b.pdf"}, names)

	_, err = c.Archive(ctx, ".zip")
	assert.Equal(t, "Only .pdf filetype supported", repository.Message(err))

	_, err = c.Archive(ctx, "")
	assert.Equal(t, "Filetype not specified", repository.Message(err))
}

func TestArchive_Oversize(t *testing.T) {
	c := newController(t)
	put(t, c, "a.pdf", strings.Repeat("a", testCap))

	_, err := c.Archive(context.Background(), ".pdf")
	assert.ErrorIs(t, err, repository.ErrOversize)
	assert.Equal(t, "Tar file too large to transfer", repository.Message(err))
}

func TestCancelledContext(t *testing.T) {
	c := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Download(ctx, "a.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}
