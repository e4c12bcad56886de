package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

func makeJob(t *testing.T, files map[string]string) *model.ArchiveJob {
	t.Helper()
	base := t.TempDir()
	job := &model.ArchiveJob{Name: "pdf_files.tar", Base: base}
	for rel, content := range files {
		p := filepath.Join(base, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		job.Manifest = append(job.Manifest, model.FileRecord{Path: p, RelPath: rel})
	}
	return job
}

func untar(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
	return out
}

func assertNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "temporary artifacts left behind")
}

func builders(t *testing.T, tempDir string) map[string]Builder {
	logger := zaptest.NewLogger(t)
	b := map[string]Builder{KindTar: NewTarBuilder(tempDir, logger)}
	if path, err := exec.LookPath("tar"); err == nil {
		b[KindExec] = NewExecBuilder(path, tempDir, logger)
	}
	return b
}

func setTempDir(b Builder, dir string) {
	switch bb := b.(type) {
	case *ExecBuilder:
		bb.tempDir = dir
	case *TarBuilder:
		bb.tempDir = dir
	}
}

func TestBuild_ContainsExactlyManifest(t *testing.T) {
	for name, b := range builders(t, "") {
		t.Run(name, func(t *testing.T) {
			tempDir := t.TempDir()
			setTempDir(b, tempDir)
			job := makeJob(t, map[string]string{"a.pdf": "first", "sub/b.pdf": "second"})

			data, err := b.Build(context.Background(), job, protocolCap)
			require.NoError(t, err)

			got := untar(t, data)
			var names []string
			for n := range got {
				names = append(names, n)
			}
			sort.Strings(names)
			assert.Equal(t, []string{"a.pdf", "sub/b.pdf"}, names)
			assert.Equal(t, "first", got["a.pdf"])
			assert.Equal(t, "second", got["sub/b.pdf"])
			assertNoArtifacts(t, tempDir)
		})
	}
}

const protocolCap = 5 << 20

func TestBuild_DashPrefixedNames(t *testing.T) {
	for name, b := range builders(t, "") {
		t.Run(name, func(t *testing.T) {
			tempDir := t.TempDir()
			setTempDir(b, tempDir)
			job := makeJob(t, map[string]string{"-notes.pdf": "dash", "--help.pdf": "help"})

			data, err := b.Build(context.Background(), job, protocolCap)
			require.NoError(t, err)

			got := make(map[string]string)
			for n, body := range untar(t, data) {
				got[path.Clean(n)] = body
			}
			assert.Equal(t, map[string]string{"-notes.pdf": "dash", "--help.pdf": "help"}, got)
			assertNoArtifacts(t, tempDir)
		})
	}
}

func TestBuild_Oversize(t *testing.T) {
	for name, b := range builders(t, "") {
		t.Run(name, func(t *testing.T) {
			tempDir := t.TempDir()
			setTempDir(b, tempDir)
			job := makeJob(t, map[string]string{"big.pdf": string(bytes.Repeat([]byte("x"), 8192))})

			data, err := b.Build(context.Background(), job, 1024)
			assert.Nil(t, data)
			assert.ErrorIs(t, err, repository.ErrOversize)
			assertNoArtifacts(t, tempDir)
		})
	}
}

func TestBuild_MissingFileCleansUp(t *testing.T) {
	tempDir := t.TempDir()
	b := NewTarBuilder(tempDir, zaptest.NewLogger(t))
	job := makeJob(t, map[string]string{"a.pdf": "x"})
	job.Manifest = append(job.Manifest, model.FileRecord{Path: filepath.Join(job.Base, "gone.pdf"), RelPath: "gone.pdf"})

	_, err := b.Build(context.Background(), job, protocolCap)
	assert.ErrorIs(t, err, repository.ErrIO)
	assert.Equal(t, "Failed to create tar file", repository.Message(err))
	assertNoArtifacts(t, tempDir)
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := New("", "", logger)
	require.NoError(t, err)
	assert.IsType(t, &TarBuilder{}, b)

	b, err = New(KindExec, "", logger)
	require.NoError(t, err)
	assert.IsType(t, &ExecBuilder{}, b)

	_, err = New("zip", "", logger)
	assert.Error(t, err)
}
