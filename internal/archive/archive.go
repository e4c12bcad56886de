// Package archive bundles a manifest of files into one tar blob.
//
// Every build writes the manifest and the archive as temporary artifacts and
// removes both before returning, on success and on every failure path.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Builder produces a single archive blob no larger than maxSize.
type Builder interface {
	Build(ctx context.Context, job *model.ArchiveJob, maxSize int64) ([]byte, error)
}

const (
	KindTar  = "tar"
	KindExec = "exec"
)

// New returns the builder named by kind: the in-process writer or the external tar tool.
func New(kind string, tempDir string, logger *zap.Logger) (Builder, error) {
	switch kind {
	case "", KindTar:
		return NewTarBuilder(tempDir, logger), nil
	case KindExec:
		return NewExecBuilder("tar", tempDir, logger), nil
	default:
		return nil, errors.Errorf("unknown archiver %q", kind)
	}
}

// artifacts are the temp files of one build.
type artifacts struct {
	manifest string
	archive  string
}

func newArtifacts(tempDir, ext string) artifacts {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	id := uuid.NewString()
	return artifacts{
		manifest: filepath.Join(tempDir, "shardfs-manifest-"+id+".txt"),
		archive:  filepath.Join(tempDir, "shardfs-archive-"+id+ext),
	}
}

func (a artifacts) cleanup(logger *zap.Logger) {
	for _, p := range []string{a.manifest, a.archive} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove archive artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

// writeManifest stores one path per line, relative to the job base. Names
// starting with a dash get a ./ prefix so tar -T never reads them as options.
func writeManifest(path string, job *model.ArchiveJob) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "create manifest")
	}
	w := bufio.NewWriter(f)
	for _, rec := range job.Manifest {
		rel := filepath.ToSlash(rec.RelPath)
		if strings.HasPrefix(rel, "-") {
			rel = "./" + rel
		}
		w.WriteString(rel)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write manifest")
	}
	return errors.Wrap(f.Close(), "close manifest")
}

// readBounded reads the finished archive, failing when it exceeds maxSize.
func readBounded(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, repository.IOError(errors.Wrap(err, "stat archive"), "Failed to read tar file")
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, repository.Oversize("Tar file too large to transfer")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, repository.IOError(errors.Wrap(err, "read archive"), "Failed to read tar file")
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, repository.Oversize("Tar file too large to transfer")
	}
	return data, nil
}

// TarBuilder writes the archive in-process with archive/tar.
type TarBuilder struct {
	tempDir string
	logger  *zap.Logger
}

func NewTarBuilder(tempDir string, logger *zap.Logger) *TarBuilder {
	return &TarBuilder{tempDir: tempDir, logger: logger.Named("archive")}
}

func (b *TarBuilder) Build(ctx context.Context, job *model.ArchiveJob, maxSize int64) ([]byte, error) {
	art := newArtifacts(b.tempDir, ".tar")
	defer art.cleanup(b.logger)

	if err := writeManifest(art.manifest, job); err != nil {
		return nil, repository.IOError(err, "Failed to prepare tar file")
	}
	if err := b.writeArchive(ctx, art, job.Base, maxSize); err != nil {
		var e *repository.Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, repository.IOError(err, "Failed to create tar file")
	}

	data, err := readBounded(art.archive, maxSize)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("archive built", zap.Int("files", len(job.Manifest)), zap.Int("bytes", len(data)))
	return data, nil
}

func (b *TarBuilder) writeArchive(ctx context.Context, art artifacts, base string, maxSize int64) error {
	manifest, err := os.Open(art.manifest)
	if err != nil {
		return errors.Wrap(err, "open manifest")
	}
	defer manifest.Close()

	out, err := os.OpenFile(art.archive, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	defer out.Close()

	cw := &countingWriter{w: out, limit: maxSize}
	tw := tar.NewWriter(cw)
	scanner := bufio.NewScanner(manifest)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := scanner.Text()
		if rel == "" {
			continue
		}
		if err := addFile(tw, base, rel); err != nil {
			if cw.exceeded {
				return repository.Oversize("Tar file too large to transfer")
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan manifest")
	}
	if err := tw.Close(); err != nil {
		if cw.exceeded {
			return repository.Oversize("Tar file too large to transfer")
		}
		return errors.Wrap(err, "finish archive")
	}
	return nil
}

func addFile(tw *tar.Writer, base, rel string) error {
	full := filepath.Join(base, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		return errors.Wrapf(err, "open %s", full)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", full)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.Wrapf(err, "header %s", full)
	}
	hdr.Name = path.Clean(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write header %s", rel)
	}
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return errors.Wrapf(err, "copy %s", rel)
	}
	return nil
}

// countingWriter fails writes once the archive grows past limit.
type countingWriter struct {
	w        io.Writer
	n        int64
	limit    int64
	exceeded bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.limit > 0 && c.n+int64(len(p)) > c.limit {
		c.exceeded = true
		return 0, errors.New("archive exceeds size limit")
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ExecBuilder shells out to an external tar: tar -cf <archive> -C <base> -T <manifest>.
type ExecBuilder struct {
	tarPath string
	tempDir string
	logger  *zap.Logger
}

func NewExecBuilder(tarPath, tempDir string, logger *zap.Logger) *ExecBuilder {
	return &ExecBuilder{tarPath: tarPath, tempDir: tempDir, logger: logger.Named("archive")}
}

func (b *ExecBuilder) Build(ctx context.Context, job *model.ArchiveJob, maxSize int64) ([]byte, error) {
	art := newArtifacts(b.tempDir, ".tar")
	defer art.cleanup(b.logger)

	if err := writeManifest(art.manifest, job); err != nil {
		return nil, repository.IOError(err, "Failed to prepare tar file")
	}

	cmd := exec.CommandContext(ctx, b.tarPath, "-cf", art.archive, "-C", job.Base, "-T", art.manifest)
	if out, err := cmd.CombinedOutput(); err != nil {
		b.logger.Warn("tar failed", zap.ByteString("output", out), zap.Error(err))
		return nil, repository.IOError(errors.Wrap(err, "run tar"), "Failed to create tar file")
	}

	data, err := readBounded(art.archive, maxSize)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("archive built", zap.String("tool", b.tarPath), zap.Int("files", len(job.Manifest)), zap.Int("bytes", len(data)))
	return data, nil
}
