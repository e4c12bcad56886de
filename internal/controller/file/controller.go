// controller.go - storage node operations for one extension under one root
// Sits between the connection handler and the repository
package file

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"shardfs/internal/archive"
	"shardfs/internal/index"
	"shardfs/internal/repository"
	"shardfs/internal/repository/file"
	"shardfs/pkg/model"
)

// Limits bound what a single turn may transfer or collect
type Limits struct {
	MaxContent int64 // Transfers must be strictly smaller
	MaxFiles   int   // Collection bound for listings and archives
}

// Controller implements download, upload, list, delete and archive for the
// node's owned extension. Every failure is a *repository.Error whose message
// is sent to the peer as is.
type Controller struct {
	node    model.Node
	repo    *file.Repository
	indexer *index.Indexer
	builder archive.Builder
	limits  Limits
	logger  *zap.Logger
}

// NewController creates the handler for node
func NewController(node model.Node, repo *file.Repository, builder archive.Builder, limits Limits, logger *zap.Logger) *Controller {
	if limits.MaxContent <= 0 {
		limits.MaxContent = 5242880
	}
	return &Controller{
		node:    node,
		repo:    repo,
		indexer: repo.Indexer(),
		builder: builder,
		limits:  limits,
		logger:  logger.Named("controller").With(zap.String("node", node.Name)),
	}
}

// Node returns the node the controller serves
func (c *Controller) Node() model.Node {
	return c.node
}

// Owns reports whether requests for ext are served here
func (c *Controller) Owns(ext string) bool {
	return c.node.Owns(ext)
}

// CheckUpload validates the upload arguments that are known before the payload arrives
func (c *Controller) CheckUpload(req model.Request) error {
	if req.Name == "" || req.DestDir == "" {
		return repository.BadRequest("Filename and path must be specified")
	}
	if !c.Owns(model.Ext(req.Name)) {
		return c.unsupported()
	}
	return nil
}

// Download reads the named file for a FILE_INFO: reply
func (c *Controller) Download(ctx context.Context, name string) (*model.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, repository.BadRequest("Filename not specified")
	}
	if !c.Owns(model.Ext(name)) {
		return nil, c.unsupported()
	}

	loc, err := c.repo.Locate(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := c.repo.ReadFile(loc.Path, c.limits.MaxContent)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("download", zap.String("path", loc.Path), zap.Int("bytes", len(data)))
	return &model.File{Name: filepath.Base(name), Data: data}, nil
}

// Upload stores a fully received payload and returns the status text
func (c *Controller) Upload(ctx context.Context, req *model.UploadRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Filename == "" || req.DestDir == "" {
		return "", repository.BadRequest("Filename and path must be specified")
	}
	if !c.Owns(model.Ext(req.Filename)) {
		return "", c.unsupported()
	}
	size := int64(len(req.Data))
	if size <= 0 {
		return "", repository.InvalidLength("Invalid content length")
	}
	if size >= c.limits.MaxContent {
		return "", repository.Oversize("Content too large")
	}

	target, err := c.repo.SaveFile(req.DestDir, req.Filename, req.Data)
	if err != nil {
		return "", err
	}

	c.logger.Info("file saved", zap.String("path", target), zap.Int64("bytes", size))
	return fmt.Sprintf("File saved successfully in %s", c.node.Name), nil
}

// List returns the base names of every owned file under path, one per line
func (c *Controller) List(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", repository.BadRequest("Path not specified")
	}

	dir, err := c.repo.ResolveDir(path)
	if err != nil {
		return "", err
	}
	if !c.repo.IsDir(dir) {
		return "", repository.NotFound("Directory %s does not exist", path)
	}

	records, err := c.indexer.CollectByExtension(ctx, dir, c.node.Extension, c.limits.MaxFiles)
	if err != nil {
		return "", repository.IOError(err, "Failed to collect files")
	}
	if len(records) == 0 {
		return fmt.Sprintf("No %s files found in %s", c.node.Extension, path), nil
	}

	var b strings.Builder
	for _, rec := range records {
		b.WriteString(filepath.Base(rec.Path))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Delete removes the named file and returns the confirmation text
func (c *Controller) Delete(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", repository.BadRequest("Filename not specified")
	}
	if !c.Owns(model.Ext(name)) {
		return "", c.unsupported()
	}

	loc, err := c.repo.Locate(ctx, name)
	if err != nil {
		return "", err
	}
	if err := c.repo.DeleteFile(loc.Path, name); err != nil {
		return "", err
	}

	c.logger.Info("file deleted", zap.String("path", loc.Path))
	return fmt.Sprintf("File %s deleted from %s", name, c.node.Name), nil
}

// Archive bundles every owned file under the root for a TAR_FILE: reply
func (c *Controller) Archive(ctx context.Context, ext string) (*model.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ext == "" {
		return nil, repository.BadRequest("Filetype not specified")
	}
	if !c.Owns(ext) {
		return nil, repository.UnsupportedType("Only %s filetype supported", c.node.Extension)
	}

	root := c.repo.Root()
	records, err := c.indexer.CollectByExtension(ctx, root, c.node.Extension, c.limits.MaxFiles)
	if err != nil {
		return nil, repository.IOError(err, "Failed to collect %s files", c.node.Extension)
	}
	if len(records) == 0 {
		return nil, repository.NotFound("No %s files found in %s", c.node.Extension, c.node.Name)
	}

	job := &model.ArchiveJob{Name: model.ArchiveName(c.node.Extension), Base: root, Manifest: records}
	job.Data, err = c.builder.Build(ctx, job, c.limits.MaxContent-1)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("archive", zap.String("name", job.Name), zap.Int("files", len(records)), zap.Int("bytes", len(job.Data)))
	return &model.File{Name: job.Name, Data: job.Data}, nil
}

func (c *Controller) unsupported() *repository.Error {
	return repository.UnsupportedType("Only %s files supported", c.node.Extension)
}
