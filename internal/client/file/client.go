package file

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"shardfs/internal/protocol"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// RemoteError is an ERROR: frame received from the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return protocol.ErrorPrefix + " " + e.Message
}

type Options struct {
	Timeout    time.Duration // bound for every send and receive
	MaxContent int64
	// ListFrames is how many frames one dispfnames turn is answered with.
	ListFrames int
}

// Client runs request turns over one connection, one turn at a time.
type Client struct {
	conn net.Conn
	dc   *protocol.DeadlineConn
	r    *protocol.Reader
	w    *protocol.Writer
	opts Options
	mu   sync.Mutex
}

// NewClient connects to a gateway or storage node
func NewClient(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = protocol.MaxContent
	}
	if opts.ListFrames <= 0 {
		opts.ListFrames = 1
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "FAIL TO CONNECT TO SERVER %s", addr)
	}

	dc := protocol.NewDeadlineConn(conn, opts.Timeout)
	return &Client{
		conn: conn,
		dc:   dc,
		r:    protocol.NewReader(dc, opts.MaxContent),
		w:    protocol.NewWriter(dc),
		opts: opts,
	}, nil
}

// DownloadFile fetches a single file
func (c *Client) DownloadFile(ctx context.Context, name string) (*model.File, error) {
	return c.fetch(ctx, model.Request{Command: model.CommandDownload, Name: name}, protocol.KindFileInfo)
}

// DownloadArchive fetches every file of ext bundled into one tar
func (c *Client) DownloadArchive(ctx context.Context, ext string) (*model.File, error) {
	return c.fetch(ctx, model.Request{Command: model.CommandArchive, Name: ext}, protocol.KindTarFile)
}

// UploadFile stores data as name under destDir on the owning node
func (c *Client) UploadFile(ctx context.Context, name, destDir string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", repository.InvalidLength("Invalid content length")
	}
	if int64(len(data)) >= c.opts.MaxContent {
		return "", repository.Oversize("File too large to transfer")
	}

	var status string
	err := c.turn(ctx, func() error {
		if err := c.w.WriteCommand(model.Request{Command: model.CommandUpload, Name: name, DestDir: destDir}); err != nil {
			return err
		}
		if err := c.w.WriteTransfer(data); err != nil {
			return err
		}
		var err error
		status, err = c.readStatus()
		return err
	})
	return status, err
}

// UploadFileFromPath uploads a local file under its base name
func (c *Client) UploadFileFromPath(ctx context.Context, filePath, destDir string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "FAILED TO READ FILE %s", filePath)
	}
	return c.UploadFile(ctx, filepath.Base(filePath), destDir, data)
}

// ListFiles returns every frame of a dispfnames turn. Error frames are
// returned as frames so one failing node does not hide the others.
func (c *Client) ListFiles(ctx context.Context, path string) ([]protocol.Frame, error) {
	var frames []protocol.Frame
	err := c.turn(ctx, func() error {
		if err := c.w.WriteCommand(model.Request{Command: model.CommandList, Name: path}); err != nil {
			return err
		}
		for i := 0; i < c.opts.ListFrames; i++ {
			f, err := c.r.ReadText(protocol.MaxListingFrame)
			if err != nil {
				return err
			}
			frames = append(frames, f)
		}
		return nil
	})
	return frames, err
}

// RemoveFile deletes a file and returns the confirmation
func (c *Client) RemoveFile(ctx context.Context, name string) (string, error) {
	var status string
	err := c.turn(ctx, func() error {
		if err := c.w.WriteCommand(model.Request{Command: model.CommandDelete, Name: name}); err != nil {
			return err
		}
		var err error
		status, err = c.readStatus()
		return err
	})
	return status, err
}

// DownloadFileToPath downloads name into dir and returns the written path
func (c *Client) DownloadFileToPath(ctx context.Context, name, dir string) (string, error) {
	f, err := c.DownloadFile(ctx, name)
	if err != nil {
		return "", err
	}
	return save(f, dir)
}

// DownloadArchiveToPath downloads the ext archive into dir
func (c *Client) DownloadArchiveToPath(ctx context.Context, ext, dir string) (string, error) {
	f, err := c.DownloadArchive(ctx, ext)
	if err != nil {
		return "", err
	}
	return save(f, dir)
}

// Close ends the session. Nothing is sent; the server sees the stream close.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) fetch(ctx context.Context, req model.Request, want protocol.Kind) (*model.File, error) {
	var f *model.File
	err := c.turn(ctx, func() error {
		if err := c.w.WriteCommand(req); err != nil {
			return err
		}
		resp, err := c.r.ReadResponse(protocol.MaxStatusFrame)
		if err != nil {
			return err
		}
		switch resp.Frame.Kind {
		case protocol.KindError:
			return &RemoteError{Message: resp.Frame.ErrorText()}
		case want:
			f = &model.File{Name: resp.Frame.Name(), Data: resp.Data}
			return nil
		default:
			return repository.Protocol(nil, "unexpected response %q", resp.Frame.Text)
		}
	})
	return f, err
}

func (c *Client) readStatus() (string, error) {
	f, err := c.r.ReadText(protocol.MaxStatusFrame)
	if err != nil {
		return "", err
	}
	if f.Kind == protocol.KindError {
		return "", &RemoteError{Message: f.ErrorText()}
	}
	return f.Text, nil
}

// turn runs one exchange. A cancelled ctx expires the connection, which
// interrupts blocked I/O; the connection is unusable afterwards.
func (c *Client) turn(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		c.dc.Expire()
	})
	defer stop()

	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func save(f *model.File, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "FAILED TO CREATE DIRECTORY %s", dir)
	}
	out := filepath.Join(dir, filepath.Base(f.Name))
	if err := os.WriteFile(out, f.Data, 0644); err != nil {
		return "", errors.Wrapf(err, "FAILED TO WRITE FILE TO %s", out)
	}
	return out, nil
}
