// Package gateway routes client turns to the node owning the requested
// extension: the gateway's own handler or a remote storage node.
package gateway

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"shardfs/internal/protocol"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Local is the gateway's own storage handler.
type Local interface {
	Owns(ext string) bool
	Node() model.Node
	Serve(ctx context.Context, req model.Request, r *protocol.Reader, w *protocol.Writer) error
}

// Dialer opens connections to storage nodes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	Timeout    time.Duration // connect, send and receive bound per forwarded turn
	MaxContent int64
	Dialer     Dialer
}

// Router dispatches every turn by extension. The routing table is fixed at
// construction and never changes.
type Router struct {
	local   Local
	remotes []model.Node // config order, used by the list fan-out
	routes  map[string]model.Node
	opts    Options
	logger  *zap.Logger
}

// NewRouter builds the table from the local node and the remote nodes.
// Each extension may have exactly one owner.
func NewRouter(local Local, remotes []model.Node, opts Options, logger *zap.Logger) (*Router, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = protocol.MaxContent
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: opts.Timeout}
	}

	self := local.Node()
	routes := map[string]model.Node{self.Extension: self}
	for _, n := range remotes {
		if n.Extension == "" || n.Addr == "" {
			return nil, repository.BadRequest("node %s needs an extension and an address", n.Name)
		}
		if owner, ok := routes[n.Extension]; ok {
			return nil, repository.BadRequest("extension %s owned by both %s and %s", n.Extension, owner.Name, n.Name)
		}
		routes[n.Extension] = n
	}

	return &Router{
		local:   local,
		remotes: remotes,
		routes:  routes,
		opts:    opts,
		logger:  logger.Named("router").With(zap.String("node", self.Name)),
	}, nil
}

// Owner returns the node serving ext.
func (rt *Router) Owner(ext string) (model.Node, bool) {
	n, ok := rt.routes[ext]
	return n, ok
}

// ListFrames is the number of frames a dispfnames turn produces.
func (rt *Router) ListFrames() int {
	return 1 + len(rt.remotes)
}

func (rt *Router) Serve(ctx context.Context, req model.Request, r *protocol.Reader, w *protocol.Writer) error {
	switch req.Command {
	case model.CommandList:
		return rt.list(ctx, req, r, w)
	case model.CommandDownload, model.CommandDelete:
		if req.Name == "" {
			return repository.BadRequest("Filename not specified")
		}
	case model.CommandUpload:
		if req.Name == "" || req.DestDir == "" {
			return rt.reject(r, repository.BadRequest("Filename and path must be specified"))
		}
	case model.CommandArchive:
		if req.Name == "" {
			return repository.BadRequest("Filetype not specified")
		}
	default:
		return repository.BadRequest("Unknown command")
	}

	ext := req.Extension()
	if rt.local.Owns(ext) {
		return rt.local.Serve(ctx, req, r, w)
	}
	owner, ok := rt.routes[ext]
	if !ok {
		rt.logger.Debug("no owner", zap.String("ext", ext))
		err := repository.UnsupportedType("Unsupported file type")
		if req.Command == model.CommandUpload {
			return rt.reject(r, err)
		}
		return err
	}

	var payload []byte
	if req.Command == model.CommandUpload {
		var err error
		if payload, err = r.ReadTransfer(); err != nil {
			return err
		}
	}

	resp, err := rt.Forward(ctx, owner, req, payload)
	if err != nil {
		return err
	}
	return w.WriteResponse(resp)
}

// list answers locally, then relays one listing per remote node.
// A dispfnames turn therefore always yields ListFrames frames.
func (rt *Router) list(ctx context.Context, req model.Request, r *protocol.Reader, w *protocol.Writer) error {
	if req.Name == "" {
		return repository.BadRequest("Path not specified")
	}

	if err := rt.local.Serve(ctx, req, r, w); err != nil {
		if repository.IsFatal(err) {
			return err
		}
		if werr := w.WriteError(repository.Message(err)); werr != nil {
			return werr
		}
	}

	for _, node := range rt.remotes {
		resp, err := rt.Forward(ctx, node, req, nil)
		if err != nil {
			rt.logger.Warn("listing failed", zap.String("owner", node.Name), zap.Error(err))
			if werr := w.WriteError(repository.Message(err)); werr != nil {
				return werr
			}
			continue
		}
		if err := w.WriteResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Router) reject(r *protocol.Reader, err error) error {
	if derr := r.Discard(); derr != nil && repository.IsFatal(derr) {
		return derr
	}
	return err
}
