package tcp

import (
	"context"

	"shardfs/internal/controller/file"
	"shardfs/internal/protocol"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Handler serves one request turn. Success frames are written by the handler;
// a returned error is reported to the peer as a single ERROR: frame.
type Handler interface {
	Serve(ctx context.Context, req model.Request, r *protocol.Reader, w *protocol.Writer) error
}

// NodeHandler maps command frames onto a storage node controller.
type NodeHandler struct {
	ctrl *file.Controller
}

func NewNodeHandler(ctrl *file.Controller) *NodeHandler {
	return &NodeHandler{ctrl: ctrl}
}

// Owns reports whether the node serves ext.
func (h *NodeHandler) Owns(ext string) bool {
	return h.ctrl.Owns(ext)
}

// Node returns the node served.
func (h *NodeHandler) Node() model.Node {
	return h.ctrl.Node()
}

func (h *NodeHandler) Serve(ctx context.Context, req model.Request, r *protocol.Reader, w *protocol.Writer) error {
	switch req.Command {
	case model.CommandDownload:
		f, err := h.ctrl.Download(ctx, req.Name)
		if err != nil {
			return err
		}
		return w.WriteFile(f)

	case model.CommandUpload:
		data, err := ReceiveUpload(r, h.ctrl.CheckUpload(req))
		if err != nil {
			return err
		}
		msg, err := h.ctrl.Upload(ctx, &model.UploadRequest{Filename: req.Name, DestDir: req.DestDir, Data: data})
		if err != nil {
			return err
		}
		return w.WriteStatus(msg)

	case model.CommandList:
		msg, err := h.ctrl.List(ctx, req.Name)
		if err != nil {
			return err
		}
		return w.WriteStatus(msg)

	case model.CommandDelete:
		msg, err := h.ctrl.Delete(ctx, req.Name)
		if err != nil {
			return err
		}
		return w.WriteStatus(msg)

	case model.CommandArchive:
		f, err := h.ctrl.Archive(ctx, req.Name)
		if err != nil {
			return err
		}
		return w.WriteArchive(f)

	default:
		return repository.BadRequest("Unknown command")
	}
}

// ReceiveUpload consumes the length and body frames of an upload turn.
// When rejected is set the payload is drained and rejected is returned, so
// the connection stays aligned on the next command frame.
func ReceiveUpload(r *protocol.Reader, rejected error) ([]byte, error) {
	if rejected != nil {
		if err := r.Discard(); err != nil && repository.IsFatal(err) {
			return nil, err
		}
		return nil, rejected
	}
	return r.ReadTransfer()
}
