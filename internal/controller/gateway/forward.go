package gateway

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"shardfs/internal/protocol"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Forward relays one turn to owner over a fresh connection and returns the
// complete response. The connection is closed before returning.
// Failures are PeerUnavailable errors carrying the text sent to the client;
// none of them is fatal for the client connection.
func (rt *Router) Forward(ctx context.Context, owner model.Node, req model.Request, payload []byte) (*protocol.Response, error) {
	log := rt.logger.With(zap.String("owner", owner.Name), zap.String("addr", owner.Addr), zap.Stringer("request", req))

	dialCtx, cancel := context.WithTimeout(ctx, rt.opts.Timeout)
	conn, err := rt.opts.Dialer.DialContext(dialCtx, "tcp", owner.Addr)
	cancel()
	if err != nil {
		log.Warn("connect failed", zap.Error(err))
		return nil, repository.PeerUnavailable(err, "Failed to connect to server")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dc := protocol.NewDeadlineConn(conn, rt.opts.Timeout)
	w := protocol.NewWriter(dc)
	r := protocol.NewReader(dc, rt.opts.MaxContent)

	if err := w.WriteCommand(req); err != nil {
		log.Warn("send failed", zap.Error(err))
		return nil, repository.PeerUnavailable(err, "Failed to send to server")
	}
	if req.Command == model.CommandUpload {
		if err := w.WriteTransfer(payload); err != nil {
			log.Warn("send payload failed", zap.Error(err))
			return nil, repository.PeerUnavailable(err, "Failed to send content to server")
		}
	}

	resp, err := r.ReadResponse(protocol.MaxListingFrame)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		log.Warn("receive failed", zap.Error(err))
		return nil, repository.PeerUnavailable(err, "No response from server")
	}

	log.Debug("relayed", zap.Int("kind", int(resp.Frame.Kind)), zap.Int("bytes", len(resp.Data)))
	return resp, nil
}
