// Package tcp runs the accept loop and the per-connection turn loop shared by
// the gateway and the storage nodes.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shardfs/internal/middleware"
	"shardfs/internal/protocol"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("tcp: server closed")

type Options struct {
	// Timeout bounds every receive and send while a turn is in progress.
	Timeout time.Duration
	// IdleTimeout bounds the wait for the next command frame.
	IdleTimeout time.Duration
	MaxContent  int64
	Rate        middleware.RateConfig
}

// Server serves connections concurrently, one goroutine per connection,
// each running request turns until the peer leaves or a fatal error occurs.
type Server struct {
	node    model.Node
	handler Handler
	limiter *middleware.ConcurrencyLimiter
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*connState]struct{}
	closing  bool
	wg       sync.WaitGroup
}

type connState struct {
	conn net.Conn
	busy bool
}

func NewServer(node model.Node, handler Handler, limiter *middleware.ConcurrencyLimiter, opts Options, logger *zap.Logger) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = protocol.MaxContent
	}
	if limiter == nil {
		limiter = middleware.NewConcurrencyLimiter(0)
	}
	return &Server{
		node:    node,
		handler: handler,
		limiter: limiter,
		opts:    opts,
		logger:  logger.Named("tcp").With(zap.String("node", node.Name)),
		conns:   make(map[*connState]struct{}),
	}
}

// ListenAndServe listens on the node address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.node.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on lis until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.closeListener()
	})
	defer stop()

	s.logger.Info("accepting connections", zap.String("addr", lis.Addr().String()))
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		if !s.limiter.TryAcquire() {
			s.logger.Warn("connection refused, server busy", zap.String("remote", conn.RemoteAddr().String()))
			s.refuse(conn)
			continue
		}

		st := &connState{conn: conn}
		if !s.track(st) {
			s.limiter.Release()
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.limiter.Release()
			defer s.untrack(st)
			s.serveConn(ctx, st)
		}()
	}
}

// Shutdown stops accepting, closes idle connections and waits for turns in
// progress to finish. Remaining connections are closed when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.closeListener()
	s.closeIdle()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			s.closeIdle()
		}
	}
}

// Stats returns the limiter the server counts connections with.
func (s *Server) Stats() *middleware.ConcurrencyLimiter {
	return s.limiter
}

func (s *Server) serveConn(ctx context.Context, st *connState) {
	conn := st.conn
	defer conn.Close()

	log := s.logger.With(
		zap.String("conn", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	log.Debug("connection accepted")

	dc := protocol.NewDeadlineConn(conn, s.opts.IdleTimeout)
	r := protocol.NewReader(dc, s.opts.MaxContent)
	w := protocol.NewWriter(dc)
	turns := middleware.NewTurnLimiter(s.opts.Rate)

	for {
		dc.Timeout = s.opts.IdleTimeout
		req, err := r.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosing() {
				log.Debug("connection closed by peer")
				return
			}
			log.Warn("failed to read command", zap.Error(err))
			if !errors.Is(err, repository.ErrTimeout) {
				w.WriteError(repository.Message(err))
			}
			return
		}
		dc.Timeout = s.opts.Timeout

		if req.Command == model.CommandExit {
			log.Debug("peer sent exit")
			return
		}
		if !s.setBusy(st, true) {
			return
		}
		if turns != nil {
			if err := turns.Wait(ctx); err != nil {
				return
			}
		}

		s.limiter.CountTurn()
		log.Debug("turn", zap.Stringer("request", req))
		err = s.handler.Serve(ctx, req, r, w)
		keep := err == nil || s.report(w, log, req, err)
		if !s.setBusy(st, false) || !keep {
			return
		}
	}
}

// report writes err as an ERROR: frame and tells whether the connection can
// carry another turn.
func (s *Server) report(w *protocol.Writer, log *zap.Logger, req model.Request, err error) bool {
	var e *repository.Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		e = repository.IOError(err, "Internal error")
	}

	if e.Fatal {
		log.Error("turn failed, closing connection", zap.Stringer("request", req), zap.Error(err))
	} else {
		log.Warn("turn failed", zap.Stringer("request", req), zap.Error(err))
	}
	if errors.Is(e, repository.ErrTimeout) {
		return false
	}
	if werr := w.WriteError(e.Message); werr != nil {
		return false
	}
	return !e.Fatal
}

func (s *Server) refuse(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	protocol.NewWriter(conn).WriteError("Server busy")
	conn.Close()
}

func (s *Server) track(st *connState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[st] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(st *connState) {
	s.mu.Lock()
	delete(s.conns, st)
	s.mu.Unlock()
}

func (s *Server) setBusy(st *connState, busy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.busy = busy
	return !s.closing
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.conns {
		if !st.busy {
			st.conn.Close()
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.conns {
		st.conn.Close()
	}
}
