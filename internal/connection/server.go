package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/session"
)

// Server accepts device TCP connections and runs one handler goroutine each
type Server struct {
	cfg      *config.Config
	handler  *Handler
	listener net.Listener
	log      *zap.Logger
	handlers sync.WaitGroup
}

// NewServer creates a new connection server
func NewServer(cfg *config.Config, registry *device.Registry, sessions *session.Manager, m *metrics.Metrics, log *zap.Logger) *Server {
	log = log.Named("server")
	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg, registry, sessions, m, log.Named("conn")),
		log:     log,
	}
}

// Listen binds the TCP port. It is the only fatal error path of the server.
func (s *Server) Listen() error {
	addr := ":" + s.cfg.TCPPort
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	// Wrap with PROXY Protocol support if enabled
	if s.cfg.ProxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
		s.log.Info("PROXY protocol enabled")
	}

	s.listener = listener
	s.log.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for every
// handler to clean up its registry entries. Accept errors are logged and the
// loop continues.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("connection server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.handlers.Wait()
				return nil
			default:
			}
			// Repeated failures such as EMFILE back off up to 1s
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept error", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handler.Handle(ctx, conn)
		}()
	}
}

// Addr returns the server address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
