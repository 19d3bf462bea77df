package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/protocol"
	"github.com/virelyx258/rstatus-server/internal/session"
)

// Keepalive probe settings once a connection has been idle for cfg.KeepAlive:
// probe every 10s, give up after 3 misses.
const (
	keepaliveInterval = 10 * time.Second
	keepaliveCount    = 3
)

// Frame outcomes for metrics
const (
	frameAccepted    = "accepted"
	frameOffline     = "offline"
	frameMalformed   = "malformed"
	frameUnsupported = "unsupported_type"
)

// Handler runs the read loop of one device connection
type Handler struct {
	cfg      *config.Config
	registry *device.Registry
	sessions *session.Manager
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewHandler creates a new connection handler
func NewHandler(cfg *config.Config, registry *device.Registry, sessions *session.Manager, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		metrics:  m,
		log:      log,
	}
}

// Handle reads frames until the device disconnects, sends the offline
// sentinel, or ctx is cancelled. Every registry entry bound to the connection
// is removed on the way out.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	sess := h.sessions.Create(conn)
	log := h.log.With(zap.String("session", sess.ID), zap.String("remote", sess.RemoteAddr))
	log.Info("new connection")

	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer func() {
		stop()
		for _, rec := range h.registry.RemoveHandle(sess) {
			log.Info("device offline (connection closed)", zap.String("device", rec.DisplayName))
		}
		sess.Close()
		h.sessions.End(sess.ID)
	}()

	if h.cfg.KeepAlive > 0 {
		if err := SetTCPKeepalive(conn, h.cfg.KeepAlive, keepaliveInterval, keepaliveCount); err != nil {
			log.Warn("failed to set TCP keepalive", zap.Error(err))
		}
	}

	source := device.AddressFrom(conn.RemoteAddr())
	buf := make([]byte, protocol.ChunkSize)
	for {
		if h.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			sess.AddRead(n)
			if !h.handleFrame(log, sess, source, buf[:n]) {
				return
			}
		}
		if err != nil {
			h.logReadError(ctx, log, err)
			return
		}
	}
}

// handleFrame applies one chunk. It returns false when the connection should
// be closed.
func (h *Handler) handleFrame(log *zap.Logger, sess *session.Session, source device.Address, chunk []byte) bool {
	upd, err := protocol.ParseFrame(chunk)
	if err != nil {
		result := frameMalformed
		if errors.Is(err, protocol.ErrUnsupportedType) {
			result = frameUnsupported
		}
		h.metrics.RecordFrame(result)
		log.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(chunk)))
		return true
	}

	sess.AddFrame()

	if upd.Action == protocol.ActionOffline {
		h.metrics.RecordFrame(frameOffline)
		for _, rec := range h.registry.Remove(upd.BaseName) {
			log.Info("device offline",
				zap.String("device", rec.DisplayName),
				zap.String("last_source", rec.Source.String()))
		}
		return false
	}

	h.metrics.RecordFrame(frameAccepted)
	res := h.registry.Upsert(upd, source, sess)
	if res.MigratedFrom != "" {
		log.Info("device type changed",
			zap.String("from", res.MigratedFrom),
			zap.String("to", res.DisplayName))
	}
	log.Debug("device report",
		zap.String("device", res.DisplayName),
		zap.String("status", upd.Status))
	return true
}

func (h *Handler) logReadError(ctx context.Context, log *zap.Logger, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		log.Info("connection closed on shutdown")
	case errors.Is(err, io.EOF):
		log.Info("connection closed by device")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Info("idle timeout", zap.Duration("idle_timeout", h.cfg.IdleTimeout))
	case errors.Is(err, net.ErrClosed):
		log.Info("connection closed")
	default:
		log.Warn("read error", zap.Error(err))
	}
}
